package buildkite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"changes-agent/src/provider"
)

func TestNewClient(t *testing.T) {
	client := NewClient("test-api-token", "")

	if client == nil {
		t.Fatal("NewClient() returned nil")
	}
	if client.apiToken != "test-api-token" {
		t.Errorf("NewClient() apiToken = %v, want test-api-token", client.apiToken)
	}
	if client.baseURL != APIBaseURL {
		t.Errorf("NewClient() baseURL = %v, want %v", client.baseURL, APIBaseURL)
	}
	if client.httpClient == nil {
		t.Error("NewClient() httpClient is nil")
	}
}

func TestClient_ListBuilds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/organizations/acme/pipelines/web/builds" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("per_page") != "10" {
			t.Errorf("per_page = %s", r.URL.Query().Get("per_page"))
		}
		w.Write([]byte(`[{"id":"b-1","number":7,"state":"running","created_at":"2024-01-01T00:00:00Z"}]`))
	}))
	defer server.Close()

	builds, err := NewClient("secret", server.URL).ListBuilds(context.Background(), "acme", "web", 10)
	if err != nil {
		t.Fatalf("ListBuilds() error = %v", err)
	}
	if len(builds) != 1 || builds[0].Number != 7 || builds[0].State != "running" {
		t.Errorf("ListBuilds() = %+v", builds)
	}
}

func TestClient_CreateBuild(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req CreateBuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Commit != "abc" || req.MetaData["changes_job_id"] != "job-1" {
			t.Errorf("request = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"b-2","number":8,"state":"scheduled"}`))
	}))
	defer server.Close()

	b, err := NewClient("secret", server.URL).CreateBuild(context.Background(), "acme", "web", CreateBuildRequest{
		Commit:   "abc",
		Branch:   "main",
		MetaData: map[string]string{"changes_job_id": "job-1"},
	})
	if err != nil {
		t.Fatalf("CreateBuild() error = %v", err)
	}
	if b.ID != "b-2" {
		t.Errorf("CreateBuild() id = %s, want b-2", b.ID)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, provider.ErrAuthFailed},
		{"missing", http.StatusNotFound, provider.ErrBuildNotFound},
		{"rate limited", http.StatusTooManyRequests, provider.ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			_, err := NewClient("secret", server.URL).GetBuild(context.Background(), "acme", "web", "1")
			if !errors.Is(err, tt.want) {
				t.Errorf("GetBuild() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClient_GetJobArtifactsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	artifacts, err := NewClient("secret", server.URL).GetJobArtifacts(context.Background(), "acme", "web", "1", "j-1")
	if err != nil {
		t.Fatalf("GetJobArtifacts() error = %v", err)
	}
	if len(artifacts) != 0 {
		t.Errorf("GetJobArtifacts() = %v, want empty", artifacts)
	}
}
