package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	TaskRuns.WithLabelValues("sync_job", "ok").Inc()

	ready := false
	server := httptest.NewServer(Router(reg, func() bool { return ready }))
	defer server.Close()

	tests := []struct {
		name     string
		path     string
		ready    bool
		wantCode int
		wantBody string
	}{
		{"metrics", "/metrics", false, http.StatusOK, `changes_task_runs_total{outcome="ok",task="sync_job"}`},
		{"not ready", "/healthz", false, http.StatusServiceUnavailable, "not ready"},
		{"ready", "/healthz", true, http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready = tt.ready
			resp, err := http.Get(server.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body does not contain %q:\n%s", tt.wantBody, body)
			}
		})
	}
}

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(reg); err != nil {
		t.Errorf("second Register() error = %v", err)
	}
}
