// Package buildkite syncs builds from the Buildkite API.
package buildkite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"changes-agent/src/provider"
)

const (
	// APIBaseURL is the base URL for the Buildkite API.
	APIBaseURL = "https://api.buildkite.com/v2"
)

// Client is a Buildkite API client.
type Client struct {
	apiToken   string
	baseURL    string
	httpClient *http.Client
}

// Build represents a Buildkite build.
type Build struct {
	ID         string            `json:"id"`
	Number     int               `json:"number"`
	State      string            `json:"state"`
	WebURL     string            `json:"web_url"`
	Commit     string            `json:"commit"`
	Branch     string            `json:"branch"`
	Message    string            `json:"message"`
	MetaData   map[string]string `json:"meta_data"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
	Jobs       []Job             `json:"jobs"`
}

// Job represents a Buildkite job within a build.
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	StepKey    string     `json:"step_key"`
	State      string     `json:"state"`
	ExitStatus *int       `json:"exit_status"`
	Agent      *Agent     `json:"agent"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Agent is the machine a job ran on.
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
}

// Artifact represents a build artifact.
type Artifact struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	Path        string `json:"path"`
	DownloadURL string `json:"download_url"`
	FileSize    int64  `json:"file_size"`
}

// CreateBuildRequest is the body of a new build request.
type CreateBuildRequest struct {
	Commit   string            `json:"commit"`
	Branch   string            `json:"branch"`
	Message  string            `json:"message,omitempty"`
	MetaData map[string]string `json:"meta_data,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// NewClient creates a new Buildkite API client. An empty baseURL uses
// APIBaseURL.
func NewClient(apiToken, baseURL string) *Client {
	if baseURL == "" {
		baseURL = APIBaseURL
	}
	return &Client{
		apiToken: apiToken,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) pipelineURL(org, pipeline string) string {
	return fmt.Sprintf("%s/organizations/%s/pipelines/%s", c.baseURL, url.PathEscape(org), url.PathEscape(pipeline))
}

// ListBuilds fetches the most recent builds of a pipeline.
func (c *Client) ListBuilds(ctx context.Context, org, pipeline string, perPage int) ([]Build, error) {
	u := fmt.Sprintf("%s/builds?per_page=%d", c.pipelineURL(org, pipeline), perPage)
	var builds []Build
	if err := c.do(ctx, http.MethodGet, u, nil, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}

// GetBuild fetches a build's metadata from the Buildkite API.
func (c *Client) GetBuild(ctx context.Context, org, pipeline, buildNumber string) (*Build, error) {
	u := fmt.Sprintf("%s/builds/%s", c.pipelineURL(org, pipeline), buildNumber)
	var build Build
	if err := c.do(ctx, http.MethodGet, u, nil, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// CreateBuild starts a new build of a pipeline.
func (c *Client) CreateBuild(ctx context.Context, org, pipeline string, req CreateBuildRequest) (*Build, error) {
	u := c.pipelineURL(org, pipeline) + "/builds"
	var build Build
	if err := c.do(ctx, http.MethodPost, u, req, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// GetJobArtifacts fetches the list of artifacts for a specific job.
func (c *Client) GetJobArtifacts(ctx context.Context, org, pipeline, buildNumber, jobID string) ([]Artifact, error) {
	u := fmt.Sprintf("%s/builds/%s/jobs/%s/artifacts", c.pipelineURL(org, pipeline), buildNumber, jobID)
	var artifacts []Artifact
	err := c.do(ctx, http.MethodGet, u, nil, &artifacts)
	if err != nil {
		// 404 is OK - job might not have artifacts
		if apiErr, ok := err.(*provider.APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return []Artifact{}, nil
		}
		return nil, err
	}
	return artifacts, nil
}

// DownloadArtifact downloads the content of an artifact by its download URL.
func (c *Client) DownloadArtifact(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ReadError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact content: %w", err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, u string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiToken))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.ReadError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
