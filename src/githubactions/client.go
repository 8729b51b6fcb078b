// Package githubactions syncs workflow runs from the GitHub Actions API.
package githubactions

import (
	"archive/zip"
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

// APIBaseURL is the public GitHub API.
const APIBaseURL = "https://api.github.com"

// Client is a GitHub Actions API client
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new GitHub Actions client. An empty baseURL uses
// APIBaseURL.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = APIBaseURL
	}
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// RunFilter narrows ListWorkflowRuns.
type RunFilter struct {
	HeadSHA string
	Event   string
	PerPage int
}

// ListWorkflowRuns fetches the most recent runs of a workflow, newest first.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, workflow string, f RunFilter) ([]WorkflowRun, error) {
	q := url.Values{}
	if f.PerPage > 0 {
		q.Set("per_page", fmt.Sprintf("%d", f.PerPage))
	}
	if f.HeadSHA != "" {
		q.Set("head_sha", f.HeadSHA)
	}
	if f.Event != "" {
		q.Set("event", f.Event)
	}
	u := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?%s",
		c.baseURL, owner, repo, url.PathEscape(workflow), q.Encode())

	var runs WorkflowRunsResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &runs); err != nil {
		return nil, err
	}
	return runs.WorkflowRuns, nil
}

// GetWorkflowRun fetches workflow run metadata
func (c *Client) GetWorkflowRun(ctx context.Context, owner, repo, runID string) (*WorkflowRun, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%s", c.baseURL, owner, repo, runID)
	var run WorkflowRun
	if err := c.do(ctx, http.MethodGet, u, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetWorkflowJobs fetches jobs for a workflow run (handles pagination)
func (c *Client) GetWorkflowJobs(ctx context.Context, owner, repo, runID string) ([]WorkflowJob, error) {
	var allJobs []WorkflowJob
	page := 1
	perPage := 100 // GitHub's max per page

	for {
		u := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%s/jobs?per_page=%d&page=%d",
			c.baseURL, owner, repo, runID, perPage, page)

		var jobsResp WorkflowJobsResponse
		if err := c.do(ctx, http.MethodGet, u, nil, &jobsResp); err != nil {
			return nil, err
		}
		allJobs = append(allJobs, jobsResp.Jobs...)

		if len(allJobs) >= jobsResp.TotalCount || len(jobsResp.Jobs) < perPage {
			break
		}
		page++
	}

	return allJobs, nil
}

// DispatchWorkflow fires a workflow_dispatch event. GitHub does not return
// the run it creates.
func (c *Client) DispatchWorkflow(ctx context.Context, owner, repo, workflow string, req DispatchRequest) error {
	u := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches", c.baseURL, owner, repo, url.PathEscape(workflow))
	return c.do(ctx, http.MethodPost, u, req, nil)
}

// GetArtifacts fetches artifacts for a workflow run
func (c *Client) GetArtifacts(ctx context.Context, owner, repo, runID string) ([]Artifact, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%s/artifacts", c.baseURL, owner, repo, runID)
	var artifactsResp ArtifactsResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &artifactsResp); err != nil {
		return nil, err
	}
	return artifactsResp.Artifacts, nil
}

// DownloadArtifact downloads and extracts artifact zip
func (c *Client) DownloadArtifact(ctx context.Context, downloadURL string) (map[string][]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ReadError(resp)
	}

	zipData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	zipReader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact archive: %w", err)
	}

	files := make(map[string][]byte)
	for _, file := range zipReader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		content, err := readZipFile(file)
		if err != nil {
			return nil, err
		}
		files[file.Name] = content
	}

	return files, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	return req, nil
}

// do sends a JSON request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, u string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.ReadError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
