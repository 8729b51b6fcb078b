// Package jenkins syncs builds from a Jenkins build farm.
package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"changes-agent/src/provider"
)

// Client is a Jenkins JSON API client.
type Client struct {
	baseURL    string
	user       string
	token      string
	httpClient *http.Client
}

// NewClient creates a Jenkins client. user and token may be empty for
// anonymous access.
func NewClient(baseURL, user, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Location headers are read, not followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Build is a Jenkins build as returned by /job/{name}/{n}/api/json.
type Build struct {
	Number    int      `json:"number"`
	URL       string   `json:"url"`
	Building  bool     `json:"building"`
	Result    string   `json:"result"`
	Timestamp int64    `json:"timestamp"` // ms since epoch
	Duration  int64    `json:"duration"`  // ms
	BuiltOn   string   `json:"builtOn"`
	Actions   []Action `json:"actions"`
}

// Action carries the parameters and causes of a build.
type Action struct {
	Parameters []Parameter `json:"parameters"`
	Causes     []Cause     `json:"causes"`
}

type Parameter struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Cause links a downstream build to the build that triggered it.
type Cause struct {
	UpstreamProject string `json:"upstreamProject"`
	UpstreamBuild   int    `json:"upstreamBuild"`
}

// Param returns the string value of the named build parameter.
func (b *Build) Param(name string) string {
	for _, a := range b.Actions {
		for _, p := range a.Parameters {
			if p.Name == name && p.Value != nil {
				return fmt.Sprint(p.Value)
			}
		}
	}
	return ""
}

// TriggeredBy reports whether b was started by build number of project.
func (b *Build) TriggeredBy(project string, number int) bool {
	for _, a := range b.Actions {
		for _, c := range a.Causes {
			if c.UpstreamProject == project && c.UpstreamBuild == number {
				return true
			}
		}
	}
	return false
}

// QueueItem is a build request waiting for an executor.
type QueueItem struct {
	ID         int64  `json:"id"`
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
	} `json:"executable"`
}

// TestReport is /job/{name}/{n}/testReport/api/json.
type TestReport struct {
	Suites []ReportSuite `json:"suites"`
}

type ReportSuite struct {
	Name  string       `json:"name"`
	Cases []ReportCase `json:"cases"`
}

type ReportCase struct {
	ClassName       string  `json:"className"`
	Name            string  `json:"name"`
	Duration        float64 `json:"duration"` // seconds
	Status          string  `json:"status"`
	ErrorDetails    string  `json:"errorDetails"`
	ErrorStackTrace string  `json:"errorStackTrace"`
	SkippedMessage  string  `json:"skippedMessage"`
}

// jobPath maps "folder/name" onto Jenkins' /job/folder/job/name.
func jobPath(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "/") {
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}

// TriggerBuild queues a parameterized build and returns the queue item id.
func (c *Client) TriggerBuild(ctx context.Context, jobName string, params url.Values) (int64, error) {
	u := c.baseURL + jobPath(jobName) + "/buildWithParameters"
	req, err := c.newRequest(ctx, http.MethodPost, u, strings.NewReader(params.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusSeeOther && resp.StatusCode != http.StatusOK {
		return 0, provider.ReadError(resp)
	}
	return queueItemID(resp.Header.Get("Location"))
}

// queueItemID parses ".../queue/item/{id}/".
func queueItemID(location string) (int64, error) {
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-2] != "item" || parts[len(parts)-3] != "queue" {
		return 0, fmt.Errorf("unexpected queue location %q", location)
	}
	id, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected queue location %q: %w", location, err)
	}
	return id, nil
}

// GetQueueItem fetches a queue item.
func (c *Client) GetQueueItem(ctx context.Context, itemID string) (*QueueItem, error) {
	var item QueueItem
	if err := c.getJSON(ctx, c.baseURL+"/queue/item/"+url.PathEscape(itemID)+"/api/json", &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetBuild fetches one build.
func (c *Client) GetBuild(ctx context.Context, jobName, number string) (*Build, error) {
	var b Build
	if err := c.getJSON(ctx, c.baseURL+jobPath(jobName)+"/"+url.PathEscape(number)+"/api/json", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBuilds fetches the newest limit builds of a job with their
// parameters and causes.
func (c *Client) ListBuilds(ctx context.Context, jobName string, limit int) ([]Build, error) {
	tree := fmt.Sprintf("builds[number,url,building,result,timestamp,duration,builtOn,actions[parameters[name,value],causes[upstreamProject,upstreamBuild]]]{0,%d}", limit)
	u := c.baseURL + jobPath(jobName) + "/api/json?tree=" + url.QueryEscape(tree)
	var out struct {
		Builds []Build `json:"builds"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}

// GetTestReport fetches a build's test report. Builds without one return
// nil.
func (c *Client) GetTestReport(ctx context.Context, jobName, number string) (*TestReport, error) {
	var r TestReport
	err := c.getJSON(ctx, c.baseURL+jobPath(jobName)+"/"+url.PathEscape(number)+"/testReport/api/json", &r)
	if errors.Is(err, provider.ErrBuildNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body *strings.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, body)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.ReadError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
