// Package mcp provides the MCP server that exposes synced builds and test
// failure origins to LLM clients.
package mcp

// BuildSummary is one row of list_builds.
type BuildSummary struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	RevisionSHA string `json:"revision_sha"`
	Status      string `json:"status"`
	Result      string `json:"result"`
	Duration    *int64 `json:"duration_ms,omitempty"`
	Created     string `json:"created"`
}

// BuildDetail is the get_build response.
type BuildDetail struct {
	BuildSummary
	Project string      `json:"project"`
	Jobs    []JobDetail `json:"jobs"`
}

// JobDetail describes one job of a build family.
type JobDetail struct {
	ID       string        `json:"id"`
	Label    string        `json:"label"`
	Provider string        `json:"provider"`
	Status   string        `json:"status"`
	Result   string        `json:"result"`
	Duration *int64        `json:"duration_ms,omitempty"`
	URL      string        `json:"url,omitempty"`
	Phases   []PhaseDetail `json:"phases,omitempty"`
}

type PhaseDetail struct {
	Label  string `json:"label"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// FailureReport is the failure_origins response, split into failures this
// job introduced and failures it inherited from an earlier job.
type FailureReport struct {
	JobID     string    `json:"job_id"`
	Job       string    `json:"job"`
	Result    string    `json:"result"`
	New       []Failure `json:"new_failures"`
	Inherited []Failure `json:"inherited_failures"`
	// Omitted counts failures dropped by the per-tier limits.
	Omitted int `json:"omitted,omitempty"`
}

// Failure is a failing test group with its compressed failure messages.
type Failure struct {
	Name        string   `json:"name"`
	Result      string   `json:"result"`
	NumFailed   int      `json:"num_failed"`
	OriginJobID string   `json:"origin_job_id"`
	OriginLabel string   `json:"origin_label,omitempty"`
	Messages    []string `json:"messages,omitempty"`
	// Repeated counts failing cases whose message matched one already quoted.
	Repeated    int      `json:"repeated,omitempty"`
}
