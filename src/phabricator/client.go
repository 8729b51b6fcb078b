// Package phabricator polls Differential revisions and diffs into changes
// and patches.
package phabricator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"changes-agent/src/provider"
)

// Client calls Conduit methods.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ConduitError is an error reported in a Conduit response body.
type ConduitError struct {
	Code string
	Info string
}

func (e *ConduitError) Error() string {
	return fmt.Sprintf("conduit error %s: %s", e.Code, e.Info)
}

func (e *ConduitError) Unwrap() error {
	if e.Code == "ERR-INVALID-AUTH" {
		return provider.ErrAuthFailed
	}
	return nil
}

// flexString accepts JSON strings and numbers; Conduit uses both for ids
// and timestamps.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Time reads f as unix seconds.
func (f flexString) Time() time.Time {
	secs, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

// Revision is a differential.query result.
type Revision struct {
	ID           flexString `json:"id"`
	Title        string     `json:"title"`
	URI          string     `json:"uri"`
	Status       flexString `json:"status"`
	DateCreated  flexString `json:"dateCreated"`
	DateModified flexString `json:"dateModified"`
}

// Diff is a differential.querydiffs result.
type Diff struct {
	ID                        flexString `json:"id"`
	RevisionID                flexString `json:"revisionID"`
	Description               string     `json:"description"`
	SourceControlBaseRevision string     `json:"sourceControlBaseRevision"`
	DateCreated               flexString `json:"dateCreated"`
}

// QueryRevisions lists the newest revisions of an Arcanist project.
func (c *Client) QueryRevisions(ctx context.Context, arcProject string, limit int) ([]Revision, error) {
	params := url.Values{}
	params.Set("arcanistProjects[0]", arcProject)
	params.Set("limit", strconv.Itoa(limit))

	var revs []Revision
	if err := c.call(ctx, "differential.query", params, &revs); err != nil {
		return nil, err
	}
	return revs, nil
}

// CommitMessage returns the commit message Phabricator built for a
// revision.
func (c *Client) CommitMessage(ctx context.Context, revisionID string) (string, error) {
	params := url.Values{}
	params.Set("revision_id", revisionID)

	var msg string
	if err := c.call(ctx, "differential.getcommitmessage", params, &msg); err != nil {
		return "", err
	}
	return msg, nil
}

// QueryDiffs returns the diffs of a revision keyed by diff id.
func (c *Client) QueryDiffs(ctx context.Context, revisionID string) (map[string]Diff, error) {
	params := url.Values{}
	params.Set("revisionIDs[0]", revisionID)

	var raw json.RawMessage
	if err := c.call(ctx, "differential.querydiffs", params, &raw); err != nil {
		return nil, err
	}
	diffs := make(map[string]Diff)
	// An empty PHP array encodes as [].
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] == '[' {
		return diffs, nil
	}
	if err := json.Unmarshal(raw, &diffs); err != nil {
		return nil, fmt.Errorf("failed to decode diffs: %w", err)
	}
	return diffs, nil
}

func (c *Client) call(ctx context.Context, method string, params url.Values, out interface{}) error {
	params.Set("api.token", c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.ReadError(resp)
	}

	var body struct {
		Result    json.RawMessage `json:"result"`
		ErrorCode *string         `json:"error_code"`
		ErrorInfo string          `json:"error_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if body.ErrorCode != nil {
		return &ConduitError{Code: *body.ErrorCode, Info: body.ErrorInfo}
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
