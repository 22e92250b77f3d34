// Package tracker is a typed client for the issue tracker's REST API: JQL
// search, label edits, comments, changelog attribution, and the dev-status
// endpoint that reports pull requests linked to an issue.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dispatchbot/dispatch/internal/dispatch/retry"
)

// Issue is a tracker issue as seen by the polling services.
type Issue struct {
	Key           string
	Summary       string
	Description   string
	AssigneeEmail string
	Labels        []string
}

// PullRequest is one PR entry from the dev-status endpoint.
type PullRequest struct {
	URL    string
	Status string // OPEN, MERGED, DECLINED
}

// DevStatus is the development information linked to an issue.
type DevStatus struct {
	PullRequests []PullRequest
}

// Client talks to the tracker REST API. The API token is sent as a bearer
// token (personal access token style).
type Client struct {
	baseURL      string
	apiToken     string
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// New creates a tracker client for the given base URL and API token.
func New(baseURL, apiToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   apiToken,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *Client) { c.retryBackoff = delays }
}

// SearchIssues runs a JQL query and returns the matching issues with the
// fields the polling services need.
func (c *Client) SearchIssues(ctx context.Context, jql string) ([]Issue, error) {
	body := map[string]any{
		"jql":        jql,
		"fields":     []string{"summary", "description", "assignee", "labels"},
		"maxResults": 100,
	}

	var result struct {
		Issues []issueNode `json:"issues"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/search", body, &result); err != nil {
		return nil, fmt.Errorf("searching issues: %w", err)
	}

	issues := make([]Issue, len(result.Issues))
	for i, n := range result.Issues {
		issues[i] = n.toIssue()
	}
	return issues, nil
}

// RemoveLabel removes the given label from the issue. Removing a label that
// is not present is a no-op on the tracker side.
func (c *Client) RemoveLabel(ctx context.Context, issueKey, label string) error {
	body := map[string]any{
		"update": map[string]any{
			"labels": []map[string]string{{"remove": label}},
		},
	}
	if err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+url.PathEscape(issueKey), body, nil); err != nil {
		return fmt.Errorf("removing label %q from %s: %w", label, issueKey, err)
	}
	return nil
}

// AddComment posts a comment on the issue.
func (c *Client) AddComment(ctx context.Context, issueKey, text string) error {
	body := map[string]any{"body": text}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+url.PathEscape(issueKey)+"/comment", body, nil); err != nil {
		return fmt.Errorf("adding comment to %s: %w", issueKey, err)
	}
	return nil
}

// FindLabelApplier returns the email of the user who most recently added the
// given label to the issue, or "" if the changelog does not show one. Lookup
// failures also return "": attribution is best-effort and never blocks
// ingestion.
func (c *Client) FindLabelApplier(ctx context.Context, issueKey, label string) string {
	var result struct {
		Changelog struct {
			Histories []struct {
				Author struct {
					EmailAddress string `json:"emailAddress"`
				} `json:"author"`
				Items []struct {
					Field string `json:"field"`
					From  string `json:"fromString"`
					To    string `json:"toString"`
				} `json:"items"`
			} `json:"histories"`
		} `json:"changelog"`
	}

	path := "/rest/api/2/issue/" + url.PathEscape(issueKey) + "?expand=changelog"
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return ""
	}

	// Histories come most recent first; the first entry that added the label
	// wins.
	for _, h := range result.Changelog.Histories {
		for _, item := range h.Items {
			if item.Field == "labels" &&
				strings.Contains(item.To, label) &&
				!strings.Contains(item.From, label) {
				return h.Author.EmailAddress
			}
		}
	}
	return ""
}

// GetDevStatus returns the pull requests linked to the issue via the
// dev-status endpoint, or nil if the tracker has no development information
// for it.
func (c *Client) GetDevStatus(ctx context.Context, issueKey string) (*DevStatus, error) {
	// The dev-status endpoint keys on the numeric issue id, not the key.
	var issue struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(issueKey)+"?fields=id", nil, &issue); err != nil {
		return nil, fmt.Errorf("resolving issue id for %s: %w", issueKey, err)
	}

	var result struct {
		Detail []struct {
			PullRequests []struct {
				URL    string `json:"url"`
				Status string `json:"status"`
			} `json:"pullRequests"`
		} `json:"detail"`
	}
	path := "/rest/dev-status/1.0/issue/detail?issueId=" + url.QueryEscape(issue.ID) +
		"&applicationType=GitHub&dataType=pullrequest"
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching dev status for %s: %w", issueKey, err)
	}

	var ds DevStatus
	for _, d := range result.Detail {
		for _, pr := range d.PullRequests {
			ds.PullRequests = append(ds.PullRequests, PullRequest{URL: pr.URL, Status: pr.Status})
		}
	}
	if len(ds.PullRequests) == 0 {
		return nil, nil
	}
	return &ds, nil
}

// statusError carries the HTTP status of a failed request.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tracker API returned HTTP %d: %s", e.status, truncate(e.body, 200))
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

// do sends one API request, retrying on transient failures (HTTP 5xx and
// network errors) with backoff. 4xx responses are permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.Do(ctx, func() error {
		return c.doOnce(ctx, method, path, body, out)
	}, opts...)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshaling request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return &statusError{status: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.Permanent(&statusError{status: resp.StatusCode, body: string(respBody)})
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// issueNode is the API response shape for an issue.
type issueNode struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string   `json:"summary"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
		Assignee    *struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"assignee"`
	} `json:"fields"`
}

func (n issueNode) toIssue() Issue {
	issue := Issue{
		Key:         n.Key,
		Summary:     n.Fields.Summary,
		Description: n.Fields.Description,
		Labels:      n.Fields.Labels,
	}
	if n.Fields.Assignee != nil {
		issue.AssigneeEmail = n.Fields.Assignee.EmailAddress
	}
	return issue
}
