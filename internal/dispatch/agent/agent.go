// Package agent is the client for the external coding-agent API: launching a
// run against a repository and polling its status. Every call authenticates
// with the assignee's own API key, resolved from the credential store.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchbot/dispatch/internal/dispatch/retry"
)

// Status is the externally reported state of an agent run.
type Status string

const (
	StatusCreating Status = "CREATING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
	StatusExpired  Status = "EXPIRED"
)

// KeySource resolves a user's agent API key. Satisfied by *store.Store.
type KeySource interface {
	GetAgentAPIKey(userID string) (string, error)
}

// LaunchInput carries everything needed to start an agent run for a ticket
// against one target repository.
type LaunchInput struct {
	TicketKey     string
	Summary       string
	Description   string
	Repository    string
	Ref           string // empty means the repository's default branch
	AssigneeEmail string
	AutoCreatePR  bool
}

// LaunchResult reports a launch attempt. Failures are carried in Error
// rather than a Go error so callers can record them verbatim on the job run.
type LaunchResult struct {
	Success  bool
	AgentID  string
	AgentURL string
	Error    string
}

// StatusInput identifies the agent run to poll.
type StatusInput struct {
	AgentID       string
	AssigneeEmail string
}

// StatusResult reports one status poll. A false Success means the fetch
// itself failed (treated as transient by callers); terminal outcomes arrive
// with Success true and the corresponding Status.
type StatusResult struct {
	Success bool
	Status  Status
	PRURL   string
	Summary string
	Error   string
}

// Client talks to the coding-agent REST API.
type Client struct {
	baseURL      string
	keys         KeySource
	httpClient   *http.Client
	retryBackoff []time.Duration
}

// New creates an agent client. keys supplies the per-assignee API keys.
func New(baseURL string, keys KeySource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		keys:       keys,
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

// Launch starts an agent run for the given ticket and repository.
func (c *Client) Launch(ctx context.Context, input LaunchInput) LaunchResult {
	apiKey, err := c.keys.GetAgentAPIKey(input.AssigneeEmail)
	if err != nil {
		return LaunchResult{Error: fmt.Sprintf("resolving API key for %s: %v", input.AssigneeEmail, err)}
	}

	body := map[string]any{
		"prompt": map[string]any{"text": BuildPrompt(input)},
		"source": map[string]any{"repository": NormalizeRepositoryURL(input.Repository)},
		"target": map[string]any{"autoCreatePr": input.AutoCreatePR},
	}
	if input.Ref != "" {
		body["source"].(map[string]any)["ref"] = input.Ref
	}

	var resp struct {
		ID     string `json:"id"`
		Target struct {
			URL string `json:"url"`
		} `json:"target"`
	}
	if err := c.do(ctx, apiKey, http.MethodPost, "/v0/agents", body, &resp); err != nil {
		return LaunchResult{Error: err.Error()}
	}
	return LaunchResult{Success: true, AgentID: resp.ID, AgentURL: resp.Target.URL}
}

// GetStatus polls the current status of an agent run.
func (c *Client) GetStatus(ctx context.Context, input StatusInput) StatusResult {
	apiKey, err := c.keys.GetAgentAPIKey(input.AssigneeEmail)
	if err != nil {
		return StatusResult{Error: fmt.Sprintf("resolving API key for %s: %v", input.AssigneeEmail, err)}
	}

	var resp struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
		Target  struct {
			PRURL string `json:"prUrl"`
		} `json:"target"`
	}
	if err := c.do(ctx, apiKey, http.MethodGet, "/v0/agents/"+input.AgentID, nil, &resp); err != nil {
		return StatusResult{Error: err.Error()}
	}
	return StatusResult{
		Success: true,
		Status:  Status(resp.Status),
		PRURL:   resp.Target.PRURL,
		Summary: resp.Summary,
	}
}

// NormalizeRepositoryURL converts org/repo shorthand to a full URL. Full URLs
// pass through unchanged; anything else is handed to the API as-is for it to
// validate.
func NormalizeRepositoryURL(repository string) string {
	if strings.HasPrefix(repository, "https://github.com/") {
		return repository
	}
	if strings.Contains(repository, "/") && !strings.Contains(repository, "://") {
		return "https://github.com/" + repository
	}
	return repository
}

// BuildPrompt renders the agent prompt from the ticket data.
func BuildPrompt(input LaunchInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are dispatch-bot, an autonomous engineering agent that implements tracker tickets end-to-end. Deliver production-ready code that fully addresses the ticket requirements.

## Workflow
1. Understand the ticket requirements before writing any code
2. Explore the codebase to learn its patterns, conventions, and architecture
3. Plan the implementation approach
4. Implement clean, well-structured code following existing patterns
5. Add or update tests and verify existing tests pass
6. Self-review the changes for quality and edge cases

## Quality standards
- Follow existing code patterns and conventions in the repository
- Include appropriate error handling
- Keep changes focused: implement only what the ticket requires

---

## Ticket: %s

### Summary
%s`, input.TicketKey, input.Summary)

	if input.Description != "" {
		fmt.Fprintf(&b, "\n\n### Description\n%s", input.Description)
	}

	fmt.Fprintf(&b, `

---

Implement the changes described in ticket %s above. When complete, provide a concise summary of what you implemented and any important decisions you made.`, input.TicketKey)
	return b.String()
}

func (c *Client) do(ctx context.Context, apiKey, method, path string, body, out any) error {
	var opts []retry.Option
	if len(c.retryBackoff) > 0 {
		opts = append(opts, retry.WithBackoff(c.retryBackoff...))
	}
	return retry.Do(ctx, func() error {
		return c.doOnce(ctx, apiKey, method, path, body, out)
	}, opts...)
}

func (c *Client) doOnce(ctx context.Context, apiKey, method, path string, body, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+apiKey)
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
		return fmt.Errorf("agent API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.Permanent(fmt.Errorf("agent API returned HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
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
