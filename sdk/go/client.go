package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lead represents the API lead model (partial).
type Lead struct {
	ID            string `json:"id"`
	FormID        string `json:"form_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	City          string `json:"city"`
	Status        string `json:"status"`
	CoordinatorID string `json:"coordinator_id,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	ReportRef     string `json:"report_ref,omitempty"`
}

// BatchResult reports an ingestion run.
type BatchResult struct {
	BatchID string   `json:"batch_id"`
	FormID  string   `json:"form_id"`
	Count   int      `json:"count"`
	LeadIDs []string `json:"lead_ids"`
}

// SkippedItem explains a passed-over bulk entry.
type SkippedItem struct {
	LeadID string `json:"lead_id"`
	Reason string `json:"reason"`
}

// BulkAssignResult reports a best-effort bulk assignment.
type BulkAssignResult struct {
	AgentID  string        `json:"agent_id"`
	Assigned []string      `json:"assigned"`
	Skipped  []SkippedItem `json:"skipped,omitempty"`
}

// Event represents a change-feed entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	FormID       string         `json:"form_id,omitempty"`
	ResourceKind string         `json:"resource_kind"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ScopeKey     string         `json:"scope_key,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestBatch uploads a CSV lead batch to a form.
func (c *Client) IngestBatch(ctx context.Context, formID, csvData, coordinatorID string) (BatchResult, error) {
	body := map[string]any{"csv": csvData}
	if coordinatorID != "" {
		body["coordinator_id"] = coordinatorID
	}
	var resp BatchResult
	endpoint := fmt.Sprintf("v0/forms/%s/batches", url.PathEscape(formID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AssignAgent assigns one lead to a field agent.
func (c *Client) AssignAgent(ctx context.Context, leadID, agentID string) (Lead, error) {
	var resp Lead
	endpoint := fmt.Sprintf("v0/leads/%s/assign", url.PathEscape(leadID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// BulkAssignAgents assigns leads named by a CSV reference sheet.
func (c *Client) BulkAssignAgents(ctx context.Context, agentID, csvData string) (BulkAssignResult, error) {
	var resp BulkAssignResult
	err := c.do(ctx, http.MethodPost, "v0/leads/assign/bulk", map[string]any{
		"agent_id": agentID,
		"csv":      csvData,
	}, &resp)
	return resp, err
}

// SubmitVerification records the terminal outcome for a lead.
func (c *Client) SubmitVerification(ctx context.Context, leadID string, identityConfirmed, detailsConfirmed bool, result any, reportRef string) (Lead, error) {
	body := map[string]any{
		"identity_confirmed": identityConfirmed,
		"details_confirmed":  detailsConfirmed,
	}
	if result != nil {
		body["result"] = result
	}
	if reportRef != "" {
		body["report_ref"] = reportRef
	}
	var resp Lead
	endpoint := fmt.Sprintf("v0/leads/%s/verification", url.PathEscape(leadID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetLead fetches a lead by id.
func (c *Client) GetLead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	endpoint := fmt.Sprintf("v0/leads/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
