package escalatorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Escalator HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// BearerToken wins over ActorID when both are set.
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type EscalationPolicy struct {
	TriggerAfterHours    int      `json:"trigger_after_hours"`
	SLAHours             *int     `json:"sla_hours,omitempty"`
	EscalateTo           string   `json:"escalate_to"`
	EscalationPath       []string `json:"escalation_path,omitempty"`
	NotifyRoles          []string `json:"notify_roles,omitempty"`
	NotificationChannels []string `json:"notification_channels,omitempty"`
	AutoReassign         bool     `json:"auto_reassign"`
}

// RuleInput is the body of a rule create call.
type RuleInput struct {
	ID            string            `json:"id,omitempty"`
	ItemType      string            `json:"item_type"`
	TriggerType   string            `json:"trigger_type"`
	TriggerConfig map[string]any    `json:"trigger_config,omitempty"`
	ActionType    string            `json:"action_type"`
	ActionConfig  map[string]any    `json:"action_config,omitempty"`
	Escalation    *EscalationPolicy `json:"escalation,omitempty"`
	IsActive      *bool             `json:"is_active,omitempty"`
}

type Rule struct {
	ID            string            `json:"id"`
	WorkspaceID   string            `json:"workspace_id"`
	ItemType      string            `json:"item_type"`
	TriggerType   string            `json:"trigger_type"`
	TriggerConfig map[string]any    `json:"trigger_config"`
	ActionType    string            `json:"action_type"`
	ActionConfig  map[string]any    `json:"action_config"`
	Escalation    *EscalationPolicy `json:"escalation,omitempty"`
	IsActive      bool              `json:"is_active"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// EventInput is a domain event reported by the item source of truth.
type EventInput struct {
	ID         string         `json:"id,omitempty"`
	ItemID     string         `json:"item_id"`
	Kind       string         `json:"kind"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Event struct {
	ID          string         `json:"id"`
	ItemID      string         `json:"item_id"`
	ItemType    string         `json:"item_type"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	FromStatus  string         `json:"from_status,omitempty"`
	ToStatus    string         `json:"to_status,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Source      string         `json:"source"`
	RuleID      string         `json:"rule_id,omitempty"`
	Level       int            `json:"level,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Activity is one audit entry of a rule firing.
type Activity struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	ItemID      string    `json:"item_id"`
	EventID     string    `json:"event_id,omitempty"`
	EventKind   string    `json:"event_kind"`
	Level       int       `json:"level,omitempty"`
	FiredAt     time.Time `json:"fired_at"`
	ActionTaken string    `json:"action_taken"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

type IngestResult struct {
	Event    Event      `json:"event"`
	Activity []Activity `json:"activity"`
}

type ActivityQuery struct {
	RuleID  string
	ItemID  string
	Outcome string
	Limit   int
}

type State struct {
	ItemID          string     `json:"item_id"`
	RuleID          string     `json:"rule_id"`
	Status          string     `json:"status"`
	Level           int        `json:"level"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	AnchorAt        time.Time  `json:"anchor_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type ScanReport struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Rules      int       `json:"rules"`
	Items      int       `json:"items"`
	Evaluated  int       `json:"evaluated"`
	Fired      int       `json:"fired"`
	Failed     int       `json:"failed"`
	ClaimsLost int       `json:"claims_lost"`
	Released   int       `json:"released"`
}

type JournalEntry struct {
	Seq   int64 `json:"seq"`
	Event Event `json:"event"`
}

// PaginatedJournal wraps journal listings with cursors.
type PaginatedJournal struct {
	Items      []JournalEntry `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRule creates a rule in a workspace.
func (c *Client) CreateRule(ctx context.Context, workspaceID string, in RuleInput) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workspaces/%s/rules", url.PathEscape(workspaceID)), in, &resp)
	return resp, err
}

// ListRules lists the rules of a workspace.
func (c *Client) ListRules(ctx context.Context, workspaceID string, activeOnly bool) ([]Rule, error) {
	endpoint := fmt.Sprintf("workspaces/%s/rules", url.PathEscape(workspaceID))
	if activeOnly {
		endpoint += "?active_only=true"
	}
	var resp []Rule
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetRule(ctx context.Context, id string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodGet, "rules/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetRuleActive activates or deactivates a rule.
func (c *Client) SetRuleActive(ctx context.Context, id string, active bool) (Rule, error) {
	verb := "deactivate"
	if active {
		verb = "activate"
	}
	var resp Rule
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("rules/%s/%s", url.PathEscape(id), verb), nil, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

// IngestEvent reports a domain event and returns the activity it produced.
func (c *Client) IngestEvent(ctx context.Context, in EventInput) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "events", in, &resp)
	return resp, err
}

// Activity lists rule activity, newest first.
func (c *Client) Activity(ctx context.Context, q ActivityQuery) ([]Activity, error) {
	v := url.Values{}
	if q.RuleID != "" {
		v.Set("rule_id", q.RuleID)
	}
	if q.ItemID != "" {
		v.Set("item_id", q.ItemID)
	}
	if q.Outcome != "" {
		v.Set("outcome", q.Outcome)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "activity"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp []Activity
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// JournalPage returns one page of journaled events.
func (c *Client) JournalPage(ctx context.Context, itemID string, limit int, cursor string) (PaginatedJournal, error) {
	v := url.Values{}
	if itemID != "" {
		v.Set("item_id", itemID)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	endpoint := "journal"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedJournal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) States(ctx context.Context, itemID string) ([]State, error) {
	var resp []State
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("items/%s/states", url.PathEscape(itemID)), nil, &resp)
	return resp, err
}

// ResetStates clears escalation states of an item, or only of ruleID if set.
func (c *Client) ResetStates(ctx context.Context, itemID, ruleID string) (int, error) {
	var body any
	if ruleID != "" {
		body = map[string]string{"rule_id": ruleID}
	}
	var resp struct {
		Reset int `json:"reset"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("items/%s/states/reset", url.PathEscape(itemID)), body, &resp)
	return resp.Reset, err
}

// Scan runs one timer and SLA pass on the server.
func (c *Client) Scan(ctx context.Context) (ScanReport, error) {
	var resp ScanReport
	err := c.do(ctx, http.MethodPost, "scan", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
