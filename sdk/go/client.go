package raidlinesdk

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
)

// Client is a minimal Raidline HTTP API client acting as one agent.
type Client struct {
	BaseURL     string
	Agent       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agent string) *Client {
	return &Client{
		BaseURL: baseURL,
		Agent:   agent,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model (partial).
type Agent struct {
	Name        string  `json:"name"`
	Class       string  `json:"class"`
	Model       string  `json:"model"`
	Transport   string  `json:"transport"`
	Zone        string  `json:"zone,omitempty"`
	Status      string  `json:"status,omitempty"`
	TokensUsed  int     `json:"tokens_used"`
	TokensLimit int     `json:"tokens_limit"`
	LastSeen    string  `json:"last_seen"`
	Stale       bool    `json:"stale"`
	HP          string  `json:"hp,omitempty"`
	MinutesSeen float64 `json:"minutes_since_seen"`
}

type Registration struct {
	Agent       Agent    `json:"agent"`
	Permissions []string `json:"permissions"`
	StaleAfter  string   `json:"stale_after"`
	Onboarding  []string `json:"onboarding,omitempty"`
}

type Message struct {
	ID        int64   `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Body      string  `json:"body"`
	Trigger   *string `json:"trigger,omitempty"`
	IsCC      bool    `json:"is_cc"`
	CreatedAt string  `json:"created_at"`
}

type SendResult struct {
	Message  Message  `json:"message"`
	CopiedTo []string `json:"copied_to,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type Inbox struct {
	Agent    string    `json:"agent"`
	Messages []Message `json:"messages"`
	Reminder string    `json:"reminder,omitempty"`
}

type Claim struct {
	Path       string `json:"path"`
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquired_at"`
}

type ClaimResult struct {
	Claim   Claim `json:"claim"`
	Renewed bool  `json:"renewed"`
}

type Release struct {
	Path     string `json:"path"`
	Holder   string `json:"holder"`
	Notified string `json:"notified,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	SpecPath      string   `json:"spec_path"`
	Project       string   `json:"project,omitempty"`
	Zone          string   `json:"zone,omitempty"`
	Status        string   `json:"status"`
	Assignee      *string  `json:"assignee,omitempty"`
	ActivityCount int      `json:"activity_count"`
	ResultPath    *string  `json:"result_path,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
}

type TaskUpdate struct {
	Task     Task     `json:"task"`
	Warnings []string `json:"warnings,omitempty"`
}

type BattlePlan struct {
	ID      int64  `json:"id"`
	Author  string `json:"author"`
	Body    string `json:"body"`
	Status  string `json:"status"`
	Project string `json:"project,omitempty"`
	Zone    string `json:"zone,omitempty"`
}

type RaidEntry struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
}

type Manifest struct {
	ID    string   `json:"id"`
	Agent string   `json:"agent"`
	Paths []string `json:"paths"`
	Note  string   `json:"note,omitempty"`
}

// Briefing is the cold start payload.
type Briefing struct {
	Agent     Agent        `json:"agent"`
	Plans     []BattlePlan `json:"plans"`
	RaidLog   []RaidEntry  `json:"raid_log"`
	Tasks     []Task       `json:"tasks"`
	Agents    []Agent      `json:"agents"`
	Manifests []Manifest   `json:"manifests"`
	Reminder  string       `json:"reminder,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code carries the rejection code from the
// error envelope when the body had one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given rejection code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Register joins the party as c.Agent.
func (c *Client) Register(ctx context.Context, class, model, zone string) (Registration, error) {
	body := map[string]any{
		"name":  c.Agent,
		"class": class,
		"model": model,
		"zone":  zone,
	}
	var resp Registration
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// Who lists registered agents.
func (c *Client) Who(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

// ReportContext reports context usage, keeping the inbox gate open.
func (c *Client) ReportContext(ctx context.Context, summary string, used, limit int) (Agent, error) {
	body := map[string]any{
		"summary": summary,
		"used":    used,
		"limit":   limit,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPut, c.agentPath("context"), body, &resp)
	return resp, err
}

// Send delivers body to an agent, or to everyone when to is "all".
func (c *Client) Send(ctx context.Context, to, body, trigger string) (SendResult, error) {
	req := map[string]any{
		"to":   to,
		"body": body,
	}
	if trigger != "" {
		req["trigger"] = trigger
	}
	var resp SendResult
	err := c.do(ctx, http.MethodPost, "messages", req, &resp)
	return resp, err
}

// CheckInbox drains the unread messages of c.Agent.
func (c *Client) CheckInbox(ctx context.Context) (Inbox, error) {
	var resp Inbox
	err := c.do(ctx, http.MethodPost, c.agentPath("inbox/check"), nil, &resp)
	return resp, err
}

func (c *Client) ClaimFile(ctx context.Context, path string) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "claims", map[string]any{"path": path}, &resp)
	return resp, err
}

func (c *Client) ReleaseFile(ctx context.Context, path string) (Release, error) {
	var resp Release
	err := c.do(ctx, http.MethodPost, "claims/release", map[string]any{"path": path}, &resp)
	return resp, err
}

// CreateTask creates a task from a spec artifact.
func (c *Client) CreateTask(ctx context.Context, id, title, specPath string, dependsOn ...string) (Task, error) {
	body := map[string]any{
		"id":        id,
		"title":     title,
		"spec_path": specPath,
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) AssignTask(ctx context.Context, id, assignee string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "assign"), map[string]any{"assignee": assignee}, &resp)
	return resp, err
}

// UpdateTask records progress; status may be empty to leave it unchanged.
func (c *Client) UpdateTask(ctx context.Context, id, progress, status string) (TaskUpdate, error) {
	body := map[string]any{"progress": progress}
	if status != "" {
		body["status"] = status
	}
	var resp TaskUpdate
	err := c.do(ctx, http.MethodPatch, c.taskPath(id, ""), body, &resp)
	return resp, err
}

func (c *Client) SubmitResult(ctx context.Context, id, path string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "result"), map[string]any{"path": path}, &resp)
	return resp, err
}

func (c *Client) CloseTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "close"), nil, &resp)
	return resp, err
}

// Tasks lists tasks; no statuses means live tasks.
func (c *Client) Tasks(ctx context.Context, statuses ...string) ([]Task, error) {
	endpoint := "tasks"
	if len(statuses) > 0 {
		endpoint += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetBattlePlan installs a new active plan for project and zone.
func (c *Client) SetBattlePlan(ctx context.Context, body, project, zone string) (BattlePlan, error) {
	req := map[string]any{
		"body":    body,
		"project": project,
		"zone":    zone,
	}
	var resp struct {
		Plan BattlePlan `json:"plan"`
	}
	err := c.do(ctx, http.MethodPost, "plans", req, &resp)
	return resp.Plan, err
}

func (c *Client) LogRaid(ctx context.Context, body, priority string) (RaidEntry, error) {
	var resp RaidEntry
	err := c.do(ctx, http.MethodPost, "raid", map[string]any{"body": body, "priority": priority}, &resp)
	return resp, err
}

// ColdStart returns the briefing for c.Agent, consuming manifests left by
// inherit (c.Agent when empty).
func (c *Client) ColdStart(ctx context.Context, inherit string) (Briefing, error) {
	endpoint := c.agentPath("cold-start")
	if inherit != "" {
		endpoint += "?inherit=" + url.QueryEscape(inherit)
	}
	var resp Briefing
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Agent != "" {
		req.Header.Set("X-Agent-Name", c.Agent)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) agentPath(p string) string {
	return fmt.Sprintf("agents/%s/%s", url.PathEscape(c.Agent), p)
}

func (c *Client) taskPath(id, p string) string {
	if p == "" {
		return "tasks/" + url.PathEscape(id)
	}
	return fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
