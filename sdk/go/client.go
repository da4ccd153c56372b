package taskfleetsdk

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

	"github.com/google/uuid"
)

// Client is a minimal Taskfleet HTTP API client. Admin calls authenticate
// with an API key or bearer token; ReportCompletion authenticates with the
// worker's shared secret instead.
type Client struct {
	BaseURL      string
	APIKey       string
	BearerToken  string
	WorkerID     string
	WorkerSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
	GroupID  string `json:"group_id"`
	Version  int64  `json:"version"`
}

// Dispatch represents a ledger entry.
type Dispatch struct {
	Key       string  `json:"key"`
	TaskID    string  `json:"task_id"`
	WorkerID  *string `json:"worker_id,omitempty"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GetTask fetches a task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s", url.PathEscape(id)), nil, nil, &resp)
	return resp, err
}

// TaskDispatches lists the ledger entries for a task.
func (c *Client) TaskDispatches(ctx context.Context, taskID string) ([]Dispatch, error) {
	var resp []Dispatch
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s/dispatches", url.PathEscape(taskID)), nil, nil, &resp)
	return resp, err
}

// ReportCompletion reports a task outcome back to the controller. A fresh
// nonce is generated per call so the controller can reject duplicate
// deliveries.
func (c *Client) ReportCompletion(ctx context.Context, taskID string, success bool, detail string) (Task, error) {
	if c.WorkerID == "" || c.WorkerSecret == "" {
		return Task{}, fmt.Errorf("worker id and secret required for completion callbacks")
	}
	outcome := "FAILED"
	if success {
		outcome = "COMPLETED"
	}
	body := map[string]any{
		"task_id":   taskID,
		"worker_id": c.WorkerID,
		"nonce":     uuid.New().String(),
		"outcome":   outcome,
		"detail":    detail,
	}
	headers := map[string]string{"X-Worker-Secret": c.WorkerSecret}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/callbacks/completion", body, headers, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
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
	for k, v := range headers {
		req.Header.Set(k, v)
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
