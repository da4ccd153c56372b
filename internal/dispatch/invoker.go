package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskfleet/internal/domain"
)

const defaultInvokeTimeout = 5 * time.Second

// WorkRequest is the payload handed to a worker's local endpoint when a
// task is assigned to it.
type WorkRequest struct {
	DispatchKey string `json:"dispatch_key"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	GroupID     string `json:"group_id"`
	Metadata    string `json:"metadata,omitempty"`
}

// Invoker hands a task over to a worker process. A nil error only means
// the handoff was accepted; the outcome arrives later via the completion
// callback.
type Invoker interface {
	Invoke(ctx context.Context, w domain.Worker, req WorkRequest) error
}

// HTTPInvoker posts work to the worker's forwarded local port. Each worker
// keeps an SSH tunnel from its machine to local_port on this host, so the
// controller only ever talks to loopback.
type HTTPInvoker struct {
	Client *http.Client
}

func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{Client: &http.Client{Timeout: defaultInvokeTimeout}}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, w domain.Worker, req WorkRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/work", w.LocalPort)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Dispatch-Key", req.DispatchKey)
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultInvokeTimeout}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("worker %s returned %d: %s", w.ID, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LocalRunner executes tasks with no eligible worker on the controller host
// itself. Implementations must eventually report through HandleLocalResult.
type LocalRunner interface {
	Run(ctx context.Context, req WorkRequest) error
}

// NoopLocalRunner accepts local work without executing anything. It keeps
// the local path live in deployments where local execution is handled by a
// separate agent watching the dispatch ledger.
type NoopLocalRunner struct{}

func (NoopLocalRunner) Run(ctx context.Context, req WorkRequest) error { return nil }
