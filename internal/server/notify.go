package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"taskfleet/internal/config"
	"taskfleet/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookNotifier forwards task changes to configured webhook endpoints.
// The coordinator calls it after each settled transition; delivery failures
// are logged and dropped, they never affect the transition itself.
type webhookNotifier struct {
	hooks  []config.WebhookConfig
	client *http.Client
}

// NewWebhookNotifier builds a notifier from config, or nil when no hooks
// are configured.
func NewWebhookNotifier(hooks []config.WebhookConfig) *webhookNotifier {
	enabled := make([]config.WebhookConfig, 0, len(hooks))
	for _, h := range hooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		enabled = append(enabled, h)
	}
	if len(enabled) == 0 {
		return nil
	}
	return &webhookNotifier{
		hooks:  enabled,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}
}

type webhookEvent struct {
	Action string       `json:"action"`
	Task   TaskResponse `json:"task"`
	TS     string       `json:"ts"`
}

func (n *webhookNotifier) TaskChanged(ctx context.Context, t domain.Task, action string) {
	evt := webhookEvent{
		Action: action,
		Task:   taskResponse(t),
		TS:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, hook := range n.hooks {
		filter := newEventFilter(hook.Events)
		if !filter.match(action) {
			continue
		}
		if err := n.post(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
		}
	}
}

func (n *webhookNotifier) post(ctx context.Context, hook config.WebhookConfig, evt webhookEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskfleet-Event", evt.Action)
	req.Header.Set("X-Taskfleet-Task", evt.Task.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskfleet-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
