package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskfleet/internal/dispatch"
	"taskfleet/internal/domain"
	"taskfleet/internal/engine"
	"taskfleet/internal/repo"
)

// registerCallbacks exposes the completion endpoint workers report into.
// It is exempt from admin auth; each call authenticates with the worker's
// shared secret instead.
func registerCallbacks(api huma.API, c *dispatch.Coordinator, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "completion-callback",
		Method:      http.MethodPost,
		Path:        "/callbacks/completion",
		Summary:     "Report task completion",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Secret string            `header:"X-Worker-Secret"`
		Body   CompletionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TaskID == "" || input.Body.WorkerID == "" || input.Body.Nonce == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id, worker_id, and nonce are required", nil)
		}
		if input.Body.Outcome != domain.DispatchCompleted && input.Body.Outcome != domain.DispatchFailed {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "outcome must be COMPLETED or FAILED", nil)
		}
		w, err := e.Repo.GetWorker(ctx, input.Body.WorkerID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
			}
			return nil, handleError(err)
		}
		hash := repo.HashSecret(input.Secret)
		if input.Secret == "" || subtle.ConstantTimeCompare([]byte(hash), []byte(w.SecretHash)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		t, err := c.HandleCompletion(ctx, dispatch.Completion{
			TaskID:   input.Body.TaskID,
			WorkerID: input.Body.WorkerID,
			Nonce:    input.Body.Nonce,
			Success:  input.Body.Outcome == domain.DispatchCompleted,
			Detail:   input.Body.Detail,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}
