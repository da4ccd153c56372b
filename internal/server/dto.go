package server

import (
	"taskfleet/internal/domain"
)

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Type        string  `json:"type,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Scope       string  `json:"scope,omitempty" enum:"COMPANY,PRODUCT,"`
	ProductID   *string `json:"product_id,omitempty"`
	GroupID     string  `json:"group_id"`
	Gate        *string `json:"gate,omitempty"`
	DodRequired bool    `json:"dod_required,omitempty"`
	Metadata    *string `json:"metadata,omitempty"`
}

type TransitionTaskRequest struct {
	To     string  `json:"to" enum:"READY,DOING,BLOCKED,DONE,FAILED,ESCALATED"`
	Reason *string `json:"reason,omitempty"`
}

type ApproveTaskRequest struct {
	GateType string  `json:"gate_type"`
	Notes    *string `json:"notes,omitempty"`
}

type RegisterWorkerRequest struct {
	ID           string   `json:"id"`
	SSHHost      string   `json:"ssh_host"`
	SSHUser      string   `json:"ssh_user"`
	SSHPort      *int     `json:"ssh_port,omitempty"`
	IdentityFile *string  `json:"identity_file,omitempty"`
	LocalPort    int      `json:"local_port"`
	RemotePort   int      `json:"remote_port"`
	MaxWip       *int     `json:"max_wip,omitempty"`
	Secret       string   `json:"secret"`
	CallbackURL  *string  `json:"callback_url,omitempty"`
	Groups       []string `json:"groups"`
}

type WorkerStatusRequest struct {
	Status string `json:"status" enum:"online,offline"`
}

type CompletionRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Nonce    string `json:"nonce"`
	Outcome  string `json:"outcome" enum:"COMPLETED,FAILED"`
	Detail   string `json:"detail,omitempty"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Type        string  `json:"type"`
	State       string  `json:"state"`
	Priority    int     `json:"priority"`
	Scope       string  `json:"scope"`
	ProductID   *string `json:"product_id,omitempty"`
	GroupID     string  `json:"group_id"`
	ExecutorID  *string `json:"executor_id,omitempty"`
	CreatorID   string  `json:"creator_id"`
	Gate        string  `json:"gate,omitempty"`
	DodRequired bool    `json:"dod_required"`
	Metadata    *string `json:"metadata,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	Version     int64   `json:"version"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Type:        t.Type,
		State:       t.State,
		Priority:    t.Priority,
		Scope:       t.Scope,
		ProductID:   t.ProductID,
		GroupID:     t.GroupID,
		ExecutorID:  t.ExecutorID,
		CreatorID:   t.CreatorID,
		Gate:        t.Gate,
		DodRequired: t.DodRequired,
		Metadata:    t.MetadataJSON,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Version:     t.Version,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WorkerResponse struct {
	ID          string   `json:"id"`
	SSHHost     string   `json:"ssh_host"`
	SSHUser     string   `json:"ssh_user"`
	SSHPort     int      `json:"ssh_port"`
	LocalPort   int      `json:"local_port"`
	RemotePort  int      `json:"remote_port"`
	Status      string   `json:"status"`
	MaxWip      int      `json:"max_wip"`
	CurrentWip  int      `json:"current_wip"`
	CallbackURL *string  `json:"callback_url,omitempty"`
	Groups      []string `json:"groups"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:          w.ID,
		SSHHost:     w.SSHHost,
		SSHUser:     w.SSHUser,
		SSHPort:     w.SSHPort,
		LocalPort:   w.LocalPort,
		RemotePort:  w.RemotePort,
		Status:      w.Status,
		MaxWip:      w.MaxWip,
		CurrentWip:  w.CurrentWip,
		CallbackURL: w.CallbackURL,
		Groups:      w.Groups,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

func mapWorkers(items []domain.Worker) []WorkerResponse {
	res := make([]WorkerResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workerResponse(w))
	}
	return res
}

type DispatchResponse struct {
	Key       string  `json:"key"`
	TaskID    string  `json:"task_id"`
	FromState string  `json:"from_state"`
	ToState   string  `json:"to_state"`
	Version   int64   `json:"version"`
	GroupID   string  `json:"group_id"`
	WorkerID  *string `json:"worker_id,omitempty"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func dispatchResponse(d domain.Dispatch) DispatchResponse {
	return DispatchResponse{
		Key:       d.Key,
		TaskID:    d.TaskID,
		FromState: d.FromState,
		ToState:   d.ToState,
		Version:   d.Version,
		GroupID:   d.GroupID,
		WorkerID:  d.WorkerID,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func mapDispatches(items []domain.Dispatch) []DispatchResponse {
	res := make([]DispatchResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dispatchResponse(d))
	}
	return res
}

type ActivityResponse struct {
	ID        int64   `json:"id"`
	TaskID    string  `json:"task_id"`
	Action    string  `json:"action"`
	FromState *string `json:"from_state,omitempty"`
	ToState   *string `json:"to_state,omitempty"`
	ActorID   string  `json:"actor_id"`
	Reason    *string `json:"reason,omitempty"`
	TS        string  `json:"ts"`
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse(a)
}

func mapActivities(items []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

type paginatedActivities struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type ApprovalResponse struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	GateType   string  `json:"gate_type"`
	ApproverID string  `json:"approver_id"`
	ApprovedAt string  `json:"approved_at"`
	Notes      *string `json:"notes,omitempty"`
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse(a)
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
