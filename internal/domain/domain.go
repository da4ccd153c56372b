package domain

import (
	"encoding/json"
	"fmt"
)

// Task states.
const (
	StateReady     = "READY"
	StateDoing     = "DOING"
	StateBlocked   = "BLOCKED"
	StateDone      = "DONE"
	StateFailed    = "FAILED"
	StateEscalated = "ESCALATED"
)

// Dispatch statuses.
const (
	DispatchEnqueued  = "ENQUEUED"
	DispatchRunning   = "RUNNING"
	DispatchCompleted = "COMPLETED"
	DispatchFailed    = "FAILED"
)

// Worker statuses.
const (
	WorkerOnline  = "online"
	WorkerOffline = "offline"
)

// Task scopes.
const (
	ScopeCompany = "COMPANY"
	ScopeProduct = "PRODUCT"
)

type Task struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Type         string  `json:"type"`
	State        string  `json:"state" enum:"READY,DOING,BLOCKED,DONE,FAILED,ESCALATED"`
	Priority     int     `json:"priority"`
	Scope        string  `json:"scope" enum:"COMPANY,PRODUCT"`
	ProductID    *string `json:"product_id,omitempty"`
	GroupID      string  `json:"group_id"`
	ExecutorID   *string `json:"executor_id,omitempty"`
	CreatorID    string  `json:"creator_id"`
	Gate         string  `json:"gate,omitempty"`
	DodRequired  bool    `json:"dod_required"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
	Version      int64   `json:"version"`
}

// Activity is an immutable audit record. FromState/ToState are nil for
// non-transition actions.
type Activity struct {
	ID        int64   `json:"id"`
	TaskID    string  `json:"task_id"`
	Action    string  `json:"action"`
	FromState *string `json:"from_state,omitempty"`
	ToState   *string `json:"to_state,omitempty"`
	ActorID   string  `json:"actor_id"`
	Reason    *string `json:"reason,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
}

type Approval struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	GateType   string  `json:"gate_type"`
	ApproverID string  `json:"approver_id"`
	ApprovedAt string  `json:"approved_at" format:"date-time"`
	Notes      *string `json:"notes,omitempty"`
}

// Dispatch records one attempt to execute a specific state transition.
// A nil WorkerID means the local execution path.
type Dispatch struct {
	Key       string  `json:"key"`
	TaskID    string  `json:"task_id"`
	FromState string  `json:"from_state"`
	ToState   string  `json:"to_state"`
	Version   int64   `json:"version"`
	GroupID   string  `json:"group_id"`
	WorkerID  *string `json:"worker_id,omitempty"`
	Status    string  `json:"status" enum:"ENQUEUED,RUNNING,COMPLETED,FAILED"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// DispatchKey derives the idempotency key for one transition attempt.
// It must be reproducible from task id + transition + version alone.
func DispatchKey(taskID, from, to string, version int64) string {
	return fmt.Sprintf("%s:%s->%s:v%d", taskID, from, to, version)
}

type Worker struct {
	ID           string   `json:"id"`
	SSHHost      string   `json:"ssh_host"`
	SSHUser      string   `json:"ssh_user"`
	SSHPort      int      `json:"ssh_port"`
	IdentityFile *string  `json:"identity_file,omitempty"`
	LocalPort    int      `json:"local_port"`
	RemotePort   int      `json:"remote_port"`
	Status       string   `json:"status" enum:"online,offline"`
	MaxWip       int      `json:"max_wip"`
	CurrentWip   int      `json:"current_wip"`
	SecretHash   string   `json:"-"`
	CallbackURL  *string  `json:"callback_url,omitempty"`
	Groups       GroupSet `json:"groups"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type Nonce struct {
	Value     string `json:"value"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// GroupSet is the set of group names a worker is authorized to serve,
// serialized in storage as a JSON array.
type GroupSet []string

func (g GroupSet) Contains(group string) bool {
	for _, name := range g {
		if name == group {
			return true
		}
	}
	return false
}

// Encode returns the storage representation.
func (g GroupSet) Encode() (string, error) {
	if g == nil {
		g = GroupSet{}
	}
	b, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeGroupSet parses the storage representation.
func DecodeGroupSet(raw string) (GroupSet, error) {
	if raw == "" {
		return GroupSet{}, nil
	}
	var g GroupSet
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("invalid group set %q: %w", raw, err)
	}
	return g, nil
}

// ValidState reports whether s is one of the defined task states.
func ValidState(s string) bool {
	switch s {
	case StateReady, StateDoing, StateBlocked, StateDone, StateFailed, StateEscalated:
		return true
	}
	return false
}
