package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesrecon/internal/orderlines"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconAutoRelate runs the automatic matching pass over one scope.
	TaskReconAutoRelate = "recon:autorelate"
	// TaskReconEmit runs sale emission over one scope.
	TaskReconEmit = "recon:emit"
)

// ScopePayload identifies the lines a recon task runs over.
type ScopePayload struct {
	Kind     string `json:"kind"`
	ID       int64  `json:"id"`
	ClientID int64  `json:"client_id,omitempty"`
}

// NewScopePayload converts a scope for the wire.
func NewScopePayload(scope orderlines.Scope) ScopePayload {
	return ScopePayload{Kind: string(scope.Kind), ID: scope.ID, ClientID: scope.ClientID}
}

// Scope converts the payload back into a scope.
func (p ScopePayload) Scope() orderlines.Scope {
	return orderlines.Scope{Kind: orderlines.ScopeKind(p.Kind), ID: p.ID, ClientID: p.ClientID}
}

// AutoRelatePayload describes an auto-relate run.
type AutoRelatePayload struct {
	Scope ScopePayload `json:"scope"`
	Learn bool         `json:"learn"`
}

// EmitPayload describes an emission run.
type EmitPayload struct {
	Scope ScopePayload `json:"scope"`
}

// NewAutoRelateTask constructs an Asynq task.
func NewAutoRelateTask(scope orderlines.Scope, learn bool) (*asynq.Task, error) {
	data, err := json.Marshal(AutoRelatePayload{Scope: NewScopePayload(scope), Learn: learn})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconAutoRelate, data), nil
}

// NewEmitTask constructs an Asynq task.
func NewEmitTask(scope orderlines.Scope) (*asynq.Task, error) {
	data, err := json.Marshal(EmitPayload{Scope: NewScopePayload(scope)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconEmit, data), nil
}
