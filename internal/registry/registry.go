// Package registry exposes the orchestrator's plan lifecycle as a small,
// stable facade for external callers (the CLI, an RPC surface, or tests),
// so none of them need to import orchestrator's internals directly.
package registry

import (
	"context"

	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/orchestrator"
)

// PlanRegistry is the external-facing entrypoint into the engine.
type PlanRegistry struct {
	orch *orchestrator.Orchestrator
}

// New wraps an already-constructed Orchestrator.
func New(orch *orchestrator.Orchestrator) *PlanRegistry {
	return &PlanRegistry{orch: orch}
}

// CreatePlan validates and registers a new execution plan under the
// caller-supplied execution id, streaming terminal results through sink (nil
// is accepted and means "polling only"). It returns the plan's group count.
func (r *PlanRegistry) CreatePlan(ctx context.Context, executionID string, groups []domain.OperationGroup, sink domain.ResultSink) (int, error) {
	return r.orch.CreatePlan(ctx, executionID, groups, sink)
}

// NextGroups schedules the next ready batch of groups for executionID.
func (r *PlanRegistry) NextGroups(ctx context.Context, executionID string) ([]domain.GroupReceipt, error) {
	return r.orch.NextGroups(ctx, executionID)
}

// GetResults returns every terminal result produced so far.
func (r *PlanRegistry) GetResults(executionID string) ([]domain.GroupResult, error) {
	return r.orch.GetResults(executionID)
}

// IsComplete reports whether every group in the plan has reached a terminal
// status.
func (r *PlanRegistry) IsComplete(executionID string) (bool, error) {
	return r.orch.IsComplete(executionID)
}

// RemainingGroups counts the groups still Todo or InProgress.
func (r *PlanRegistry) RemainingGroups(executionID string) (int, error) {
	return r.orch.RemainingGroups(executionID)
}
