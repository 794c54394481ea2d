// Package orchestrator implements the PlanOrchestrator: the process-wide
// registry of execution plans that validates incoming groups, forks one
// EvmBackend per plan, schedules ready GroupNodes batch by batch, and
// streams their terminal results back to callers.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aomi-labs/forge/internal/config"
	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/evmbackend"
	"github.com/aomi-labs/forge/internal/groupnode"
	"github.com/aomi-labs/forge/internal/logging"
	"github.com/aomi-labs/forge/internal/metrics"
	"github.com/aomi-labs/forge/internal/observability"
	"github.com/aomi-labs/forge/internal/solc"
	"github.com/aomi-labs/forge/internal/sourcecache"
	"github.com/aomi-labs/forge/internal/synthesizer"
)

// Factory builds the per-plan collaborators an Orchestrator needs. A single
// Cache is expected to be shared across every plan's Factory call, since the
// source cache outlives any one plan; the Synthesizer, Compiler, and
// Auditor may be shared or fresh per plan depending on the caller.
type Factory struct {
	Cache       *sourcecache.Cache
	Synthesizer synthesizer.Synthesizer
	Compiler    *solc.Compiler
	Auditor     groupnode.Auditor
	Config      *config.Config
}

type plan struct {
	mu      sync.Mutex
	exec    *domain.ExecutionPlan
	backend *evmbackend.Backend
	results []domain.GroupResult
	sink    domain.ResultSink
	closed  bool
}

// Orchestrator is the process-wide plan registry.
type Orchestrator struct {
	factory Factory

	mu    sync.Mutex
	plans map[string]*plan
}

// New constructs an Orchestrator. factory.Cache must be shared across every
// Orchestrator a process constructs if more than one is ever used, since the
// contract source cache is process-wide, not plan-scoped.
func New(factory Factory) *Orchestrator {
	return &Orchestrator{
		factory: factory,
		plans:   make(map[string]*plan),
	}
}

// CreatePlan validates the dependency graph, forks one EvmBackend executor
// per distinct chain id referenced, requests every contract's source, and
// registers the plan under the caller-supplied execution id. No residual
// state from any previously completed plan is visible to the new plan: each
// gets its own ExecutionPlan, Backend, and result buffer. sink may be nil,
// in which case results are only available by polling GetResults. It
// returns the number of groups in the plan.
func (o *Orchestrator) CreatePlan(ctx context.Context, executionID string, groups []domain.OperationGroup, sink domain.ResultSink) (int, error) {
	if err := domain.ValidateDependencies(groups); err != nil {
		return 0, domain.NewError(domain.ErrInvalidPlan, err.Error(), err)
	}

	o.mu.Lock()
	if _, exists := o.plans[executionID]; exists {
		o.mu.Unlock()
		return 0, domain.NewError(domain.ErrInvalidPlan, fmt.Sprintf("execution id %q already registered", executionID), nil)
	}
	o.mu.Unlock()

	if sink == nil {
		sink = domain.NoopResultSink{}
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.create_plan",
		observability.AttrExecutionID.String(executionID))
	defer span.End()

	exec := &domain.ExecutionPlan{
		ExecutionID: executionID,
		Groups:      groups,
		Statuses:    make([]domain.GroupStatus, len(groups)),
	}
	for i := range exec.Statuses {
		exec.Statuses[i] = domain.GroupStatus{Kind: domain.GroupTodo}
	}

	// A zero-group plan succeeds trivially and never needs a fork: nothing
	// will ever call into the backend. Forking over a forced default chain
	// set here would make an empty plan's creation depend on a live RPC
	// endpoint for no reason.
	var backend *evmbackend.Backend
	if len(groups) > 0 && !o.factory.Config.TestMode.SkipExecution {
		chains := exec.ChainSet()
		if len(chains) == 0 {
			chains = []domain.ChainID{domain.MainnetChainID}
		}
		var err error
		backend, err = evmbackend.New(ctx, chains, o.chainResolver(), o.factory.Config.Backend.ForkRetries, o.factory.Config.Backend.ForkRetryDelay)
		if err != nil {
			observability.SetSpanError(span, err)
			return 0, err
		}
	}

	names := make(map[domain.ContractKey]string)
	for _, g := range groups {
		for _, c := range g.Contracts {
			names[c.Key()] = c.Name
		}
	}
	o.factory.Cache.RequestFetch(exec.AllContractKeys(), names)

	newPlan := &plan{exec: exec, backend: backend, sink: sink}
	o.mu.Lock()
	o.plans[executionID] = newPlan
	o.mu.Unlock()

	metrics.Global().RecordPlanCreated()
	metrics.SetActivePlans(o.activePlanCount())
	metrics.SetRemainingGroups(executionID, exec.Remaining())
	observability.SetSpanOK(span)

	// A zero-group plan is already complete; no group will ever finish to
	// close the sink on its behalf.
	if len(groups) == 0 {
		newPlan.mu.Lock()
		newPlan.closed = true
		newPlan.mu.Unlock()
		sink.Close()
		metrics.Global().RecordPlanTerminal(false)
		metrics.RecordPlanTerminal("completed")
		metrics.SetActivePlans(o.activePlanCount())
		metrics.DeleteRemainingGroups(executionID)
	}
	return len(groups), nil
}

func (o *Orchestrator) activePlanCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.plans)
}

func (o *Orchestrator) chainResolver() evmbackend.RPCResolver {
	cfg := o.factory.Config
	return func(chainID domain.ChainID) (string, bool) {
		if url, ok := cfg.ChainRPC(uint64(chainID)); ok {
			return url, true
		}
		if cfg.Backend.DefaultForkRPC != "" {
			return cfg.Backend.DefaultForkRPC, true
		}
		return "", false
	}
}

func (o *Orchestrator) getPlan(executionID string) (*plan, error) {
	o.mu.Lock()
	p, ok := o.plans[executionID]
	o.mu.Unlock()
	if !ok {
		return nil, domain.NewError(domain.ErrInvalidPlan, fmt.Sprintf("unknown execution id %q", executionID), nil)
	}
	return p, nil
}

// NextGroups computes the current ready batch (Todo groups whose
// dependencies are all Done), waits up to the configured source-readiness
// deadline for each ready group's contracts to clear the cache, and spawns
// exactly one GroupNode per group that clears in time. Groups whose sources
// never clear are marked Failed with SourceTimeout/SourceUnavailable without
// ever spawning a node. Each group index is spawned at most once across the
// life of its plan.
func (o *Orchestrator) NextGroups(ctx context.Context, executionID string) ([]domain.GroupReceipt, error) {
	p, err := o.getPlan(executionID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	readyBatch := p.exec.NextReadyBatch()
	toSpawn := make([]int, 0, len(readyBatch))
	for _, idx := range readyBatch {
		p.exec.Statuses[idx] = domain.GroupStatus{Kind: domain.GroupInProgress}
		toSpawn = append(toSpawn, idx)
	}
	p.mu.Unlock()

	receipts := make([]domain.GroupReceipt, 0, len(toSpawn))
	for _, idx := range toSpawn {
		group := p.exec.Groups[idx]
		sourcesReady, timedOut := o.awaitSources(ctx, group)
		if !sourcesReady {
			reason := "sources did not become available before the readiness deadline"
			kind := domain.ErrSourceUnavailable
			if timedOut {
				kind = domain.ErrSourceTimeout
				reason = "source readiness deadline exceeded"
			}
			result := domain.NewFailedResult(idx, group, domain.NewError(kind, reason, nil).Error(), "", nil)
			o.finishGroup(executionID, p, idx, result)
			continue
		}

		receipts = append(receipts, domain.GroupReceipt{
			ExecutionID: executionID,
			NodeID:      idx,
			Description: group.Description,
			OpsCount:    len(group.Operations),
		})
		o.spawn(executionID, p, idx, group)
	}
	return receipts, nil
}

// awaitSources polls the shared cache until every contract a group needs is
// Ready, a contract enters a permanently-failed state, or the deadline
// elapses. It returns (true, false) on success and (false, timedOut) on
// failure, where timedOut distinguishes a deadline expiry from a terminal
// fetch failure.
func (o *Orchestrator) awaitSources(ctx context.Context, group domain.OperationGroup) (ok bool, timedOut bool) {
	cfg := o.factory.Config.Scheduler
	deadline := time.Now().Add(cfg.SourceReadinessDeadline)
	poll := cfg.SourcePollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	for {
		if o.factory.Cache.AreContractsReady([]domain.OperationGroup{group}) {
			return true, false
		}
		for _, key := range group.ContractKeys() {
			if _, failed := o.factory.Cache.FailedReason(key); failed {
				return false, false
			}
		}
		if time.Now().After(deadline) {
			return false, true
		}
		select {
		case <-ctx.Done():
			return false, true
		case <-time.After(poll):
		}
	}
}

func (o *Orchestrator) spawn(executionID string, p *plan, idx int, group domain.OperationGroup) {
	node := groupnode.New(idx, group, groupnode.Config{
		PrimaryChainID:  group.PrimaryChainID(),
		SolidityVersion: o.factory.Config.Solc.DefaultVersion,
		SkipExecution:   o.factory.Config.TestMode.SkipExecution,
	}, groupnode.Deps{
		Backend:     p.backend,
		Cache:       o.factory.Cache,
		Synthesizer: o.factory.Synthesizer,
		RetryConfig: synthesizer.RetryConfig{
			MaxAttempts: o.factory.Config.Synthesizer.MaxAttempts,
			Delay:       o.factory.Config.Synthesizer.RetryDelay,
		},
		Compiler:   o.factory.Compiler,
		Auditor:    o.factory.Auditor,
		DefaultRPC: o.factory.Config.Backend.DefaultForkRPC,
	})

	go func() {
		ctx, span := observability.StartSpan(context.Background(), "groupnode.run",
			observability.AttrExecutionID.String(executionID),
			observability.AttrGroupIndex.Int(idx),
			observability.AttrChainID.Int64(int64(node.Config.PrimaryChainID)))
		start := time.Now()
		result := node.Run(ctx)
		durationMs := time.Since(start).Milliseconds()
		span.SetAttributes(observability.AttrDurationMs.Int64(durationMs))

		logEntry := &logging.GroupExecutionLog{
			ExecutionID: executionID,
			GroupIndex:  idx,
			Description: group.Description,
			DurationMs:  durationMs,
			Success:     result.Inner.Failed == nil,
		}
		generatedCode := ""
		errMsg := ""
		if result.Inner.Failed != nil {
			errMsg = result.Inner.Failed.Error
			generatedCode = result.Inner.Failed.GeneratedCode
			logEntry.Error = errMsg
			logging.For(executionID, idx).Warn("group finished failed", "error", errMsg)
		} else {
			generatedCode = result.Inner.Done.GeneratedCode
			observability.SetSpanOK(span)
		}
		logging.Default().Log(logEntry)
		logging.GetArtifactStore().Store(executionID, idx, generatedCode, errMsg)
		span.End()
		o.finishGroup(executionID, p, idx, result)
	}()
}

func (o *Orchestrator) finishGroup(executionID string, p *plan, idx int, result domain.GroupResult) {
	p.mu.Lock()
	done := result.Inner.Done != nil
	if done {
		p.exec.Statuses[idx] = domain.GroupStatus{Kind: domain.GroupDone, Done: result.Inner.Done}
	} else {
		p.exec.Statuses[idx] = domain.GroupStatus{Kind: domain.GroupFailed, Failed: result.Inner.Failed}
	}
	p.results = append(p.results, result)
	complete := p.exec.Complete()
	remaining := p.exec.Remaining()
	finalize := false
	var backend *evmbackend.Backend
	sink := p.sink
	if complete && !p.closed {
		p.closed = true
		finalize = true
		backend = p.backend
	}
	p.mu.Unlock()

	// Best-effort per the sink's own contract: a slow or absent consumer
	// must never stall group completion.
	if sink != nil {
		sink.Send(result)
	}

	statusLabel := "done"
	errKind := ""
	if !done {
		statusLabel = "failed"
		errKind = classifyErrorKind(result.Inner.Failed.Error)
	}
	metrics.Global().RecordGroupTerminal(done, errKind)
	metrics.RecordGroupTerminal(statusLabel, errKind, 0)
	metrics.SetRemainingGroups(executionID, remaining)

	if finalize {
		if backend != nil {
			backend.Close()
		}
		if sink != nil {
			sink.Close()
		}
		metrics.Global().RecordPlanTerminal(o.planFailed(p))
		metrics.RecordPlanTerminal(o.planStatusLabel(p))
		metrics.SetActivePlans(o.activePlanCount())
		metrics.DeleteRemainingGroups(executionID)
	}
}

// classifyErrorKind recovers the ErrorKind prefix EngineError.Error() always
// writes ("Kind: message...") so metrics and traces can bucket by kind even
// though a GroupResult carries plain strings, not typed errors, across the
// wire boundary.
func classifyErrorKind(msg string) string {
	for _, kind := range []domain.ErrorKind{
		domain.ErrInvalidPlan, domain.ErrBackendSetupFailure, domain.ErrSourceUnavailable,
		domain.ErrSourceTimeout, domain.ErrSynthesizerFailure, domain.ErrCompilationFailure,
		domain.ErrDeploymentFailure, domain.ErrExecutionReverted, domain.ErrAuditReject,
		domain.ErrInternalInvariant,
	} {
		if strings.HasPrefix(msg, string(kind)+":") {
			return string(kind)
		}
	}
	return "Unknown"
}

func (o *Orchestrator) planFailed(p *plan) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.exec.Statuses {
		if s.Kind == domain.GroupFailed {
			return true
		}
	}
	return false
}

func (o *Orchestrator) planStatusLabel(p *plan) string {
	if o.planFailed(p) {
		return "failed"
	}
	return "completed"
}

// GetResults returns every terminal result produced so far for a plan, in
// the order groups completed (not necessarily group index order).
func (o *Orchestrator) GetResults(executionID string) ([]domain.GroupResult, error) {
	p, err := o.getPlan(executionID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.GroupResult, len(p.results))
	copy(out, p.results)
	return out, nil
}

// IsComplete reports whether every group in the plan has reached a terminal
// status.
func (o *Orchestrator) IsComplete(executionID string) (bool, error) {
	p, err := o.getPlan(executionID)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exec.Complete(), nil
}

// RemainingGroups counts the groups still Todo or InProgress.
func (o *Orchestrator) RemainingGroups(executionID string) (int, error) {
	p, err := o.getPlan(executionID)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exec.Remaining(), nil
}
