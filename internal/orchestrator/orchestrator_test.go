package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/aomi-labs/forge/internal/config"
	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/sourcecache"
	"github.com/aomi-labs/forge/internal/synthesizer/fake"
)

type instantFetcher struct{}

func (instantFetcher) Fetch(ctx context.Context, key domain.ContractKey, name string) (domain.ContractSource, error) {
	return domain.ContractSource{ChainID: key.ChainID, Address: key.Address, Name: name, SourceText: "contract X {}"}, nil
}

func newTestOrchestrator() *Orchestrator {
	cfg := config.DefaultConfig()
	cfg.TestMode.SkipExecution = true
	cfg.Scheduler.SourceReadinessDeadline = 2 * time.Second
	cfg.Scheduler.SourcePollInterval = 5 * time.Millisecond
	cache := sourcecache.New(instantFetcher{}, 30*time.Second)
	return New(Factory{
		Cache:       cache,
		Synthesizer: &fake.Synthesizer{},
		Config:      cfg,
	})
}

func waitForCompletion(t *testing.T, o *Orchestrator, executionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		complete, err := o.IsComplete(executionID)
		if err != nil {
			t.Fatalf("IsComplete: %v", err)
		}
		if complete {
			return
		}
		if _, err := o.NextGroups(context.Background(), executionID); err != nil {
			t.Fatalf("NextGroups: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("plan did not complete before test deadline")
}

func TestSingleIndependentGroupCompletes(t *testing.T) {
	o := newTestOrchestrator()
	groups := []domain.OperationGroup{
		{
			Description: "wrap eth",
			Operations:  []string{"wrap 1 eth"},
			Contracts:   []domain.ContractRef{{ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Name: "WETH9"}},
		},
	}
	id := "exec-single-independent"
	groupCount, err := o.CreatePlan(context.Background(), id, groups, nil)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if groupCount != 1 {
		t.Fatalf("expected group count 1, got %d", groupCount)
	}
	waitForCompletion(t, o, id)

	results, err := o.GetResults(id)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 1 || results[0].Inner.Done == nil {
		t.Fatalf("expected single Done result, got %+v", results)
	}
}

func TestTwoGroupLinearDependencyRunsInOrder(t *testing.T) {
	o := newTestOrchestrator()
	groups := []domain.OperationGroup{
		{Description: "first", Operations: []string{"op a"}},
		{Description: "second", Operations: []string{"op b"}, Dependencies: []int{0}},
	}
	id := "exec-two-group-linear"
	if _, err := o.CreatePlan(context.Background(), id, groups, nil); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	// Before group 0 finishes, group 1 must never be offered.
	receipts, err := o.NextGroups(context.Background(), id)
	if err != nil {
		t.Fatalf("NextGroups: %v", err)
	}
	if len(receipts) != 1 || receipts[0].NodeID != 0 {
		t.Fatalf("expected only group 0 spawned first, got %+v", receipts)
	}

	waitForCompletion(t, o, id)
	results, err := o.GetResults(id)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	for _, r := range results {
		if r.Inner.Done == nil {
			t.Fatalf("expected both groups done, got %+v", r.Inner)
		}
	}
}

func TestInvalidDependencyRejectedAtCreation(t *testing.T) {
	o := newTestOrchestrator()
	groups := []domain.OperationGroup{
		{Description: "broken", Operations: []string{"op"}, Dependencies: []int{0}}, // self-reference, not < own index
	}
	_, err := o.CreatePlan(context.Background(), "exec-invalid-dependency", groups, nil)
	if err == nil {
		t.Fatal("expected invalid plan error")
	}
	if domain.KindOf(err) != domain.ErrInvalidPlan {
		t.Fatalf("expected InvalidPlan kind, got %v", domain.KindOf(err))
	}
}

func TestZeroGroupPlanIsImmediatelyComplete(t *testing.T) {
	o := newTestOrchestrator()
	id := "exec-zero-group"
	sink := domain.NewChannelResultSink(4)
	groupCount, err := o.CreatePlan(context.Background(), id, nil, sink)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if groupCount != 0 {
		t.Fatalf("expected group count 0, got %d", groupCount)
	}
	select {
	case _, open := <-sink.Results():
		if open {
			t.Fatal("expected sink channel to be closed with no results for a zero-group plan")
		}
	default:
		t.Fatal("expected sink to be closed immediately for a zero-group plan")
	}
	complete, err := o.IsComplete(id)
	if err != nil {
		t.Fatalf("IsComplete: %v", err)
	}
	if !complete {
		t.Fatal("expected zero-group plan to be immediately complete")
	}
	remaining, err := o.RemainingGroups(id)
	if err != nil {
		t.Fatalf("RemainingGroups: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected zero remaining groups, got %d", remaining)
	}
}

func TestNextGroupsIsIdempotentOnceBatchSpawned(t *testing.T) {
	o := newTestOrchestrator()
	groups := []domain.OperationGroup{
		{Description: "only", Operations: []string{"op"}},
	}
	id := "exec-idempotent-batch"
	if _, err := o.CreatePlan(context.Background(), id, groups, nil); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	first, err := o.NextGroups(context.Background(), id)
	if err != nil {
		t.Fatalf("first NextGroups: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected one receipt, got %d", len(first))
	}
	second, err := o.NextGroups(context.Background(), id)
	if err != nil {
		t.Fatalf("second NextGroups: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no new receipts on repeat call, got %d", len(second))
	}
}

func TestUnknownExecutionIDIsInvalidPlan(t *testing.T) {
	o := newTestOrchestrator()
	_, err := o.GetResults("does-not-exist")
	if err == nil || domain.KindOf(err) != domain.ErrInvalidPlan {
		t.Fatalf("expected InvalidPlan for unknown execution id, got %v", err)
	}
}

func TestDuplicateExecutionIDRejected(t *testing.T) {
	o := newTestOrchestrator()
	groups := []domain.OperationGroup{{Description: "only", Operations: []string{"op"}}}
	id := "exec-duplicate"
	if _, err := o.CreatePlan(context.Background(), id, groups, nil); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	_, err := o.CreatePlan(context.Background(), id, groups, nil)
	if err == nil || domain.KindOf(err) != domain.ErrInvalidPlan {
		t.Fatalf("expected InvalidPlan for duplicate execution id, got %v", err)
	}
}

func TestResultSinkReceivesTerminalResults(t *testing.T) {
	o := newTestOrchestrator()
	groups := []domain.OperationGroup{
		{Description: "first", Operations: []string{"op a"}},
		{Description: "second", Operations: []string{"op b"}, Dependencies: []int{0}},
	}
	id := "exec-sink-stream"
	sink := domain.NewChannelResultSink(4)
	if _, err := o.CreatePlan(context.Background(), id, groups, sink); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	waitForCompletion(t, o, id)

	seen := make(map[int]bool)
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		select {
		case result, open := <-sink.Results():
			if !open {
				t.Fatal("sink channel closed before both results arrived")
			}
			seen[result.GroupIndex] = true
		case <-time.After(100 * time.Millisecond):
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected both group results streamed through the sink, got %v", seen)
	}

	// The sink is closed once the plan reaches a terminal state.
	if _, open := <-sink.Results(); open {
		t.Fatal("expected sink channel to be closed once the plan completed")
	}
}
