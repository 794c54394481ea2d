package evmbackend

import (
	"context"
	"testing"

	"github.com/aomi-labs/forge/internal/domain"
)

func TestRunSelectorIsDeterministicAndFourBytes(t *testing.T) {
	a := runSelector()
	b := runSelector()
	if len(a) != 4 {
		t.Fatalf("expected 4-byte selector, got %d bytes", len(a))
	}
	if string(a) != string(b) {
		t.Fatal("expected runSelector() to be deterministic")
	}
}

func TestGetEvmOptsMissingChain(t *testing.T) {
	b := &Backend{executors: map[domain.ChainID]*ChainExecutor{}}
	if _, ok := b.GetEvmOpts(1); ok {
		t.Fatal("expected no opts for unforked chain")
	}
}

func TestExecuteOnChainRejectsUnforkedChain(t *testing.T) {
	b := &Backend{executors: map[domain.ChainID]*ChainExecutor{}}
	err := b.ExecuteOnChain(context.Background(), 42, func(ctx context.Context, ex *ChainExecutor) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error for chain not forked by this plan")
	}
	if domain.KindOf(err) != domain.ErrInternalInvariant {
		t.Fatalf("expected InternalInvariant kind, got %v", domain.KindOf(err))
	}
}
