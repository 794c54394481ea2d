package groupnode

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/sourcecache"
	"github.com/aomi-labs/forge/internal/synthesizer"
	"github.com/aomi-labs/forge/internal/synthesizer/fake"
)

type staticFetcher struct {
	source domain.ContractSource
	err    error
}

func (f staticFetcher) Fetch(ctx context.Context, key domain.ContractKey, name string) (domain.ContractSource, error) {
	if f.err != nil {
		return domain.ContractSource{}, f.err
	}
	return f.source, nil
}

func newTestCache(t *testing.T, ready domain.ContractSource) *sourcecache.Cache {
	t.Helper()
	cache := sourcecache.New(staticFetcher{source: ready}, 30*time.Second)
	key := domain.ContractKey{ChainID: 1, Address: strings.ToLower(ready.Address)}
	if _, err := cache.FetchNow(context.Background(), key, ready.Name); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	return cache
}

func sampleGroup() domain.OperationGroup {
	return domain.OperationGroup{
		Description: "wrap and approve",
		Operations:  []string{"wrap 1 eth into weth"},
		Contracts: []domain.ContractRef{
			{ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Name: "WETH9"},
		},
	}
}

func TestNodeSkipExecutionProducesDoneWithNoTransactions(t *testing.T) {
	group := sampleGroup()
	cache := newTestCache(t, domain.ContractSource{
		ChainID: 1, Address: group.Contracts[0].Address, Name: "WETH9", SourceText: "contract WETH9 {}",
	})
	n := New(0, group, Config{PrimaryChainID: 1, SolidityVersion: "^0.8.20", SkipExecution: true}, Deps{
		Cache:       cache,
		Synthesizer: &fake.Synthesizer{},
		RetryConfig: synthesizer.RetryConfig{MaxAttempts: 1},
	})
	result := n.Run(context.Background())
	if result.Inner.Done == nil {
		t.Fatalf("expected Done result, got %+v", result.Inner)
	}
	if len(result.Inner.Done.Transactions) != 0 {
		t.Fatalf("expected no transactions in skip-execution mode, got %v", result.Inner.Done.Transactions)
	}
	if result.Inner.Done.GeneratedCode == "" {
		t.Fatal("expected non-empty generated code even when execution is skipped")
	}
}

func TestNodeFailsWhenSourceNeverFetched(t *testing.T) {
	group := sampleGroup()
	cache := sourcecache.New(staticFetcher{err: nil}, 30*time.Second) // never primed, key stays absent
	n := New(1, group, Config{PrimaryChainID: 1, SkipExecution: true}, Deps{
		Cache:       cache,
		Synthesizer: &fake.Synthesizer{},
		RetryConfig: synthesizer.RetryConfig{MaxAttempts: 1},
	})
	result := n.Run(context.Background())
	if result.Inner.Failed == nil {
		t.Fatalf("expected Failed result, got %+v", result.Inner)
	}
	if !strings.Contains(result.Inner.Failed.Error, "was not ready") {
		t.Fatalf("expected source-unavailable message, got %q", result.Inner.Failed.Error)
	}
}

func TestNodeFailsWhenSourceEntryPermanentlyFailed(t *testing.T) {
	group := sampleGroup()
	key := domain.ContractKey{ChainID: 1, Address: strings.ToLower(group.Contracts[0].Address)}
	cache := sourcecache.New(staticFetcher{err: errUnverified{}}, time.Hour)
	cache.RequestFetch([]domain.ContractKey{key}, map[domain.ContractKey]string{key: "WETH9"})
	// give the background fetch goroutine a moment to land in Failed state.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.FailedReason(key); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	n := New(2, group, Config{PrimaryChainID: 1, SkipExecution: true}, Deps{
		Cache:       cache,
		Synthesizer: &fake.Synthesizer{},
		RetryConfig: synthesizer.RetryConfig{MaxAttempts: 1},
	})
	result := n.Run(context.Background())
	if result.Inner.Failed == nil {
		t.Fatalf("expected Failed result, got %+v", result.Inner)
	}
	if !strings.Contains(result.Inner.Failed.Error, "source unavailable") {
		t.Fatalf("expected source-unavailable message, got %q", result.Inner.Failed.Error)
	}
}

type errUnverified struct{}

func (errUnverified) Error() string { return "contract not verified" }

func TestNodeFailsWhenSynthesizerExhaustsRetries(t *testing.T) {
	group := sampleGroup()
	cache := newTestCache(t, domain.ContractSource{
		ChainID: 1, Address: group.Contracts[0].Address, Name: "WETH9", SourceText: "contract WETH9 {}",
	})
	n := New(3, group, Config{PrimaryChainID: 1, SkipExecution: true}, Deps{
		Cache:       cache,
		Synthesizer: &fake.Synthesizer{FailExtractAttempts: 99},
		RetryConfig: synthesizer.RetryConfig{MaxAttempts: 2, Delay: time.Millisecond},
	})
	result := n.Run(context.Background())
	if result.Inner.Failed == nil {
		t.Fatalf("expected Failed result, got %+v", result.Inner)
	}
	if !strings.Contains(result.Inner.Failed.Error, "extract_contract_info") {
		t.Fatalf("expected synthesizer failure reason, got %q", result.Inner.Failed.Error)
	}
}

func TestDecodeRevertReasonDecodesErrorString(t *testing.T) {
	msg := "insufficient balance"
	data := make([]byte, 4+32+32+32)
	copy(data[0:4], errorStringSelector[:])
	data[4+31] = 0x20 // offset = 0x20
	binary.BigEndian.PutUint64(data[4+32+24:4+32+32], uint64(len(msg)))
	copy(data[4+64:4+64+len(msg)], msg)
	data = data[:4+64+len(msg)]

	got := decodeRevertReason(data)
	if got != msg {
		t.Fatalf("expected decoded revert reason %q, got %q", msg, got)
	}
}

func TestDecodeRevertReasonFallsBackToHex(t *testing.T) {
	got := decodeRevertReason([]byte{0xde, 0xad, 0xbe, 0xef})
	if !strings.Contains(got, "deadbeef") {
		t.Fatalf("expected hex fallback to contain raw bytes, got %q", got)
	}
}

func TestDecodeRevertReasonHandlesEmptyData(t *testing.T) {
	got := decodeRevertReason(nil)
	if got != "execution reverted" {
		t.Fatalf("expected generic revert message, got %q", got)
	}
}
