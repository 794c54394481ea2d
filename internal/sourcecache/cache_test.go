package sourcecache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aomi-labs/forge/internal/domain"
)

type countingFetcher struct {
	calls  atomic.Int64
	delay  time.Duration
	fail   bool
}

func (f *countingFetcher) Fetch(ctx context.Context, key domain.ContractKey, name string) (domain.ContractSource, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return domain.ContractSource{}, fmt.Errorf("not verified")
	}
	return domain.ContractSource{ChainID: key.ChainID, Address: key.Address, Name: name}, nil
}

func TestRequestFetchThenReady(t *testing.T) {
	f := &countingFetcher{}
	c := New(f, time.Minute)
	key := domain.ContractKey{ChainID: 1, Address: "0xabc"}
	c.RequestFetch([]domain.ContractKey{key}, map[domain.ContractKey]string{key: "WETH"})

	deadline := time.Now().Add(2 * time.Second)
	for !c.AreContractsReady([]domain.OperationGroup{{Contracts: []domain.ContractRef{{ChainID: 1, Address: "0xabc"}}}}) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for cache to become ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	src, ok := c.Ready(key)
	if !ok || src.Name != "WETH" {
		t.Fatalf("expected ready WETH source, got %+v ok=%v", src, ok)
	}
}

func TestAtMostOneConcurrentFetch(t *testing.T) {
	f := &countingFetcher{delay: 50 * time.Millisecond}
	c := New(f, time.Minute)
	key := domain.ContractKey{ChainID: 1, Address: "0xabc"}

	for i := 0; i < 10; i++ {
		c.RequestFetch([]domain.ContractKey{key}, nil)
	}
	time.Sleep(150 * time.Millisecond)

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch call, got %d", got)
	}
}

func TestFetchNowSubscribesToPending(t *testing.T) {
	f := &countingFetcher{delay: 50 * time.Millisecond}
	c := New(f, time.Minute)
	key := domain.ContractKey{ChainID: 1, Address: "0xdef"}
	c.RequestFetch([]domain.ContractKey{key}, map[domain.ContractKey]string{key: "USDC"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	src, err := c.FetchNow(ctx, key, "USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.Name != "USDC" {
		t.Fatalf("expected USDC, got %+v", src)
	}
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch call across request_fetch+fetch_now, got %d", got)
	}
}

func TestFailedEntryRetainedUntilExpiry(t *testing.T) {
	f := &countingFetcher{fail: true}
	c := New(f, 50*time.Millisecond)
	key := domain.ContractKey{ChainID: 1, Address: "0xbad"}
	c.RequestFetch([]domain.ContractKey{key}, nil)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := c.FailedReason(key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for failed entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Re-request before expiry must not trigger another fetch.
	c.RequestFetch([]domain.ContractKey{key}, nil)
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("expected cached failure to suppress re-fetch, got %d calls", got)
	}

	time.Sleep(80 * time.Millisecond)
	c.RequestFetch([]domain.ContractKey{key}, nil)
	time.Sleep(20 * time.Millisecond)
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("expected re-fetch after expiry, got %d calls", got)
	}
}
