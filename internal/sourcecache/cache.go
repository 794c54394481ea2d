// Package sourcecache implements the process-wide ContractSourceCache: a
// content-addressed cache keyed by (chain id, address) with at-most-one
// concurrent fetch per key and deadline-bounded waiters.
package sourcecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/logging"
)

// Fetcher is the external collaborator that turns a contract reference into
// its verified source. Implementations are network-bound and fallible.
type Fetcher interface {
	Fetch(ctx context.Context, key domain.ContractKey, name string) (domain.ContractSource, error)
}

type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

type cacheEntry struct {
	mu         sync.RWMutex
	state      entryState
	source     domain.ContractSource
	failReason string
	expiresAt  time.Time
}

func (e *cacheEntry) snapshot() (entryState, domain.ContractSource, string, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, e.source, e.failReason, e.expiresAt
}

// Cache is the process-wide contract source cache. It outlives any single
// plan: Ready entries are never evicted while a plan is alive.
type Cache struct {
	mu            sync.Mutex
	entries       map[domain.ContractKey]*cacheEntry
	group         singleflight.Group
	fetcher       Fetcher
	failureExpiry time.Duration
}

// New constructs a Cache backed by the given fetcher. failureExpiry controls
// how long a Failed entry is returned verbatim before a new request_fetch
// transitions it back to Pending.
func New(fetcher Fetcher, failureExpiry time.Duration) *Cache {
	return &Cache{
		entries:       make(map[domain.ContractKey]*cacheEntry),
		fetcher:       fetcher,
		failureExpiry: failureExpiry,
	}
}

func (c *Cache) getOrCreate(key domain.ContractKey) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{state: statePending}
		c.entries[key] = e
		return e, true // created fresh, needs a fetch spawned
	}
	return e, false
}

// RequestFetch is non-blocking. For every key not already Ready or Pending
// it marks the entry Pending and spawns a background fetch. Keys already
// Pending or Ready are left untouched; Failed entries past their expiry are
// reset to Pending and re-fetched.
func (c *Cache) RequestFetch(keys []domain.ContractKey, names map[domain.ContractKey]string) {
	for _, key := range keys {
		e, created := c.getOrCreate(key)
		if !created {
			if !c.needsRefetch(e) {
				continue
			}
			e.mu.Lock()
			e.state = statePending
			e.mu.Unlock()
		}
		name := names[key]
		go c.spawnFetch(key, name)
	}
}

func (c *Cache) needsRefetch(e *cacheEntry) bool {
	state, _, _, expiresAt := e.snapshot()
	if state == stateReady || state == statePending {
		return false
	}
	return time.Now().After(expiresAt)
}

func (c *Cache) spawnFetch(key domain.ContractKey, name string) {
	_, _, _ = c.group.Do(sfKey(key), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		src, err := c.fetcher.Fetch(ctx, key, name)
		c.store(key, src, err)
		return src, err
	})
}

func sfKey(key domain.ContractKey) string {
	return fmt.Sprintf("%d:%s", key.ChainID, key.Address)
}

func (c *Cache) store(key domain.ContractKey, src domain.ContractSource, err error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = stateFailed
		e.failReason = err.Error()
		e.expiresAt = time.Now().Add(c.failureExpiry)
		logging.Op().Warn("contract source fetch failed", "chain_id", key.ChainID, "address", key.Address, "reason", err.Error())
		return
	}
	e.state = stateReady
	e.source = src
}

// FetchNow is the blocking variant: it subscribes to an in-flight fetch
// rather than starting a new one, or starts one if none is running, and
// waits for the terminal outcome.
func (c *Cache) FetchNow(ctx context.Context, key domain.ContractKey, name string) (domain.ContractSource, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		state, src, reason, expiresAt := e.snapshot()
		if state == stateReady {
			c.mu.Unlock()
			return src, nil
		}
		if state == stateFailed && time.Now().Before(expiresAt) {
			c.mu.Unlock()
			return domain.ContractSource{}, fmt.Errorf("%s", reason)
		}
	} else {
		e = &cacheEntry{state: statePending}
		c.entries[key] = e
	}
	c.mu.Unlock()

	type result struct {
		src domain.ContractSource
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err, _ := c.group.Do(sfKey(key), func() (interface{}, error) {
			fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			src, ferr := c.fetcher.Fetch(fctx, key, name)
			c.store(key, src, ferr)
			return src, ferr
		})
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{src: v.(domain.ContractSource)}
	}()

	select {
	case r := <-done:
		return r.src, r.err
	case <-ctx.Done():
		return domain.ContractSource{}, ctx.Err()
	}
}

// AreContractsReady reports whether every contract referenced by every
// supplied group currently has a Ready entry.
func (c *Cache) AreContractsReady(groups []domain.OperationGroup) bool {
	return len(c.missing(groups)) == 0
}

// MissingContracts returns the keys not yet Ready (Pending or absent).
func (c *Cache) MissingContracts(groups []domain.OperationGroup) []domain.ContractKey {
	return c.missing(groups)
}

func (c *Cache) missing(groups []domain.OperationGroup) []domain.ContractKey {
	var missing []domain.ContractKey
	seen := make(map[domain.ContractKey]struct{})
	for _, g := range groups {
		for _, key := range g.ContractKeys() {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			c.mu.Lock()
			e, ok := c.entries[key]
			c.mu.Unlock()
			if !ok {
				missing = append(missing, key)
				continue
			}
			state, _, _, _ := e.snapshot()
			if state != stateReady {
				missing = append(missing, key)
			}
		}
	}
	return missing
}

// Ready returns the cached source for a key, if it is in the Ready state.
func (c *Cache) Ready(key domain.ContractKey) (domain.ContractSource, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return domain.ContractSource{}, false
	}
	state, src, _, _ := e.snapshot()
	if state != stateReady {
		return domain.ContractSource{}, false
	}
	return src, true
}

// FailedReason returns the failure reason for a key currently in the Failed
// state, if any.
func (c *Cache) FailedReason(key domain.ContractKey) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	state, _, reason, expiresAt := e.snapshot()
	if state != stateFailed || time.Now().After(expiresAt) {
		return "", false
	}
	return reason, true
}
