// Package synthesizer models the CodeSynthesizer external collaborator:
// a two-call protocol that turns operations plus fetched contract sources
// into a ScriptBlock, each call retried with fixed backoff.
package synthesizer

import (
	"context"
	"time"

	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/metrics"
)

// ExtractedInfo is the distilled, ABI-level information the synthesizer
// pulls out of verified sources for a specific set of operations.
type ExtractedInfo struct {
	ContractName string          `json:"contract_name"`
	Address      string          `json:"address"`
	RelevantABI  string          `json:"relevant_abi"`
}

// Interface describes how a ScriptBlock line depends on an interface: a
// standard-library import, or an inline definition supplied verbatim.
type Interface struct {
	Name        string `json:"name"`
	Source      string `json:"source"`       // import path, or "" for inline
	InlineBody  string `json:"inline_body"`  // populated when Source == ""
}

// CodeLine is one line of the synthesized script plus the interfaces it
// depends on.
type CodeLine struct {
	Text       string      `json:"text"`
	Interfaces []Interface `json:"interfaces"`
}

// ScriptBlock is the structured output of the synthesizer prior to
// assembly: code lines plus their import declarations.
type ScriptBlock struct {
	Lines []CodeLine `json:"lines"`
}

// Synthesizer is the external collaborator contract. Implementations are
// model/service-backed and fallible; this package only owns the retry
// wrapper around the two calls.
type Synthesizer interface {
	ExtractContractInfo(ctx context.Context, operations []string, sources []domain.ContractSource) ([]ExtractedInfo, error)
	GenerateScript(ctx context.Context, operations []string, extracted []ExtractedInfo) (ScriptBlock, error)
}

// RetryConfig controls the fixed-backoff retry policy applied to each call.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// Synthesize runs the full two-call protocol, retrying each call up to
// cfg.MaxAttempts times with a fixed cfg.Delay between attempts. A call
// that still fails after all attempts fails the group with the propagated
// reason; there is no cancellation mid-attempt.
func Synthesize(ctx context.Context, s Synthesizer, cfg RetryConfig, operations []string, sources []domain.ContractSource) (ScriptBlock, error) {
	extracted, err := withRetry(ctx, cfg, func() ([]ExtractedInfo, error) {
		return s.ExtractContractInfo(ctx, operations, sources)
	})
	if err != nil {
		return ScriptBlock{}, domain.NewError(domain.ErrSynthesizerFailure, "extract_contract_info", err)
	}

	block, err := withRetry(ctx, cfg, func() (ScriptBlock, error) {
		return s.GenerateScript(ctx, operations, extracted)
	})
	if err != nil {
		return ScriptBlock{}, domain.NewError(domain.ErrSynthesizerFailure, "generate_script", err)
	}
	return block, nil
}

// withRetry is a generic fixed-delay retry helper: attempt f up to
// cfg.MaxAttempts times, sleeping cfg.Delay between attempts. An in-flight
// attempt always runs to completion; there is no cancellation policy
// beyond the caller's context being honored between attempts.
func withRetry[T any](ctx context.Context, cfg RetryConfig, f func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := f()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		metrics.Global().RecordSynthesizerRetry()
		metrics.RecordSynthesizerRetry()
		select {
		case <-time.After(cfg.Delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
