// Package fake provides a deterministic Synthesizer for tests and the demo
// CLI, honoring the two-call protocol without calling out to a real model.
package fake

import (
	"context"
	"fmt"

	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/synthesizer"
)

// Synthesizer emits a minimal script that calls each contract's fallback
// with zero value; FailAfter, when > 0, makes the first FailAfter calls to
// either RPC fail, to exercise the retry wrapper in tests.
type Synthesizer struct {
	FailExtractAttempts int
	FailGenerateAttempts int

	extractCalls int
	generateCalls int
}

func (s *Synthesizer) ExtractContractInfo(ctx context.Context, operations []string, sources []domain.ContractSource) ([]synthesizer.ExtractedInfo, error) {
	s.extractCalls++
	if s.extractCalls <= s.FailExtractAttempts {
		return nil, fmt.Errorf("simulated extract failure (attempt %d)", s.extractCalls)
	}
	infos := make([]synthesizer.ExtractedInfo, 0, len(sources))
	for _, src := range sources {
		infos = append(infos, synthesizer.ExtractedInfo{
			ContractName: src.Name,
			Address:      src.Address,
			RelevantABI:  string(src.ABI),
		})
	}
	return infos, nil
}

func (s *Synthesizer) GenerateScript(ctx context.Context, operations []string, extracted []synthesizer.ExtractedInfo) (synthesizer.ScriptBlock, error) {
	s.generateCalls++
	if s.generateCalls <= s.FailGenerateAttempts {
		return synthesizer.ScriptBlock{}, fmt.Errorf("simulated generate failure (attempt %d)", s.generateCalls)
	}
	var lines []synthesizer.CodeLine
	for _, info := range extracted {
		lines = append(lines, synthesizer.CodeLine{
			Text: fmt.Sprintf("%s target = %s(%s);", info.ContractName, info.ContractName, info.Address),
		})
		lines = append(lines, synthesizer.CodeLine{
			Text: fmt.Sprintf("target.noop();"),
		})
	}
	if len(lines) == 0 {
		lines = append(lines, synthesizer.CodeLine{Text: "// no operations required"})
	}
	return synthesizer.ScriptBlock{Lines: lines}, nil
}

// Interface is a re-export alias so callers constructing lines don't need to
// reach into the synthesizer package directly.
type Interface = synthesizer.Interface
