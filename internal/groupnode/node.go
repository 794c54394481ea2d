// Package groupnode implements the GroupNode: the per-group state machine
// that drives fetch -> synthesize -> assemble -> compile -> deploy ->
// execute -> audit for a single OperationGroup, in isolation from every
// other group in the plan.
package groupnode

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/aomi-labs/forge/internal/assembler"
	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/evmbackend"
	"github.com/aomi-labs/forge/internal/solc"
	"github.com/aomi-labs/forge/internal/sourcecache"
	"github.com/aomi-labs/forge/internal/synthesizer"
)

// errorStringSelector is keccak256("Error(string)")[:4].
var errorStringSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}

// AuditDecision is the outcome of the pluggable post-execution audit.
type AuditDecision int

const (
	AuditAccept AuditDecision = iota
	AuditReject
	AuditRestart
)

// Auditor is the pluggable result check. The default always accepts.
type Auditor interface {
	Audit(ctx context.Context, result evmbackend.RunResult, generatedCode string) (AuditDecision, string)
}

// DefaultAuditor always accepts, matching the source's no-op placeholder.
type DefaultAuditor struct{}

func (DefaultAuditor) Audit(ctx context.Context, result evmbackend.RunResult, generatedCode string) (AuditDecision, string) {
	return AuditAccept, ""
}

// Config is a node's owned, foundry-compatible configuration.
type Config struct {
	PrimaryChainID  domain.ChainID
	SolidityVersion string
	Funding         []assembler.FundingRequirement
	SkipExecution   bool // fast-path test hook, mirrors FORGE_TEST_SKIP_EXECUTION
}

// Deps are the shared, plan-scoped collaborators a node needs. They are
// held by reference; the node owns nothing here.
type Deps struct {
	Backend     *evmbackend.Backend
	Cache       *sourcecache.Cache
	Synthesizer synthesizer.Synthesizer
	RetryConfig synthesizer.RetryConfig
	Compiler    *solc.Compiler
	Auditor     Auditor
	DefaultRPC  string // fallback rpc_url for transaction records lacking an explicit one
}

// Node is the per-group state machine. It is moved out of the plan's node
// vector exactly once when scheduled, and its Run method is invoked
// exactly once across the life of its plan.
type Node struct {
	GroupIndex int
	Group      domain.OperationGroup
	Config     Config
	Deps       Deps

	artifacts map[string][]byte // compiled outputs, keyed "group_<index>"
}

// New constructs a GroupNode. The primary chain id is resolved by the
// caller (the group's first contract's chain id, defaulting to mainnet).
func New(groupIndex int, group domain.OperationGroup, cfg Config, deps Deps) *Node {
	return &Node{
		GroupIndex: groupIndex,
		Group:      group,
		Config:     cfg,
		Deps:       deps,
		artifacts:  make(map[string][]byte),
	}
}

// Run executes the node's full pipeline to a terminal GroupResult. It never
// panics across the caller boundary: any invariant violation is caught and
// turned into a Failed result carrying InternalInvariant, so one node's bug
// can't take down the orchestrator process.
func (n *Node) Run(ctx context.Context) (result domain.GroupResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.NewFailedResult(n.GroupIndex, n.Group, fmt.Sprintf("internal invariant violated: %v", r), "", nil)
		}
	}()

	sources, err := n.fetchSources()
	if err != nil {
		return domain.NewFailedResult(n.GroupIndex, n.Group, err.Error(), "", nil)
	}

	block, err := synthesizer.Synthesize(ctx, n.Deps.Synthesizer, n.Deps.RetryConfig, n.Group.Operations, sources)
	if err != nil {
		return domain.NewFailedResult(n.GroupIndex, n.Group, err.Error(), "", nil)
	}

	assemblyCfg := assembler.AssemblyConfig{
		FundingRequirements: n.Config.Funding,
		SolidityVersion:     n.Config.SolidityVersion,
	}
	if len(assemblyCfg.FundingRequirements) == 0 {
		assemblyCfg = assembler.DefaultAssemblyConfig()
		assemblyCfg.SolidityVersion = n.Config.SolidityVersion
	}
	generatedCode, err := assembler.Assemble(block, assemblyCfg)
	if err != nil {
		return domain.NewFailedResult(n.GroupIndex, n.Group, err.Error(), "", nil)
	}

	if n.Config.SkipExecution {
		return domain.NewDoneResult(n.GroupIndex, n.Group, nil, generatedCode)
	}

	bytecode, err := n.Deps.Compiler.Compile(ctx, fmt.Sprintf("group_%d.sol", n.GroupIndex), generatedCode, "AomiScript")
	if err != nil {
		return domain.NewFailedResult(n.GroupIndex, n.Group, err.Error(), generatedCode, nil)
	}
	n.artifacts[fmt.Sprintf("group_%d", n.GroupIndex)] = bytecode

	chainID := n.Config.PrimaryChainID
	rpcURL := n.Deps.DefaultRPC
	if opts, ok := n.Deps.Backend.GetEvmOpts(chainID); ok && opts.RPCURL != "" {
		rpcURL = opts.RPCURL
	}

	var scriptAddr common.Address
	deployErr := n.Deps.Backend.ExecuteOnChain(ctx, chainID, func(ctx context.Context, ex *evmbackend.ChainExecutor) error {
		addr, err := ex.Deploy(ctx, bytecode)
		if err != nil {
			return err
		}
		scriptAddr = addr
		return nil
	})
	if deployErr != nil {
		return domain.NewFailedResult(n.GroupIndex, n.Group, deployErr.Error(), generatedCode, nil)
	}

	var runResult evmbackend.RunResult
	execErr := n.Deps.Backend.ExecuteOnChain(ctx, chainID, func(ctx context.Context, ex *evmbackend.ChainExecutor) error {
		r, err := ex.Run(ctx, scriptAddr, rpcURL)
		if err != nil {
			return err
		}
		runResult = r
		return nil
	})
	if execErr != nil {
		return domain.NewFailedResult(n.GroupIndex, n.Group, execErr.Error(), generatedCode, nil)
	}

	if !runResult.Success {
		reason := decodeRevertReason(runResult.RevertData)
		err := domain.NewError(domain.ErrExecutionReverted, reason, nil)
		return domain.NewFailedResult(n.GroupIndex, n.Group, err.Error(), generatedCode, runResult.Transactions)
	}

	auditor := n.Deps.Auditor
	if auditor == nil {
		auditor = DefaultAuditor{}
	}
	decision, reason := auditor.Audit(ctx, runResult, generatedCode)
	switch decision {
	case AuditReject, AuditRestart:
		// A requested restart is surfaced as a failure with the audit
		// reason rather than looping; looping is out of scope for this core.
		msg := reason
		if msg == "" {
			msg = "result rejected by audit"
		}
		return domain.NewFailedResult(n.GroupIndex, n.Group, msg, generatedCode, runResult.Transactions)
	}

	return domain.NewDoneResult(n.GroupIndex, n.Group, runResult.Transactions, generatedCode)
}

// fetchSources resolves every contract this group needs against the
// already-primed cache. It never itself triggers a fetch or waits; the
// orchestrator is responsible for ensuring readiness before a node is
// spawned. Lookups run concurrently since they're independent per-key
// reads, same pattern the orchestrator uses for its own prefetch fan-out.
func (n *Node) fetchSources() ([]domain.ContractSource, error) {
	sources := make([]domain.ContractSource, len(n.Group.Contracts))
	g, _ := errgroup.WithContext(context.Background())
	for i, ref := range n.Group.Contracts {
		i, ref := i, ref
		g.Go(func() error {
			key := ref.Key()
			if src, ok := n.Deps.Cache.Ready(key); ok {
				sources[i] = src
				return nil
			}
			if reason, ok := n.Deps.Cache.FailedReason(key); ok {
				return fmt.Errorf("source unavailable for %s on chain %d: %s", ref.Address, ref.ChainID, reason)
			}
			return fmt.Errorf("source for %s on chain %d was not ready when the node was scheduled", ref.Address, ref.ChainID)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sources, nil
}

// decodeRevertReason decodes the standard Error(string) selector when
// present, falling back to the raw hex encoding of whatever revert data was
// captured.
func decodeRevertReason(data []byte) string {
	if len(data) >= 4 && [4]byte{data[0], data[1], data[2], data[3]} == errorStringSelector {
		if msg, ok := decodeABIString(data[4:]); ok {
			return msg
		}
	}
	if len(data) == 0 {
		return "execution reverted"
	}
	return "execution reverted: 0x" + hexEncode(data)
}

// decodeABIString decodes a single ABI-encoded `string` return value:
// 32-byte offset (ignored, always 0x20 here), 32-byte length, then the
// UTF-8 payload padded to a 32-byte boundary.
func decodeABIString(data []byte) (string, bool) {
	if len(data) < 64 {
		return "", false
	}
	length := binary.BigEndian.Uint64(data[56:64])
	if uint64(len(data)) < 64+length {
		return "", false
	}
	raw := data[64 : 64+length]
	return strings.TrimRight(string(raw), "\x00"), true
}

func hexEncode(data []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// FastPathEnvFlag is the environment variable name that forces the
// deterministic test mode, mirroring the original's process-wide flag.
const FastPathEnvFlag = "FORGE_TEST_SKIP_EXECUTION"
