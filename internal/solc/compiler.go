// Package solc wraps a local Solidity toolchain binary, turning a single
// assembled source file into deployable runtime bytecode for a named
// contract. The invocation shape — write to a scratch dir, shell out,
// parse output, clean up — follows the subprocess-compiler pattern used
// elsewhere in this codebase for other toolchains.
package solc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aomi-labs/forge/internal/domain"
)

// Compiler invokes a solc binary against a temp source file and extracts
// bytecode for a named contract.
type Compiler struct {
	binaryPath string
	workDir    string
}

// New constructs a Compiler. binaryPath is typically just "solc", resolved
// against PATH; workDir is where per-compile scratch directories are
// created (os.MkdirTemp's default when empty).
func New(binaryPath, workDir string) *Compiler {
	return &Compiler{binaryPath: binaryPath, workDir: workDir}
}

type combinedJSON struct {
	Contracts map[string]struct {
		Bin string `json:"bin"`
		Abi json.RawMessage `json:"abi"`
	} `json:"contracts"`
	Errors []struct {
		Severity string `json:"severity"`
		Message  string `json:"formattedMessage"`
	} `json:"errors"`
}

// Compile compiles sourceText (named sourceFile for diagnostics) and
// returns the runtime bytecode for contractName.
func (c *Compiler) Compile(ctx context.Context, sourceFile, sourceText, contractName string) ([]byte, error) {
	dir, err := os.MkdirTemp(c.workDir, "forge-compile-")
	if err != nil {
		return nil, domain.NewError(domain.ErrCompilationFailure, "create scratch dir", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, sourceFile)
	if err := os.WriteFile(srcPath, []byte(sourceText), 0o644); err != nil {
		return nil, domain.NewError(domain.ErrCompilationFailure, "write source file", err)
	}

	binary := c.binaryPath
	if binary == "" {
		binary = "solc"
	}
	cmd := exec.CommandContext(ctx, binary,
		"--combined-json", "bin,abi",
		"--base-path", dir,
		srcPath,
	)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, domain.NewError(domain.ErrCompilationFailure, fmt.Sprintf("solc invocation failed: %s", strings.TrimSpace(string(out))), err)
	}

	var parsed combinedJSON
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, domain.NewError(domain.ErrCompilationFailure, "parse solc output", err)
	}
	for _, diag := range parsed.Errors {
		if diag.Severity == "error" {
			return nil, domain.NewError(domain.ErrCompilationFailure, diag.Message, nil)
		}
	}

	key, ok := findContractKey(parsed.Contracts, srcPath, contractName)
	if !ok {
		return nil, domain.NewError(domain.ErrCompilationFailure, fmt.Sprintf("contract %q not found in compilation output", contractName), nil)
	}

	bin := parsed.Contracts[key].Bin
	if bin == "" {
		return nil, domain.NewError(domain.ErrCompilationFailure, fmt.Sprintf("contract %q produced no bytecode", contractName), nil)
	}
	bytecode, err := hex.DecodeString(strings.TrimPrefix(bin, "0x"))
	if err != nil {
		return nil, domain.NewError(domain.ErrCompilationFailure, "decode bytecode hex", err)
	}
	return bytecode, nil
}

// findContractKey locates the "<path>:<name>" key solc's combined-json
// uses, tolerating path prefix differences between the invocation cwd and
// the key solc emits.
func findContractKey(contracts map[string]struct {
	Bin string          `json:"bin"`
	Abi json.RawMessage `json:"abi"`
}, srcPath, contractName string) (string, bool) {
	suffix := ":" + contractName
	for key := range contracts {
		if strings.HasSuffix(key, suffix) {
			return key, true
		}
	}
	return "", false
}
