// Package assembler implements the ScriptAssembler: a deterministic,
// side-effect-free translation of a synthesizer ScriptBlock into a complete
// Solidity source file ready for the compiler.
package assembler

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aomi-labs/forge/internal/synthesizer"
)

const (
	scriptImport    = `import {Script} from "forge-std/Script.sol";`
	stdCheatsImport = `import {StdCheats} from "forge-std/StdCheats.sol";`
	contractHeader  = "contract AomiScript is Script, StdCheats {"
	runFuncHeader   = "    function run() public {"
	vmStartBroadcast = "vm.startBroadcast();"
	vmStopBroadcast  = "vm.stopBroadcast();"
	indentL1         = "        "
)

// FundingKind distinguishes an ETH funding requirement from an ERC-20 one.
type FundingKind int

const (
	FundingETH FundingKind = iota
	FundingERC20
)

// FundingRequirement describes one funding line emitted before the
// broadcast section.
type FundingRequirement struct {
	Kind         FundingKind
	Amount       string // human-readable amount, e.g. "10" or "1.5"
	TokenAddress string // only for FundingERC20
	Decimals     int    // only for FundingERC20
}

// AssemblyConfig parameterizes assembly: the funding requirements applied
// before the broadcast section, and the solidity pragma version.
type AssemblyConfig struct {
	FundingRequirements []FundingRequirement
	SolidityVersion     string
}

// DefaultAssemblyConfig mirrors the spec's defaults: one ETH funding
// requirement of 10 ether, and solidity ^0.8.20.
func DefaultAssemblyConfig() AssemblyConfig {
	return AssemblyConfig{
		FundingRequirements: []FundingRequirement{{Kind: FundingETH, Amount: "10"}},
		SolidityVersion:     "^0.8.20",
	}
}

// Assemble turns a ScriptBlock into a complete Solidity source file.
func Assemble(block synthesizer.ScriptBlock, cfg AssemblyConfig) (string, error) {
	var b strings.Builder

	version := cfg.SolidityVersion
	if version == "" {
		version = "^0.8.20"
	}
	addPragma(&b, version)
	addImports(&b, block)
	addInlineInterfaces(&b, block)

	b.WriteString(contractHeader)
	b.WriteString("\n")
	b.WriteString(runFuncHeader)
	b.WriteString("\n")

	if err := addFundingSetup(&b, cfg.FundingRequirements); err != nil {
		return "", fmt.Errorf("funding setup: %w", err)
	}

	b.WriteString(indentL1)
	b.WriteString(vmStartBroadcast)
	b.WriteString("\n")

	addTransactionCalls(&b, block)

	b.WriteString(indentL1)
	b.WriteString(vmStopBroadcast)
	b.WriteString("\n")

	b.WriteString("    }\n")
	b.WriteString("}\n")

	return b.String(), nil
}

func addPragma(b *strings.Builder, version string) {
	fmt.Fprintf(b, "// SPDX-License-Identifier: UNLICENSED\npragma solidity %s;\n\n", version)
}

func addImports(b *strings.Builder, block synthesizer.ScriptBlock) {
	b.WriteString(scriptImport)
	b.WriteString("\n")
	b.WriteString(stdCheatsImport)
	b.WriteString("\n")

	type importKey struct{ name, source string }
	seen := map[importKey]struct{}{}
	for _, line := range block.Lines {
		for _, iface := range line.Interfaces {
			if iface.Source == "" {
				continue // inline interface, handled separately
			}
			key := importKey{iface.Name, iface.Source}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			fmt.Fprintf(b, "import {%s} from \"%s\";\n", iface.Name, iface.Source)
		}
	}
	b.WriteString("\n")
}

func addInlineInterfaces(b *strings.Builder, block synthesizer.ScriptBlock) {
	seen := map[string]struct{}{}
	for _, line := range block.Lines {
		for _, iface := range line.Interfaces {
			if iface.Source != "" {
				continue
			}
			if _, ok := seen[iface.Name]; ok {
				continue
			}
			seen[iface.Name] = struct{}{}
			b.WriteString(iface.InlineBody)
			b.WriteString("\n")
		}
	}
}

func addFundingSetup(b *strings.Builder, reqs []FundingRequirement) error {
	if len(reqs) == 0 {
		b.WriteString(indentL1)
		b.WriteString("deal(msg.sender, 10 ether);\n")
		return nil
	}
	for _, req := range reqs {
		switch req.Kind {
		case FundingETH:
			amount, err := sanitizeEthAmount(req.Amount)
			if err != nil {
				return fmt.Errorf("eth funding amount: %w", err)
			}
			fmt.Fprintf(b, "%sdeal(msg.sender, %s ether);\n", indentL1, amount)
		case FundingERC20:
			weiAmount, err := formatERC20Amount(req.Amount, req.Decimals)
			if err != nil {
				return fmt.Errorf("erc20 funding amount: %w", err)
			}
			fmt.Fprintf(b, "%sdeal(%s, msg.sender, %s);\n", indentL1, req.TokenAddress, weiAmount)
		}
	}
	return nil
}

func addTransactionCalls(b *strings.Builder, block synthesizer.ScriptBlock) {
	for _, line := range block.Lines {
		for _, sub := range strings.Split(line.Text, "\n") {
			if strings.TrimSpace(sub) == "" {
				continue
			}
			fmt.Fprintf(b, "%s%s\n", indentL1, checksumAddressesInLine(sub))
		}
	}
}

// sanitizeEthAmount validates an ETH funding amount is a non-empty string
// of digits with at most one decimal point and optional underscores.
func sanitizeEthAmount(amount string) (string, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return "", fmt.Errorf("empty amount")
	}
	dotCount := 0
	for _, c := range trimmed {
		switch {
		case c >= '0' && c <= '9':
		case c == '.':
			dotCount++
		case c == '_':
		default:
			return "", fmt.Errorf("invalid character %q in amount %q", c, amount)
		}
	}
	if dotCount > 1 {
		return "", fmt.Errorf("multiple decimal points in amount %q", amount)
	}
	return strings.ReplaceAll(trimmed, "_", ""), nil
}

// formatERC20Amount parses a human-readable fixed-point amount with the
// given decimal precision and returns the integer wei-equivalent as a
// decimal string, rejecting over-precision and overflow.
func formatERC20Amount(amount string, decimals int) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(amount), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("empty amount")
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("multiple decimal points in amount %q", amount)
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if fracPart != "" && decimals == 0 {
		return "", fmt.Errorf("amount %q has a fractional part but token has 0 decimals", amount)
	}
	if len(fracPart) > decimals {
		return "", fmt.Errorf("amount %q has more precision than %d decimals", amount, decimals)
	}
	if !isAllDigits(intPart) || (fracPart != "" && !isAllDigits(fracPart)) {
		return "", fmt.Errorf("amount %q is not a valid decimal number", amount)
	}
	if intPart == "" {
		intPart = "0"
	}

	intValue, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return "", fmt.Errorf("invalid integer part %q", intPart)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Int).Mul(intValue, scale)

	if fracPart != "" {
		padded := fracPart + strings.Repeat("0", decimals-len(fracPart))
		fracValue, ok := new(big.Int).SetString(padded, 10)
		if !ok {
			return "", fmt.Errorf("invalid fractional part %q", fracPart)
		}
		scaled = new(big.Int).Add(scaled, fracValue)
	}
	return scaled.String(), nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// checksumAddressesInLine rewrites every 0x-prefixed 40-hex-digit literal
// in line to its EIP-55 checksum form, so a lowercase address emitted by
// the synthesizer doesn't trip a compiler warning-as-error.
func checksumAddressesInLine(line string) string {
	var out strings.Builder
	i := 0
	for i < len(line) {
		if looksLikeAddressAt(line, i) {
			candidate := line[i : i+42]
			out.WriteString(common.HexToAddress(candidate).Hex())
			i += 42
			continue
		}
		out.WriteByte(line[i])
		i++
	}
	return out.String()
}

func looksLikeAddressAt(line string, i int) bool {
	if i+42 > len(line) {
		return false
	}
	if line[i] != '0' || (line[i+1] != 'x' && line[i+1] != 'X') {
		return false
	}
	for j := i + 2; j < i+42; j++ {
		c := line[j]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
	}
	// Must not be immediately followed by another hex digit (would make it
	// a longer literal than an address).
	if i+42 < len(line) {
		c := line[i+42]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
