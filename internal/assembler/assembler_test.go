package assembler

import (
	"strings"
	"testing"

	"github.com/aomi-labs/forge/internal/synthesizer"
)

func TestAssembleProducesSingleAomiScriptContract(t *testing.T) {
	block := synthesizer.ScriptBlock{Lines: []synthesizer.CodeLine{
		{Text: "weth.deposit{value: 1 ether}();"},
	}}
	src, err := Assemble(block, DefaultAssemblyConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(src, "contract AomiScript") != 1 {
		t.Fatalf("expected exactly one AomiScript contract, got:\n%s", src)
	}
	if !strings.Contains(src, "pragma solidity ^0.8.20;") {
		t.Fatalf("expected default solidity version pragma, got:\n%s", src)
	}
	if !strings.Contains(src, "vm.startBroadcast();") || !strings.Contains(src, "vm.stopBroadcast();") {
		t.Fatalf("expected broadcast bracketing, got:\n%s", src)
	}
}

func TestAssembleDedupesImportsByNameAndSource(t *testing.T) {
	block := synthesizer.ScriptBlock{Lines: []synthesizer.CodeLine{
		{Text: "a();", Interfaces: []synthesizer.Interface{{Name: "IWETH", Source: "src/IWETH.sol"}}},
		{Text: "b();", Interfaces: []synthesizer.Interface{{Name: "IWETH", Source: "src/IWETH.sol"}}},
	}}
	src, err := Assemble(block, DefaultAssemblyConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(src, `import {IWETH} from "src/IWETH.sol";`) != 1 {
		t.Fatalf("expected deduplicated import, got:\n%s", src)
	}
}

func TestAssembleDedupesInlineInterfacesByName(t *testing.T) {
	block := synthesizer.ScriptBlock{Lines: []synthesizer.CodeLine{
		{Text: "a();", Interfaces: []synthesizer.Interface{{Name: "IFoo", InlineBody: "interface IFoo { function foo() external; }"}}},
		{Text: "b();", Interfaces: []synthesizer.Interface{{Name: "IFoo", InlineBody: "interface IFoo { function foo() external; }"}}},
	}}
	src, err := Assemble(block, DefaultAssemblyConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(src, "interface IFoo") != 1 {
		t.Fatalf("expected deduplicated inline interface, got:\n%s", src)
	}
}

func TestDefaultFundingWhenNoneSpecified(t *testing.T) {
	cfg := AssemblyConfig{SolidityVersion: "^0.8.20"}
	src, err := Assemble(synthesizer.ScriptBlock{}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(src, "deal(msg.sender, 10 ether);") {
		t.Fatalf("expected default 10 ether funding, got:\n%s", src)
	}
}

func TestERC20FundingRejectsOverPrecision(t *testing.T) {
	cfg := AssemblyConfig{
		FundingRequirements: []FundingRequirement{{Kind: FundingERC20, Amount: "1.2345", TokenAddress: "0xusdc", Decimals: 2}},
		SolidityVersion:     "^0.8.20",
	}
	_, err := Assemble(synthesizer.ScriptBlock{}, cfg)
	if err == nil {
		t.Fatal("expected error for over-precision erc20 amount")
	}
}

func TestERC20FundingFormatsWeiAmount(t *testing.T) {
	cfg := AssemblyConfig{
		FundingRequirements: []FundingRequirement{{Kind: FundingERC20, Amount: "1.5", TokenAddress: "0xusdc", Decimals: 6}},
		SolidityVersion:     "^0.8.20",
	}
	src, err := Assemble(synthesizer.ScriptBlock{}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(src, "deal(0xusdc, msg.sender, 1500000);") {
		t.Fatalf("expected 1.5 * 10^6 = 1500000, got:\n%s", src)
	}
}

func TestSanitizeEthAmountRejectsMultipleDots(t *testing.T) {
	if _, err := sanitizeEthAmount("1.2.3"); err == nil {
		t.Fatal("expected error for multiple decimal points")
	}
}

func TestSanitizeEthAmountRejectsEmpty(t *testing.T) {
	if _, err := sanitizeEthAmount("  "); err == nil {
		t.Fatal("expected error for empty amount")
	}
}

func TestChecksumAddressesInLineRewritesLowercase(t *testing.T) {
	line := "IWETH weth = IWETH(0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2);"
	out := checksumAddressesInLine(line)
	if !strings.Contains(out, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2") {
		t.Fatalf("expected checksummed address in output: %s", out)
	}
}

func TestChecksumAddressesInLineLeavesShortHexAlone(t *testing.T) {
	line := "uint256 x = 0xFF;"
	out := checksumAddressesInLine(line)
	if out != line {
		t.Fatalf("expected short hex literal untouched, got %q", out)
	}
}
