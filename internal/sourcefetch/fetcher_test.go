package sourcefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aomi-labs/forge/internal/domain"
)

func TestFetchReturnsVerifiedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"1","message":"OK","result":[{"SourceCode":"contract WETH {}","ABI":"[]","ContractName":"WETH9"}]}`))
	}))
	defer srv.Close()

	c := New(map[domain.ChainID]ExplorerEndpoint{
		1: {BaseURL: srv.URL},
	}, nil)

	src, err := c.Fetch(context.Background(), domain.ContractKey{ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"}, "WETH")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.SourceText == "" {
		t.Fatal("expected non-empty source text")
	}
}

func TestFetchRejectsUnverified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"0","message":"NOTOK","result":[]}`))
	}))
	defer srv.Close()

	c := New(map[domain.ChainID]ExplorerEndpoint{
		1: {BaseURL: srv.URL},
	}, nil)

	_, err := c.Fetch(context.Background(), domain.ContractKey{ChainID: 1, Address: "0xdead"}, "Mystery")
	if err == nil {
		t.Fatal("expected error for unverified contract")
	}
}

func TestFetchMissingExplorerConfig(t *testing.T) {
	c := New(map[domain.ChainID]ExplorerEndpoint{}, nil)
	_, err := c.Fetch(context.Background(), domain.ContractKey{ChainID: 99, Address: "0xabc"}, "X")
	if err == nil {
		t.Fatal("expected error for unconfigured chain")
	}
}
