// Package sourcefetch implements the source-fetcher external collaborator:
// turning a (chain id, address) reference into a verified ContractSource by
// querying a block-explorer-style API and cross-checking that the address
// actually carries code on chain.
package sourcefetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/aomi-labs/forge/internal/domain"
)

// ExplorerEndpoint is one chain's block-explorer API base URL and key.
type ExplorerEndpoint struct {
	ChainID ChainIDLike
	BaseURL string
	APIKey  string
}

// ChainIDLike avoids importing domain twice for a plain numeric alias.
type ChainIDLike = domain.ChainID

// Client fetches verified contract sources from a per-chain block-explorer
// API (Etherscan-compatible "getsourcecode" module) and validates that the
// address has deployed code via the chain's own RPC.
type Client struct {
	http      *http.Client
	explorers map[domain.ChainID]ExplorerEndpoint
	rpcDialer func(ctx context.Context, url string) (*ethclient.Client, error)
	rpcURLs   map[domain.ChainID]string
}

// New constructs a Client. rpcURLs is used only to validate that a fetched
// source's address actually carries code; a missing RPC entry skips that
// cross-check rather than failing the fetch.
func New(explorers map[domain.ChainID]ExplorerEndpoint, rpcURLs map[domain.ChainID]string) *Client {
	return &Client{
		http:      &http.Client{Timeout: 15 * time.Second},
		explorers: explorers,
		rpcURLs:   rpcURLs,
		rpcDialer: ethclient.DialContext,
	}
}

type explorerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  []struct {
		SourceCode   string `json:"SourceCode"`
		ABI          string `json:"ABI"`
		ContractName string `json:"ContractName"`
	} `json:"result"`
}

// Fetch implements sourcecache.Fetcher.
func (c *Client) Fetch(ctx context.Context, key domain.ContractKey, name string) (domain.ContractSource, error) {
	ep, ok := c.explorers[key.ChainID]
	if !ok {
		return domain.ContractSource{}, fmt.Errorf("no explorer configured for chain %d", key.ChainID)
	}

	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getsourcecode")
	q.Set("address", key.Address)
	if ep.APIKey != "" {
		q.Set("apikey", ep.APIKey)
	}
	reqURL := ep.BaseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.ContractSource{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ContractSource{}, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ContractSource{}, fmt.Errorf("explorer response: %w", err)
	}

	var parsed explorerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.ContractSource{}, fmt.Errorf("explorer response decode: %w", err)
	}
	if parsed.Status != "1" || len(parsed.Result) == 0 {
		return domain.ContractSource{}, fmt.Errorf("contract unverified: %s", parsed.Message)
	}
	result := parsed.Result[0]
	if strings.TrimSpace(result.SourceCode) == "" {
		return domain.ContractSource{}, fmt.Errorf("contract unverified: empty source")
	}

	if err := c.verifyHasCode(ctx, key); err != nil {
		return domain.ContractSource{}, err
	}

	friendlyName := name
	if friendlyName == "" {
		friendlyName = result.ContractName
	}

	return domain.ContractSource{
		ChainID:    key.ChainID,
		Address:    key.Address,
		Name:       friendlyName,
		SourceText: result.SourceCode,
		ABI:        json.RawMessage(result.ABI),
	}, nil
}

func (c *Client) verifyHasCode(ctx context.Context, key domain.ContractKey) error {
	rpcURL, ok := c.rpcURLs[key.ChainID]
	if !ok || rpcURL == "" {
		return nil
	}
	client, err := c.rpcDialer(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("dial chain %d rpc: %w", key.ChainID, err)
	}
	defer client.Close()

	code, err := client.CodeAt(ctx, common.HexToAddress(key.Address), nil)
	if err != nil {
		return fmt.Errorf("code at %s on chain %d: %w", key.Address, key.ChainID, err)
	}
	if len(code) == 0 {
		return fmt.Errorf("address %s has no deployed code on chain %d", key.Address, key.ChainID)
	}
	return nil
}
