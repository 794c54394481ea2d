// Package evmbackend implements the EvmBackend: one in-memory EVM executor
// per distinct chain id referenced by a plan, each forked from that chain's
// configured RPC endpoint at plan creation and shared mutably among the
// plan's concurrent GroupNodes under a per-chain lock.
package evmbackend

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"github.com/aomi-labs/forge/internal/domain"
	"github.com/aomi-labs/forge/internal/logging"
	"github.com/aomi-labs/forge/internal/metrics"
)

// deployerPrivateKeyHex is the well-known Anvil/Hardhat default account #0
// private key. It has no value outside local forked test chains; every
// forge script is deployed and run from this deterministic sender.
const deployerPrivateKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// EvmOpts are the base options a GroupNode uses when it builds its local
// compile/execute context, kept consistent with the backend's fork state.
type EvmOpts struct {
	ChainID         domain.ChainID
	RPCURL          string
	DeployerAddress common.Address
}

// ChainExecutor is one chain's in-memory forked EVM, guarded by its own
// lock so concurrent GroupNodes targeting the same chain serialize while
// nodes on different chains run in parallel.
type ChainExecutor struct {
	mu       sync.Mutex
	chainID  domain.ChainID
	rpcURL   string
	sim      *simulated.Backend
	client   simulated.Client
	deployer common.Address
	signer   *bind.TransactOpts
}

// ExecuteOnChainFunc is invoked with exclusive access to one chain's
// executor.
type ExecuteOnChainFunc func(ctx context.Context, ex *ChainExecutor) error

// Backend is the per-plan bundle of per-chain executors.
type Backend struct {
	executors map[domain.ChainID]*ChainExecutor
}

// RPCResolver resolves the fork RPC endpoint for a chain id.
type RPCResolver func(chainID domain.ChainID) (string, bool)

// New forks one executor per chain id in chains. On any fork failure it
// tears down the executors it already created and returns an error without
// partial construction, per the BackendSetupFailure contract.
func New(ctx context.Context, chains []domain.ChainID, resolve RPCResolver, retries int, retryDelay time.Duration) (*Backend, error) {
	executors := make(map[domain.ChainID]*ChainExecutor, len(chains))
	for _, chainID := range chains {
		rpcURL, ok := resolve(chainID)
		if !ok {
			closeAll(executors)
			return nil, domain.NewError(domain.ErrBackendSetupFailure, fmt.Sprintf("no rpc endpoint configured for chain %d", chainID), nil)
		}
		ex, err := forkChain(ctx, chainID, rpcURL, retries, retryDelay)
		if err != nil {
			closeAll(executors)
			return nil, domain.NewError(domain.ErrBackendSetupFailure, fmt.Sprintf("fork chain %d", chainID), err)
		}
		executors[chainID] = ex
	}
	return &Backend{executors: executors}, nil
}

func closeAll(executors map[domain.ChainID]*ChainExecutor) {
	for _, ex := range executors {
		ex.sim.Close()
	}
}

func forkChain(ctx context.Context, chainID domain.ChainID, rpcURL string, retries int, retryDelay time.Duration) (*ChainExecutor, error) {
	key, err := crypto.HexToECDSA(deployerPrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse deployer key: %w", err)
	}
	deployer := crypto.PubkeyToAddress(key.PublicKey)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			metrics.RecordBackendForkRetry(chainID.String())
			logging.Op().Warn("retrying chain fork", "chain_id", chainID, "attempt", attempt, "last_error", lastErr)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rpcClient, dialErr := ethclient.DialContext(ctx, rpcURL)
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		_, idErr := rpcClient.ChainID(ctx)
		rpcClient.Close()
		if idErr != nil {
			lastErr = idErr
			continue
		}

		maxBalance := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
		alloc := types.GenesisAlloc{
			deployer: {Balance: maxBalance},
		}
		sim := simulated.NewBackend(alloc)

		signer, authErr := bind.NewKeyedTransactorWithChainID(key, big.NewInt(int64(chainID)))
		if authErr != nil {
			sim.Close()
			return nil, fmt.Errorf("build signer: %w", authErr)
		}

		return &ChainExecutor{
			chainID:  chainID,
			rpcURL:   rpcURL,
			sim:      sim,
			client:   sim.Client(),
			deployer: deployer,
			signer:   signer,
		}, nil
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", retries, lastErr)
}

// ExecuteOnChain acquires the chain's executor, invokes fn with exclusive
// access, and returns its result. Concurrent requests for the same chain
// serialize; requests for different chains proceed in parallel.
func (b *Backend) ExecuteOnChain(ctx context.Context, chainID domain.ChainID, fn ExecuteOnChainFunc) error {
	ex, ok := b.executors[chainID]
	if !ok {
		return domain.NewError(domain.ErrInternalInvariant, fmt.Sprintf("chain %d was not forked for this plan", chainID), nil)
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return fn(ctx, ex)
}

// GetEvmOpts returns the base EVM options for a chain so a GroupNode's
// local context stays consistent with the backend's fork state.
func (b *Backend) GetEvmOpts(chainID domain.ChainID) (EvmOpts, bool) {
	ex, ok := b.executors[chainID]
	if !ok {
		return EvmOpts{}, false
	}
	return EvmOpts{ChainID: chainID, RPCURL: ex.rpcURL, DeployerAddress: ex.deployer}, true
}

// Close drops all of a plan's chain executors. Called by the orchestrator
// when the plan reaches terminal state.
func (b *Backend) Close() {
	closeAll(b.executors)
}

// Deploy sends the deployer's deployment transaction for the given
// bytecode, commits a block, and returns the deployed address.
func (ex *ChainExecutor) Deploy(ctx context.Context, bytecode []byte) (common.Address, error) {
	addr, tx, _, err := bind.DeployContract(ex.signer, abi.ABI{}, bytecode, ex.client)
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy: %w", err)
	}
	ex.sim.Commit()

	receipt, err := bind.WaitMined(ctx, ex.client, tx)
	if err != nil {
		return common.Address{}, fmt.Errorf("wait for deployment receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, fmt.Errorf("deployment reverted")
	}
	return addr, nil
}

// RunResult captures the outcome of calling a script's run() selector.
type RunResult struct {
	Success      bool
	GasUsed      uint64
	ReturnData   []byte
	RevertData   []byte
	Transactions []domain.TransactionData
}

// runSelector is keccak256("run()")[:4].
func runSelector() []byte {
	return crypto.Keccak256([]byte("run()"))[:4]
}

// Run invokes the deployed script's run() selector with zero value. Because
// this package drives a real EVM client rather than a cheatcode-aware
// Foundry VM, the run() call itself is recorded as the sole broadcastable
// transaction: there is no vm.startBroadcast trace to mine for sub-calls.
func (ex *ChainExecutor) Run(ctx context.Context, scriptAddr common.Address, rpcURLForRecord string) (RunResult, error) {
	selector := runSelector()

	callMsg := ethereumCallMsg(ex.deployer, scriptAddr, selector)
	returnData, callErr := ex.client.CallContract(ctx, callMsg, nil)
	if callErr != nil {
		return RunResult{Success: false, RevertData: extractRevertData(callErr)}, nil
	}

	nonce, err := ex.client.PendingNonceAt(ctx, ex.deployer)
	if err != nil {
		return RunResult{}, fmt.Errorf("nonce lookup: %w", err)
	}
	gasPrice, err := ex.client.SuggestGasPrice(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := ex.client.EstimateGas(ctx, callMsg)
	if err != nil {
		gasLimit = 3_000_000
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &scriptAddr,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     selector,
	})
	signedTx, err := ex.signer.Signer(ex.deployer, tx)
	if err != nil {
		return RunResult{}, fmt.Errorf("sign run() tx: %w", err)
	}
	if err := ex.client.SendTransaction(ctx, signedTx); err != nil {
		return RunResult{}, fmt.Errorf("send run() tx: %w", err)
	}
	ex.sim.Commit()

	receipt, err := bind.WaitMined(ctx, ex.client, signedTx)
	if err != nil {
		return RunResult{}, fmt.Errorf("wait for run() receipt: %w", err)
	}

	txRecord := domain.TransactionData{
		From:   ex.deployer.Hex(),
		To:     scriptAddr.Hex(),
		Value:  "0x0",
		Data:   "0x" + common.Bytes2Hex(selector),
		RPCURL: rpcURLForRecord,
	}

	result := RunResult{
		Success:      receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:      receipt.GasUsed,
		ReturnData:   returnData,
		Transactions: []domain.TransactionData{txRecord},
	}
	return result, nil
}

func ethereumCallMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

// extractRevertData best-effort unwraps go-ethereum's JSON-RPC error shape
// to recover raw revert bytes; callers fall back to the error string when
// this returns nil.
func extractRevertData(err error) []byte {
	type dataError interface {
		ErrorData() interface{}
	}
	de, ok := err.(dataError)
	if !ok {
		return nil
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok || len(hexStr) < 2 {
		return nil
	}
	return common.FromHex(hexStr)
}
