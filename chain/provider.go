package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/external"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"zkcredit/credit-prover/logging"
)

// ErrMempoolUnavailable is returned by PendingTransactions when the node does
// not expose its transaction pool.
var ErrMempoolUnavailable = errors.New("mempool inspection unavailable")

// Provider is the connected-chain handle every chain component is built on.
type Provider interface {
	ChainID(ctx context.Context) (*big.Int, error)
	// SwitchChain reconnects to chainID. Providers that cannot switch return an error.
	SwitchChain(ctx context.Context, chainID *big.Int) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	// PendingTransactions lists unconfirmed transactions addressed to to.
	PendingTransactions(ctx context.Context, to ethcommon.Address) ([]*types.Transaction, error)
	Signer() Signer
}

type Signer interface {
	Address() ethcommon.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address ethcommon.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() ethcommon.Address {
	return s.address
}

func (s *KeySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ExternalSigner delegates signing to a clef-compatible signer, which may ask
// its user to approve every transaction.
type ExternalSigner struct {
	signer  *external.ExternalSigner
	account accounts.Account
}

// NewExternalSigner connects to endpoint and selects address, or the first
// account the signer exposes when address is empty.
func NewExternalSigner(endpoint string, address string) (*ExternalSigner, error) {
	signer, err := external.NewExternalSigner(endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect external signer: %w", err)
	}
	accs := signer.Accounts()
	if len(accs) == 0 {
		return nil, fmt.Errorf("external signer at %s exposes no accounts", endpoint)
	}
	if address == "" {
		return &ExternalSigner{signer: signer, account: accs[0]}, nil
	}
	want := ethcommon.HexToAddress(address)
	for _, acc := range accs {
		if acc.Address == want {
			return &ExternalSigner{signer: signer, account: acc}, nil
		}
	}
	return nil, fmt.Errorf("external signer does not manage %s", want.Hex())
}

func (s *ExternalSigner) Address() ethcommon.Address {
	return s.account.Address
}

func (s *ExternalSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.signer.SignTx(s.account, tx, chainID)
}

// EthProvider implements Provider over a JSON-RPC node. Switching chains
// redials the RPC endpoint configured for the target chain.
type EthProvider struct {
	mu        sync.RWMutex
	rpcClient *rpc.Client
	client    *ethclient.Client
	endpoints map[uint64]string
	signer    Signer
}

func DialEthProvider(ctx context.Context, rpcURL string, endpoints map[uint64]string, signer Signer) (*EthProvider, error) {
	p := &EthProvider{endpoints: endpoints, signer: signer}
	if err := p.dial(ctx, rpcURL); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *EthProvider) dial(ctx context.Context, rpcURL string) error {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	p.mu.Lock()
	old := p.rpcClient
	p.rpcClient = rpcClient
	p.client = ethclient.NewClient(rpcClient)
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (p *EthProvider) eth() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *EthProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rpcClient != nil {
		p.rpcClient.Close()
	}
}

func (p *EthProvider) ChainID(ctx context.Context) (*big.Int, error) {
	return p.eth().ChainID(ctx)
}

func (p *EthProvider) SwitchChain(ctx context.Context, chainID *big.Int) error {
	url, ok := p.endpoints[chainID.Uint64()]
	if !ok || url == "" {
		return fmt.Errorf("no rpc endpoint configured for chain %s", chainID)
	}
	logging.Logger().Info().Str("chain_id", chainID.String()).Msg("Switching chain")
	if err := p.dial(ctx, url); err != nil {
		return err
	}
	got, err := p.ChainID(ctx)
	if err != nil {
		return err
	}
	if got.Cmp(chainID) != 0 {
		return fmt.Errorf("endpoint for chain %s reports chain %s", chainID, got)
	}
	return nil
}

func (p *EthProvider) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return p.eth().CallContract(ctx, msg, blockNumber)
}

func (p *EthProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return p.eth().EstimateGas(ctx, msg)
}

func (p *EthProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return p.eth().SuggestGasPrice(ctx)
}

func (p *EthProvider) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return p.eth().SuggestGasTipCap(ctx)
}

func (p *EthProvider) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return p.eth().HeaderByNumber(ctx, number)
}

func (p *EthProvider) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	return p.eth().PendingNonceAt(ctx, account)
}

func (p *EthProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.eth().SendTransaction(ctx, tx)
}

func (p *EthProvider) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	return p.eth().TransactionReceipt(ctx, txHash)
}

// PendingTransactions reads txpool_content. Nodes that do not serve the
// txpool namespace yield ErrMempoolUnavailable.
func (p *EthProvider) PendingTransactions(ctx context.Context, to ethcommon.Address) ([]*types.Transaction, error) {
	p.mu.RLock()
	rpcClient := p.rpcClient
	p.mu.RUnlock()

	var content struct {
		Pending map[string]map[string]*types.Transaction `json:"pending"`
	}
	if err := rpcClient.CallContext(ctx, &content, "txpool_content"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMempoolUnavailable, err)
	}
	var txs []*types.Transaction
	for _, byNonce := range content.Pending {
		for _, tx := range byNonce {
			if tx != nil && tx.To() != nil && *tx.To() == to {
				txs = append(txs, tx)
			}
		}
	}
	return txs, nil
}

func (p *EthProvider) Signer() Signer {
	return p.signer
}
