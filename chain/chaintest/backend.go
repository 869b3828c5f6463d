// Package chaintest provides an in-memory verifier chain for tests and dry
// runs.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"zkcredit/credit-prover/chain"
	"zkcredit/credit-prover/prover/nullifier"
)

const (
	DefaultChainID  = 31337
	SubmitGas       = 280000
	submitGasUsed   = 241000
	defaultValidity = 24 * time.Hour
)

var (
	DefaultVerifier = ethcommon.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	errorSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	stringArgs    = mustArgs("string")
)

func mustArgs(t string) abi.Arguments {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: typ}}
}

// VerifyFunc decides whether the verifier accepts a proof.
type VerifyFunc func(proof [chain.ProofLength]*big.Int, signals [chain.PublicSignalLength]*big.Int) bool

// RevertError mirrors the error a node returns for a reverted call: JSON-RPC
// code 3 with the revert data attached.
type RevertError struct {
	Data   []byte
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }

type record struct {
	total     *big.Int
	timestamp uint64
	nullifier [32]byte
	version   *big.Int
	eligible  bool
}

// Backend implements chain.Provider with a single verifier contract whose
// state lives in memory. Transactions are mined as soon as they are sent.
type Backend struct {
	mu sync.Mutex

	chainID       *big.Int
	switchTargets map[uint64]bool
	switches      int
	verifier      ethcommon.Address
	baseFee       *big.Int
	gasPrice      *big.Int
	tipCap        *big.Int
	balance       *big.Int
	verify        VerifyFunc
	signer        chain.Signer
	now           func() time.Time
	validity      time.Duration
	receiptDelay  int

	block      uint64
	nullifiers map[[32]byte]bool
	records    map[ethcommon.Address]*record
	nonces     map[ethcommon.Address]uint64
	receipts   map[ethcommon.Hash]*types.Receipt
	polls      map[ethcommon.Hash]int
	sent       []*types.Transaction
	pending    []*types.Transaction
	mempoolErr error
	sendErr    error
}

type Option func(*Backend)

func WithChainID(id int64) Option {
	return func(b *Backend) { b.chainID = big.NewInt(id) }
}

// WithSwitchTarget lets SwitchChain move the backend to id.
func WithSwitchTarget(id int64) Option {
	return func(b *Backend) { b.switchTargets[uint64(id)] = true }
}

// WithBaseFee sets the head block base fee. nil models a chain without a fee market.
func WithBaseFee(fee *big.Int) Option {
	return func(b *Backend) { b.baseFee = fee }
}

func WithVerify(f VerifyFunc) Option {
	return func(b *Backend) { b.verify = f }
}

func WithNow(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func WithSigner(s chain.Signer) Option {
	return func(b *Backend) { b.signer = s }
}

// WithBalance caps what the sender can spend on gas.
func WithBalance(wei *big.Int) Option {
	return func(b *Backend) { b.balance = wei }
}

// WithReceiptDelay makes the first n receipt lookups per transaction miss.
func WithReceiptDelay(n int) Option {
	return func(b *Backend) { b.receiptDelay = n }
}

func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		chainID:       big.NewInt(DefaultChainID),
		switchTargets: make(map[uint64]bool),
		verifier:      DefaultVerifier,
		baseFee:       big.NewInt(1_000_000_000),
		gasPrice:      big.NewInt(2_000_000_000),
		tipCap:        big.NewInt(1_000_000_000),
		verify:        func([chain.ProofLength]*big.Int, [chain.PublicSignalLength]*big.Int) bool { return true },
		now:           time.Now,
		validity:      defaultValidity,
		nullifiers:    make(map[[32]byte]bool),
		records:       make(map[ethcommon.Address]*record),
		nonces:        make(map[ethcommon.Address]uint64),
		receipts:      make(map[ethcommon.Hash]*types.Receipt),
		polls:         make(map[ethcommon.Hash]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.signer == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		b.signer = chain.NewKeySigner(key)
	}
	return b
}

// Deployment describes the backend's verifier on chainID.
func (b *Backend) Deployment(chainID int64) chain.Deployment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chain.Deployment{
		Name:      fmt.Sprintf("chaintest-%d", chainID),
		ChainID:   big.NewInt(chainID),
		Verifier:  b.verifier,
		FeeMarket: b.baseFee != nil,
	}
}

func (b *Backend) Verifier() ethcommon.Address {
	return b.verifier
}

func (b *Backend) Switches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.switches
}

// Transactions returns every transaction accepted by SendTransaction.
func (b *Backend) Transactions() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

func (b *Backend) MarkNullifierUsed(n *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nullifiers[nullifier.Bytes32(n)] = true
}

// AddPending places tx in the mempool without mining it.
func (b *Backend) AddPending(tx *types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, tx)
}

func (b *Backend) SetMempoolError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mempoolErr = err
}

// SetSendError makes the next SendTransaction calls fail with err.
func (b *Backend) SetSendError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) SwitchChain(_ context.Context, chainID *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.switches++
	if !b.switchTargets[chainID.Uint64()] {
		return fmt.Errorf("unrecognized chain %s", chainID)
	}
	b.chainID = new(big.Int).Set(chainID)
	return nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.To == nil || *msg.To != b.verifier {
		return nil, nil
	}
	out, _, err := b.execute(msg.From, msg.Data, false)
	return out, err
}

func (b *Backend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.To == nil || *msg.To != b.verifier {
		return 21000, nil
	}
	if _, _, err := b.execute(msg.From, msg.Data, false); err != nil {
		return 0, err
	}
	return SubmitGas, nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.tipCap), nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &types.Header{
		Number: new(big.Int).SetUint64(b.block),
		Time:   uint64(b.now().Unix()),
	}
	if b.baseFee != nil {
		h.BaseFee = new(big.Int).Set(b.baseFee)
	}
	return h, nil
}

func (b *Backend) PendingNonceAt(_ context.Context, account ethcommon.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	if b.balance != nil && tx.Cost().Cmp(b.balance) > 0 {
		return errors.New("insufficient funds for gas * price + value")
	}
	b.nonces[from]++
	b.block++
	b.sent = append(b.sent, tx)

	receipt := &types.Receipt{
		Type:        tx.Type(),
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     submitGasUsed,
	}
	if tx.To() != nil && *tx.To() == b.verifier {
		_, logs, err := b.execute(from, tx.Data(), true)
		if err != nil {
			receipt.Status = types.ReceiptStatusFailed
		}
		for _, l := range logs {
			l.TxHash = tx.Hash()
			l.BlockNumber = b.block
		}
		receipt.Logs = logs
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if b.polls[txHash] < b.receiptDelay {
		b.polls[txHash]++
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) PendingTransactions(_ context.Context, to ethcommon.Address) ([]*types.Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mempoolErr != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrMempoolUnavailable, b.mempoolErr)
	}
	var out []*types.Transaction
	for _, tx := range b.pending {
		if tx.To() != nil && *tx.To() == to {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (b *Backend) Signer() chain.Signer {
	return b.signer
}

func revertWith(name string, args ...interface{}) error {
	e := chain.VerifierABI.Errors[name]
	packed, err := e.Inputs.Pack(args...)
	if err != nil {
		panic(err)
	}
	return &RevertError{Data: append(append([]byte{}, e.ID[:4]...), packed...)}
}

func revertString(reason string) error {
	packed, err := stringArgs.Pack(reason)
	if err != nil {
		panic(err)
	}
	return &RevertError{Data: append(append([]byte{}, errorSelector...), packed...), Reason: reason}
}

// execute runs one verifier call. Only commit=true mutates state.
func (b *Backend) execute(from ethcommon.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	if len(data) < 4 {
		return nil, nil, revertString("no selector")
	}
	method, err := chain.VerifierABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, revertString("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revertString("malformed arguments")
	}

	now := uint64(b.now().Unix())
	fresh := func(r *record) bool {
		return r != nil && now <= r.timestamp+uint64(b.validity/time.Second)
	}

	switch method.Name {
	case "submitProof":
		logs, err := b.submit(from, args[0].([chain.ProofLength]*big.Int), args[1].([chain.PublicSignalLength]*big.Int), now, commit)
		return nil, logs, err
	case "isNullifierUsed":
		out, err := method.Outputs.Pack(b.nullifiers[args[0].([32]byte)])
		return out, nil, err
	case "isEligible":
		r := b.records[args[0].(ethcommon.Address)]
		out, err := method.Outputs.Pack(fresh(r) && r.eligible)
		return out, nil, err
	case "isProofFresh":
		out, err := method.Outputs.Pack(fresh(b.records[args[0].(ethcommon.Address)]))
		return out, nil, err
	case "getTimeUntilExpiry":
		r := b.records[args[0].(ethcommon.Address)]
		remaining := new(big.Int)
		if fresh(r) {
			remaining.SetUint64(r.timestamp + uint64(b.validity/time.Second) - now)
		}
		out, err := method.Outputs.Pack(remaining)
		return out, nil, err
	case "getEligibilityRecord":
		r := b.records[args[0].(ethcommon.Address)]
		if r == nil {
			r = &record{total: new(big.Int), version: new(big.Int)}
		}
		out, err := method.Outputs.Pack(r.total, new(big.Int).SetUint64(r.timestamp), r.nullifier, r.version, r.eligible)
		return out, nil, err
	}
	return nil, nil, revertString("unsupported method " + method.Name)
}

func (b *Backend) submit(from ethcommon.Address, proof [chain.ProofLength]*big.Int, signals [chain.PublicSignalLength]*big.Int, now uint64, commit bool) ([]*types.Log, error) {
	user := ethcommon.BigToAddress(signals[0])
	if user != from {
		return nil, revertString("proof address does not match sender")
	}
	n := nullifier.Bytes32(signals[9])
	if b.nullifiers[n] {
		return nil, revertWith("NullifierAlreadyUsed", n)
	}
	ts := signals[8].Uint64()
	if ts > now+300 || now > ts+uint64(b.validity/time.Second) {
		return nil, revertWith("StaleTimestamp")
	}
	if !b.verify(proof, signals) {
		return nil, revertWith("InvalidProof")
	}
	if !commit {
		return nil, nil
	}

	eligible := signals[6].Cmp(signals[7]) >= 0
	b.nullifiers[n] = true
	b.records[user] = &record{
		total:     signals[6],
		timestamp: ts,
		nullifier: n,
		version:   signals[10],
		eligible:  eligible,
	}
	l, err := chain.ProofSubmittedLog(b.verifier, &chain.ProofSubmitted{
		User:           user,
		Nullifier:      n,
		RepaymentScore: signals[1],
		CapitalScore:   signals[2],
		LongevityScore: signals[3],
		ActivityScore:  signals[4],
		ProtocolScore:  signals[5],
		TotalScore:     signals[6],
		Threshold:      signals[7],
		IsEligible:     eligible,
		Timestamp:      signals[8],
	})
	if err != nil {
		return nil, err
	}
	return []*types.Log{l}, nil
}
