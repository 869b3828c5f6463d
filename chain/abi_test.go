package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkcredit/credit-prover/prover/common"
)

func TestSubmitProofSelector(t *testing.T) {
	want := crypto.Keccak256([]byte("submitProof(uint256[8],uint256[11])"))[:4]
	assert.Equal(t, want, VerifierABI.Methods["submitProof"].ID)
}

func TestSubmitProofCalldataOrder(t *testing.T) {
	proof := &common.Groth16Proof{
		A: [2]*big.Int{big.NewInt(1), big.NewInt(2)},
		B: [2][2]*big.Int{{big.NewInt(3), big.NewInt(4)}, {big.NewInt(5), big.NewInt(6)}},
		C: [2]*big.Int{big.NewInt(7), big.NewInt(8)},
	}
	signals := make([]*big.Int, PublicSignalLength)
	for i := range signals {
		signals[i] = big.NewInt(int64(100 + i))
	}

	data, err := PackSubmitProof(proof.Calldata(), signals)
	require.NoError(t, err)
	require.Len(t, data, 4+32*(ProofLength+PublicSignalLength))

	// Static arrays are encoded in place: word i of the arguments is element i.
	words := data[4:]
	word := func(i int) int64 { return new(big.Int).SetBytes(words[32*i : 32*(i+1)]).Int64() }
	assert.Equal(t, []int64{1, 2, 4, 3, 6, 5, 7, 8}, []int64{word(0), word(1), word(2), word(3), word(4), word(5), word(6), word(7)})
	assert.Equal(t, int64(109), word(ProofLength+nullifierSignal))

	decodedProof, decodedSignals, ok := UnpackSubmitProof(data)
	require.True(t, ok)
	assert.Equal(t, 0, decodedProof[2].Cmp(big.NewInt(4)))
	assert.Equal(t, 0, decodedSignals[10].Cmp(big.NewInt(110)))

	_, _, ok = UnpackSubmitProof(data[:40])
	assert.False(t, ok)
	other, err := VerifierABI.Pack("isEligible", ethcommon.Address{})
	require.NoError(t, err)
	_, _, ok = UnpackSubmitProof(other)
	assert.False(t, ok)
}

func TestProofSubmittedLogRoundTrip(t *testing.T) {
	verifier := ethcommon.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	ev := &ProofSubmitted{
		User:           ethcommon.HexToAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F"),
		Nullifier:      [32]byte{31: 9},
		RepaymentScore: big.NewInt(210000),
		CapitalScore:   big.NewInt(138570),
		LongevityScore: big.NewInt(71340),
		ActivityScore:  big.NewInt(48420),
		ProtocolScore:  big.NewInt(36000),
		TotalScore:     big.NewInt(804330),
		Threshold:      big.NewInt(700000),
		IsEligible:     true,
		Timestamp:      big.NewInt(1760000000),
	}
	l, err := ProofSubmittedLog(verifier, ev)
	require.NoError(t, err)

	got, err := FindProofSubmitted([]*types.Log{l}, verifier)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ev.User, got.User)
	assert.Equal(t, ev.Nullifier, got.Nullifier)
	assert.Equal(t, 0, ev.TotalScore.Cmp(got.TotalScore))
	assert.True(t, got.IsEligible)

	missing, err := FindProofSubmitted([]*types.Log{l}, ethcommon.Address{})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

type rpcDataError struct {
	msg  string
	code int
	data string
}

func (e rpcDataError) Error() string          { return e.msg }
func (e rpcDataError) ErrorCode() int         { return e.code }
func (e rpcDataError) ErrorData() interface{} { return e.data }

func revertPayload(t *testing.T, selector []byte, args abi.Arguments, values ...interface{}) string {
	t.Helper()
	packed, err := args.Pack(values...)
	require.NoError(t, err)
	return hexutil.Encode(append(append([]byte{}, selector...), packed...))
}

func TestClassifyErrors(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	errorString := crypto.Keccak256([]byte("Error(string)"))[:4]
	reasonArgs := abi.Arguments{{Type: stringType}}
	used := VerifierABI.Errors["NullifierAlreadyUsed"]
	invalid := VerifierABI.Errors["InvalidProof"]

	cases := []struct {
		name   string
		err    error
		kind   common.ErrorKind
		reason string
	}{
		{"eip-1193 rejection", rpcDataError{msg: "User rejected the request.", code: 4001}, common.UserRejectedSigning, ""},
		{"clef denial", rpcDataError{msg: "Request denied", code: -32000}, common.UserRejectedSigning, ""},
		{"sentinel", ErrSigningRejected, common.UserRejectedSigning, ""},
		{"insufficient funds", rpcDataError{msg: "insufficient funds for gas * price + value: balance 0", code: -32000}, common.InsufficientFunds, ""},
		{"custom nullifier error", rpcDataError{msg: "execution reverted", code: 3,
			data: revertPayload(t, used.ID[:4], used.Inputs, [32]byte{1})}, common.ReplayRejected, ""},
		{"require string nullifier", rpcDataError{msg: "execution reverted: Nullifier already used", code: 3,
			data: revertPayload(t, errorString, reasonArgs, "Nullifier already used")}, common.ReplayRejected, ""},
		{"require string", rpcDataError{msg: "execution reverted: paused", code: 3,
			data: revertPayload(t, errorString, reasonArgs, "paused")}, common.ContractReverted, "paused"},
		{"custom error", rpcDataError{msg: "execution reverted", code: 3,
			data: hexutil.Encode(invalid.ID[:4])}, common.ContractReverted, "InvalidProof"},
		{"unknown selector", rpcDataError{msg: "execution reverted", code: 3, data: "0xdeadbeef"}, common.ContractReverted, "unknown revert 0xdeadbeef"},
		{"plain revert message", rpcDataError{msg: "execution reverted", code: -32000}, common.ContractReverted, ""},
		{"nullifier message without data", rpcDataError{msg: "nullifier already used", code: -32000}, common.ReplayRejected, ""},
		{"transport", rpcDataError{msg: "dial tcp: connection refused"}, common.ChainUnavailable, ""},
	}
	for _, tc := range cases {
		err := translateError(tc.err, big.NewInt(56))
		assert.Equal(t, tc.kind, common.KindOf(err), tc.name)
		if tc.reason != "" {
			assert.Contains(t, err.Error(), tc.reason, tc.name)
		}
		assert.Contains(t, err.Error(), "(chain 56)", tc.name)
	}

	typed := common.Errorf(common.StaleProof, "already typed")
	assert.Same(t, typed, translateError(typed, big.NewInt(1)))
	assert.Nil(t, translateError(nil, big.NewInt(1)))
}
