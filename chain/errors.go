package chain

import (
	"bytes"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"zkcredit/credit-prover/prover/common"
)

// ErrSigningRejected is returned by signers whose user declined to sign.
var ErrSigningRejected = errors.New("signing rejected by user")

// EIP-1193 "user rejected request".
const userRejectedCode = 4001

var rejectionMessages = []string{"user rejected", "user denied", "request denied", "rejected by user"}

// translateError maps a chain client error onto an error kind. Errors that
// already carry a kind pass through.
func translateError(err error, chainID *big.Int) error {
	if err == nil {
		return nil
	}
	var typed *common.Error
	if errors.As(err, &typed) {
		return err
	}
	kind, reason := classify(err)
	return &common.Error{Kind: kind, Reason: reason, ChainID: chainID, Err: err}
}

func classify(err error) (common.ErrorKind, string) {
	msg := strings.ToLower(err.Error())

	var rpcErr rpc.Error
	if errors.Is(err, ErrSigningRejected) || (errors.As(err, &rpcErr) && rpcErr.ErrorCode() == userRejectedCode) {
		return common.UserRejectedSigning, "signature request rejected"
	}
	for _, s := range rejectionMessages {
		if strings.Contains(msg, s) {
			return common.UserRejectedSigning, "signature request rejected"
		}
	}
	if strings.Contains(msg, "insufficient funds") {
		return common.InsufficientFunds, "account cannot pay for gas"
	}
	if data := revertData(err); len(data) >= 4 {
		name, reason := DecodeRevert(data)
		switch {
		case name == "NullifierAlreadyUsed" || isNullifierReason(reason):
			return common.ReplayRejected, "nullifier already used"
		case name == "Error":
			return common.ContractReverted, reason
		case name != "":
			return common.ContractReverted, name
		default:
			return common.ContractReverted, "unknown revert " + hexutil.Encode(data[:4])
		}
	}
	if isNullifierReason(msg) {
		return common.ReplayRejected, "nullifier already used"
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return common.ContractReverted, err.Error()
	}
	return common.ChainUnavailable, ""
}

func isNullifierReason(s string) bool {
	return strings.Contains(strings.ToLower(s), "nullifier already used")
}

func revertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch d := dataErr.ErrorData().(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil
		}
		return b
	case []byte:
		return d
	}
	return nil
}

// DecodeRevert names the revert carried in data: "Error" with its message for
// a require string, the custom error name for a verifier error, or "" when
// the selector is unknown.
func DecodeRevert(data []byte) (name string, reason string) {
	if len(data) < 4 {
		return "", ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return "Error", reason
	}
	for _, e := range VerifierABI.Errors {
		if bytes.Equal(e.ID[:4], data[:4]) {
			return e.Name, ""
		}
	}
	return "", ""
}
