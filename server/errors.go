package server

import (
	"encoding/json"
	"net/http"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func malformedBodyError(err error) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "malformed_body", Message: err.Error()}
}

func unexpectedError(err error) *Error {
	return &Error{StatusCode: http.StatusInternalServerError, Code: "unexpected_error", Message: err.Error()}
}

func duplicateRequestError(message string) *Error {
	return &Error{StatusCode: http.StatusConflict, Code: "duplicate_request", Message: message}
}

// pipelineError maps a typed pipeline error onto an HTTP status. The error
// kind becomes the response code.
func pipelineError(err error) *Error {
	kind := common.KindOf(err)
	if kind == "" {
		return unexpectedError(err)
	}
	status := http.StatusInternalServerError
	switch kind {
	case common.SchemaMismatch, common.ProofComputationFailed:
		status = http.StatusBadRequest
	case common.ReplayRejected:
		status = http.StatusConflict
	case common.StaleProof, common.FutureTimestamp, common.ContractReverted:
		status = http.StatusUnprocessableEntity
	case common.ProofTimeout:
		status = http.StatusRequestTimeout
	case common.ProofCancelled, common.EngineUnavailable:
		status = http.StatusServiceUnavailable
	case common.NetworkMismatch, common.ChainUnavailable:
		status = http.StatusBadGateway
	case common.UserRejectedSigning:
		status = http.StatusForbidden
	case common.InsufficientFunds:
		status = http.StatusPaymentRequired
	}
	return &Error{StatusCode: status, Code: string(kind), Message: err.Error()}
}

func (error *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"code":    error.Code,
		"message": error.Message,
	})
}

func (error *Error) send(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(error.StatusCode)
	jsonBytes, err := error.MarshalJSON()
	if err != nil {
		jsonBytes = []byte(`{"code": "unexpected_error", "message": "failed to marshal error"}`)
	}
	length, err := w.Write(jsonBytes)
	if err != nil || length != len(jsonBytes) {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Logger().Error().Err(err).Msg("error writing response")
	}
}
