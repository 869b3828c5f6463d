package server

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"zkcredit/credit-prover/logging"
)

// operatorKey gates the routes that spend prover time or gas. An empty key
// disables the check.
type operatorKey string

// APIKeyFromEnv is the fallback when server.api_key is not configured.
func APIKeyFromEnv() string {
	return os.Getenv("PROVER_API_KEY")
}

func (k operatorKey) require(route string, next http.Handler) http.Handler {
	if k == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := presentedKey(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(k), []byte(presented)) != 1 {
			RejectedRequests.WithLabelValues(route).Inc()
			logging.Logger().Warn().
				Str("route", route).
				Str("remote_addr", r.RemoteAddr).
				Bool("key_presented", presented != "").
				Msg("Rejected request without a valid operator key")
			(&Error{
				StatusCode: http.StatusUnauthorized,
				Code:       "unauthorized",
				Message:    route + " needs the operator key in X-API-Key or as 'Authorization: Bearer <key>'",
			}).send(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return bearer
	}
	return ""
}
