package exchange

import (
	"errors"
	"fmt"
	"net"
)

// APIError is a venue-level failure. Transient errors are safe to retry on
// the next sweep; permanent errors need an operator or code fix.
type APIError struct {
	Code      int
	Message   string
	Transient bool
}

func (e *APIError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("bybit api error (%s, retCode=%d): %s", kind, e.Code, e.Message)
}

// Bybit v5 retCodes that indicate a retryable condition.
var transientRetCodes = map[int]bool{
	10002:  true, // request timestamp outside recv window
	10006:  true, // rate limit exceeded
	10016:  true, // internal server error
	10010:  true, // ip rate limit
	170007: true, // backend timeout
}

// retCodes that mean "already in the requested state"; callers treat these
// as success for idempotent operations.
var benignRetCodes = map[int]bool{
	110043: true, // leverage not modified
	34036:  true, // tp/sl unchanged
}

func newAPIError(retCode int, retMsg string) error {
	if retCode == 0 || benignRetCodes[retCode] {
		return nil
	}
	return &APIError{
		Code:      retCode,
		Message:   retMsg,
		Transient: transientRetCodes[retCode] || retCode >= 500,
	}
}

// IsTransient reports whether err is worth retrying. Network-level failures
// (timeouts, refused connections) count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
