package gateway

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ehr/rxledger/internal/platform/wire"
)

const maxErrorBody = 512

// TransportError is a failure to reach the gateway or read its reply.
type TransportError struct {
	Op       string
	Function string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Function, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// GatewayError is a non-2xx reply from the gateway.
type GatewayError struct {
	Function string
	Status   int
	Body     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Function, e.Status, e.Body)
}

// NotFound reports whether the gateway rejected the call because the
// requested ledger key does not exist.
func (e *GatewayError) NotFound() bool {
	return wire.IsNotFound(e.Body)
}

// IsTransient reports whether err is worth retrying: transport failures and
// gateway errors other than "does not exist" replies.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return !ge.NotFound()
	}
	return false
}

func truncateBody(b []byte) string {
	if len(b) <= maxErrorBody {
		return string(b)
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + "..."
}
