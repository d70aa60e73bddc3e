package prescription

import (
	"errors"
	"net/http"

	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/wire"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindTransport  Kind = "transport"
	KindGateway    Kind = "gateway"
	KindDecode     Kind = "decode"
	KindInternal   Kind = "internal"
)

// KindOf maps err onto the error taxonomy. Errors wrapped by retry
// exhaustion are classified by their last cause.
func KindOf(err error) Kind {
	var (
		te *gateway.TransportError
		ge *gateway.GatewayError
		de *wire.DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.As(err, &de):
		return KindDecode
	case errors.As(err, &ge):
		if ge.NotFound() {
			return KindNotFound
		}
		return KindGateway
	case errors.As(err, &te):
		return KindTransport
	}
	return KindInternal
}

// HTTPStatus is the response status used for rejections of kind k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransport, KindGateway, KindDecode:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Rejection is the caller-facing form of a failed operation.
type Rejection struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Reject converts err into a Rejection.
func Reject(err error) *Rejection {
	if err == nil {
		return nil
	}
	return &Rejection{Kind: KindOf(err), Message: err.Error()}
}
