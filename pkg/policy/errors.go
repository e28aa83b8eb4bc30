package policy

import (
	"errors"
	"fmt"
)

// ErrProtocol is wrapped by every error caused by a malformed or incomplete
// request. Such requests are closed without an answer.
var ErrProtocol = errors.New("policy protocol error")

var (
	// ErrEmptyRequest is returned when the peer closed before sending anything
	ErrEmptyRequest = fmt.Errorf("%w: empty request", ErrProtocol)

	// ErrReadTimeout is returned when nothing arrived before the read timeout
	ErrReadTimeout = fmt.Errorf("%w: read timeout", ErrProtocol)

	// ErrRequestTooLarge is returned when the request exceeds the size limit
	// without a terminating blank line
	ErrRequestTooLarge = fmt.Errorf("%w: request too large", ErrProtocol)

	// ErrNoClientAddress is returned when no terminated client_address line
	// is present
	ErrNoClientAddress = fmt.Errorf("%w: missing client_address", ErrProtocol)

	// ErrInvalidClientAddress is returned when client_address is not a
	// dotted-quad IPv4 address
	ErrInvalidClientAddress = fmt.Errorf("%w: invalid client_address", ErrProtocol)
)

// errorReason maps a request error to a metric label
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyRequest):
		return "empty"
	case errors.Is(err, ErrReadTimeout):
		return "timeout"
	case errors.Is(err, ErrRequestTooLarge):
		return "too_large"
	case errors.Is(err, ErrNoClientAddress):
		return "no_client_address"
	case errors.Is(err, ErrInvalidClientAddress):
		return "invalid_client_address"
	default:
		return "io"
	}
}
