package common

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey           = errors.New("invalid public key")
	ErrTransport            = errors.New("approval service transport error")
	ErrProtocolDecode       = errors.New("approval service protocol decode error")
	ErrConfigNotInitialized = errors.New("configuration not initialized")
	ErrApprovalTimeout      = errors.New("timed out waiting for approval")
)

// TransportError reports a failed round-trip to the approval service: either
// the request never completed (Err is set) or the service answered with a
// non-2xx status.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: request failed: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: got non-2xx status code %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: got non-2xx status code %d", e.Op, e.StatusCode)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DecodeError reports a response that did not match the documented shape.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: unable to decode response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrProtocolDecode }
