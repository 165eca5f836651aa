package message

import (
	"errors"
	"fmt"
)

var errUnknownFailure = errors.New("message: request failed without a cause")

// TransportError covers connectivity problems, timeouts and non-success status
// codes returned by the upstream.
type TransportError struct {
	Target     string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport: %s timed out: %v", e.Target, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: %s returned status %d", e.Target, e.StatusCode)
	default:
		return fmt.Sprintf("transport: %s: %v", e.Target, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is returned by processors when a payload does not match the
// format they expect.
type DecodeError struct {
	Processor string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s: %v", e.Processor, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError wraps err unless it already is a DecodeError.
func NewDecodeError(processor string, err error) error {
	if err == nil {
		return nil
	}
	var existing *DecodeError
	if errors.As(err, &existing) {
		return err
	}
	return &DecodeError{Processor: processor, Err: err}
}

// CacheError reports a storage read or write failure. It never fails a
// request on its own.
type CacheError struct {
	Op          string
	Fingerprint string
	Err         error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache: %s %s: %v", e.Op, e.Fingerprint, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsDecode reports whether err is a DecodeError.
func IsDecode(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}
