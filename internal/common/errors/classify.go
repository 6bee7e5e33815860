package errors

import (
	stderrors "errors"
	"net"
	"os"
	"syscall"
)

// AsStandard returns the first StandardError in err's chain.
func AsStandard(err error) (*StandardError, bool) {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the error code carried by err. Raw socket errors are mapped
// to their errno names so callers can classify them without a wrapper.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if se, ok := AsStandard(err); ok {
		return se.Code
	}

	switch {
	case stderrors.Is(err, syscall.ECONNRESET):
		return ErrCodeConnectionReset
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return ErrCodeConnectionRefused
	case stderrors.Is(err, syscall.ETIMEDOUT), stderrors.Is(err, os.ErrDeadlineExceeded):
		return ErrCodeNetworkTimeout
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrCodeNetworkTimeout
		}
		return ErrCodeDNSFailure
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ErrCodeNetworkTimeout
	}
	return ""
}

// FromNetworkError wraps a raw dial or I/O error into a StandardError. It
// returns nil when err is not a recognised network failure.
func FromNetworkError(provider string, err error) *StandardError {
	switch CodeOf(err) {
	case ErrCodeNetworkTimeout:
		return NewNetworkTimeoutError(provider, err)
	case ErrCodeConnectionReset:
		return NewConnectionResetError(provider, err)
	case ErrCodeConnectionRefused:
		return NewConnectionRefusedError(provider, err)
	case ErrCodeDNSFailure:
		return NewDNSFailureError(provider, err)
	}
	return nil
}

// IsRetryable reports the Retryable flag of a StandardError. Unstructured
// errors are never retryable here; see retry.IsRetryableError for the
// message based fallback.
func IsRetryable(err error) bool {
	if se, ok := AsStandard(err); ok {
		return se.Retryable
	}
	return false
}

// IsRecipientError reports whether err was caused by the recipient or the
// message rather than the sending account. Such failures never count
// against an account's circuit breaker.
func IsRecipientError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidRecipient, ErrCodeRecipientRejected, ErrCodeMessageRejected:
		return true
	}
	return false
}
