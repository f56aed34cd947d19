package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	apperrors "tidal-guard/internal/common/errors"
)

// transientMessageHints catch wrapped transport errors that lost their type.
var transientMessageHints = []string{
	"timeout",
	"connection",
	"temporarily",
	"transient",
	"retry",
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// maxClassifyDepth bounds the walk through wrapped errors.
const maxClassifyDepth = 32

// IsTransient reports whether err looks like a recoverable timeout,
// connection, I/O or cancellation failure. Wrapped and joined errors are
// inspected recursively. An AppError of type fatal is never transient.
func IsTransient(err error) bool {
	return isTransient(err, 0)
}

func isTransient(err error, depth int) bool {
	if err == nil || depth > maxClassifyDepth {
		return false
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Type == apperrors.ErrTypeFatal {
		return false
	}

	if transientKind(err) || transientMessage(err.Error()) {
		return true
	}

	switch e := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if isTransient(inner, depth+1) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return isTransient(e.Unwrap(), depth+1)
	}
	return false
}

func transientKind(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return true
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTimeout || dnsErr.IsTemporary) {
		return true
	}

	return apperrors.IsType(err, apperrors.ErrTypeTransient) ||
		apperrors.IsType(err, apperrors.ErrTypeConnection) ||
		apperrors.IsType(err, apperrors.ErrTypeTimeout)
}

func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range transientMessageHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
