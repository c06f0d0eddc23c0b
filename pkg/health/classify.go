package health

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
)

// IsTransient reports whether err is a network failure worth an immediate
// retry: connection refused, connection reset or EOF while connecting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	// some drivers flatten the cause into text
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// IsRetryable reports whether one cycle may try err again. Auth, protocol and
// timeout failures never are, whatever their cause chain holds.
func IsRetryable(err error) bool {
	if IsAuth(err) || hubErrors.IsCode(err, hubErrors.ErrProtocol) || IsTimeout(err) {
		return false
	}
	return IsTransient(err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || hubErrors.IsCode(err, hubErrors.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsAuth reports whether a checker classified err as a credential failure.
func IsAuth(err error) bool {
	return hubErrors.IsCode(err, hubErrors.ErrAuth)
}

// authError marks a driver's credential rejection.
func authError(kind string, err error) error {
	return hubErrors.WrapWithCode(err, hubErrors.ErrAuth,
		kind+" rejected credentials", "Check user and password of the service")
}

// protocolError marks a peer that does not speak the expected protocol.
func protocolError(kind string, err error) error {
	return hubErrors.WrapWithCode(err, hubErrors.ErrProtocol,
		"peer is not a "+kind+" server", "Check host and port of the service")
}
