package inbox

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrorClassifier interprets errors returned by the database driver.
type ErrorClassifier interface {
	// IsUniqueViolation reports whether err was caused by a unique or
	// primary key constraint rejecting an insert.
	IsUniqueViolation(err error) bool

	// IsTransient reports whether the operation that produced err may
	// succeed if it is retried from the start (lost connections,
	// deadlock victims, lock timeouts and so on).
	IsTransient(err error) bool
}

// defaultClassifier recognises driver agnostic conditions only.
type defaultClassifier struct{}

func (defaultClassifier) IsUniqueViolation(error) bool {
	return false
}

func (defaultClassifier) IsTransient(err error) bool {
	return IsConnectionError(err)
}

// IsConnectionError reports whether err signals a broken or unreachable
// database connection independently of the driver in use.
//
// Network errors wrapped in a *HandlerError come from the handler's own I/O
// and are not connection errors; only driver.ErrBadConn is recognised there.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
