package db

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsFatalTransportError reports whether err means the connection underneath
// the pool is gone and the pool should be rebuilt. The set is the
// connection-reset family: ECONNRESET, EPIPE, unexpected EOF, failed network
// operations, and connect-time failures. Server-side errors (bad SQL,
// permission denied, cancelled queries) arrive over a healthy transport and
// do not qualify.
func IsFatalTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// the server answered; transport is fine
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
