package tlstream

import (
	"context"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp/async"
)

var (
	ErrBusy       = errors.Define("operation already in flight")
	ErrUsage      = errors.Define("operation not valid in current state")
	ErrEmptyBytes = errors.Define("empty bytes")
)

func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

func IsUsage(err error) bool {
	return errors.Is(err, ErrUsage)
}

const (
	errMetaPkgKey   = "pkg"
	errMetaPkgVal   = "tlstream"
	errMetaOpKey    = "op"
	errMetaStateKey = "state"
)

const (
	opHandshake = "handshake"
	opRead      = "read"
	opWrite     = "write"
	opShutdown  = "shutdown"
	opClose     = "close"
)

func newUsageError(op string, state State) (err error) {
	err = errors.From(ErrUsage,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithMeta(errMetaStateKey, state.String()),
	)
	return
}

func newOpError(op string, cause error) (err error) {
	err = errors.New(op+" failed",
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithWrap(cause),
	)
	return
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || async.IsCanceled(err)
}
