package tlstream

import (
	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/engine"
)

func (s *stream) Write(p []byte) (future async.Future[int]) {
	ctx := s.ts.Context()
	if len(p) == 0 {
		future = async.FailedImmediately[int](ctx, ErrEmptyBytes)
		return
	}
	switch state := State(s.state.Load()); state {
	case Established:
		break
	case Failed:
		future = async.FailedImmediately[int](ctx, s.failure)
		return
	default:
		future = async.FailedImmediately[int](ctx, newUsageError(opWrite, state))
		return
	}
	if !s.inflight.CompareAndSwap(false, true) {
		future = async.FailedImmediately[int](ctx, ErrBusy)
		return
	}
	promise, promiseErr := async.Make[int](ctx, async.WithWait())
	if promiseErr != nil {
		s.inflight.Store(false)
		future = async.FailedImmediately[int](ctx, promiseErr)
		return
	}
	s.driveWrite(p, promise)
	future = promise.Future()
	return
}

func (s *stream) driveWrite(p []byte, promise async.Promise[int]) {
	// 重试经过的是同一个 p，引擎自己保证续传时不重复消耗
	op := s.eng.Encrypt(p)
	switch op.Status {
	case engine.Complete:
		s.inflight.Store(false)
		promise.Succeed(op.N)
	case engine.WouldBlock:
		s.await(s.blockedDirection(op), func(cause error) {
			if cause != nil {
				if isCancellation(cause) {
					s.inflight.Store(false)
					promise.Fail(cause)
					return
				}
				err := s.fail(newOpError(opWrite, cause))
				s.inflight.Store(false)
				promise.Fail(err)
				return
			}
			s.driveWrite(p, promise)
			return
		})
	default:
		err := s.fail(newOpError(opWrite, op.Cause))
		s.inflight.Store(false)
		promise.Fail(err)
	}
	return
}
