package tlstream

import (
	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/engine"
)

func (s *stream) Read(p []byte) (future async.Future[int]) {
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
		future = async.FailedImmediately[int](ctx, newUsageError(opRead, state))
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
	s.driveRead(p, promise)
	future = promise.Future()
	return
}

func (s *stream) driveRead(p []byte, promise async.Promise[int]) {
	op := s.eng.Decrypt(p)
	switch op.Status {
	case engine.Complete:
		s.inflight.Store(false)
		promise.Succeed(op.N)
	case engine.CleanClose:
		// 对端已发 close notify，0 即干净关闭
		s.inflight.Store(false)
		promise.Succeed(0)
	case engine.WouldBlock:
		s.await(s.blockedDirection(op), func(cause error) {
			if cause != nil {
				if isCancellation(cause) {
					// 取消只中止本次操作，引擎缓冲保持一致，同种操作可重发。
					s.inflight.Store(false)
					promise.Fail(cause)
					return
				}
				err := s.fail(newOpError(opRead, cause))
				s.inflight.Store(false)
				promise.Fail(err)
				return
			}
			s.driveRead(p, promise)
			return
		})
	default:
		err := s.fail(newOpError(opRead, op.Cause))
		s.inflight.Store(false)
		promise.Fail(err)
	}
	return
}
