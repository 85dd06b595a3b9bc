package tlstream

import (
	"context"

	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/engine"
	"github.com/brickingsoft/tlstream/transport"
)

func (s *stream) Shutdown() (future async.Future[async.Void]) {
	ctx := s.ts.Context()
	switch state := State(s.state.Load()); state {
	case Established, Handshaking, ShuttingDown:
		break
	case Closed:
		future = async.SucceedImmediately[async.Void](ctx, async.Void{})
		return
	case Failed:
		future = async.FailedImmediately[async.Void](ctx, s.failure)
		return
	default:
		future = async.FailedImmediately[async.Void](ctx, newUsageError(opShutdown, state))
		return
	}
	if !s.inflight.CompareAndSwap(false, true) {
		future = async.FailedImmediately[async.Void](ctx, ErrBusy)
		return
	}
	s.state.Store(uint32(ShuttingDown))
	promise, promiseErr := async.Make[async.Void](ctx, async.WithWait())
	if promiseErr != nil {
		s.inflight.Store(false)
		future = async.FailedImmediately[async.Void](ctx, promiseErr)
		return
	}
	s.driveShutdown(promise)
	future = promise.Future()
	return
}

func (s *stream) driveShutdown(promise async.Promise[async.Void]) {
	op := s.eng.CloseNotify()
	switch op.Status {
	case engine.Complete, engine.CleanClose:
		s.state.CompareAndSwap(uint32(ShuttingDown), uint32(Closed))
		s.inflight.Store(false)
		promise.Succeed(async.Void{})
	case engine.WouldBlock:
		s.await(s.blockedDirection(op), func(cause error) {
			if cause != nil {
				if isCancellation(cause) {
					// 取消的 shutdown 停在 ShuttingDown，交换未完成
					s.inflight.Store(false)
					promise.Fail(cause)
					return
				}
				err := s.fail(newOpError(opShutdown, cause))
				s.inflight.Store(false)
				promise.Fail(err)
				return
			}
			s.driveShutdown(promise)
			return
		})
	default:
		err := s.fail(newOpError(opShutdown, op.Cause))
		s.inflight.Store(false)
		promise.Fail(err)
	}
	return
}

func (s *stream) Close() (future async.Future[async.Void]) {
	ctx := s.ts.Context()
	switch state := State(s.state.Load()); state {
	case Established, ShuttingDown:
		promise, promiseErr := async.Make[async.Void](ctx, async.WithWait())
		if promiseErr != nil {
			_ = s.ts.Close()
			future = async.FailedImmediately[async.Void](ctx, promiseErr)
			return
		}
		s.Shutdown().OnComplete(func(_ context.Context, _ async.Void, cause error) {
			// shutdown 的失败要报告，但不阻止关闭传输
			closeErr := s.ts.Close()
			if cause != nil {
				promise.Fail(cause)
				return
			}
			if closeErr != nil && !transport.IsClosed(closeErr) {
				promise.Fail(newOpError(opClose, closeErr))
				return
			}
			promise.Succeed(async.Void{})
			return
		})
		future = promise.Future()
		return
	case Failed:
		_ = s.ts.Close()
		future = async.FailedImmediately[async.Void](ctx, s.failure)
		return
	default:
		if closeErr := s.ts.Close(); closeErr != nil && !transport.IsClosed(closeErr) {
			future = async.FailedImmediately[async.Void](ctx, newOpError(opClose, closeErr))
			return
		}
		s.state.Store(uint32(Closed))
		future = async.SucceedImmediately[async.Void](ctx, async.Void{})
		return
	}
}
