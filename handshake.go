package tlstream

import (
	"io"

	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/engine"
)

func (s *stream) Handshake() (future async.Future[async.Void]) {
	ctx := s.ts.Context()
	if s.handshakeDone.Load() {
		if s.handshakeErr != nil {
			future = async.FailedImmediately[async.Void](ctx, s.handshakeErr)
		} else {
			future = async.SucceedImmediately[async.Void](ctx, async.Void{})
		}
		return
	}
	switch state := State(s.state.Load()); state {
	case Unestablished, Handshaking:
		break
	case Failed:
		future = async.FailedImmediately[async.Void](ctx, s.failure)
		return
	default:
		future = async.FailedImmediately[async.Void](ctx, newUsageError(opHandshake, state))
		return
	}
	future = s.handshakeBarrier.Do(ctx, s.handshakeKey, func(promise async.Promise[async.Void]) {
		// 握手驱动期间独占在途名额，其余操作一律 ErrBusy
		if !s.inflight.CompareAndSwap(false, true) {
			promise.Fail(ErrBusy)
			return
		}
		s.state.Store(uint32(Handshaking))
		s.driveHandshake(promise)
	}, async.WithWait())
	return
}

func (s *stream) driveHandshake(promise async.Promise[async.Void]) {
	op := s.eng.Handshake()
	switch op.Status {
	case engine.Complete:
		s.handshakeErr = nil
		s.handshakeDone.Store(true)
		s.state.CompareAndSwap(uint32(Handshaking), uint32(Established))
		s.inflight.Store(false)
		promise.Succeed(async.Void{})
	case engine.WouldBlock:
		s.await(s.blockedDirection(op), func(cause error) {
			if cause != nil {
				// 握手是不可续的协议交换，挂起中被取消与传输失败同样终结。
				s.failHandshake(promise, cause)
				return
			}
			s.driveHandshake(promise)
			return
		})
	case engine.CleanClose:
		// 握手期收到 EOF 属于硬性失败
		s.failHandshake(promise, io.ErrUnexpectedEOF)
	default:
		s.failHandshake(promise, op.Cause)
	}
	return
}

func (s *stream) failHandshake(promise async.Promise[async.Void], cause error) {
	err := s.fail(newOpError(opHandshake, cause))
	s.handshakeErr = err
	s.handshakeDone.Store(true)
	s.inflight.Store(false)
	promise.Fail(err)
	return
}
