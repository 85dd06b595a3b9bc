package tlstream

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/engine"
	"github.com/brickingsoft/tlstream/transport"
)

var streamKeys atomic.Uint64

func newStream(ts transport.Transport, builder engine.Builder, isClient bool) (s *stream, err error) {
	link := newShim(ts)
	var eng engine.Engine
	if isClient {
		eng, err = builder.Client(link)
	} else {
		eng, err = builder.Server(link)
	}
	if err != nil {
		return
	}
	s = &stream{
		ts:               ts,
		link:             link,
		eng:              eng,
		isClient:         isClient,
		handshakeBarrier: async.NewBarrier[async.Void](),
		handshakeKey:     strconv.FormatUint(streamKeys.Add(1), 10),
	}
	return
}

type stream struct {
	ts       transport.Transport
	link     *shim
	eng      engine.Engine
	isClient bool

	state    atomic.Uint32
	inflight atomic.Bool
	// failure is written once by the driving operation before state becomes
	// Failed, read by later operations after loading the state.
	failure error

	handshakeBarrier async.Barrier[async.Void]
	handshakeKey     string
	handshakeDone    atomic.Bool
	handshakeErr     error
}

func (s *stream) Context() (ctx context.Context) {
	ctx = s.ts.Context()
	return
}

func (s *stream) State() (state State) {
	state = State(s.state.Load())
	return
}

func (s *stream) fail(cause error) (err error) {
	if s.failure == nil {
		s.failure = cause
	}
	s.state.Store(uint32(Failed))
	err = s.failure
	return
}

// blockedDirection
// 引擎调用返回堵塞后决定等待方向。
// 引擎显式报告的方向优先，其次是垫层记录的方向。垫层记录在此恰好消费一次。
func (s *stream) blockedDirection(op engine.Op) (dir engine.Direction) {
	recorded := s.link.suspend()
	if dir = op.Dir; dir != engine.NoDirection {
		return
	}
	if dir = recorded; dir != engine.NoDirection {
		return
	}
	dir = engine.NeedsRead
	return
}

// await
// 按方向挂起，就绪后恢复。
// NeedsReadWrite 同时注册两个事件，先到者触发重试，后到者被吸收。
func (s *stream) await(dir engine.Direction, resume func(cause error)) {
	switch dir {
	case engine.NeedsWrite:
		s.ts.Writable().OnComplete(func(_ context.Context, _ async.Void, cause error) {
			resume(cause)
			return
		})
	case engine.NeedsReadWrite:
		fired := new(atomic.Bool)
		handler := func(_ context.Context, _ async.Void, cause error) {
			if fired.CompareAndSwap(false, true) {
				resume(cause)
			}
			return
		}
		s.ts.Readable().OnComplete(handler)
		s.ts.Writable().OnComplete(handler)
	default:
		s.ts.Readable().OnComplete(func(_ context.Context, _ async.Void, cause error) {
			resume(cause)
			return
		})
	}
	return
}
