package tlstream

import (
	"github.com/brickingsoft/tlstream/engine"
	"github.com/brickingsoft/tlstream/transport"
)

func newShim(ts transport.Transport) *shim {
	return &shim{
		ts: ts,
	}
}

// shim
// 面向引擎的同步读写面。
// 传输未就绪时换成引擎认识的堵塞哨兵，并记下受堵方向。
// 方向记录每次调用都会被覆盖，流在引擎调用返回后恰好消费一次。
type shim struct {
	ts  transport.Transport
	dir engine.Direction
}

func (s *shim) Read(p []byte) (n int, err error) {
	n, err = s.ts.TryRead(p)
	if err != nil {
		if transport.IsNotReady(err) {
			s.dir = engine.NeedsRead
			err = engine.ErrWouldBlock
			return
		}
		// hard transport error
		s.dir = engine.NoDirection
		return
	}
	// n == 0 is a clean EOF, not a stall
	s.dir = engine.NoDirection
	return
}

func (s *shim) Write(p []byte) (n int, err error) {
	n, err = s.ts.TryWrite(p)
	if err != nil {
		if transport.IsNotReady(err) {
			s.dir = engine.NeedsWrite
			err = engine.ErrWouldBlock
			return
		}
		s.dir = engine.NoDirection
		return
	}
	s.dir = engine.NoDirection
	return
}

// suspend
// 取出并清空最近一次记录的受堵方向。
func (s *shim) suspend() (dir engine.Direction) {
	dir = s.dir
	s.dir = engine.NoDirection
	return
}
