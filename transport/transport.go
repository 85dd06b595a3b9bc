package transport

import (
	"context"
	"net"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp/async"
)

var (
	// ErrNotReady
	// 非堵塞读写在传输未就绪时返回。
	// 它表示需要等待就绪后重试，与硬性 IO 错误不同。
	ErrNotReady = errors.Define("transport not ready")
	// ErrClosed
	// 传输已关闭。
	ErrClosed = errors.Define("use of closed transport")
)

func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Transport
// 非堵塞的双工字节流。
//
// TryRead 与 TryWrite 要么立刻完成，要么返回 ErrNotReady。
// TryRead 返回 (0, nil) 表示对端正常结束，与未就绪是两种结果。
// Readable 与 Writable 注册一次性的就绪事件，事件触发后须重新注册。
type Transport interface {
	Context() (ctx context.Context)
	LocalAddr() (addr net.Addr)
	RemoteAddr() (addr net.Addr)
	TryRead(p []byte) (n int, err error)
	TryWrite(p []byte) (n int, err error)
	Readable() (future async.Future[async.Void])
	Writable() (future async.Future[async.Void])
	Close() (err error)
}
