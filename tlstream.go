package tlstream

import (
	"context"

	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/engine"
	"github.com/brickingsoft/tlstream/transport"
)

// Stream
// 架在非堵塞传输上的 TLS 流。
//
// 所有操作都是异步非堵塞的。同一实例同一时刻只允许一个在途操作，
// 并发调用会立刻得到 ErrBusy。独立实例之间完全并行。
type Stream interface {
	Context() (ctx context.Context)
	State() (state State)
	// Handshake
	// 推进握手直至完成。重复调用共享同一未来，完成后立即返回既有结果。
	Handshake() (future async.Future[async.Void])
	// Read
	// 解密明文到 p。结果为 0 表示对端已发送 close notify，即干净关闭。
	// 未就绪不会以结果形式出现，而是在内部挂起重试。
	Read(p []byte) (future async.Future[int])
	// Write
	// 加密并发出 p 的前缀，结果为本次消耗的字节数。
	// 部分写是正常结果，余下部分由调用方继续写入。
	Write(p []byte) (future async.Future[int])
	// Shutdown
	// 驱动 close notify 交换。已关闭时立即成功。
	Shutdown() (future async.Future[async.Void])
	// Close
	// 先尽力 Shutdown，再关闭传输。
	Close() (future async.Future[async.Void])
}

// Client
// 以客户端角色把已联通但未协商的传输包成流。握手由 Handshake 或 Connect 驱动。
func Client(ts transport.Transport, builder engine.Builder) (s Stream, err error) {
	s, err = newStream(ts, builder, true)
	return
}

// Server
// 以服务端角色把已联通但未协商的传输包成流。
func Server(ts transport.Transport, builder engine.Builder) (s Stream, err error) {
	s, err = newStream(ts, builder, false)
	return
}

// Connect
// 客户端入口：构建流并完成握手，成功时得到可用的 Established 流。
func Connect(ts transport.Transport, builder engine.Builder) (future async.Future[Stream]) {
	ctx := ts.Context()
	s, err := Client(ts, builder)
	if err != nil {
		future = async.FailedImmediately[Stream](ctx, err)
		return
	}
	future = establish(ctx, s)
	return
}

// Accept
// 服务端入口：构建流并完成握手，成功时得到可用的 Established 流。
func Accept(ts transport.Transport, builder engine.Builder) (future async.Future[Stream]) {
	ctx := ts.Context()
	s, err := Server(ts, builder)
	if err != nil {
		future = async.FailedImmediately[Stream](ctx, err)
		return
	}
	future = establish(ctx, s)
	return
}

func establish(ctx context.Context, s Stream) (future async.Future[Stream]) {
	promise, promiseErr := async.Make[Stream](ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[Stream](ctx, promiseErr)
		return
	}
	s.Handshake().OnComplete(func(ctx context.Context, _ async.Void, cause error) {
		if cause != nil {
			promise.Fail(cause)
			return
		}
		promise.Succeed(s)
		return
	})
	future = promise.Future()
	return
}
