package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/brickingsoft/rxp/async"
)

const (
	DefaultPipeBufferCapacity = 32 * 1024
)

type PipeOptions struct {
	BufferCapacity int
}

type PipeOption func(options *PipeOptions) (err error)

// WithPipeBufferCapacity
// 设置单方向缓冲容量。缓冲写满后 TryWrite 返回 ErrNotReady。
func WithPipeBufferCapacity(capacity int) PipeOption {
	return func(options *PipeOptions) (err error) {
		if capacity > 0 {
			options.BufferCapacity = capacity
		}
		return
	}
}

// Pipe
// 进程内的双工管道，两端均为 Transport。
// 缓冲有界，所以未就绪是真实可达的状态，适合测试与进程内装配。
func Pipe(ctx context.Context, options ...PipeOption) (p1 Transport, p2 Transport, err error) {
	opts := PipeOptions{
		BufferCapacity: DefaultPipeBufferCapacity,
	}
	for _, option := range options {
		if err = option(&opts); err != nil {
			return
		}
	}
	a2b := newPipeBuffer(ctx, opts.BufferCapacity)
	b2a := newPipeBuffer(ctx, opts.BufferCapacity)
	p1 = &pipe{
		ctx:    ctx,
		local:  pipeAddr{},
		remote: pipeAddr{},
		in:     b2a,
		out:    a2b,
	}
	p2 = &pipe{
		ctx:    ctx,
		local:  pipeAddr{},
		remote: pipeAddr{},
		in:     a2b,
		out:    b2a,
	}
	return
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type pipe struct {
	ctx    context.Context
	local  net.Addr
	remote net.Addr
	in     *pipeBuffer
	out    *pipeBuffer
	closed atomic.Bool
}

func (p *pipe) Context() (ctx context.Context) {
	ctx = p.ctx
	return
}

func (p *pipe) LocalAddr() (addr net.Addr) {
	addr = p.local
	return
}

func (p *pipe) RemoteAddr() (addr net.Addr) {
	addr = p.remote
	return
}

func (p *pipe) TryRead(b []byte) (n int, err error) {
	if p.closed.Load() {
		err = ErrClosed
		return
	}
	n, err = p.in.tryRead(b)
	return
}

func (p *pipe) TryWrite(b []byte) (n int, err error) {
	if p.closed.Load() {
		err = ErrClosed
		return
	}
	n, err = p.out.tryWrite(b)
	return
}

func (p *pipe) Readable() (future async.Future[async.Void]) {
	if p.closed.Load() {
		future = async.FailedImmediately[async.Void](p.ctx, ErrClosed)
		return
	}
	future = p.in.readable()
	return
}

func (p *pipe) Writable() (future async.Future[async.Void]) {
	if p.closed.Load() {
		future = async.FailedImmediately[async.Void](p.ctx, ErrClosed)
		return
	}
	future = p.out.writable()
	return
}

func (p *pipe) Close() (err error) {
	if !p.closed.CompareAndSwap(false, true) {
		err = ErrClosed
		return
	}
	p.out.closeWrite()
	p.in.closeRead()
	return
}

func newPipeBuffer(ctx context.Context, capacity int) *pipeBuffer {
	return &pipeBuffer{
		ctx:      ctx,
		capacity: capacity,
	}
}

// pipeBuffer
// 单方向缓冲。readers 等待有数据或 EOF，writers 等待腾出空间。
type pipeBuffer struct {
	ctx      context.Context
	mu       sync.Mutex
	capacity int
	b        bytes.Buffer
	eof      bool
	broken   bool
	readers  []async.Promise[async.Void]
	writers  []async.Promise[async.Void]
}

func (buf *pipeBuffer) tryRead(p []byte) (n int, err error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.b.Len() == 0 {
		if buf.eof {
			// clean EOF
			return
		}
		if buf.broken {
			err = ErrClosed
			return
		}
		err = ErrNotReady
		return
	}
	n, _ = buf.b.Read(p)
	wake(&buf.writers)
	return
}

func (buf *pipeBuffer) tryWrite(p []byte) (n int, err error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.broken || buf.eof {
		err = ErrClosed
		return
	}
	space := buf.capacity - buf.b.Len()
	if space <= 0 {
		err = ErrNotReady
		return
	}
	if len(p) > space {
		p = p[:space]
	}
	n, _ = buf.b.Write(p)
	wake(&buf.readers)
	return
}

func (buf *pipeBuffer) readable() (future async.Future[async.Void]) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.b.Len() > 0 || buf.eof {
		future = async.SucceedImmediately[async.Void](buf.ctx, async.Void{})
		return
	}
	if buf.broken {
		future = async.FailedImmediately[async.Void](buf.ctx, ErrClosed)
		return
	}
	promise, promiseErr := async.Make[async.Void](buf.ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[async.Void](buf.ctx, promiseErr)
		return
	}
	buf.readers = append(buf.readers, promise)
	future = promise.Future()
	return
}

func (buf *pipeBuffer) writable() (future async.Future[async.Void]) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.broken || buf.eof {
		future = async.FailedImmediately[async.Void](buf.ctx, ErrClosed)
		return
	}
	if buf.capacity-buf.b.Len() > 0 {
		future = async.SucceedImmediately[async.Void](buf.ctx, async.Void{})
		return
	}
	promise, promiseErr := async.Make[async.Void](buf.ctx, async.WithWait())
	if promiseErr != nil {
		future = async.FailedImmediately[async.Void](buf.ctx, promiseErr)
		return
	}
	buf.writers = append(buf.writers, promise)
	future = promise.Future()
	return
}

func (buf *pipeBuffer) closeWrite() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.eof = true
	wake(&buf.readers)
	drop(&buf.writers)
}

func (buf *pipeBuffer) closeRead() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.broken = true
	wake(&buf.readers)
	drop(&buf.writers)
}

func wake(promises *[]async.Promise[async.Void]) {
	for _, promise := range *promises {
		promise.Succeed(async.Void{})
	}
	*promises = nil
}

func drop(promises *[]async.Promise[async.Void]) {
	for _, promise := range *promises {
		promise.Fail(ErrClosed)
	}
	*promises = nil
}
