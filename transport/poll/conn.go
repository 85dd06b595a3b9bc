//go:build linux

package poll

import (
	"context"
	"net"
	"sync"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp/async"
	"github.com/brickingsoft/tlstream/transport"
	"golang.org/x/sys/unix"
)

const (
	readInterest  uint8 = 1 << 0
	writeInterest uint8 = 1 << 1
)

// Wrap 接管一个已建立的套接字描述符并注册到 Poller。
// 描述符会被置为非堵塞，之后归 Conn 所有。
func (p *Poller) Wrap(ctx context.Context, fd int, laddr net.Addr, raddr net.Addr) (ts transport.Transport, err error) {
	if nbErr := unix.SetNonblock(fd, true); nbErr != nil {
		err = errors.New("set nonblock failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(nbErr))
		return
	}
	conn := &Conn{
		ctx:    ctx,
		poller: p,
		fd:     fd,
		laddr:  laddr,
		raddr:  raddr,
	}
	if err = p.attach(conn); err != nil {
		return
	}
	ts = conn
	return
}

type Conn struct {
	ctx     context.Context
	poller  *Poller
	fd      int
	laddr   net.Addr
	raddr   net.Addr
	mu      sync.Mutex
	readers []async.Promise[async.Void]
	writers []async.Promise[async.Void]
	closed  bool
}

func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) LocalAddr() net.Addr {
	return c.laddr
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raddr
}

func (c *Conn) TryRead(p []byte) (n int, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err = errors.From(transport.ErrClosed)
		return
	}
	c.mu.Unlock()
	for {
		n, err = unix.Read(c.fd, p)
		if err == nil {
			// n == 0 即对端有序关闭
			return
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			n = 0
			err = errors.From(transport.ErrNotReady)
			return
		default:
			n = 0
			err = errors.New("read failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(err))
			return
		}
	}
}

func (c *Conn) TryWrite(p []byte) (n int, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err = errors.From(transport.ErrClosed)
		return
	}
	c.mu.Unlock()
	for {
		n, err = unix.Write(c.fd, p)
		if err == nil {
			return
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			n = 0
			err = errors.From(transport.ErrNotReady)
			return
		default:
			n = 0
			err = errors.New("write failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(err))
			return
		}
	}
}

func (c *Conn) Readable() (future async.Future[async.Void]) {
	future = c.suspend(readInterest)
	return
}

func (c *Conn) Writable() (future async.Future[async.Void]) {
	future = c.suspend(writeInterest)
	return
}

func (c *Conn) suspend(interest uint8) (future async.Future[async.Void]) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		future = async.FailedImmediately[async.Void](c.ctx, errors.From(transport.ErrClosed))
		return
	}
	promise, promiseErr := async.Make[async.Void](c.ctx, async.WithWait())
	if promiseErr != nil {
		c.mu.Unlock()
		future = async.FailedImmediately[async.Void](c.ctx, promiseErr)
		return
	}
	if interest == readInterest {
		c.readers = append(c.readers, promise)
	} else {
		c.writers = append(c.writers, promise)
	}
	interests := c.interests()
	c.mu.Unlock()
	c.poller.arm(c, interests)
	future = promise.Future()
	return
}

// interests 需持锁调用。
func (c *Conn) interests() (interests uint8) {
	if len(c.readers) > 0 {
		interests |= readInterest
	}
	if len(c.writers) > 0 {
		interests |= writeInterest
	}
	return
}

func (c *Conn) fire(interest uint8) {
	c.mu.Lock()
	var fired []async.Promise[async.Void]
	if interest == readInterest {
		fired, c.readers = c.readers, nil
	} else {
		fired, c.writers = c.writers, nil
	}
	interests := c.interests()
	c.mu.Unlock()
	if len(fired) == 0 {
		return
	}
	c.poller.arm(c, interests)
	for _, promise := range fired {
		promise.Succeed(async.Void{})
	}
	return
}

func (c *Conn) Close() (err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err = errors.From(transport.ErrClosed)
		return
	}
	c.closed = true
	readers, writers := c.readers, c.writers
	c.readers, c.writers = nil, nil
	c.mu.Unlock()
	c.poller.detach(c)
	if closeErr := unix.Close(c.fd); closeErr != nil {
		err = errors.New("close failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(closeErr))
	}
	cause := errors.From(transport.ErrClosed)
	for _, promise := range readers {
		promise.Fail(cause)
	}
	for _, promise := range writers {
		promise.Fail(cause)
	}
	return
}
