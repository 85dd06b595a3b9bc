//go:build linux

// Package poll 把非堵塞套接字绑定为 Transport。
// 一个 Poller 背后是一个 epoll 实例与一条分发协程，
// 就绪事件按方向兑现各连接挂起的一次性许诺。
package poll

import (
	"context"
	"sync"

	"github.com/brickingsoft/errors"
	"golang.org/x/sys/unix"
)

func Open(ctx context.Context) (p *Poller, err error) {
	epfd, epErr := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if epErr != nil {
		err = errors.New("epoll create failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(epErr))
		return
	}
	wfd, wErr := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if wErr != nil {
		_ = unix.Close(epfd)
		err = errors.New("eventfd failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(wErr))
		return
	}
	if ctlErr := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{Fd: int32(wfd), Events: unix.EPOLLIN}); ctlErr != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(epfd)
		err = errors.New("epoll ctl failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(ctlErr))
		return
	}
	p = &Poller{
		ctx:   ctx,
		fd:    epfd,
		wfd:   wfd,
		conns: make(map[int]*Conn),
	}
	go p.wait()
	return
}

type Poller struct {
	ctx    context.Context
	fd     int
	wfd    int
	mu     sync.Mutex
	conns  map[int]*Conn
	closed bool
}

func (p *Poller) wait() {
	events := make([]unix.EpollEvent, 64)
	for {
		n, waitErr := unix.EpollWait(p.fd, events, 100)
		if waitErr != nil && waitErr != unix.EINTR {
			return
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			_ = unix.Close(p.wfd)
			_ = unix.Close(p.fd)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wfd {
				var drained [8]byte
				_, _ = unix.Read(p.wfd, drained[:])
				continue
			}
			p.dispatch(fd, events[i].Events)
		}
	}
}

func (p *Poller) dispatch(fd int, events uint32) {
	p.mu.Lock()
	conn := p.conns[fd]
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		conn.fire(readInterest)
	}
	if events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		conn.fire(writeInterest)
	}
	return
}

func (p *Poller) wakeup() {
	var one = [8]byte{7: 1}
	_, _ = unix.Write(p.wfd, one[:])
	return
}

func (p *Poller) attach(conn *Conn) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		err = errors.From(ErrPollerClosed)
		return
	}
	if ctlErr := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, conn.fd, &unix.EpollEvent{Fd: int32(conn.fd), Events: unix.EPOLLONESHOT}); ctlErr != nil {
		err = errors.New("epoll ctl failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(ctlErr))
		return
	}
	p.conns[conn.fd] = conn
	return
}

// arm
// 事件一次性投递，与一次性的就绪许诺对齐，
// 否则电平触发的 EPOLLHUP 会在对端关闭后空转分发循环。
func (p *Poller) arm(conn *Conn, interests uint8) {
	events := uint32(unix.EPOLLONESHOT)
	if interests&readInterest != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interests&writeInterest != 0 {
		events |= unix.EPOLLOUT
	}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, conn.fd, &unix.EpollEvent{Fd: int32(conn.fd), Events: events})
	return
}

func (p *Poller) detach(conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[conn.fd] == conn {
		delete(p.conns, conn.fd)
		_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, conn.fd, &unix.EpollEvent{Fd: int32(conn.fd)})
	}
	return
}

func (p *Poller) Close() (err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		err = errors.From(ErrPollerClosed)
		return
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	p.wakeup()
	return
}

var (
	ErrPollerClosed = errors.Define("poller closed")
)

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "poll"
)
