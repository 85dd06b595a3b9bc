//go:build linux

package poll

import (
	"context"
	"net"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/tlstream/transport"
	"golang.org/x/sys/unix"
)

// DialTCP 建立一条 TCP 连接并注册到 Poller。
// 连接阶段是堵塞的，连接建立后描述符转为非堵塞。
func DialTCP(ctx context.Context, p *Poller, address string) (ts transport.Transport, err error) {
	raddr, resolveErr := net.ResolveTCPAddr("tcp", address)
	if resolveErr != nil {
		err = errors.New("resolve failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(resolveErr))
		return
	}
	family, sa, saErr := sockaddr(raddr)
	if saErr != nil {
		err = saErr
		return
	}
	fd, sockErr := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if sockErr != nil {
		err = errors.New("socket failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(sockErr))
		return
	}
	if connErr := unix.Connect(fd, sa); connErr != nil {
		_ = unix.Close(fd)
		err = errors.New("connect failed", errors.WithMeta(errMetaPkgKey, errMetaPkgVal), errors.WithWrap(connErr))
		return
	}
	laddr := localAddr(fd)
	ts, err = p.Wrap(ctx, fd, laddr, raddr)
	if err != nil {
		_ = unix.Close(fd)
	}
	return
}

func sockaddr(addr *net.TCPAddr) (family int, sa unix.Sockaddr, err error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		family, sa = unix.AF_INET, sa4
		return
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		err = errors.New("unusable address", errors.WithMeta(errMetaPkgKey, errMetaPkgVal))
		return
	}
	sa6 := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa6.Addr[:], ip6)
	family, sa = unix.AF_INET6, sa6
	return
}

func localAddr(fd int) (addr net.Addr) {
	sa, saErr := unix.Getsockname(fd)
	if saErr != nil {
		return
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		addr = &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		addr = &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	}
	return
}
