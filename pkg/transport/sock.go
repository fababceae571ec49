// Package transport wraps non-blocking BSD stream sockets with the small
// surface the reactor and the WebSocket server need: readiness-friendly
// reads and writes, peer naming, shutdown, and errno-tagged errors.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Error is an I/O failure reported by the socket layer. It carries the
// operation that failed and the raw errno, so callers can make policy
// decisions (e.g. close without a wire-level notification) without
// string-matching error messages.
type Error struct {
	Op    string
	Errno unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (errno %d)", e.Op, e.Errno.Error(), int(e.Errno))
}

func (e *Error) Unwrap() error {
	return e.Errno
}

func errnoError(op string, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return &Error{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Shutdown channel selectors, mirroring shutdown(2).
const (
	ShutRead  = unix.SHUT_RD
	ShutWrite = unix.SHUT_WR
	ShutBoth  = unix.SHUT_RDWR
)

// Sock is a non-blocking TCP socket (listening or connected). The zero
// value is not usable; construct one with [Listen], [Sock.Accept], or
// [FromFD].
type Sock struct {
	fd   int
	open bool
}

// Listen creates a non-blocking listening socket bound to the given host
// and port. An empty host binds all interfaces.
func Listen(host string, port, backlog int) (*Sock, error) {
	family := unix.AF_INET
	var ip net.IP
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("invalid listen address: %q", host)
		}
		if ip.To4() == nil {
			family = unix.AF_INET6
		}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errnoError("socket", err)
	}

	s := &Sock{fd: fd, open: true}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = s.Close()
		return nil, errnoError("setsockopt", err)
	}

	if err := unix.Bind(fd, sockaddr(family, ip, port)); err != nil {
		_ = s.Close()
		return nil, errnoError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = s.Close()
		return nil, errnoError("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = s.Close()
		return nil, errnoError("setnonblock", err)
	}

	return s, nil
}

func sockaddr(family int, ip net.IP, port int) unix.Sockaddr {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		return sa
	}

	sa := &unix.SockaddrInet4{Port: port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

// FromFD wraps an already-connected descriptor and switches it to
// non-blocking mode.
func FromFD(fd int) (*Sock, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errnoError("setnonblock", err)
	}
	return &Sock{fd: fd, open: true}, nil
}

// Accept accepts one pending connection, already in non-blocking mode.
// It returns (nil, nil) when no connection is pending.
func (s *Sock) Accept() (*Sock, error) {
	nfd, _, err := unix.Accept(s.fd)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, errnoError("accept", err)
	}

	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return nil, errnoError("setnonblock", err)
	}
	return &Sock{fd: nfd, open: true}, nil
}

// Recv performs one non-blocking read of up to max bytes. It returns
// (nil, false, nil) when the read would block, and eof=true when the
// peer has shut down its writing end (a zero-length read on a readable
// socket).
func (s *Sock) Recv(max int) (data []byte, eof bool, err error) {
	if err := s.slippedError("recv"); err != nil {
		return nil, false, err
	}

	buf := make([]byte, max)
	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errnoError("recv", err)
	}
	if n == 0 {
		return nil, true, nil
	}
	return buf[:n], false, nil
}

// Peek checks for a peer shutdown without consuming data: it peeks one
// byte non-blockingly and reports eof=true on a zero-length result.
func (s *Sock) Peek() (eof bool, err error) {
	if err := s.slippedError("peek"); err != nil {
		return false, err
	}

	var b [1]byte
	n, _, err := unix.Recvfrom(s.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, errnoError("peek", err)
	}
	return n == 0, nil
}

// Send performs one non-blocking write and returns the number of bytes
// accepted by the kernel, which may be less than len(data). A write that
// would block returns (0, nil).
func (s *Sock) Send(data []byte) (int, error) {
	if err := s.slippedError("send"); err != nil {
		return 0, err
	}

	n, err := unix.Write(s.fd, data)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, errnoError("send", err)
	}
	return n, nil
}

// WriteAll writes the entire buffer, blocking in select(2) between
// partial writes until the socket is writable again. This is the only
// sanctioned blocking write path.
func (s *Sock) WriteAll(data []byte) error {
	for len(data) > 0 {
		n, err := s.Send(data)
		if err != nil {
			return err
		}
		data = data[n:]

		if len(data) > 0 && n == 0 {
			if err := s.waitWritable(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sock) waitWritable() error {
	// select(2) ignores SO_SNDTIMEO, so apply it to the wait explicitly.
	var tv *unix.Timeval
	if t, err := unix.GetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO); err == nil && (t.Sec != 0 || t.Usec != 0) {
		tv = t
	}

	var wset unix.FdSet
	wset.Set(s.fd)
	n, err := unix.Select(s.fd+1, nil, &wset, nil, tv)
	if err != nil && err != unix.EINTR {
		return errnoError("select", err)
	}
	if err == nil && n == 0 && tv != nil {
		return &Error{Op: "send", Errno: unix.ETIMEDOUT}
	}
	return nil
}

// SetTimeout configures SO_RCVTIMEO and SO_SNDTIMEO, bounding blocking
// socket operations (notably the inner loop of [Sock.WriteAll]).
func (s *Sock) SetTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return errnoError("setsockopt", err)
	}
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return errnoError("setsockopt", err)
	}
	return nil
}

// Shutdown half- or fully closes the connection channel ([ShutRead],
// [ShutWrite], or [ShutBoth]) without releasing the descriptor.
func (s *Sock) Shutdown(how int) error {
	if err := unix.Shutdown(s.fd, how); err != nil {
		return errnoError("shutdown", err)
	}
	return nil
}

// Close releases the descriptor. It is idempotent.
func (s *Sock) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	if err := unix.Close(s.fd); err != nil {
		return errnoError("close", err)
	}
	return nil
}

// PeerName returns the remote address and port of a connected socket.
func (s *Sock) PeerName() (string, int, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return "", 0, errnoError("getpeername", err)
	}
	return addrPort(sa)
}

// Name returns the socket's own bound address and port (e.g. to learn
// the concrete port after listening on port 0).
func (s *Sock) Name() (string, int, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return "", 0, errnoError("getsockname", err)
	}
	return addrPort(sa)
}

func addrPort(sa unix.Sockaddr) (string, int, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]).String(), sa.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:]).String(), sa.Port, nil
	default:
		return "", 0, fmt.Errorf("unexpected socket address type: %T", sa)
	}
}

// ID returns a stable integer identity for the socket (its descriptor).
func (s *Sock) ID() int {
	return s.fd
}

func (s *Sock) IsOpen() bool {
	return s.open
}

// slippedError drains a pending asynchronous socket error (SO_ERROR).
// Non-blocking sockets can latch errors from previous operations; the
// first call that observes one clears and reports it.
func (s *Sock) slippedError(op string) error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || v == 0 {
		return nil
	}
	return &Error{Op: op, Errno: unix.Errno(v)}
}
