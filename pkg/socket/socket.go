// Package socket drives many non-blocking TCP request/response exchanges with
// one poll(2) call per iteration.
//
// Each registered socket connects, writes its whole request, half-closes the
// write side and then reads until the peer closes. Sockets that finish (peer
// close) or fail leave the set and are handed back by Poll in batches.
package socket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultIOTimeout = time.Second
	readBufSize      = 1024
)

var (
	ErrNoSockets = errors.New("socket: no sockets registered")

	errPollTimeout = errors.New("socket: poll timed out without a deadline")
	errPollFailed  = errors.New("socket: poll reported an error condition")
)

type State int

const (
	Connecting State = iota
	Active
	Error
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Active:
		return "ACTIVE"
	case Error:
		return "ERROR"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Socket is one connection attempt. Once Poll returns it the descriptor is
// closed and Response belongs to the caller.
type Socket struct {
	Addr     netip.AddrPort
	Fd       int
	State    State
	Response []byte
	Err      error // set when State is Error

	request  []byte
	sent     int
	halfShut bool
	deadline time.Time
}

// Sent reports how many request bytes the kernel accepted.
func (s *Socket) Sent() int { return s.sent }

type Set struct {
	sockets []*Socket
	pfds    []unix.PollFd // pfds[0] is the wake pipe, pfds[i+1] watches sockets[i]

	wakeR, wakeW int
	wakeMu       sync.Mutex
	closed       bool

	ioTimeout time.Duration
	buf       [readBufSize]byte
	log       *zap.Logger
}

type Option func(*Set)

// WithIOTimeout bounds how long a socket may go without progress. Zero
// disables the bound.
func WithIOTimeout(d time.Duration) Option {
	return func(s *Set) { s.ioTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Set) { s.log = l }
}

func NewSet(opts ...Option) (*Set, error) {
	s := &Set{ioTimeout: DefaultIOTimeout, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}

	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	s.wakeR, s.wakeW = p[0], p[1]
	s.pfds = []unix.PollFd{{Fd: int32(s.wakeR), Events: unix.POLLIN}}
	return s, nil
}

// Len is the number of sockets still in flight.
func (s *Set) Len() int { return len(s.sockets) }

// Register starts a connection to addr that will send request. The set keeps
// a reference to request until the socket completes. The returned descriptor
// identifies the socket in later Poll batches.
//
// Connect failures caused by the remote end (refused, unreachable, reset,
// timed out) do not fail Register: the socket is reported in ERROR state by
// the next Poll.
func (s *Set) Register(addr netip.AddrPort, request []byte) (int, error) {
	sa, domain, err := sockaddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := s.setup(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sock := &Socket{Addr: addr, Fd: fd, request: request}
	switch err := unix.Connect(fd, sa); {
	case err == nil:
		sock.State = Active
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		sock.State = Connecting
	case endpointFault(err):
		sock.State = Error
		sock.Err = os.NewSyscallError("connect", err)
	default:
		unix.Close(fd)
		return -1, fmt.Errorf("socket: connect %s: %w", addr, os.NewSyscallError("connect", err))
	}
	s.touch(sock)

	s.sockets = append(s.sockets, sock)
	s.pfds = append(s.pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLOUT})
	s.log.Debug("register socket", zap.Int("fd", fd), zap.Stringer("endpoint", addr), zap.Stringer("state", sock.State))
	return fd, nil
}

func (s *Set) setup(fd int) error {
	if s.ioTimeout > 0 {
		tv := unix.NsecToTimeval(s.ioTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return os.NewSyscallError("setsockopt SO_RCVTIMEO", err)
		}
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return os.NewSyscallError("setsockopt SO_SNDTIMEO", err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return nil
}

// Poll blocks until at least one socket completes and returns every socket
// that completed in that iteration. It never returns an empty batch while
// sockets are registered. Cancelling ctx aborts the wait; the in-flight
// sockets stay registered until Close.
func (s *Set) Poll(ctx context.Context) ([]*Socket, error) {
	if len(s.sockets) == 0 {
		return nil, ErrNoSockets
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, s.wake)
		defer stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if done := s.reap(time.Now()); len(done) > 0 {
			return done, nil
		}

		timeout := s.pollTimeout(time.Now())
		n, err := unix.Poll(s.pfds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, os.NewSyscallError("poll", err)
		}
		if n == 0 {
			if timeout < 0 {
				return nil, errPollTimeout
			}
			continue // expired sockets are reaped at the top
		}
		if s.pfds[0].Revents != 0 {
			s.drainWake()
			continue
		}

		for i, sock := range s.sockets {
			pfd := &s.pfds[i+1]
			if pfd.Revents != 0 {
				s.service(sock, pfd)
			}
		}
	}
}

func (s *Set) service(sock *Socket, pfd *unix.PollFd) {
	rev := pfd.Revents
	switch {
	case rev&(unix.POLLERR|unix.POLLNVAL) != 0:
		err := sockError(sock.Fd)
		if err == nil {
			err = errPollFailed
		}
		s.fail(sock, err)
	case rev&unix.POLLOUT != 0 && !sock.halfShut:
		s.write(sock, pfd)
	case rev&(unix.POLLIN|unix.POLLHUP) != 0:
		s.read(sock)
	}
}

func (s *Set) write(sock *Socket, pfd *unix.PollFd) {
	if sock.State == Connecting {
		if err := sockError(sock.Fd); err != nil {
			s.fail(sock, err)
			return
		}
		sock.State = Active
	}

	if sock.sent < len(sock.request) {
		n, err := unix.Write(sock.Fd, sock.request[sock.sent:])
		if err != nil {
			if retryable(err) {
				return
			}
			s.fail(sock, os.NewSyscallError("write", err))
			return
		}
		sock.sent += n
		s.touch(sock)
	}

	if sock.sent == len(sock.request) {
		// the worker reads until EOF
		if err := unix.Shutdown(sock.Fd, unix.SHUT_WR); err != nil {
			s.fail(sock, os.NewSyscallError("shutdown", err))
			return
		}
		sock.halfShut = true
		pfd.Events = unix.POLLIN
	}
}

func (s *Set) read(sock *Socket) {
	n, err := unix.Read(sock.Fd, s.buf[:])
	if err != nil {
		if retryable(err) {
			return
		}
		s.fail(sock, os.NewSyscallError("read", err))
		return
	}
	if sock.State == Connecting {
		sock.State = Active
	}
	if n == 0 {
		sock.State = Closed
		return
	}
	sock.Response = append(sock.Response, s.buf[:n]...)
	s.touch(sock)
}

func (s *Set) fail(sock *Socket, err error) {
	sock.State = Error
	sock.Err = err
}

func (s *Set) touch(sock *Socket) {
	if s.ioTimeout > 0 {
		sock.deadline = time.Now().Add(s.ioTimeout)
	}
}

// reap removes finished, failed and expired sockets and closes their
// descriptors.
func (s *Set) reap(now time.Time) []*Socket {
	var done []*Socket
	keep := 0
	for i, sock := range s.sockets {
		if sock.State != Error && sock.State != Closed && !sock.deadline.IsZero() && now.After(sock.deadline) {
			s.fail(sock, fmt.Errorf("socket: %s idle for %v: %w", sock.Addr, s.ioTimeout, os.ErrDeadlineExceeded))
		}
		if sock.State == Error || sock.State == Closed {
			unix.Close(sock.Fd)
			done = append(done, sock)
			s.log.Debug("socket done",
				zap.Int("fd", sock.Fd),
				zap.Stringer("endpoint", sock.Addr),
				zap.Stringer("state", sock.State),
				zap.Int("response_bytes", len(sock.Response)),
				zap.Error(sock.Err))
			continue
		}
		s.sockets[keep] = sock
		s.pfds[keep+1] = s.pfds[i+1]
		keep++
	}
	clear(s.sockets[keep:])
	s.sockets = s.sockets[:keep]
	s.pfds = s.pfds[:keep+1]
	return done
}

// pollTimeout is the wait in milliseconds until the earliest socket deadline,
// or -1 when no socket has one.
func (s *Set) pollTimeout(now time.Time) int {
	var earliest time.Time
	for _, sock := range s.sockets {
		if sock.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || sock.deadline.Before(earliest) {
			earliest = sock.deadline
		}
	}
	if earliest.IsZero() {
		return -1
	}
	d := earliest.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return int(ms)
}

func (s *Set) wake() {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.closed {
		return
	}
	_, _ = unix.Write(s.wakeW, []byte{1})
}

func (s *Set) drainWake() {
	var b [16]byte
	for {
		if n, err := unix.Read(s.wakeR, b[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Close releases every descriptor still held, including in-flight sockets.
func (s *Set) Close() error {
	s.wakeMu.Lock()
	if s.closed {
		s.wakeMu.Unlock()
		return nil
	}
	s.closed = true
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	s.wakeMu.Unlock()

	for _, sock := range s.sockets {
		unix.Close(sock.Fd)
	}
	s.sockets = nil
	s.pfds = nil
	return nil
}

func sockaddr(addr netip.AddrPort) (unix.Sockaddr, int, error) {
	ip := addr.Addr()
	switch {
	case !addr.IsValid():
		return nil, 0, fmt.Errorf("socket: invalid address %v", addr)
	case ip.Is4() || ip.Is4In6():
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}, unix.AF_INET, nil
	default:
		return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}, unix.AF_INET6, nil
	}
}

func sockError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt SO_ERROR", err)
	}
	if v != 0 {
		return os.NewSyscallError("connect", unix.Errno(v))
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func endpointFault(err error) bool {
	for _, errno := range []unix.Errno{
		unix.ECONNREFUSED, unix.EHOSTUNREACH, unix.ENETUNREACH, unix.ETIMEDOUT, unix.ECONNRESET,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
