package socket

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countServer answers every connection with the big-endian byte count it
// read before EOF, then closes. chunk > 0 makes it read that many bytes per
// call to trickle the request in.
func countServer(t *testing.T, chunk int) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				var n int64
				if chunk > 0 {
					buf := make([]byte, chunk)
					for {
						m, err := c.Read(buf)
						n += int64(m)
						if err != nil {
							break
						}
					}
				} else {
					n, _ = io.Copy(io.Discard, c)
				}
				var out [8]byte
				binary.BigEndian.PutUint64(out[:], uint64(n))
				c.Write(out[:])
			}(conn)
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

// silentServer accepts connections, reads to EOF and never answers.
func silentServer(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	release := make(chan struct{})
	var wg sync.WaitGroup
	t.Cleanup(func() {
		close(release)
		ln.Close()
		wg.Wait()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				defer c.Close()
				io.Copy(io.Discard, c)
				<-release
			}(conn)
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

func closedPort(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()
	return addr
}

func newSet(t *testing.T, opts ...Option) *Set {
	t.Helper()
	s, err := NewSet(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// drain polls until every registered socket came back.
func drain(t *testing.T, s *Set) map[int]*Socket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(map[int]*Socket)
	for s.Len() > 0 {
		batch, err := s.Poll(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, batch, "Poll returned an empty batch")
		for _, sock := range batch {
			_, dup := got[sock.Fd]
			require.False(t, dup, "fd %d completed twice", sock.Fd)
			got[sock.Fd] = sock
		}
	}
	return got
}

func TestManyConcurrentExchanges(t *testing.T) {
	addr := countServer(t, 0)
	s := newSet(t)

	want := make(map[int]int)
	for i := 1; i <= 20; i++ {
		fd, err := s.Register(addr, bytes.Repeat([]byte{byte(i)}, i*100))
		require.NoError(t, err)
		want[fd] = i * 100
	}

	got := drain(t, s)
	require.Len(t, got, len(want))
	for fd, size := range want {
		sock := got[fd]
		require.Equal(t, Closed, sock.State, "fd %d err=%v", fd, sock.Err)
		require.Len(t, sock.Response, 8)
		assert.Equal(t, uint64(size), binary.BigEndian.Uint64(sock.Response))
		assert.Equal(t, size, sock.Sent())
	}
}

func TestLargeRequestIsWrittenAcrossPartialWrites(t *testing.T) {
	addr := countServer(t, 0)
	s := newSet(t, WithIOTimeout(5*time.Second))

	payload := bytes.Repeat([]byte("polyarea"), 1<<20) // 8 MiB, far above socket buffers
	fd, err := s.Register(addr, payload)
	require.NoError(t, err)

	got := drain(t, s)
	sock := got[fd]
	require.Equal(t, Closed, sock.State, "err=%v", sock.Err)
	assert.Equal(t, len(payload), sock.Sent())
	assert.Equal(t, uint64(len(payload)), binary.BigEndian.Uint64(sock.Response))
}

func TestTrickleReaderStillCompletes(t *testing.T) {
	addr := countServer(t, 3)
	s := newSet(t, WithIOTimeout(5*time.Second))

	payload := bytes.Repeat([]byte{0xAB}, 64<<10)
	fd, err := s.Register(addr, payload)
	require.NoError(t, err)

	sock := drain(t, s)[fd]
	require.Equal(t, Closed, sock.State, "err=%v", sock.Err)
	assert.Equal(t, uint64(len(payload)), binary.BigEndian.Uint64(sock.Response))
}

func TestRefusedConnectionIsReportedAsError(t *testing.T) {
	good := countServer(t, 0)
	bad := closedPort(t)
	s := newSet(t)

	badFd, err := s.Register(bad, []byte("hello"))
	require.NoError(t, err)
	goodFd, err := s.Register(good, []byte("hello"))
	require.NoError(t, err)

	got := drain(t, s)
	assert.Equal(t, Error, got[badFd].State)
	assert.Error(t, got[badFd].Err)
	assert.Equal(t, Closed, got[goodFd].State)
}

func TestPollWithoutSockets(t *testing.T) {
	s := newSet(t)
	_, err := s.Poll(context.Background())
	assert.ErrorIs(t, err, ErrNoSockets)
}

func TestPollHonoursContext(t *testing.T) {
	addr := silentServer(t)
	s := newSet(t, WithIOTimeout(0))

	_, err := s.Register(addr, []byte("waiting"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = s.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, s.Len())
}

func TestIdleSocketTimesOut(t *testing.T) {
	addr := silentServer(t)
	s := newSet(t, WithIOTimeout(150*time.Millisecond))

	fd, err := s.Register(addr, []byte("waiting"))
	require.NoError(t, err)

	sock := drain(t, s)[fd]
	assert.Equal(t, Error, sock.State)
	assert.True(t, errors.Is(sock.Err, os.ErrDeadlineExceeded), "err=%v", sock.Err)
}

func TestRegisterRejectsInvalidAddress(t *testing.T) {
	s := newSet(t)
	_, err := s.Register(netip.AddrPort{}, []byte("x"))
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", Connecting.String())
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
