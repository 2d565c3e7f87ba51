package dispatch

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/polyarea/pkg/rcu"
	"github.com/ryandielhenn/polyarea/pkg/socket"
)

var (
	epA = netip.MustParseAddrPort("10.0.0.1:12345")
	epB = netip.MustParseAddrPort("10.0.0.2:12345")
	epC = netip.MustParseAddrPort("10.0.0.3:12345")
)

// fakeEngine completes every registered socket on the next Poll. Addresses
// in down fail every time; failures[addr] > 0 fails that many times first.
// Successful sockets echo the request prefixed with the last octet.
type fakeEngine struct {
	down     map[netip.AddrPort]bool
	failures map[netip.AddrPort]int
	regErr   error
	pollErr  error

	nextFd    int
	pending   []*socket.Socket
	requests  map[int][]byte
	registers []netip.AddrPort
	closed    bool
}

func newFake() *fakeEngine {
	return &fakeEngine{
		down:     map[netip.AddrPort]bool{},
		failures: map[netip.AddrPort]int{},
		requests: map[int][]byte{},
		nextFd:   3,
	}
}

func (f *fakeEngine) Register(addr netip.AddrPort, req []byte) (int, error) {
	if f.regErr != nil {
		return -1, f.regErr
	}
	fd := f.nextFd
	f.nextFd++
	f.registers = append(f.registers, addr)
	f.requests[fd] = req
	f.pending = append(f.pending, &socket.Socket{Addr: addr, Fd: fd, State: socket.Active})
	return fd, nil
}

func (f *fakeEngine) Poll(context.Context) ([]*socket.Socket, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.pending) == 0 {
		return nil, socket.ErrNoSockets
	}
	batch := f.pending
	f.pending = nil
	for _, s := range batch {
		switch {
		case f.down[s.Addr]:
			s.State, s.Err = socket.Error, errors.New("connection refused")
		case f.failures[s.Addr] > 0:
			f.failures[s.Addr]--
			s.State, s.Err = socket.Error, errors.New("connection reset")
		default:
			s.State = socket.Closed
			s.Response = append([]byte{s.Addr.Addr().As4()[3]}, f.requests[s.Fd]...)
		}
	}
	return batch, nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func cellOf(eps ...netip.AddrPort) *rcu.Cell[[]netip.AddrPort] {
	var c rcu.Cell[[]netip.AddrPort]
	c.Set(eps)
	return &c
}

func newSender(t *testing.T, src Source, eng *fakeEngine, cfg Config) *Sender {
	t.Helper()
	s, err := New(src, WithConfig(cfg), WithEngine(func() (Engine, error) { return eng, nil }))
	require.NoError(t, err)
	return s
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte('a' + i)}
	}
	return out
}

func TestRoundRobinAssignment(t *testing.T) {
	eng := newFake()
	s := newSender(t, cellOf(epA, epB, epC), eng, Config{})

	got, err := s.Send(context.Background(), payloads(6))
	require.NoError(t, err)

	assert.Equal(t, []netip.AddrPort{epA, epB, epC, epA, epB, epC}, eng.registers)
	for i, resp := range got {
		assert.Equal(t, byte('a'+i), resp[1], "response %d out of order", i)
	}
	assert.True(t, eng.closed)
}

func TestFailedEndpointWorkIsRerouted(t *testing.T) {
	eng := newFake()
	eng.down[epA] = true
	s := newSender(t, cellOf(epA, epB, epC), eng, Config{})

	got, err := s.Send(context.Background(), payloads(6))
	require.NoError(t, err)
	require.Len(t, got, 6)

	for i, resp := range got {
		assert.NotEqual(t, byte(1), resp[0], "request %d answered by the dead endpoint", i)
		assert.Equal(t, byte('a'+i), resp[1])
	}

	attemptsOnA := 0
	for _, addr := range eng.registers {
		if addr == epA {
			attemptsOnA++
		}
	}
	// only the two requests initially routed to A ever touch it
	assert.Equal(t, 2, attemptsOnA)
	assert.Len(t, eng.registers, 8)

	for _, ep := range s.Endpoints() {
		assert.Equal(t, ep.Addr != epA, ep.Alive, "liveness of %v", ep.Addr)
	}
}

func TestAllEndpointsDown(t *testing.T) {
	eng := newFake()
	eng.down[epA] = true
	eng.down[epB] = true
	s := newSender(t, cellOf(epA, epB), eng, Config{RefreshEvery: 1000})

	_, err := s.Send(context.Background(), payloads(3))
	assert.ErrorIs(t, err, ErrNoLivingEndpoints)
}

func TestDeadMarkingIsLocalToSender(t *testing.T) {
	cell := cellOf(epA, epB)
	eng := newFake()
	eng.down[epA] = true
	s := newSender(t, cell, eng, Config{})
	_, err := s.Send(context.Background(), payloads(2))
	require.NoError(t, err)

	snap, _ := cell.Acquire()
	assert.Equal(t, []netip.AddrPort{epA, epB}, snap)

	fresh := newSender(t, cell, newFake(), Config{})
	for _, ep := range fresh.Endpoints() {
		assert.True(t, ep.Alive)
	}
}

func TestRefreshPicksUpNewSnapshot(t *testing.T) {
	cell := cellOf(epA, epB)
	eng := newFake()
	s := newSender(t, cell, eng, Config{RefreshEvery: 2})

	cell.Set([]netip.AddrPort{epC})
	_, err := s.Send(context.Background(), payloads(4))
	require.NoError(t, err)

	// the old view is rotated once before the reload
	assert.Equal(t, []netip.AddrPort{epA, epB, epC, epC}, eng.registers)
}

func TestFailedEndpointSitsOutOneReload(t *testing.T) {
	eng := newFake()
	eng.down[epA] = true
	s := newSender(t, cellOf(epA, epB), eng, Config{RefreshEvery: 2})

	_, err := s.Send(context.Background(), payloads(2))
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{epA, epB, epB}, eng.registers)
	assert.Equal(t, []Endpoint{{Addr: epA}, {Addr: epB, Alive: true}}, s.Endpoints(),
		"reload right after the failure keeps A dead")

	// A recovers and comes back after the following reload
	eng.down[epA] = false
	got, err := s.Send(context.Background(), payloads(4))
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{epB, epB, epA, epB}, eng.registers[3:])
	assert.Equal(t, byte(1), got[2][0])
}

func TestLastOfManyEndpointsIsReached(t *testing.T) {
	var eps []netip.AddrPort
	eng := newFake()
	for i := 1; i <= 100; i++ {
		ep := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 12345)
		eps = append(eps, ep)
		eng.down[ep] = i != 100
	}
	s := newSender(t, cellOf(eps...), eng, DefaultConfig())

	got, err := s.Send(context.Background(), payloads(100))
	require.NoError(t, err)
	for i, resp := range got {
		assert.Equal(t, byte(100), resp[0], "request %d", i)
	}
	assert.Less(t, len(eng.registers), 100*DefaultMaxAttempts)
}

func TestFailureAfterReloadMarksCurrentView(t *testing.T) {
	eng := newFake()
	eng.failures[epA] = 1
	s := newSender(t, cellOf(epA, epB), eng, Config{RefreshEvery: 2})

	// the third pick reloads the view; the first request fails on A from the
	// view that was replaced
	_, err := s.Send(context.Background(), payloads(3))
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{epA, epB, epA, epB}, eng.registers)
	assert.Equal(t, []Endpoint{{Addr: epA}, {Addr: epB, Alive: true}}, s.Endpoints())
}

func TestEmptyRefreshKeepsView(t *testing.T) {
	cell := cellOf(epA, epB)
	eng := newFake()
	s := newSender(t, cell, eng, Config{RefreshEvery: 2})

	cell.Set(nil)
	_, err := s.Send(context.Background(), payloads(4))
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{epA, epB, epA, epB}, eng.registers)
}

func TestMaxAttemptsCapsRetries(t *testing.T) {
	eng := newFake()
	eng.down[epA] = true
	eng.down[epB] = true
	s := newSender(t, cellOf(epA, epB, epC), eng, Config{MaxAttempts: 2})

	_, err := s.Send(context.Background(), payloads(1))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []netip.AddrPort{epA, epB}, eng.registers)
}

func TestRegisterErrorIsFatal(t *testing.T) {
	eng := newFake()
	eng.regErr = errors.New("too many open files")
	s := newSender(t, cellOf(epA), eng, Config{})

	_, err := s.Send(context.Background(), payloads(2))
	assert.ErrorContains(t, err, "too many open files")
}

func TestPollErrorIsFatal(t *testing.T) {
	eng := newFake()
	eng.pollErr = context.Canceled
	s := newSender(t, cellOf(epA), eng, Config{})

	_, err := s.Send(context.Background(), payloads(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoEndpoints(t *testing.T) {
	var empty rcu.Cell[[]netip.AddrPort]
	_, err := New(&empty)
	assert.ErrorIs(t, err, ErrNoEndpoints)

	_, err = New(cellOf())
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestWithSnapshotOverridesSource(t *testing.T) {
	eng := newFake()
	s, err := New(cellOf(epA), WithSnapshot([]netip.AddrPort{epB}),
		WithEngine(func() (Engine, error) { return eng, nil }))
	require.NoError(t, err)

	_, err = s.Send(context.Background(), payloads(1))
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{epB}, eng.registers)
}

func TestEmptyBatch(t *testing.T) {
	s := newSender(t, cellOf(epA), newFake(), Config{})
	got, err := s.Send(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}
