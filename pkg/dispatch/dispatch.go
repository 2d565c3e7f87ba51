// Package dispatch drives a batch of encoded requests to completion across a
// set of endpoints, rerouting the work of endpoints that fail.
//
// A Sender owns a private view of the endpoints: marking one dead never
// touches the shared snapshot and is invisible to other senders. The view is
// reloaded from the shared snapshot every RefreshEvery selections, but never
// before a full rotation over the view. An endpoint that failed since the
// previous reload stays dead across the next one; after that it gets another
// chance.
//
// A Sender is not safe for concurrent use; run one per top-level call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/socket"
)

const (
	DefaultRefreshEvery = 64
	DefaultMaxAttempts  = 16
)

var (
	ErrNoEndpoints       = errors.New("dispatch: no known endpoints")
	ErrNoLivingEndpoints = errors.New("dispatch: no living endpoints left")
	ErrRetriesExhausted  = errors.New("dispatch: retries exhausted")
)

// Source is where a Sender loads its endpoint view from.
type Source interface {
	Acquire() ([]netip.AddrPort, bool)
}

// Engine runs the socket exchanges. *socket.Set is the production engine.
type Engine interface {
	Register(addr netip.AddrPort, request []byte) (int, error)
	Poll(ctx context.Context) ([]*socket.Socket, error)
	Close() error
}

type Endpoint struct {
	Addr  netip.AddrPort
	Alive bool
}

type Config struct {
	RefreshEvery int           // selections between view reloads, at least one per endpoint; 0 never reloads
	MaxAttempts  int           // connection attempts per request, 0 is unbounded
	IOTimeout    time.Duration // idle bound per socket, 0 disables it
}

func DefaultConfig() Config {
	return Config{
		RefreshEvery: DefaultRefreshEvery,
		MaxAttempts:  DefaultMaxAttempts,
		IOTimeout:    socket.DefaultIOTimeout,
	}
}

type reqState int

const (
	unassigned reqState = iota
	assigned
	finished
)

type request struct {
	payload  []byte
	addr     netip.AddrPort
	response []byte
	state    reqState
	attempts int
}

type Sender struct {
	source    Source
	cfg       Config
	endpoints []*Endpoint
	cursor    int
	uses      int
	failed    map[netip.AddrPort]struct{} // marked dead since the last reload
	newEngine func() (Engine, error)
	log       *zap.Logger
}

type Option func(*Sender)

func WithConfig(cfg Config) Option {
	return func(s *Sender) { s.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sender) { s.log = l }
}

// WithEngine replaces the socket engine factory.
func WithEngine(f func() (Engine, error)) Option {
	return func(s *Sender) { s.newEngine = f }
}

// WithSnapshot seeds the initial view with snap instead of acquiring one
// from the source.
func WithSnapshot(snap []netip.AddrPort) Option {
	return func(s *Sender) { s.load(snap) }
}

func New(source Source, opts ...Option) (*Sender, error) {
	s := &Sender{source: source, cfg: DefaultConfig(), log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	if s.newEngine == nil {
		s.newEngine = func() (Engine, error) {
			return socket.NewSet(socket.WithIOTimeout(s.cfg.IOTimeout), socket.WithLogger(s.log))
		}
	}
	if s.endpoints == nil {
		snap, ok := source.Acquire()
		if !ok {
			return nil, ErrNoEndpoints
		}
		s.load(snap)
	}
	if len(s.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return s, nil
}

// Endpoints returns a copy of the current view.
func (s *Sender) Endpoints() []Endpoint {
	out := make([]Endpoint, len(s.endpoints))
	for i, ep := range s.endpoints {
		out[i] = *ep
	}
	return out
}

func (s *Sender) load(snap []netip.AddrPort) {
	s.endpoints = make([]*Endpoint, len(snap))
	for i, addr := range snap {
		s.endpoints[i] = &Endpoint{Addr: addr, Alive: true}
	}
	s.cursor = 0
	s.uses = 0
	s.failed = make(map[netip.AddrPort]struct{})
}

// refresh reloads the view. An empty or absent snapshot keeps the current
// view; its counter still resets. Endpoints that failed since the previous
// reload start the new view dead.
func (s *Sender) refresh() {
	snap, ok := s.source.Acquire()
	if !ok || len(snap) == 0 {
		s.log.Warn("endpoint refresh found no endpoints, keeping current view",
			zap.Int("endpoints", len(s.endpoints)))
		s.uses = 0
		return
	}
	quarantined := s.failed
	s.load(snap)
	for _, ep := range s.endpoints {
		if _, bad := quarantined[ep.Addr]; bad {
			ep.Alive = false
		}
	}
	telemetry.EndpointRefreshes.Inc()
	s.log.Debug("endpoint view refreshed", zap.Int("endpoints", len(snap)), zap.Int("quarantined", len(quarantined)))
}

// refreshThreshold leaves room for a full rotation between reloads.
func (s *Sender) refreshThreshold() int {
	return max(s.cfg.RefreshEvery, len(s.endpoints)+1)
}

// next picks the first live endpoint after the previous pick.
func (s *Sender) next() (*Endpoint, error) {
	s.uses++
	if s.cfg.RefreshEvery > 0 && s.uses >= s.refreshThreshold() {
		s.refresh()
	}

	n := len(s.endpoints)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		if ep := s.endpoints[idx]; ep.Alive {
			s.cursor = (idx + 1) % n
			return ep, nil
		}
	}
	return nil, ErrNoLivingEndpoints
}

// markDead flags addr in the current view. The request that failed may have
// been assigned from a view that a reload has since replaced.
func (s *Sender) markDead(addr netip.AddrPort) {
	s.failed[addr] = struct{}{}
	for _, ep := range s.endpoints {
		if ep.Addr == addr && ep.Alive {
			ep.Alive = false
			telemetry.EndpointsMarkedDead.Inc()
		}
	}
}

// Send delivers every payload and returns the responses in payload order.
// It fails as a whole: either all responses come back or an error does.
func (s *Sender) Send(ctx context.Context, payloads [][]byte) (_ [][]byte, err error) {
	remaining := len(payloads)
	defer func() {
		if err != nil && remaining > 0 {
			telemetry.DispatchRequests.WithLabelValues("failed").Add(float64(remaining))
		}
	}()
	if remaining == 0 {
		return nil, nil
	}

	reqs := make([]*request, len(payloads))
	for i, p := range payloads {
		ep, err := s.next()
		if err != nil {
			return nil, err
		}
		reqs[i] = &request{payload: p, addr: ep.Addr}
	}

	engine, err := s.newEngine()
	if err != nil {
		return nil, fmt.Errorf("dispatch: engine: %w", err)
	}
	defer engine.Close()

	byFd := make(map[int]*request, len(reqs))
	for remaining > 0 {
		for _, r := range reqs {
			if r.state != unassigned {
				continue
			}
			fd, err := engine.Register(r.addr, r.payload)
			if err != nil {
				return nil, fmt.Errorf("dispatch: register %s: %w", r.addr, err)
			}
			r.state = assigned
			r.attempts++
			byFd[fd] = r
		}

		done, err := engine.Poll(ctx)
		if err != nil {
			return nil, fmt.Errorf("dispatch: poll: %w", err)
		}

		for _, sock := range done {
			r, ok := byFd[sock.Fd]
			if !ok {
				return nil, fmt.Errorf("dispatch: completion for unknown fd %d", sock.Fd)
			}
			delete(byFd, sock.Fd)

			switch sock.State {
			case socket.Closed:
				r.response = sock.Response
				r.state = finished
				remaining--
				telemetry.DispatchRequests.WithLabelValues("finished").Inc()
			case socket.Error:
				if err := s.retry(r, sock.Err); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("dispatch: fd %d returned in state %v", sock.Fd, sock.State)
			}
		}
	}

	out := make([][]byte, len(reqs))
	for i, r := range reqs {
		out[i] = r.response
	}
	return out, nil
}

// retry marks the request's endpoint dead and moves the request to another
// endpoint for the next round.
func (s *Sender) retry(r *request, cause error) error {
	s.markDead(r.addr)
	s.log.Warn("endpoint failed, rerouting request",
		zap.Stringer("endpoint", r.addr),
		zap.Int("attempt", r.attempts),
		zap.Error(cause))

	if s.cfg.MaxAttempts > 0 && r.attempts >= s.cfg.MaxAttempts {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.attempts, cause)
	}
	ep, err := s.next()
	if err != nil {
		return fmt.Errorf("%w (last error: %w)", err, cause)
	}
	r.addr = ep.Addr
	r.state = unassigned
	telemetry.DispatchRetries.Inc()
	return nil
}
