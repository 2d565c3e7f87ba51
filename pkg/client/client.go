// Package client computes polygon area sums on the workers currently
// published in an endpoint snapshot.
package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/dispatch"
	"github.com/ryandielhenn/polyarea/pkg/geom"
	"github.com/ryandielhenn/polyarea/pkg/wire"
)

var ErrTooFewPoints = errors.New("client: at least 2 points are required")

type Config struct {
	Dispatch     dispatch.Config
	Timeout      time.Duration // bound on a whole Compute call, 0 disables
	ClosePolygon bool          // append the first point when the input is open
}

func DefaultConfig() Config {
	return Config{Dispatch: dispatch.DefaultConfig()}
}

// Client is safe for concurrent use. Every Compute takes its own snapshot and
// runs its own dispatcher.
type Client struct {
	source    dispatch.Source
	cfg       Config
	log       *zap.Logger
	newEngine func() (dispatch.Engine, error)
}

type Option func(*Client)

func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func withEngine(f func() (dispatch.Engine, error)) Option {
	return func(c *Client) { c.newEngine = f }
}

func New(source dispatch.Source, opts ...Option) *Client {
	c := &Client{source: source, cfg: DefaultConfig(), log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compute splits points across the endpoints of the current snapshot and
// returns the sum of the workers' partial results. It returns either the
// complete sum or an error.
func (c *Client) Compute(ctx context.Context, points []geom.Point) (sum float64, err error) {
	start := time.Now()
	defer func() { telemetry.ObserveCompute(start, err) }()

	if c.cfg.ClosePolygon && len(points) > 0 && points[0] != points[len(points)-1] {
		points = append(slices.Clip(points), points[0])
	}
	if len(points) < geom.MinChunk {
		return 0, ErrTooFewPoints
	}

	snap, ok := c.source.Acquire()
	if !ok || len(snap) == 0 {
		return 0, dispatch.ErrNoEndpoints
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	chunks := geom.Split(points, len(snap))
	payloads := make([][]byte, len(chunks))
	for i, chunk := range chunks {
		payloads[i] = wire.EncodeRequest(chunk)
	}

	opts := []dispatch.Option{
		dispatch.WithConfig(c.cfg.Dispatch),
		dispatch.WithLogger(c.log),
		dispatch.WithSnapshot(snap),
	}
	if c.newEngine != nil {
		opts = append(opts, dispatch.WithEngine(c.newEngine))
	}
	sender, err := dispatch.New(c.source, opts...)
	if err != nil {
		return 0, err
	}

	responses, err := sender.Send(ctx, payloads)
	if err != nil {
		return 0, err
	}
	for i, resp := range responses {
		part, err := wire.DecodeResponse(resp)
		if err != nil {
			return 0, fmt.Errorf("client: chunk %d: %w", i, err)
		}
		sum += part
	}

	c.log.Debug("compute finished",
		zap.Int("points", len(points)),
		zap.Int("chunks", len(chunks)),
		zap.Int("endpoints", len(snap)),
		zap.Duration("took", time.Since(start)))
	return sum, nil
}
