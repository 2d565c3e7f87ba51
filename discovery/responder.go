package discovery

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

var (
	DefaultReply = []byte("PONG")
	shutdownCmd  = []byte("END")
)

// Responder answers discovery probes on a worker. Any datagram gets the reply
// except one starting with END, which stops Serve, and a copy of the reply
// itself, which is dropped so two responders never answer each other.
type Responder struct {
	conn  *net.UDPConn
	reply []byte
	log   *zap.Logger
}

type ResponderOption func(*Responder)

func WithResponderLogger(l *zap.Logger) ResponderOption {
	return func(r *Responder) { r.log = l }
}

func WithReply(b []byte) ResponderOption {
	return func(r *Responder) { r.reply = b }
}

func NewResponder(addr string, opts ...ResponderOption) (*Responder, error) {
	conn, err := listenUDP(context.Background(), addr, responderOpts)
	if err != nil {
		return nil, err
	}
	r := &Responder{conn: conn, reply: DefaultReply, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Responder) Addr() netip.AddrPort {
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Serve answers probes until ctx is done, an END datagram arrives or the
// responder is closed. Receive and send errors are logged and skipped.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	r.log.Info("discovery responder listening", zap.Stringer("addr", r.Addr()))
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("recvfrom", zap.Error(err))
			continue
		}

		msg := buf[:n]
		r.log.Debug("probe received", zap.ByteString("msg", msg), zap.Stringer("from", from))
		if bytes.HasPrefix(msg, shutdownCmd) {
			r.log.Info("shutdown datagram received", zap.Stringer("from", from))
			return nil
		}

		if bytes.Equal(msg, r.reply) {
			continue
		}

		if _, err := r.conn.WriteToUDPAddrPort(r.reply, from); err != nil {
			r.log.Warn("sendto", zap.Stringer("to", from), zap.Error(err))
		}
	}
}

func (r *Responder) Close() error {
	err := r.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
