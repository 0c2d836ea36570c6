package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/SWAI-Ltd/lakerelay/internal/proto"
	"github.com/SWAI-Ltd/lakerelay/internal/transport"
)

// source is what the relay loop pulls frames from.
type source interface {
	// Frames delivers frames in receipt order.
	Frames() <-chan Message
	// Done is closed when the source will deliver no more frames.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
}

// ingress is the many-to-one endpoint. Each producer connection gets its
// own reader goroutine; all of them feed one ordered queue.
type ingress struct {
	srv    *transport.Server
	frames chan Message
	logger *slog.Logger
}

func listenIngress(ctx context.Context, addr string, buffer int, logger *slog.Logger) (*ingress, error) {
	in := &ingress{
		frames: make(chan Message, buffer),
		logger: logger,
	}
	srv, err := transport.ListenQUIC(ctx, addr, in.handleConn)
	if err != nil {
		return nil, err
	}
	in.srv = srv
	logger.Info("ingress listening", "addr", srv.LocalAddr())
	return in, nil
}

func (in *ingress) handleConn(ctx context.Context, c *transport.Conn) {
	hello, err := c.Accept(proto.RoleProducer, nil)
	if err != nil {
		in.logger.Debug("ingress: handshake failed", "err", err, "peer", c.RemoteAddr())
		return
	}
	in.logger.Debug("ingress: producer connected", "peer", c.RemoteAddr(), "node", hello.NodeID)
	for {
		data, err := c.RecvFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				in.logger.Debug("ingress: producer read ended", "err", err, "peer", c.RemoteAddr())
			}
			return
		}
		select {
		case in.frames <- Message(data):
		case <-ctx.Done():
			return
		}
	}
}

func (in *ingress) Frames() <-chan Message { return in.frames }

func (in *ingress) Done() <-chan struct{} { return in.srv.Done() }

func (in *ingress) Err() error { return in.srv.Err() }

func (in *ingress) Addr() string { return in.srv.LocalAddr() }

func (in *ingress) Port() int { return in.srv.Port() }

func (in *ingress) Close() error { return in.srv.Close() }
