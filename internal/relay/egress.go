package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/SWAI-Ltd/lakerelay/internal/proto"
	"github.com/SWAI-Ltd/lakerelay/internal/transport"
)

// sink is what the relay loop broadcasts to.
type sink interface {
	Broadcast(ctx context.Context, msg Message) error
}

// egress is the one-to-many endpoint. Every subscriber owns an ordered
// outbound queue drained by its connection goroutine, so one slow
// subscriber never holds up the loop or the others.
type egress struct {
	srv     *transport.Server
	buffer  int
	logger  *slog.Logger
	metrics *metrics

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	node  string
	peer  string
	queue chan Message
}

func listenEgress(ctx context.Context, addr string, buffer int, logger *slog.Logger, m *metrics) (*egress, error) {
	e := &egress{
		buffer:  buffer,
		logger:  logger,
		metrics: m,
		subs:    make(map[*subscriber]struct{}),
	}
	srv, err := transport.ListenQUIC(ctx, addr, e.handleConn)
	if err != nil {
		return nil, err
	}
	e.srv = srv
	logger.Info("egress listening", "addr", srv.LocalAddr())
	return e, nil
}

func (e *egress) handleConn(ctx context.Context, c *transport.Conn) {
	s := &subscriber{
		peer:  c.RemoteAddr(),
		queue: make(chan Message, e.buffer),
	}
	hello, err := c.Accept(proto.RoleSubscriber, func(h proto.Hello) error {
		s.node = h.NodeID
		if !e.add(s) {
			return ErrEgressClosed
		}
		return nil
	})
	if err != nil {
		e.logger.Debug("egress: handshake failed", "err", err, "peer", s.peer)
		return
	}
	defer e.remove(s)
	e.logger.Debug("egress: subscriber connected", "peer", s.peer, "node", hello.NodeID)

	peerGone := c.Context().Done()
	for {
		select {
		case msg := <-s.queue:
			if err := c.SendFrame(msg); err != nil {
				e.logger.Debug("egress: subscriber write failed", "err", err, "peer", s.peer)
				return
			}
		case <-peerGone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *egress) add(s *subscriber) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.subs[s] = struct{}{}
	e.metrics.subscriberDelta(1)
	return true
}

func (e *egress) remove(s *subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[s]; ok {
		delete(e.subs, s)
		e.metrics.subscriberDelta(-1)
	}
	e.logger.Debug("egress: subscriber disconnected", "peer", s.peer, "node", s.node)
}

// Broadcast queues msg for every connected subscriber. A subscriber whose
// queue is full misses msg; that is counted, not reported. The only error
// is ErrEgressClosed.
func (e *egress) Broadcast(_ context.Context, msg Message) error {
	select {
	case <-e.srv.Done():
		return ErrEgressClosed
	default:
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEgressClosed
	}
	dropped := 0
	for s := range e.subs {
		select {
		case s.queue <- msg:
		default:
			dropped++
			e.logger.Debug("egress: subscriber queue full, frame dropped", "peer", s.peer)
		}
	}
	e.metrics.recordDropped(dropped)
	return nil
}

func (e *egress) Addr() string { return e.srv.LocalAddr() }

func (e *egress) Port() int { return e.srv.Port() }

// Close refuses further broadcasts and disconnects every subscriber.
func (e *egress) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.srv.Close()
}
