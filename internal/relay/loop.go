package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SWAI-Ltd/lakerelay/internal/capture"
)

// loop pumps frames from a source to a sink and records the ones the gate
// and capture rule let through. Exactly one goroutine runs it per relay.
type loop struct {
	src     source
	dst     sink
	gate    *Gate
	rule    capture.Rule
	ledger  *Ledger
	metrics *metrics
	logger  *slog.Logger

	seq uint64
}

// run returns nil when ctx is cancelled and an error when the source or
// sink fails. It never restarts itself.
func (l *loop) run(ctx context.Context) error {
	frames := l.src.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.src.Done():
			if ctx.Err() != nil {
				return nil
			}
			if err := l.drain(ctx, frames); err != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrIngressClosed, l.src.Err())
		case msg := <-frames:
			if err := l.forward(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// drain forwards frames already queued when the source ended.
func (l *loop) drain(ctx context.Context, frames <-chan Message) error {
	for {
		select {
		case msg := <-frames:
			if err := l.forward(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (l *loop) forward(ctx context.Context, msg Message) error {
	l.seq++
	// The gate is read at receipt, so toggling it only affects frames
	// received afterwards.
	record := l.gate.IsOpen() && l.rule.Accepts(msg)

	if err := l.dst.Broadcast(ctx, msg); err != nil {
		return fmt.Errorf("forward frame %d: %w", l.seq, err)
	}
	l.metrics.recordForwarded(ctx)

	if !record {
		return nil
	}
	e := l.ledger.Append(msg, l.seq)
	l.metrics.recordCaptured(ctx)
	l.logger.Debug("frame captured", "seq", e.Seq, "id", e.ID, "digest", e.Digest.Short())
	return nil
}
