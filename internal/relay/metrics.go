package relay

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/SWAI-Ltd/lakerelay"

// Stats is a point-in-time view of relay counters.
type Stats struct {
	Forwarded    uint64
	Captured     uint64
	Acknowledged uint64
	Dropped      uint64
	Subscribers  int64
	Backlog      int
}

// metrics records relay activity both as OpenTelemetry instruments and as
// local counters for Stats.
type metrics struct {
	forwarded    metric.Int64Counter
	captured     metric.Int64Counter
	acknowledged metric.Int64Counter
	dropped      metric.Int64Counter
	subscribers  metric.Int64UpDownCounter

	nForwarded    atomic.Uint64
	nCaptured     atomic.Uint64
	nAcknowledged atomic.Uint64
	nDropped      atomic.Uint64
	nSubscribers  atomic.Int64
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		m = otel.Meter(meterName)
	}
	var (
		mt  metrics
		err error
	)
	if mt.forwarded, err = m.Int64Counter("lakerelay.frames.forwarded",
		metric.WithDescription("Frames broadcast on egress after arriving on ingress."),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if mt.captured, err = m.Int64Counter("lakerelay.frames.captured",
		metric.WithDescription("Frames appended to the backlog ledger."),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if mt.acknowledged, err = m.Int64Counter("lakerelay.frames.acknowledged",
		metric.WithDescription("Ledger entries removed by acknowledgement."),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if mt.dropped, err = m.Int64Counter("lakerelay.frames.dropped",
		metric.WithDescription("Frames not queued for a subscriber whose queue was full."),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if mt.subscribers, err = m.Int64UpDownCounter("lakerelay.subscribers",
		metric.WithDescription("Connected egress subscribers."),
		metric.WithUnit("{subscriber}")); err != nil {
		return nil, err
	}
	return &mt, nil
}

func (m *metrics) recordForwarded(ctx context.Context) {
	m.nForwarded.Add(1)
	m.forwarded.Add(ctx, 1)
}

func (m *metrics) recordCaptured(ctx context.Context) {
	m.nCaptured.Add(1)
	m.captured.Add(ctx, 1)
}

func (m *metrics) recordAcknowledged(n int) {
	if n <= 0 {
		return
	}
	m.nAcknowledged.Add(uint64(n))
	m.acknowledged.Add(context.Background(), int64(n))
}

func (m *metrics) recordDropped(n int) {
	if n <= 0 {
		return
	}
	m.nDropped.Add(uint64(n))
	m.dropped.Add(context.Background(), int64(n))
}

func (m *metrics) subscriberDelta(d int64) {
	m.nSubscribers.Add(d)
	m.subscribers.Add(context.Background(), d)
}

func (m *metrics) snapshot() Stats {
	return Stats{
		Forwarded:    m.nForwarded.Load(),
		Captured:     m.nCaptured.Load(),
		Acknowledged: m.nAcknowledged.Load(),
		Dropped:      m.nDropped.Load(),
		Subscribers:  m.nSubscribers.Load(),
	}
}
