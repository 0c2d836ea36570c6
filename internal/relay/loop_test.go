package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/lakerelay/internal/capture"
)

type fakeSource struct {
	frames chan Message
	done   chan struct{}
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan Message), done: make(chan struct{})}
}

func (s *fakeSource) Frames() <-chan Message { return s.frames }
func (s *fakeSource) Done() <-chan struct{}  { return s.done }
func (s *fakeSource) Err() error             { return s.err }

func (s *fakeSource) fail(err error) {
	s.err = err
	close(s.done)
}

type fakeSink struct {
	mu   sync.Mutex
	got  []Message
	err  error
	seen chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{seen: make(chan struct{}, 1024)}
}

func (s *fakeSink) Broadcast(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, msg)
	s.seen <- struct{}{}
	return nil
}

func (s *fakeSink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.got...)
}

func (s *fakeSink) waitFor(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for len(s.messages()) < n {
		select {
		case <-s.seen:
		case <-timeout:
			t.Fatalf("sink saw %d frames, want %d", len(s.messages()), n)
		}
	}
}

type loopHarness struct {
	loop   *loop
	src    *fakeSource
	dst    *fakeSink
	ledger *Ledger
	gate   *Gate
	cancel context.CancelFunc
	result chan error
}

func startLoop(t *testing.T, rule capture.Rule) *loopHarness {
	t.Helper()
	m, err := newMetrics(nil)
	require.NoError(t, err)
	h := &loopHarness{
		src:    newFakeSource(),
		dst:    newFakeSink(),
		ledger: NewLedger(),
		gate:   &Gate{},
		result: make(chan error, 1),
	}
	h.loop = &loop{
		src:     h.src,
		dst:     h.dst,
		gate:    h.gate,
		rule:    rule,
		ledger:  h.ledger,
		metrics: m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.loop.run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *loopHarness) awaitEntry(t *testing.T, frame string) Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := h.ledger.Await(ctx, capture.Equal([]byte(frame)))
	require.NoError(t, err, "frame %q never captured", frame)
	return e
}

func (h *loopHarness) push(frames ...string) {
	for _, f := range frames {
		h.src.frames <- Message(f)
	}
}

func (h *loopHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
		return nil
	}
}

func TestLoopForwardsInOrderAndCapturesEligible(t *testing.T) {
	h := startLoop(t, capture.Default())

	h.push(`{"id":1}`, `{"id":2}]`)
	h.dst.waitFor(t, 2)

	assert.Equal(t, messages(`{"id":1}`, `{"id":2}]`), h.dst.messages())
	assert.Equal(t, messages(`{"id":1}`), h.ledger.Messages())
	assert.Equal(t, uint64(1), h.ledger.Snapshot()[0].Seq)
	require.Eventually(t, func() bool {
		return h.loop.metrics.nForwarded.Load() == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), h.loop.metrics.nCaptured.Load())
}

func TestLoopGateAffectsOnlyLaterFrames(t *testing.T) {
	h := startLoop(t, capture.Default())

	h.gate.Close()
	h.push("a", "b", "c")
	h.dst.waitFor(t, 3)
	h.gate.Open()
	h.push("d")
	h.dst.waitFor(t, 4)
	h.awaitEntry(t, "d")

	assert.Equal(t, messages("a", "b", "c", "d"), h.dst.messages())
	entries := h.ledger.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "d", entries[0].Message.String())
	assert.Equal(t, uint64(4), entries[0].Seq)
}

func TestLoopOrderPreservation(t *testing.T) {
	h := startLoop(t, capture.Named("all", capture.All))

	var want []Message
	for i := 0; i < 500; i++ {
		want = append(want, Message(fmt.Sprintf("frame-%03d", i)))
	}
	go func() {
		for _, m := range want {
			h.src.frames <- m
		}
	}()
	h.dst.waitFor(t, len(want))
	h.awaitEntry(t, "frame-499")

	assert.Equal(t, want, h.dst.messages())
	assert.Equal(t, want, h.ledger.Messages())
}

func TestLoopStopsOnCancel(t *testing.T) {
	h := startLoop(t, capture.Default())
	h.push("a")
	h.dst.waitFor(t, 1)

	h.cancel()
	assert.NoError(t, h.wait(t))
}

func TestLoopTerminatesWhenSourceFails(t *testing.T) {
	h := startLoop(t, capture.Default())

	cause := errors.New("socket gone")
	h.src.fail(cause)

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrIngressClosed)
	assert.ErrorIs(t, err, cause)
}

func TestLoopTerminatesWhenSinkFails(t *testing.T) {
	h := startLoop(t, capture.Default())
	h.dst.mu.Lock()
	h.dst.err = ErrEgressClosed
	h.dst.mu.Unlock()

	h.src.frames <- Message("lost")

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrEgressClosed)
	assert.Equal(t, 0, h.ledger.Len(), "a frame that was not forwarded must not be captured")
}

func TestLoopAcknowledgeDuringCapture(t *testing.T) {
	h := startLoop(t, capture.Default())
	h.push("M")
	h.awaitEntry(t, "M")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.ledger.Acknowledge([]byte("M"))
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			h.src.frames <- Message(fmt.Sprintf("other-%d", i))
		}
	}()
	wg.Wait()
	h.dst.waitFor(t, 11)
	h.awaitEntry(t, "other-9")

	assert.False(t, h.ledger.Contains([]byte("M")))
	assert.Equal(t, 10, h.ledger.Len())
}

func TestLoopDrainsQueuedFramesWhenSourceFails(t *testing.T) {
	m, err := newMetrics(nil)
	require.NoError(t, err)
	src := &fakeSource{frames: make(chan Message, 3), done: make(chan struct{})}
	for _, f := range []string{"a", "b]", "c"} {
		src.frames <- Message(f)
	}
	cause := errors.New("socket gone")
	src.fail(cause)

	dst := newFakeSink()
	l := &loop{
		src:     src,
		dst:     dst,
		gate:    &Gate{},
		rule:    capture.Default(),
		ledger:  NewLedger(),
		metrics: m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	err = l.run(context.Background())
	assert.ErrorIs(t, err, ErrIngressClosed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, messages("a", "b]", "c"), dst.messages())
	assert.Equal(t, messages("a", "c"), l.ledger.Messages())
}
