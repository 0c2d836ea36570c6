package relay_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/lakerelay/client"
	"github.com/SWAI-Ltd/lakerelay/internal/capture"
	"github.com/SWAI-Ltd/lakerelay/internal/relay"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, opts ...relay.Option) *relay.Relay {
	t.Helper()
	opts = append([]relay.Option{
		relay.WithIngressAddr("127.0.0.1:0"),
		relay.WithEgressAddr("127.0.0.1:0"),
		relay.WithLogger(quietLogger()),
	}, opts...)
	r, err := relay.New(opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(testCtx(t)))
	t.Cleanup(func() { r.Stop() })
	return r
}

func subscribe(t *testing.T, r *relay.Relay) *client.Subscriber {
	t.Helper()
	s, err := client.NewSubscriber(testCtx(t), client.Config{Addr: r.EgressAddr(), NodeID: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func produce(t *testing.T, r *relay.Relay) *client.Producer {
	t.Helper()
	p, err := client.NewProducer(testCtx(t), client.Config{Addr: r.IngressAddr(), NodeID: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func receive(t *testing.T, s *client.Subscriber, n int) []string {
	t.Helper()
	ctx := testCtx(t)
	out := make([]string, 0, n)
	for len(out) < n {
		f, err := s.Next(ctx)
		require.NoError(t, err, "received %d of %d frames", len(out), n)
		out = append(out, string(f))
	}
	return out
}

func awaitFrame(t *testing.T, r *relay.Relay, frame string) relay.Entry {
	t.Helper()
	e, err := r.Await(testCtx(t), capture.Equal([]byte(frame)))
	require.NoError(t, err, "frame %q never captured", frame)
	return e
}

func backlog(r *relay.Relay) []string {
	var out []string
	for _, m := range r.Backlog() {
		out = append(out, m.String())
	}
	return out
}

func TestTerminalFramesAreForwardedButNotCaptured(t *testing.T) {
	r := startRelay(t)
	sub := subscribe(t, r)
	p := produce(t, r)

	require.NoError(t, p.PushString(`{"id":1}`))
	require.NoError(t, p.PushString(`{"id":2}]`))

	assert.Equal(t, []string{`{"id":1}`, `{"id":2}]`}, receive(t, sub, 2))
	awaitFrame(t, r, `{"id":1}`)
	assert.Equal(t, []string{`{"id":1}`}, backlog(r))
}

func TestSilencedFramesAreForwardedButNotCaptured(t *testing.T) {
	r := startRelay(t)
	sub := subscribe(t, r)
	p := produce(t, r)

	r.Silence()
	assert.False(t, r.Capturing())
	for _, f := range []string{"one", "two", "three"} {
		require.NoError(t, p.PushString(f))
	}
	assert.Equal(t, []string{"one", "two", "three"}, receive(t, sub, 3))

	r.Clear()
	assert.True(t, r.Capturing())
	require.NoError(t, p.PushString("four"))
	assert.Equal(t, []string{"four"}, receive(t, sub, 1))

	awaitFrame(t, r, "four")
	assert.Equal(t, []string{"four"}, backlog(r))
	assert.Equal(t, uint64(4), r.Entries()[0].Seq)
}

func TestStartWithCaptureClosed(t *testing.T) {
	r := startRelay(t, relay.WithCaptureClosed())
	sub := subscribe(t, r)
	p := produce(t, r)

	require.NoError(t, p.PushString("ignored"))
	receive(t, sub, 1)
	assert.Empty(t, backlog(r))
}

func TestStopWithoutStart(t *testing.T) {
	r, err := relay.New(
		relay.WithIngressAddr("127.0.0.1:0"),
		relay.WithEgressAddr("127.0.0.1:0"),
		relay.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.Empty(t, r.IngressAddr())

	// Stop had no effect: the relay can still be started.
	require.NoError(t, r.Start(testCtx(t)))
	require.NoError(t, r.Stop())
}

func TestStopIsIdempotent(t *testing.T) {
	r := startRelay(t)
	sub := subscribe(t, r)

	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, r.Err())
	assert.Empty(t, r.IngressAddr())
	assert.Empty(t, r.EgressAddr())

	// The subscriber sees the relay go away and nothing else.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "subscriber not disconnected by Stop")
}

func TestConcurrentStopReturnsAfterRelease(t *testing.T) {
	r := startRelay(t)
	subscribe(t, r)
	addrs := []string{r.IngressAddr(), r.EgressAddr()}

	var (
		wg      sync.WaitGroup
		once    sync.Once
		bindErr error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Stop())
			// Whichever Stop returns first, both ports are free by then.
			once.Do(func() {
				for _, addr := range addrs {
					pc, err := net.ListenPacket("udp", addr)
					if err != nil {
						bindErr = err
						return
					}
					pc.Close()
				}
			})
		}()
	}
	wg.Wait()
	assert.NoError(t, bindErr)
}

func TestLifecycleIsSingleUse(t *testing.T) {
	r := startRelay(t)
	assert.ErrorIs(t, r.Start(testCtx(t)), relay.ErrAlreadyStarted)

	require.NoError(t, r.Stop())
	assert.ErrorIs(t, r.Start(testCtx(t)), relay.ErrStopped)
	assert.ErrorIs(t, r.Send("late"), relay.ErrNotRunning)
}

func TestBindFailureLeavesRelayUnstarted(t *testing.T) {
	blocker, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	r, err := relay.New(
		relay.WithIngressAddr("127.0.0.1:0"),
		relay.WithEgressAddr(blocker.LocalAddr().String()),
		relay.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	err = r.Start(testCtx(t))
	require.ErrorContains(t, err, "bind egress")
	assert.Empty(t, r.IngressAddr())
	require.NoError(t, r.Stop())

	require.NoError(t, blocker.Close())
	require.NoError(t, r.Start(testCtx(t)))
	require.NoError(t, r.Stop())
}

func TestSendBypassesIngressAndLedger(t *testing.T) {
	r, err := relay.New(relay.WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.ErrorIs(t, r.Send("early"), relay.ErrNotRunning)

	r = startRelay(t, relay.WithPredicate(capture.All))
	sub := subscribe(t, r)

	require.NoError(t, r.Send("control:reset"))
	assert.Equal(t, []string{"control:reset"}, receive(t, sub, 1))
	assert.Empty(t, backlog(r))
	assert.Zero(t, r.Stats().Forwarded)
}

func TestAcknowledgeDuringCapture(t *testing.T) {
	r := startRelay(t)
	p := produce(t, r)

	require.NoError(t, p.PushString("M"))
	awaitFrame(t, r, "M")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Acknowledge([]byte("M"))
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			assert.NoError(t, p.PushString(fmt.Sprintf("other-%d", i)))
		}
	}()
	wg.Wait()
	awaitFrame(t, r, "other-9")

	got := backlog(r)
	assert.Len(t, got, 10)
	assert.NotContains(t, got, "M")
	assert.Equal(t, uint64(1), r.Stats().Acknowledged)
}

func TestAcknowledgeDuplicates(t *testing.T) {
	r := startRelay(t)
	p := produce(t, r)

	for _, f := range []string{"dup", "x", "dup", "dup"} {
		require.NoError(t, p.PushString(f))
	}
	awaitFrame(t, r, "x")
	require.Eventually(t, func() bool { return len(r.Entries()) == 4 }, 10*time.Second, 5*time.Millisecond)

	first := r.Entries()[0]
	assert.True(t, r.AcknowledgeID(first.ID))
	assert.Equal(t, []string{"x", "dup", "dup"}, backlog(r))

	assert.Equal(t, 2, r.Acknowledge([]byte("dup")))
	assert.Equal(t, 0, r.Acknowledge([]byte("dup")))
	assert.Equal(t, []string{"x"}, backlog(r))

	assert.Equal(t, 1, r.AcknowledgeFunc(capture.All))
	assert.Empty(t, backlog(r))
}

func TestFanInAndFanOut(t *testing.T) {
	r := startRelay(t, relay.WithPredicate(capture.All))
	subs := []*client.Subscriber{subscribe(t, r), subscribe(t, r)}
	require.Equal(t, int64(2), r.Stats().Subscribers)

	const producers, perProducer = 3, 20
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		p := produce(t, r)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				assert.NoError(t, p.PushString(fmt.Sprintf("p%d-%02d", i, j)))
			}
		}(i)
	}
	wg.Wait()

	first := receive(t, subs[0], producers*perProducer)
	second := receive(t, subs[1], producers*perProducer)
	assert.Equal(t, first, second, "every subscriber sees the same sequence")

	// Each producer's frames keep their relative order.
	next := make(map[byte]int)
	for _, f := range first {
		id := f[1]
		assert.Equal(t, fmt.Sprintf("p%c-%02d", id, next[id]), f)
		next[id]++
	}

	require.Eventually(t, func() bool {
		return len(r.Backlog()) == producers*perProducer
	}, 10*time.Second, 5*time.Millisecond)
	assert.Equal(t, first, backlog(r), "ledger keeps egress order")
}

func TestAwaitWithPrefixRule(t *testing.T) {
	r := startRelay(t, relay.WithCapture(capture.Combine(
		capture.Default(),
		capture.Named("bbtest", capture.RequirePrefix("Wall/bbtest")),
	)))
	p := produce(t, r)

	require.NoError(t, p.PushString("req1 token TN"))
	require.NoError(t, p.PushString("Wall/bbtest FioUnit/t1 req1 token TN"))

	e, err := r.Await(testCtx(t), capture.RequirePrefix("Wall/bbtest"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
	assert.Len(t, r.Entries(), 1)
}

func TestProducerRejectedOnEgress(t *testing.T) {
	r := startRelay(t)
	_, err := client.NewProducer(testCtx(t), client.Config{Addr: r.EgressAddr()})
	assert.ErrorContains(t, err, "accepts subscriber peers")
}

func TestStats(t *testing.T) {
	r := startRelay(t)
	sub := subscribe(t, r)
	p := produce(t, r)

	require.NoError(t, p.PushString("a"))
	require.NoError(t, p.PushString("b]"))
	receive(t, sub, 2)
	awaitFrame(t, r, "a")

	require.Eventually(t, func() bool { return r.Stats().Forwarded == 2 }, 5*time.Second, time.Millisecond)
	s := r.Stats()
	assert.Equal(t, uint64(1), s.Captured)
	assert.Equal(t, 1, s.Backlog)
	assert.Equal(t, int64(1), s.Subscribers)

	in, out := r.Ports()
	assert.NotZero(t, in)
	assert.NotZero(t, out)
	assert.NotEqual(t, in, out)
}
