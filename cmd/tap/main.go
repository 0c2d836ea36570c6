// tap subscribes to a relay's egress endpoint and prints every frame, or
// only those matching a CEL filter over text, data, size and json.
// Usage: go run ./cmd/tap --relay 127.0.0.1:5561 --filter 'text.startsWith("Wall/")'
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SWAI-Ltd/lakerelay/client"
	"github.com/SWAI-Ltd/lakerelay/internal/capture"
	"github.com/SWAI-Ltd/lakerelay/internal/digest"
	"github.com/SWAI-Ltd/lakerelay/internal/relay"
)

func main() {
	addr := pflag.StringP("relay", "r", relay.DefaultEgressAddr, "egress address (empty to discover over mDNS)")
	nodeID := pflag.String("id", "tap", "node id shown in relay logs")
	filter := pflag.StringP("filter", "f", "", "CEL expression; only matching frames are printed")
	count := pflag.IntP("count", "n", 0, "exit after this many printed frames (0 = forever)")
	digests := pflag.Bool("digest", false, "prefix each frame with its short BLAKE2b digest")
	buffer := pflag.Int("buffer", client.DefaultMessageBuffer, "receive buffer in frames")
	pflag.Parse()

	match := capture.All
	if *filter != "" {
		p, err := capture.Expr(*filter)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		match = p
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := client.NewSubscriber(ctx, client.Config{Addr: *addr, NodeID: *nodeID, MessageBuffer: *buffer})
	if err != nil {
		slog.Error("connect failed", "err", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("tapping", "relay", *addr, "filter", *filter)

	t := &tap{out: os.Stdout, match: match, digests: *digests, limit: *count}
	err = t.run(ctx, s.Messages())
	if err == nil {
		err = s.Err()
	}
	slog.Info("done", "seen", t.seen, "printed", t.printed)
	if err != nil {
		slog.Error("subscription ended", "err", err)
		os.Exit(1)
	}
}

type tap struct {
	out     io.Writer
	match   capture.Predicate
	digests bool
	limit   int

	seen    int
	printed int
}

// run prints matching frames until frames closes, ctx ends or the limit is
// reached.
func (t *tap) run(ctx context.Context, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			t.seen++
			if !t.match(f) {
				continue
			}
			if t.digests {
				fmt.Fprintf(t.out, "%s %s\n", digest.Of(f).Short(), f)
			} else {
				fmt.Fprintf(t.out, "%s\n", f)
			}
			t.printed++
			if t.limit > 0 && t.printed >= t.limit {
				return nil
			}
		}
	}
}
