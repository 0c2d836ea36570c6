// push sends frames to a relay's ingress endpoint, one per argument or, with
// no arguments, one per line of stdin.
// Usage: go run ./cmd/push --relay 127.0.0.1:5562 '{"id":1}' '{"id":2}]'
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SWAI-Ltd/lakerelay/client"
	"github.com/SWAI-Ltd/lakerelay/internal/relay"
)

func main() {
	addr := pflag.StringP("relay", "r", relay.DefaultIngressAddr, "ingress address (empty to discover over mDNS)")
	nodeID := pflag.String("id", "push", "node id shown in relay logs")
	verbose := pflag.BoolP("verbose", "v", false, "log each frame")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, err := client.NewProducer(ctx, client.Config{Addr: *addr, NodeID: *nodeID})
	if err != nil {
		slog.Error("connect failed", "err", err)
		os.Exit(1)
	}

	var n int
	if pflag.NArg() > 0 {
		n, err = pushAll(p, pflag.Args())
	} else {
		n, err = pushLines(ctx, p, os.Stdin)
	}
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("push failed", "err", err, "pushed", n)
		os.Exit(1)
	}
	slog.Info("done", "pushed", n)
}

type pusher interface {
	Push(frame []byte) error
}

func pushAll(p pusher, frames []string) (int, error) {
	for i, f := range frames {
		if err := p.Push([]byte(f)); err != nil {
			return i, fmt.Errorf("frame %d: %w", i, err)
		}
		slog.Debug("pushed", "frame", f)
	}
	return len(frames), nil
}

func pushLines(ctx context.Context, p pusher, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := p.Push(sc.Bytes()); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		slog.Debug("pushed", "frame", sc.Text())
		n++
	}
	return n, sc.Err()
}
