package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/SWAI-Ltd/lakerelay/internal/relay"
)

const adminHelp = "commands: send <text> | ack <text> | ackid <id> | silence | clear | list | reset | help"

// serveAdmin reads one command per line from in and writes one reply per
// command to out. It returns when in is exhausted or ctx ends.
func serveAdmin(ctx context.Context, r *relay.Relay, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if reply := adminCommand(r, line); reply != "" {
				fmt.Fprintln(out, reply)
			}
		}
	}
}

func adminCommand(r *relay.Relay, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "send":
		if err := r.Send(arg); err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	case "ack":
		return fmt.Sprintf("acknowledged %d", r.Acknowledge([]byte(arg)))
	case "ackid":
		id, err := relay.ParseEntryID(strings.TrimSpace(arg))
		if err != nil {
			return "error: " + err.Error()
		}
		if !r.AcknowledgeID(id) {
			return "error: no entry " + id
		}
		return "acknowledged 1"
	case "silence":
		r.Silence()
		return "capture disabled"
	case "clear":
		r.Clear()
		return "capture enabled"
	case "list":
		var b strings.Builder
		entries := r.Entries()
		fmt.Fprintf(&b, "backlog %d", len(entries))
		for _, e := range entries {
			fmt.Fprintf(&b, "\n%s %d %s", e.ID, e.Seq, e.Message)
		}
		return b.String()
	case "reset":
		return fmt.Sprintf("reset %d", r.Reset())
	case "help":
		return adminHelp
	}
	return "error: unknown command " + cmd + "; " + adminHelp
}
