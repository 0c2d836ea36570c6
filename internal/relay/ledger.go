package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.jetify.com/typeid/v2"

	"github.com/SWAI-Ltd/lakerelay/internal/capture"
	"github.com/SWAI-Ltd/lakerelay/internal/digest"
)

// EntryPrefix is the TypeID prefix of ledger entry IDs.
const EntryPrefix = "frm"

// Entry is a captured frame awaiting acknowledgement.
type Entry struct {
	// ID uniquely identifies this capture, even among byte-equal frames.
	ID string
	// Seq is the frame's receipt number on ingress, starting at 1. Gaps
	// are frames that were forwarded but not captured.
	Seq uint64
	// Message is the frame as received. It must not be modified.
	Message Message
	// Digest is the BLAKE2b-256 fingerprint of Message.
	Digest digest.Sum
	// CapturedAt is when the frame entered the ledger.
	CapturedAt time.Time
}

// NewEntryID returns a fresh entry ID.
func NewEntryID() string {
	tid, err := typeid.Generate(EntryPrefix)
	if err != nil {
		panic(fmt.Sprintf("relay: invalid entry prefix %q: %v", EntryPrefix, err))
	}
	return tid.String()
}

// ParseEntryID validates s as an entry ID.
func ParseEntryID(s string) (string, error) {
	tid, err := typeid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("relay: parse entry id %q: %w", s, err)
	}
	if tid.Prefix() != EntryPrefix {
		return "", fmt.Errorf("relay: entry id %q: expected prefix %q, got %q", s, EntryPrefix, tid.Prefix())
	}
	return tid.String(), nil
}

// Ledger is the ordered backlog of captured, unacknowledged frames.
//
// One mutex guards appends, acknowledgements and reads. It is held only
// for the slice operation itself; callers never do I/O under it.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
	// changed is closed and replaced on every append so Await callers can
	// wait without polling.
	changed chan struct{}
	now     func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{changed: make(chan struct{}), now: time.Now}
}

// Append adds msg at the end of the backlog and wakes any waiters.
func (l *Ledger) Append(msg Message, seq uint64) Entry {
	e := Entry{
		ID:      NewEntryID(),
		Seq:     seq,
		Message: msg,
		Digest:  digest.Of(msg),
	}
	l.mu.Lock()
	e.CapturedAt = l.now()
	l.entries = append(l.entries, e)
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
	return e
}

// Acknowledge removes every entry whose bytes equal msg and returns how
// many were removed. Acknowledging an absent frame is a no-op.
func (l *Ledger) Acknowledge(msg []byte) int {
	return l.AcknowledgeFunc(capture.Equal(msg))
}

// AcknowledgeFunc removes every entry whose frame satisfies match.
func (l *Ledger) AcknowledgeFunc(match capture.Predicate) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(e *Entry) bool { return match(e.Message) })
}

// AcknowledgeID removes the single entry with the given ID. It reports
// whether an entry was removed.
func (l *Ledger) AcknowledgeID(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(func(e *Entry) bool { return e.ID == id }) > 0
}

// Reset drops the whole backlog and returns how many entries it held.
func (l *Ledger) Reset() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	clear(l.entries)
	l.entries = l.entries[:0]
	return n
}

func (l *Ledger) removeLocked(drop func(*Entry) bool) int {
	kept := l.entries[:0]
	for i := range l.entries {
		if !drop(&l.entries[i]) {
			kept = append(kept, l.entries[i])
		}
	}
	removed := len(l.entries) - len(kept)
	clear(l.entries[len(kept):])
	l.entries = kept
	return removed
}

// Len returns the number of unacknowledged entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of the backlog in capture order.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Messages returns copies of the backlog frames in capture order.
func (l *Ledger) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Message.Clone()
	}
	return out
}

// Contains reports whether a byte-equal frame is in the backlog.
func (l *Ledger) Contains(msg []byte) bool {
	_, ok := l.find(capture.Equal(msg))
	return ok
}

func (l *Ledger) find(match capture.Predicate) (Entry, bool) {
	e, ok, _ := l.findOrWait(match)
	return e, ok
}

func (l *Ledger) findOrWait(match capture.Predicate) (Entry, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if match(e.Message) {
			return e, true, nil
		}
	}
	return Entry{}, false, l.changed
}

// Await blocks until an entry satisfying match is in the backlog and
// returns the oldest such entry. It returns ctx.Err() if ctx ends first.
func (l *Ledger) Await(ctx context.Context, match capture.Predicate) (Entry, error) {
	for {
		e, ok, changed := l.findOrWait(match)
		if ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-changed:
		}
	}
}
