package relay

import "sync/atomic"

// Gate controls whether forwarded frames are also captured. The zero Gate
// is open. Closing the gate never stops forwarding.
type Gate struct {
	silenced atomic.Bool
}

// Open enables capture.
func (g *Gate) Open() { g.silenced.Store(false) }

// Close disables capture.
func (g *Gate) Close() { g.silenced.Store(true) }

// IsOpen reports whether frames are currently captured.
func (g *Gate) IsOpen() bool { return !g.silenced.Load() }
