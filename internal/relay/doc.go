// Package relay implements the event relay: frames pushed by a monitored
// process to the ingress endpoint are rebroadcast verbatim on the egress
// endpoint, and frames accepted by the capture gate and rule are kept in a
// backlog ledger until the controlling process acknowledges them.
//
// A single loop goroutine moves frames from ingress to egress, so egress
// observers and the ledger both see frames in ingress receipt order. The
// ledger lock is taken only around the append or removal, never across
// network I/O.
//
//	r, err := relay.New(relay.WithCapture(capture.Default()))
//	if err != nil { ... }
//	if err := r.Start(ctx); err != nil { ... }
//	defer r.Stop()
//	e, err := r.Await(ctx, capture.RequirePrefix("Wall/bbtest"))
//	r.AcknowledgeID(e.ID)
package relay
