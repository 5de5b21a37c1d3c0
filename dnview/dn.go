// Package dnview implements Dn, one downward client's live view of a
// mailbox: the SELECT sequence, SEARCH/FETCH/STORE/EXPUNGE/COPY
// operations, and the queue of unsolicited updates a Dn drains during
// IDLE or before its next tagged response (spec.md §4.5).
package dnview

import (
	"sync"

	"citm/mailbox"
	"citm/msgstore"
)

// Dn is one client session's mailbox accessor. It owns a private
// msgstore.View (sequence numbers are this Dn's own, independent of
// any other Dn watching the same mailbox) and a queue of updates
// delivered asynchronously by the mailbox's dispatch.
type Dn struct {
	mbox *mailbox.Mailbox

	mu         sync.Mutex
	view       *msgstore.View
	readOnly   bool
	condstore  bool
	himodseqDn uint64 // highest modseq this Dn has observed
	pending    []msgstore.Update
	closed     bool
}

// Open binds a new Dn to mbox, registering it as the mailbox's DnSink
// so concurrent NEW/META/EXPUNGE updates queue for later draining.
// The Dn is not usable for FETCH/STORE/SEARCH until Select is called.
func Open(mbox *mailbox.Mailbox) *Dn {
	d := &Dn{mbox: mbox}
	mbox.RegisterDn(d)
	return d
}

// Close unregisters this Dn from its mailbox. Callers are responsible
// for any \Deleted flush (spec.md §4.5's CLOSE/LOGOUT behavior) before
// calling Close.
func (d *Dn) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.mbox.UnregisterDn(d)
}

// Deliver implements mailbox.DnSink: the mailbox's dispatch calls this
// for every NEW/META/EXPUNGE/SYNC event, from whichever goroutine
// applied the triggering UpdateReq. Events queue until the next Drain.
func (d *Dn) Deliver(u msgstore.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = append(d.pending, u)
}

// HasPending reports whether an update is queued, for a citmserver
// IDLE loop deciding whether to break out and push it.
func (d *Dn) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

// View returns this Dn's current view, for read-only inspection by
// callers building response text outside the package (e.g. sfpair
// permission checks against sequence numbers).
func (d *Dn) View() *msgstore.View {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// ReadOnly reports whether this Dn's mailbox was opened with EXAMINE
// (or SELECT against a permission-denied mailbox).
func (d *Dn) ReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readOnly
}
