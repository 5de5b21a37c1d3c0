package dnview

import (
	"strconv"

	"citm/msgstore"
)

// Drain converts every update queued for this Dn into the untagged
// response lines a citmserver IDLE loop (or a just-finished tagged
// command) should push before its next tagged completion: EXPUNGEs
// first in descending sequence order (so a client's own numbering
// stays valid as later lines are applied), then unsolicited FETCH
// (FLAGS) for changed messages still visible, then a single EXISTS
// carrying the final count if the view grew (spec.md §4.5/§4.6).
func (d *Dn) Drain() []string {
	events := d.drainAvailableWithSeq()

	var expungeLines, fetchLines []string
	grew := false

	for _, e := range events {
		switch e.Kind {
		case msgstore.UpdateExpungeKind:
			expungeLines = append(expungeLines, "* "+strconv.Itoa(e.Seq)+" EXPUNGE")
		case msgstore.UpdateNew:
			grew = true
		case msgstore.UpdateMeta:
			fetchLines = append(fetchLines, "* "+strconv.Itoa(e.Seq)+" FETCH (FLAGS ("+flagsToIMAP(e.Msg.Flags)+") UID "+strconv.FormatUint(uint64(e.Msg.UIDDn), 10)+")")
		}
	}

	var out []string
	out = append(out, expungeLines...)
	out = append(out, fetchLines...)
	if grew {
		d.mu.Lock()
		n := 0
		if d.view != nil {
			n = d.view.Len()
		}
		d.mu.Unlock()
		out = append(out, "* "+strconv.Itoa(n)+" EXISTS")
	}
	return out
}

type drainedEvent struct {
	msgstore.Update
	Seq int
}

// drainAvailableWithSeq is drainAvailable's unsolicited-response
// counterpart: it records the sequence number each update had at the
// moment it was applied to the view (post-insert for NEW/META,
// pre-removal for EXPUNGE), since that is the number a client watching
// untagged responses would compute too.
func (d *Dn) drainAvailableWithSeq() []drainedEvent {
	var out []drainedEvent
	for {
		u, ok := d.popPending()
		if !ok {
			return out
		}
		if u.Kind == msgstore.UpdateSync {
			continue
		}
		seq := d.applyToViewWithSeq(u)
		out = append(out, drainedEvent{Update: u, Seq: seq})
	}
}

func (d *Dn) applyToViewWithSeq(u msgstore.Update) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return 0
	}
	switch u.Kind {
	case msgstore.UpdateNew, msgstore.UpdateMeta:
		if u.Msg.UIDDn == 0 {
			return 0
		}
		d.view.Insert(u.Msg)
		seq, _ := d.view.SeqNum(u.Msg.UIDDn)
		return seq
	case msgstore.UpdateExpungeKind:
		seq, _ := d.view.Remove(u.Expunge.UIDDn)
		return seq
	}
	return 0
}
