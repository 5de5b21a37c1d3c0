package msgstore

import "sort"

// View is a downstream client's stable snapshot of a mailbox: the
// subset of live (Filled/visible) messages ordered by UIDDn ascending.
// Sequence number is index+1 in that order (spec.md §3 "View").
type View struct {
	entries []Msg
}

// NewView builds a View from a snapshot of visible messages. Callers
// pass only messages with UIDDn != 0 (visible downstream).
func NewView(msgs []Msg) *View {
	sorted := make([]Msg, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UIDDn < sorted[j].UIDDn })
	return &View{entries: sorted}
}

func (v *View) Len() int { return len(v.entries) }

// SeqNum returns the 1-based sequence number of uidDn in this view, or
// ok=false if it is not present.
func (v *View) SeqNum(uidDn uint32) (seq int, ok bool) {
	i := sort.Search(len(v.entries), func(i int) bool { return v.entries[i].UIDDn >= uidDn })
	if i < len(v.entries) && v.entries[i].UIDDn == uidDn {
		return i + 1, true
	}
	return 0, false
}

// At returns the message at 1-based sequence number seq.
func (v *View) At(seq int) (Msg, bool) {
	if seq < 1 || seq > len(v.entries) {
		return Msg{}, false
	}
	return v.entries[seq-1], true
}

// MaxUIDDn returns the view's highest UIDDn, used to resolve the IMAP
// '*' placeholder in UID sequence sets.
func (v *View) MaxUIDDn() uint32 {
	if len(v.entries) == 0 {
		return 0
	}
	return v.entries[len(v.entries)-1].UIDDn
}

// All returns the view's entries in ascending UIDDn order.
func (v *View) All() []Msg {
	return v.entries
}

// Insert adds or replaces the entry for m.Key's UIDDn, preserving
// order. Used when a Dn applies a NEW or META update to its own view.
func (v *View) Insert(m Msg) {
	i := sort.Search(len(v.entries), func(i int) bool { return v.entries[i].UIDDn >= m.UIDDn })
	if i < len(v.entries) && v.entries[i].UIDDn == m.UIDDn {
		v.entries[i] = m
		return
	}
	v.entries = append(v.entries, Msg{})
	copy(v.entries[i+1:], v.entries[i:])
	v.entries[i] = m
}

// Remove deletes the entry for uidDn, returning its former sequence
// number (for EXPUNGE response emission).
func (v *View) Remove(uidDn uint32) (seq int, ok bool) {
	seq, ok = v.SeqNum(uidDn)
	if !ok {
		return 0, false
	}
	v.entries = append(v.entries[:seq-1], v.entries[seq:]...)
	return seq, true
}
