package mailbox

import (
	"github.com/google/btree"

	"citm/msgstore"
)

// Dir returns the maildir root this mailbox is rooted at, so a Dn can
// open a Filled message's content file directly for FETCH.
func (m *Mailbox) Dir() string {
	return m.dir
}

// Name returns the mailbox name Open was called with.
func (m *Mailbox) Name() string {
	return m.name
}

// VisibleSnapshot returns every currently visible (Filled, UIDDn != 0)
// message, for a newly-SELECTing Dn to seed its msgstore.View.
func (m *Mailbox) VisibleSnapshot() []msgstore.Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]msgstore.Msg, 0, len(m.msgs))
	for _, msg := range m.msgs {
		if msg.State == msgstore.Filled && msg.UIDDn != 0 {
			out = append(out, *msg)
		}
	}
	return out
}

// HimodseqDnCommitted returns the mailbox's current downstream
// high-modseq, for a SELECT's HIGHESTMODSEQ response code.
func (m *Mailbox) HimodseqDnCommitted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.himodseqDn
}

// UIDNextDn returns the UIDDn that will be assigned to the next
// message a Dn sees filled, for a SELECT's UIDNEXT response code.
func (m *Mailbox) UIDNextDn() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextUIDDnLocked()
}

// UpdatesSince returns every NEW/META/EXPUNGE event with modseq_dn
// strictly greater than since, in modseq order, for a reselecting or
// QRESYNC-equivalent Dn to catch up without a full resync.
func (m *Mailbox) UpdatesSince(since uint64) []msgstore.Update {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []msgstore.Update
	m.mods.AscendGreaterOrEqual(modEntry{modSeq: since + 1}, func(item btree.Item) bool {
		e := item.(modEntry)
		if e.expunge {
			if exp, ok := m.expunges[e.key]; ok {
				out = append(out, msgstore.Update{Kind: msgstore.UpdateExpungeKind, Expunge: *exp})
			}
			return true
		}
		if msg, ok := m.msgs[e.key]; ok {
			kind := msgstore.UpdateMeta
			out = append(out, msgstore.Update{Kind: kind, Msg: *msg})
		}
		return true
	})
	return out
}
