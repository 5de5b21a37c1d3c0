package dnview

import "citm/msgstore"

// SelectResult carries every field a SELECT/EXAMINE response needs;
// citmserver formats these into the untagged FLAGS/EXISTS/RECENT/OK
// lines and the tagged READ-ONLY/READ-WRITE completion.
type SelectResult struct {
	Flags          []string
	Exists         int
	Recent         int
	UnseenSeq      int // 0 if none
	UIDNext        uint32
	UIDValidityDn  uint32
	HighestModSeq  uint64
	ReadOnly       bool
	PermanentFlags []string
}

// systemFlags is the fixed flag vocabulary this cache tracks; keyword
// flags are never persisted (spec.md's log format only encodes
// ADFSX), so PERMANENTFLAGS never grows beyond this set plus \*.
var systemFlags = []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}

// Select (re-)establishes this Dn's view from the mailbox's current
// visible snapshot and resets its own sequence-number space. condstore
// requests modseq tracking (CONDSTORE-enabled SELECT or any QRESYNC
// SELECT); enabling it affects whether FETCH responses later carry
// MODSEQ unsolicited.
func (d *Dn) Select(readOnly, condstore bool) SelectResult {
	snapshot := d.mbox.VisibleSnapshot()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.view = msgstore.NewView(snapshot)
	d.readOnly = readOnly
	d.condstore = condstore
	d.pending = nil

	_, uidvldDn := d.mbox.UIDValidities()
	d.himodseqDn = d.mbox.HimodseqDnCommitted()

	unseenSeq := 0
	for i, msg := range d.view.All() {
		if !msg.Flags.Seen {
			unseenSeq = i + 1
			break
		}
	}

	return SelectResult{
		Flags:          systemFlags,
		Exists:         d.view.Len(),
		Recent:         0,
		UnseenSeq:      unseenSeq,
		UIDNext:        d.mbox.UIDNextDn(),
		UIDValidityDn:  uidvldDn,
		HighestModSeq:  d.himodseqDn,
		ReadOnly:       readOnly,
		PermanentFlags: systemFlags,
	}
}
