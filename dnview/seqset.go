package dnview

import (
	"citm/imap/imapparser"
	"citm/msgstore"
)

// resolveLocked returns every message in the current view matched by
// seqs, interpreted either as sequence numbers or UIDs (uid_dn); a
// Max of 0 in any range stands for '*', the view's last entry. Caller
// holds d.mu.
func (d *Dn) resolveLocked(seqs []imapparser.SeqRange, byUID bool) []msgstore.Msg {
	if d.view == nil {
		return nil
	}
	entries := d.view.All()
	var out []msgstore.Msg
	if byUID {
		maxUID := d.view.MaxUIDDn()
		for _, msg := range entries {
			if uidInRanges(msg.UIDDn, seqs, maxUID) {
				out = append(out, msg)
			}
		}
		return out
	}
	maxSeq := uint32(len(entries))
	for i, msg := range entries {
		seq := uint32(i + 1)
		if uidInRanges(seq, seqs, maxSeq) {
			out = append(out, msg)
		}
	}
	return out
}

func uidInRanges(v uint32, ranges []imapparser.SeqRange, star uint32) bool {
	for _, r := range ranges {
		lo, hi := r.Min, r.Max
		if hi == 0 {
			hi = star
		}
		if lo == 0 {
			lo = star
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if v >= lo && v <= hi {
			return true
		}
	}
	return false
}
