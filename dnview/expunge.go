package dnview

import (
	"sort"

	"citm/imap/imapparser"
	"citm/msgstore"
)

// ExpungeResult is one removed message's pre-expunge sequence number,
// for the unsolicited "* n EXPUNGE" citmserver writes back.
type ExpungeResult struct {
	SeqNum uint32
	UIDDn  uint32
}

// Expunge removes every \Deleted message (UID EXPUNGE restricts that
// to the given seqs first) and returns them in descending sequence
// order, the order RFC 3501 requires EXPUNGE responses to be sent in
// so a client's own sequence-number bookkeeping stays consistent.
func (d *Dn) Expunge(seqs []imapparser.SeqRange, restrictToUIDs bool) ([]ExpungeResult, error) {
	d.mu.Lock()
	if d.view == nil {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "EXPUNGE before SELECT")
	}
	if d.readOnly {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "mailbox is read-only")
	}
	var candidates []msgstore.Msg
	if restrictToUIDs {
		candidates = d.resolveLocked(seqs, true)
	} else {
		candidates = d.view.All()
	}
	d.mu.Unlock()

	preSeq := make(map[msgstore.MsgKey]uint32, len(candidates))
	var keys []msgstore.MsgKey
	for _, m := range candidates {
		if !m.Flags.Deleted {
			continue
		}
		keys = append(keys, m.Key)
		preSeq[m.Key] = uint32(seqNumOf(d, m))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	reqErr := d.mbox.ApplyUpdateReq(d, msgstore.UpdateReq{Kind: msgstore.ReqExpunge, ExpungeKeys: keys})
	events, drainErr := d.drainPendingThroughSync()
	if reqErr != nil {
		return nil, reqErr
	}
	if drainErr != nil {
		return nil, drainErr
	}

	wanted := make(map[msgstore.MsgKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	var out []ExpungeResult
	for _, u := range events {
		if u.Kind != msgstore.UpdateExpungeKind || !wanted[u.Expunge.Key] {
			continue
		}
		out = append(out, ExpungeResult{SeqNum: preSeq[u.Expunge.Key], UIDDn: u.Expunge.UIDDn})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SeqNum > out[j].SeqNum })
	return out, nil
}
