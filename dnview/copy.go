package dnview

import (
	"citm/imap/imapparser"
	"citm/msgstore"
)

// Copy requests every message seqs resolves to be duplicated into
// target. The duplicates start Unfilled and invisible (spec.md's
// Msg.UIDLocal lifetime): COPY's COPYUID response code, if the client
// negotiated UIDPLUS, is citmserver's job once Up reconciles the
// upstream APPEND this triggers — Copy itself only records local
// intent and returns the source UIDs COPYUID needs to echo back.
func (d *Dn) Copy(seqs []imapparser.SeqRange, byUID bool, target string) (srcUIDs []uint32, err error) {
	d.mu.Lock()
	if d.view == nil {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "COPY before SELECT")
	}
	if d.readOnly {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "mailbox is read-only")
	}
	matched := d.resolveLocked(seqs, byUID)
	d.mu.Unlock()

	if len(matched) == 0 {
		return nil, msgstore.NewError(msgstore.KindValue, "no messages matched for COPY")
	}

	keys := make([]msgstore.MsgKey, len(matched))
	srcUIDs = make([]uint32, len(matched))
	for i, m := range matched {
		keys[i] = m.Key
		srcUIDs[i] = m.UIDDn
	}

	reqErr := d.mbox.ApplyUpdateReq(d, msgstore.UpdateReq{Kind: msgstore.ReqCopy, CopyKeys: keys, CopyTarget: target})
	_, drainErr := d.drainPendingThroughSync()
	if reqErr != nil {
		return nil, reqErr
	}
	if drainErr != nil {
		return nil, drainErr
	}
	return srcUIDs, nil
}
