package dnview

import "citm/msgstore"

// drainPendingThroughSync pops every update this Dn has queued,
// applying NEW/META/EXPUNGE to its view as it goes, until it reaches
// the UPDATE_SYNC barrier a just-completed ApplyUpdateReq always ends
// with (spec.md §4.3's ordering guarantee: a submitter's own request
// is fully reflected in its queue, in order, before SYNC arrives). The
// non-SYNC updates are returned so the caller can pick its own keys'
// results out of them; SyncErr is the original request's error, if any.
func (d *Dn) drainPendingThroughSync() ([]msgstore.Update, error) {
	var out []msgstore.Update
	for {
		u, ok := d.popPending()
		if !ok {
			return out, nil
		}
		if u.Kind == msgstore.UpdateSync {
			return out, u.SyncErr
		}
		d.applyToView(u)
		out = append(out, u)
	}
}

func (d *Dn) popPending() (msgstore.Update, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return msgstore.Update{}, false
	}
	u := d.pending[0]
	d.pending = d.pending[1:]
	return u, true
}

func (d *Dn) applyToView(u msgstore.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return
	}
	switch u.Kind {
	case msgstore.UpdateNew, msgstore.UpdateMeta:
		if u.Msg.UIDDn != 0 {
			d.view.Insert(u.Msg)
		}
	case msgstore.UpdateExpungeKind:
		d.view.Remove(u.Expunge.UIDDn)
	}
}
