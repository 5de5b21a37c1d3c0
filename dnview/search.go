package dnview

import (
	"io"
	"time"

	"citm/imap/imapparser"
	"citm/msgstore"
)

// Search resolves a SEARCH command against the current view, returning
// matching UIDDn (byUID) or sequence numbers, in ascending order.
func (d *Dn) Search(s imapparser.Search, byUID bool) ([]uint32, error) {
	matcher, err := imapparser.NewMatcher(s.Op)
	if err != nil {
		return nil, msgstore.WrapError(msgstore.KindValue, "invalid SEARCH key", err)
	}

	d.mu.Lock()
	if d.view == nil {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "SEARCH before SELECT")
	}
	entries := d.view.All()
	dir := d.mbox.Dir()
	d.mu.Unlock()

	var out []uint32
	for i, msg := range entries {
		mm := &matchMessage{msg: msg, seq: uint32(i + 1), dir: dir}
		if matcher.Match(mm) {
			if byUID {
				out = append(out, msg.UIDDn)
			} else {
				out = append(out, mm.seq)
			}
		}
	}
	return out, nil
}

// matchMessage adapts a msgstore.Msg to imapparser.MatchMessage,
// reading header fields from disk lazily and only once per message:
// most SEARCH keys (flags, dates, sizes) never touch the file at all.
type matchMessage struct {
	msg msgstore.Msg
	seq uint32
	dir string

	headerLoaded bool
	header       map[string]string
}

func (mm *matchMessage) SeqNum() uint32   { return mm.seq }
func (mm *matchMessage) UID() uint32      { return mm.msg.UIDDn }
func (mm *matchMessage) ModSeq() int64    { return int64(mm.msg.Mod.ModSeq) }
func (mm *matchMessage) Date() time.Time  { return mm.msg.InternalDate }
func (mm *matchMessage) RFC822Size() int64 { return mm.msg.Length }

func (mm *matchMessage) Flag(name string) bool {
	switch name {
	case `\Answered`:
		return mm.msg.Flags.Answered
	case `\Flagged`:
		return mm.msg.Flags.Flagged
	case `\Deleted`:
		return mm.msg.Flags.Deleted
	case `\Seen`:
		return mm.msg.Flags.Seen
	case `\Draft`:
		return mm.msg.Flags.Draft
	case `\Recent`:
		return false
	default:
		return false
	}
}

func (mm *matchMessage) Header(name string) string {
	if mm.msg.State != msgstore.Filled {
		return ""
	}
	mm.loadHeader()
	return mm.header[name]
}

func (mm *matchMessage) loadHeader() {
	if mm.headerLoaded {
		return
	}
	mm.headerLoaded = true
	mm.header = make(map[string]string)

	r, f, err := openMsg(mm.dir, mm.msg)
	if err != nil {
		return
	}
	defer f.Close()

	hdr, herr := r.ReadMIMEHeader()
	if herr != nil && herr != io.EOF {
		return
	}
	for _, entry := range hdr.Entries {
		mm.header[string(entry.Key)] = string(entry.Value)
	}
}
