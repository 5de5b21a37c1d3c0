package msgstore

// UpdateKind is one of the four update shapes a Mailbox dispatches to
// its registered Dns (spec.md §4.6).
type UpdateKind int

const (
	UpdateNew UpdateKind = iota
	UpdateMeta
	UpdateExpungeKind
	UpdateSync
)

// Update is a single dispatched event. NEW and META carry the updated
// Msg; EXPUNGE carries the Expunge record; SYNC carries the tagged
// failure (nil on success) of the UpdateReq that this Dn itself
// submitted, acting as a barrier in its own update stream.
type Update struct {
	Kind    UpdateKind
	Msg     Msg     // NEW, META
	Expunge Expunge // EXPUNGE
	SyncErr error   // SYNC
}

// ReqKind is the kind of mutation a Dn can submit to a Mailbox.
type ReqKind int

const (
	ReqStore ReqKind = iota
	ReqExpunge
	ReqCopy
)

// UpdateReq is a mutation request submitted by a Dn. The mailbox
// applies requests strictly in submission order (spec.md §4.3).
type UpdateReq struct {
	Kind ReqKind

	// ReqStore
	Keys       []MsgKey
	StoreFlags Flags
	StoreMode  StoreMode

	// ReqExpunge
	ExpungeKeys []MsgKey

	// ReqCopy
	CopyKeys   []MsgKey
	CopyTarget string
}

type StoreMode int

const (
	StoreReplace StoreMode = iota
	StoreAdd
	StoreRemove
)

// Gather batches a raw update sequence into NEW/META/EXPUNGE buckets,
// applying spec.md §4.6's dedup rules: if a UIDDn appears in both NEW
// and META, the META is dropped; if a UIDDn appears in EXPUNGE, its
// NEW and META are dropped.
type Gather struct {
	New      map[uint32]Msg
	Meta     map[uint32]Msg
	Expunges map[uint32]Expunge
	// order preserves first-seen ordering within New/Meta, since
	// EXISTS/FETCH responses should appear in the order updates arrived.
	newOrder  []uint32
	metaOrder []uint32
}

func NewGather() *Gather {
	return &Gather{
		New:      make(map[uint32]Msg),
		Meta:     make(map[uint32]Msg),
		Expunges: make(map[uint32]Expunge),
	}
}

func (g *Gather) Add(u Update) {
	switch u.Kind {
	case UpdateNew:
		if _, ok := g.New[u.Msg.UIDDn]; !ok {
			g.newOrder = append(g.newOrder, u.Msg.UIDDn)
		}
		g.New[u.Msg.UIDDn] = u.Msg
		delete(g.Meta, u.Msg.UIDDn)
	case UpdateMeta:
		if _, ok := g.New[u.Msg.UIDDn]; ok {
			// NEW already covers this uid_dn; drop the META per spec.
			return
		}
		if _, ok := g.Meta[u.Msg.UIDDn]; !ok {
			g.metaOrder = append(g.metaOrder, u.Msg.UIDDn)
		}
		g.Meta[u.Msg.UIDDn] = u.Msg
	case UpdateExpungeKind:
		g.Expunges[u.Expunge.UIDDn] = u.Expunge
		delete(g.New, u.Expunge.UIDDn)
		delete(g.Meta, u.Expunge.UIDDn)
	}
}

// NewBatch returns NEW entries in first-seen order, with any later
// expunged uid_dn filtered out.
func (g *Gather) NewBatch() []Msg {
	var out []Msg
	for _, uidDn := range g.newOrder {
		if _, expunged := g.Expunges[uidDn]; expunged {
			continue
		}
		if m, ok := g.New[uidDn]; ok {
			out = append(out, m)
		}
	}
	return out
}

// MetaBatch returns META entries in first-seen order, same filtering.
func (g *Gather) MetaBatch() []Msg {
	var out []Msg
	for _, uidDn := range g.metaOrder {
		if _, expunged := g.Expunges[uidDn]; expunged {
			continue
		}
		if m, ok := g.Meta[uidDn]; ok {
			out = append(out, m)
		}
	}
	return out
}
