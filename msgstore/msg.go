package msgstore

import "time"

// MsgKey identifies a message across its upstream and local-only
// lifetimes. Exactly one of UIDUp/UIDLocal is nonzero: UIDUp once the
// server has assigned a UID, UIDLocal while the message exists only as
// a pending local APPEND/COPY.
type MsgKey struct {
	UIDUp    uint32
	UIDLocal uint32
}

// Less gives the total order used by the msgs/expunges trees: by UIDUp
// then UIDLocal.
func (k MsgKey) Less(o MsgKey) bool {
	if k.UIDUp != o.UIDUp {
		return k.UIDUp < o.UIDUp
	}
	return k.UIDLocal < o.UIDLocal
}

type State int

const (
	Unfilled State = iota
	Filled
	Expunged
	Not4Me
)

func (s State) String() string {
	switch s {
	case Unfilled:
		return "unfilled"
	case Filled:
		return "filled"
	case Expunged:
		return "expunged"
	case Not4Me:
		return "not4me"
	default:
		return "invalid"
	}
}

// Flags are the five IMAP system flags this cache tracks; keyword
// flags are not persisted (spec.md's log format only encodes ADFSX).
type Flags struct {
	Answered bool
	Flagged  bool
	Seen     bool
	Draft    bool
	Deleted  bool
}

// Mod is the modseq tag attached to every Msg/Expunge that has been
// made observable to downstream clients.
type Mod struct {
	ModSeq uint64
}

type Subdir int

const (
	SubdirCur Subdir = iota
	SubdirTmp
	SubdirNew
)

func (s Subdir) String() string {
	switch s {
	case SubdirCur:
		return "cur"
	case SubdirTmp:
		return "tmp"
	case SubdirNew:
		return "new"
	default:
		return "invalid"
	}
}

// Msg is one message's current state, as held in a Mailbox's msgs tree
// and round-tripped through the Log.
type Msg struct {
	Key          MsgKey
	UIDDn        uint32
	State        State
	InternalDate time.Time
	Flags        Flags
	Mod          Mod

	// Filled only: where the plaintext body lives on disk.
	Filename string
	Length   int64
	Subdir   Subdir
}

// Valid enforces spec.md §3's invariant: Filled requires a filename and
// a positive modseq; Unfilled/Not4Me require a zero modseq.
func (m *Msg) Valid() error {
	switch m.State {
	case Filled:
		if m.Filename == "" {
			return NewError(KindValue, "filled message missing filename")
		}
		if m.Mod.ModSeq == 0 {
			return NewError(KindValue, "filled message has zero modseq")
		}
	case Unfilled, Not4Me:
		if m.Mod.ModSeq != 0 {
			return NewError(KindValue, "unfilled/not4me message has nonzero modseq")
		}
	case Expunged:
		return NewError(KindValue, "a Msg cannot carry state Expunged")
	}
	return nil
}

type ExpungeState int

const (
	ExpungeUnpushed ExpungeState = iota
	ExpungePushed
)

func (s ExpungeState) String() string {
	if s == ExpungePushed {
		return "pushed"
	}
	return "unpushed"
}

// Expunge is a tombstone for a removed message, kept so Dn views and
// the upstream deletion-push logic can find it.
type Expunge struct {
	Key   MsgKey
	UIDDn uint32
	State ExpungeState
	Mod   Mod
}

// IsTombstone reports the "never visible downstream" case spec.md
// §4.1a calls out: an expunge of a message that was Unfilled/Not4Me
// before deletion. These carry uid_dn=0 and modseq=0 and are dropped
// at compaction time (encoded "1:0:0:x" in the wire format).
func (e *Expunge) IsTombstone() bool {
	return e.UIDDn == 0 && e.Mod.ModSeq == 0
}
