package msgstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const logFormatVersion = "1"

// KeyKind distinguishes the four key shapes a log line can carry, per
// spec.md §4.1.
type KeyKind int

const (
	KeyUIDValidities KeyKind = iota
	KeyHimodseqUp
	KeyExplicitModSeqDn
	KeyMsg
)

// LogKey is the parsed form of a line's key column.
type LogKey struct {
	Kind KeyKind
	Msg  MsgKey // valid when Kind == KeyMsg
}

// MarshalKey renders a LogKey as the wire-format key string: "v", "h",
// "d", or "m.<uid_up>.<uid_local>".
func MarshalKey(lk LogKey) string {
	switch lk.Kind {
	case KeyUIDValidities:
		return "v"
	case KeyHimodseqUp:
		return "h"
	case KeyExplicitModSeqDn:
		return "d"
	case KeyMsg:
		return fmt.Sprintf("m.%d.%d", lk.Msg.UIDUp, lk.Msg.UIDLocal)
	default:
		panic("msgstore: invalid LogKey kind")
	}
}

// ParseKey parses the key column of a log line.
func ParseKey(s string) (LogKey, error) {
	if len(s) == 0 {
		return LogKey{}, NewError(KindValue, "zero-length log key")
	}
	switch s[0] {
	case 'v':
		if len(s) > 1 {
			return LogKey{}, NewError(KindValue, "uidvalidities key too long")
		}
		return LogKey{Kind: KeyUIDValidities}, nil
	case 'h':
		if len(s) > 1 {
			return LogKey{}, NewError(KindValue, "himodsequp key too long")
		}
		return LogKey{Kind: KeyHimodseqUp}, nil
	case 'd':
		if len(s) > 1 {
			return LogKey{}, NewError(KindValue, "modseqdn key too long")
		}
		return LogKey{Kind: KeyExplicitModSeqDn}, nil
	case 'm':
		parts := strings.Split(s, ".")
		if len(parts) != 3 {
			return LogKey{}, NewError(KindValue, "invalid msg key: "+s)
		}
		uidUp, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return LogKey{}, WrapError(KindValue, "invalid uid_up in key", err)
		}
		uidLocal, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return LogKey{}, WrapError(KindValue, "invalid uid_local in key", err)
		}
		return LogKey{Kind: KeyMsg, Msg: MsgKey{UIDUp: uint32(uidUp), UIDLocal: uint32(uidLocal)}}, nil
	default:
		return LogKey{}, NewError(KindValue, "invalid log key: "+s)
	}
}

// MarshalUIDValidities renders the "v" line's value.
func MarshalUIDValidities(up, dn uint32) string {
	return fmt.Sprintf("%d:%d", up, dn)
}

func ParseUIDValidities(s string) (up, dn uint32, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 2 {
		return 0, 0, NewError(KindParam, "did not find 2 UIDVALIDITY values")
	}
	u, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, WrapError(KindParam, "invalid uidvld_up", err)
	}
	d, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, WrapError(KindParam, "invalid uidvld_dn", err)
	}
	return uint32(u), uint32(d), nil
}

// MarshalDate renders internaldate as "Y.M.D.h.m.s.tzh.tzm".
func MarshalDate(t time.Time) string {
	_, offset := t.Zone()
	zh := offset / 3600
	zm := (offset % 3600) / 60
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d.%d.%d",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(), zh, zm)
}

func ParseDate(s string) (time.Time, error) {
	fields := strings.Split(s, ".")
	if len(fields) != 8 {
		return time.Time{}, NewError(KindParam, "invalid internaldate: "+s)
	}
	var nums [8]int
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return time.Time{}, WrapError(KindParam, "invalid internaldate field", err)
		}
		nums[i] = n
	}
	offset := nums[6]*3600 + nums[7]*60
	loc := time.FixedZone("", offset)
	return time.Date(nums[0], time.Month(nums[1]), nums[2], nums[3], nums[4], nums[5], 0, loc), nil
}

func marshalFlags(f Flags) string {
	var b strings.Builder
	if f.Answered {
		b.WriteByte('A')
	}
	if f.Draft {
		b.WriteByte('D')
	}
	if f.Flagged {
		b.WriteByte('F')
	}
	if f.Seen {
		b.WriteByte('S')
	}
	if f.Deleted {
		b.WriteByte('X')
	}
	return b.String()
}

func parseFlags(s string) (Flags, error) {
	var f Flags
	for _, c := range s {
		switch c {
		case 'a', 'A':
			f.Answered = true
		case 'f', 'F':
			f.Flagged = true
		case 's', 'S':
			f.Seen = true
		case 'd', 'D':
			f.Draft = true
		case 'x', 'X':
			f.Deleted = true
		default:
			return Flags{}, NewError(KindParam, fmt.Sprintf("invalid flag %q", c))
		}
	}
	return f, nil
}

// MarshalMessage renders a Msg's value column:
// version:uid_dn:modseq:tag:flags:date
func MarshalMessage(m *Msg) (string, error) {
	var tag string
	switch m.State {
	case Unfilled:
		tag = "u"
	case Filled:
		tag = "f"
	case Not4Me:
		tag = "n"
	default:
		return "", NewError(KindValue, "cannot log an Expunged message as a Msg")
	}
	return fmt.Sprintf("%s:%d:%d:%s:%s:%s",
		logFormatVersion, m.UIDDn, m.Mod.ModSeq, tag,
		marshalFlags(m.Flags), MarshalDate(m.InternalDate)), nil
}

// MarshalExpunge renders an Expunge's value column:
// version:uid_dn:modseq:tag
func MarshalExpunge(e *Expunge) (string, error) {
	var tag string
	switch e.State {
	case ExpungeUnpushed:
		tag = "e"
	case ExpungePushed:
		tag = "x"
	default:
		return "", NewError(KindValue, "invalid expunge state")
	}
	return fmt.Sprintf("%s:%d:%d:%s", logFormatVersion, e.UIDDn, e.Mod.ModSeq, tag), nil
}

// ParseValue parses a message-or-expunge value column for the given
// MsgKey. Exactly one of the returned pointers is non-nil.
func ParseValue(key MsgKey, value string) (*Msg, *Expunge, error) {
	firstColon := strings.IndexByte(value, ':')
	if firstColon < 0 {
		return nil, nil, NewError(KindParam, "malformed log value: "+value)
	}
	version, rest := value[:firstColon], value[firstColon+1:]
	if version != logFormatVersion {
		return nil, nil, NewError(KindParam, "invalid log format version: "+version)
	}

	fields := strings.Split(rest, ":")
	if len(fields) != 5 && len(fields) != 3 {
		return nil, nil, NewError(KindParam, "wrong field count in log value")
	}

	uidDn64, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, nil, WrapError(KindParam, "invalid uid_dn", err)
	}
	uidDn := uint32(uidDn64)

	modSeq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, nil, WrapError(KindParam, "invalid modseq", err)
	}

	if len(fields[2]) != 1 {
		return nil, nil, NewError(KindParam, "invalid state field")
	}

	switch fields[2][0] {
	case 'u', 'f', 'n':
		if len(fields) != 5 {
			return nil, nil, NewError(KindValue, "wrong field count for message")
		}
		var state State
		switch fields[2][0] {
		case 'u':
			state = Unfilled
		case 'n':
			state = Not4Me
		default:
			state = Filled
		}
		flags, err := parseFlags(fields[3])
		if err != nil {
			return nil, nil, err
		}
		date, err := ParseDate(fields[4])
		if err != nil {
			return nil, nil, err
		}
		m := &Msg{
			Key:          key,
			UIDDn:        uidDn,
			State:        state,
			InternalDate: date,
			Flags:        flags,
			Mod:          Mod{ModSeq: modSeq},
		}
		if err := m.Valid(); err != nil {
			return nil, nil, err
		}
		return m, nil, nil

	case 'e', 'x':
		if len(fields) != 3 {
			return nil, nil, NewError(KindValue, "wrong field count for expunge")
		}
		state := ExpungeUnpushed
		if fields[2][0] == 'x' {
			state = ExpungePushed
		}
		e := &Expunge{
			Key:   key,
			UIDDn: uidDn,
			State: state,
			Mod:   Mod{ModSeq: modSeq},
		}
		return nil, e, nil

	default:
		return nil, nil, NewError(KindParam, "invalid state character")
	}
}
