// Package msgstore implements the message, expunge, and modseq data model
// for a single mailbox's cache, plus the append-only journal that backs it.
package msgstore

import "errors"

// Kind classifies an error the way spec.md §7 enumerates them. It lets
// callers in mailbox/upsync/dnview decide propagation policy (session
// fatal, mailbox fatal, or client BAD/NO) without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindParse        // IMAP/PEM/log malformed; typically fatal to the session
	KindResponse     // server violated protocol; session fatal
	KindValue        // local invalid input; returned to client as BAD/NO
	KindParam        // same bucket as Value, named separately in the source
	KindNomem        // allocation failure; session fatal
	KindOS           // filesystem or syscall failure; mailbox fatal
	KindFrozen       // attempted to open a frozen mailbox
	KindImaildirFailed
	KindNot4Me // decryption found no matching recipient; not session-fatal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindResponse:
		return "response"
	case KindValue:
		return "value"
	case KindParam:
		return "param"
	case KindNomem:
		return "nomem"
	case KindOS:
		return "os"
	case KindFrozen:
		return "frozen"
	case KindImaildirFailed:
		return "imaildir_failed"
	case KindNot4Me:
		return "not4me"
	default:
		return "unknown"
	}
}

// Error is a sentinel-carrying error with an attached Kind, so callers
// can errors.As into it and branch on Kind without parsing messages.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is lets errors.Is(err, ErrFrozen) etc. work against a Kind without
// requiring the caller to unwrap an *Error by hand.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrFrozen         = &Error{Kind: KindFrozen, Msg: "mailbox is frozen"}
	ErrImaildirFailed = &Error{Kind: KindImaildirFailed, Msg: "mailbox is broken"}
	ErrNot4Me         = &Error{Kind: KindNot4Me, Msg: "no matching recipient key"}
	ErrBreak          = errors.New("msgstore: traversal break")
)
