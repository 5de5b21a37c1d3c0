package citmserver

import (
	"citm/dnview"
)

// Backend is the narrow surface a Conn needs from whatever owns the
// downward session's lifetime (sfpair.Pair in the running proxy, a
// fake in tests). It is deliberately small: citmserver knows nothing
// about upstream pairing, credential storage, or per-user directories,
// only that LOGIN produces a Session it can drive.
type Backend interface {
	// Login authenticates username/password for the connection c and
	// returns a Session scoped to that account. The returned error, if
	// any, is surfaced to the client as a NO response; Backend
	// implementations distinguish bad credentials from internal
	// failures by the error text alone (citmserver does not inspect
	// error types here, matching the teacher's own DataStore.Login
	// contract).
	Login(c *Conn, username, password []byte) (Session, error)
}

// Session is one authenticated account's view of mailbox naming and
// passthrough commands, backing everything a Conn does once LOGIN
// succeeds.
type Session interface {
	// OpenMailbox opens name for a new dnview.Dn, or returns an error
	// if name does not exist or cannot be opened.
	OpenMailbox(name string) (*dnview.Dn, error)

	// Mailboxes lists every mailbox name visible to this account, for
	// LIST/LSUB.
	Mailboxes() ([]MailboxAttrs, error)

	// CreateMailbox, DeleteMailbox, RenameMailbox implement their
	// namesake IMAP commands by relaying to the paired upstream
	// connection (spec.md §4.7's Fetcher passthrough).
	CreateMailbox(name string) error
	DeleteMailbox(name string) error
	RenameMailbox(oldName, newName string) error

	// StatusMailbox returns the STATUS attributes for name without
	// requiring a SELECT.
	StatusMailbox(name string) (StatusInfo, error)

	// Close tears down the session's paired upward connection.
	Close() error
}

// MailboxAttrs is one LIST/LSUB response entry.
type MailboxAttrs struct {
	Name       string
	HasChildren bool
	Special    string // "" or e.g. \Sent, \Trash, \Drafts (RFC 6154)
}

// StatusInfo carries the fields a STATUS response can report.
type StatusInfo struct {
	Messages      uint32
	Recent        uint32
	UIDNext       uint32
	UIDValidity   uint32
	Unseen        uint32
	HighestModSeq uint64
}
