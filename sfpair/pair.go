package sfpair

import (
	"citm/citmserver"
	"citm/dnview"
)

// Pair is citmserver.Session for one logged-in downward connection,
// forwarding every call to the shared Account backing this user's
// other simultaneous connections.
type Pair struct {
	account *Account
}

func (p *Pair) OpenMailbox(name string) (*dnview.Dn, error) {
	return p.account.OpenMailbox(name, true)
}

// CloseMailbox implements citmserver's closeMailboxer.
func (p *Pair) CloseMailbox(name string) {
	p.account.CloseMailbox(name)
}

func (p *Pair) Mailboxes() ([]citmserver.MailboxAttrs, error) {
	return p.account.Mailboxes()
}

func (p *Pair) CreateMailbox(name string) error {
	return p.account.CreateMailbox(name)
}

func (p *Pair) DeleteMailbox(name string) error {
	return p.account.DeleteMailbox(name)
}

func (p *Pair) RenameMailbox(oldName, newName string) error {
	return p.account.RenameMailbox(oldName, newName)
}

func (p *Pair) StatusMailbox(name string) (citmserver.StatusInfo, error) {
	return p.account.StatusMailbox(name)
}

// Close is a no-op: the Account and its Fetcher outlive any single
// connection, shared by whatever other Pairs the same user has open.
func (p *Pair) Close() error {
	return nil
}

var _ citmserver.Session = (*Pair)(nil)
