package sfpair

import (
	"context"

	"citm/citmserver"
	"citm/fetcher"
)

// Mailboxes lists every upstream mailbox, flattened out of the
// delimiter-nested tree Fetcher.List returns.
func (a *Account) Mailboxes() ([]citmserver.MailboxAttrs, error) {
	roots, err := a.fetcher.List(context.Background(), "", "*")
	if err != nil {
		return nil, err
	}
	return flattenMailboxes(roots), nil
}

func flattenMailboxes(nodes []*fetcher.MailboxNode) []citmserver.MailboxAttrs {
	var out []citmserver.MailboxAttrs
	for _, n := range nodes {
		special := ""
		for _, attr := range n.Attrs {
			if attr != `\HasChildren` && attr != `\HasNoChildren` {
				special = attr
				break
			}
		}
		out = append(out, citmserver.MailboxAttrs{
			Name:        n.Name,
			HasChildren: len(n.Children) > 0,
			Special:     special,
		})
		out = append(out, flattenMailboxes(n.Children)...)
	}
	return out
}

func (a *Account) CreateMailbox(name string) error {
	return a.fetcher.Create(context.Background(), name)
}

func (a *Account) DeleteMailbox(name string) error {
	a.stopMailbox(name)

	if err := a.fetcher.Delete(context.Background(), name); err != nil {
		return err
	}
	freeze, err := a.dm.NewFreeze(name)
	if err != nil {
		return err
	}
	defer freeze.Release()
	return a.dm.Delete(freeze)
}

func (a *Account) RenameMailbox(oldName, newName string) error {
	a.stopMailbox(oldName)
	a.stopMailbox(newName)

	if err := a.fetcher.Rename(context.Background(), oldName, newName); err != nil {
		return err
	}
	srcFreeze, err := a.dm.NewFreeze(oldName)
	if err != nil {
		return err
	}
	defer srcFreeze.Release()
	dstFreeze, err := a.dm.NewFreeze(newName)
	if err != nil {
		return err
	}
	defer dstFreeze.Release()
	return a.dm.Rename(srcFreeze, dstFreeze)
}

func (a *Account) StatusMailbox(name string) (citmserver.StatusInfo, error) {
	info, err := a.fetcher.Status(context.Background(), name, "MESSAGES UIDNEXT UIDVALIDITY UNSEEN HIGHESTMODSEQ")
	if err != nil {
		return citmserver.StatusInfo{}, err
	}
	return citmserver.StatusInfo{
		Messages:      info.Messages,
		UIDNext:       info.UIDNext,
		UIDValidity:   info.UIDValidity,
		Unseen:        info.Unseen,
		HighestModSeq: info.HighestModSeq,
	}, nil
}
