// Package sfpair implements Pair, the glue spec.md §4.7 calls SF-Pair:
// it is citmserver's Backend/Session for a logged-in downward
// connection, owning one Fetcher and one DirMgr per local account and
// threading LOGIN credentials from the local registry (userdb) to the
// matching upward session.
package sfpair

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"citm/dirmgr"
	"citm/dnview"
	"citm/fetcher"
	"citm/mailbox"
	"citm/upsync"
)

// Account is the per-user shared state backing every simultaneous
// connection from the same user: one DirMgr, one authenticated
// Fetcher, and one running upsync.Up per currently-open mailbox
// (spec.md's "a mailbox can have one primary Up and many Dns").
// Multiple Pairs (one per downward Conn) reference the same Account.
type Account struct {
	Username string
	Log      hclog.Logger

	dm      *dirmgr.DirMgr
	fetcher *fetcher.Fetcher

	parallelism int
	chunkSize   int

	mu    sync.Mutex
	boxes map[string]*openMailbox
}

type openMailbox struct {
	mbox    *mailbox.Mailbox
	up      *upsync.Up
	cancel  context.CancelFunc
	dnCount int
}

func newAccount(username string, dm *dirmgr.DirMgr, f *fetcher.Fetcher, parallelism, chunkSize int, log hclog.Logger) *Account {
	return &Account{
		Username:    username,
		Log:         log,
		dm:          dm,
		fetcher:     f,
		parallelism: parallelism,
		chunkSize:   chunkSize,
		boxes:       make(map[string]*openMailbox),
	}
}

// OpenMailbox opens name for a new downward Dn, starting name's
// primary Up (and dialing the upstream SELECT for it) if this is the
// first accessor, or attaching to the already-running Up if another
// Dn (or this same account's earlier connection) has it open already.
func (a *Account) OpenMailbox(name string, readWrite bool) (*dnview.Dn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ob, ok := a.boxes[name]
	if !ok {
		mboxIface, err := a.dm.OpenDn(name, a)
		if err != nil {
			return nil, err
		}
		mbox, ok := mboxIface.(*mailbox.Mailbox)
		if !ok {
			return nil, fmt.Errorf("sfpair: dirmgr returned unexpected mailbox type %T", mboxIface)
		}

		up, err := a.fetcher.OpenMailbox(context.Background(), mbox, name, true)
		if err != nil {
			a.dm.CloseDn(name, a)
			return nil, err
		}

		runCtx, cancel := context.WithCancel(context.Background())
		ob = &openMailbox{mbox: mbox, up: up, cancel: cancel}
		a.boxes[name] = ob

		log := a.Log.Named("up").With("mailbox", name)
		go func() {
			if err := up.Run(runCtx, true, a.parallelism, a.chunkSize); err != nil && runCtx.Err() == nil {
				log.Error("upward synchronizer exited", "error", err)
			}
		}()
	}

	ob.dnCount++
	return dnview.Open(ob.mbox), nil
}

// CloseMailbox drops one Dn's reference to name, stopping its Up and
// releasing the dirmgr accessor once the last Dn leaves. Implements
// citmserver's closeMailboxer, called by Conn.closeMailbox.
func (a *Account) CloseMailbox(name string) {
	if name == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ob, ok := a.boxes[name]
	if !ok {
		return
	}
	ob.dnCount--
	if ob.dnCount > 0 {
		return
	}
	ob.cancel()
	delete(a.boxes, name)
	a.dm.CloseDn(name, a)
}

// stopMailbox force-stops name's Up (if running) ahead of a DELETE or
// RENAME, regardless of outstanding Dn count; the mailbox's
// directory is about to be frozen out from under them anyway.
func (a *Account) stopMailbox(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ob, ok := a.boxes[name]
	if !ok {
		return
	}
	ob.cancel()
	delete(a.boxes, name)
}
