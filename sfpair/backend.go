package sfpair

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"citm/citmserver"
	"citm/cryptoengine"
	"citm/dirmgr"
	"citm/fetcher"
	"citm/mailbox"
	"citm/userdb"
)

// Backend is citmserver.Backend: it authenticates a downward LOGIN
// against the local account registry, then hands back the shared
// Account's Pair, dialing and logging in a fresh Fetcher the first
// time a given user connects.
type Backend struct {
	Auth        *userdb.Authenticator
	MaildirRoot string

	// DefaultUpstreamAddr is used when a user's UpstreamHost column is
	// empty; UpstreamTLS is shared by every upward dial (spec.md's
	// Upstream is one real server shared by every local account, not
	// per-account TLS material).
	DefaultUpstreamAddr string
	UpstreamTLS         *tls.Config

	// Keypair decrypts Splintermail envelopes on ingest; nil disables
	// decryption entirely (e.g. a non-Splintermail upstream).
	Keypair *cryptoengine.Keypair

	Parallelism int
	ChunkSize   int
	Log         hclog.Logger

	mu       sync.Mutex
	accounts map[string]*Account
}

// Login implements citmserver.Backend.
func (b *Backend) Login(c *citmserver.Conn, username, password []byte) (citmserver.Session, error) {
	remoteAddr := ""
	if c != nil && c.RemoteAddr() != nil {
		remoteAddr = c.RemoteAddr().String()
	}

	user, err := b.Auth.Login(context.Background(), remoteAddr, string(username), string(password))
	if err != nil {
		return nil, err
	}

	acct, err := b.getOrCreateAccount(user)
	if err != nil {
		return nil, err
	}
	return &Pair{account: acct}, nil
}

func (b *Backend) getOrCreateAccount(user *userdb.User) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accounts == nil {
		b.accounts = make(map[string]*Account)
	}
	if acct, ok := b.accounts[user.Username]; ok {
		return acct, nil
	}

	log := b.Log.Named("account").With("user", user.Username)

	var dm *dirmgr.DirMgr
	dm, err := dirmgr.New(filepath.Join(b.MaildirRoot, user.Username), func(dir, name string) (dirmgr.Mailbox, error) {
		return mailbox.Open(dir, name, func() bool { return dm.AllowDownload(name) })
	})
	if err != nil {
		return nil, fmt.Errorf("sfpair: opening dirmgr for %s: %w", user.Username, err)
	}

	addr := user.UpstreamHost
	if addr == "" {
		addr = b.DefaultUpstreamAddr
	}
	f := fetcher.New(addr, b.UpstreamTLS, log.Named("fetcher"))
	f.Keypair = b.Keypair
	if err := f.Login(context.Background(), []byte(user.UpstreamUsername), []byte(user.UpstreamPassword)); err != nil {
		dm.Close()
		return nil, fmt.Errorf("sfpair: upward login for %s: %w", user.Username, err)
	}

	parallelism, chunkSize := b.Parallelism, b.ChunkSize
	if parallelism == 0 {
		parallelism = 5
	}
	if chunkSize == 0 {
		chunkSize = 10
	}

	acct := newAccount(user.Username, dm, f, parallelism, chunkSize, log)
	b.accounts[user.Username] = acct
	return acct, nil
}

var _ citmserver.Backend = (*Backend)(nil)
