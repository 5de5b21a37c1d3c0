// Package fetcher implements Fetcher, the upward IMAP client session
// that negotiates with the real mail server (spec.md §4.7): CAPABILITY/
// LOGIN/ENABLE, capability verification, passthrough command relay,
// and handing freshly dialed, authenticated connections to upsync.Up
// once a client SELECTs a mailbox.
package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"citm/cryptoengine"
	"citm/mailbox"
	"citm/msgstore"
	"citm/transport"
	"citm/upsync"
)

// requiredCapabilities are the upstream capabilities spec.md §4.7
// requires; Fetcher refuses to proceed past LOGIN if any is missing.
var requiredCapabilities = []string{"IMAP4REV1", "ENABLE", "UIDPLUS", "CONDSTORE", "QRESYNC"}

// Fetcher owns the upward control connection (pre-mailbox CAPABILITY/
// LOGIN/ENABLE negotiation and passthrough relay) and dials one fresh,
// independently authenticated connection per mailbox a client SELECTs,
// since IMAP only allows one selected mailbox per connection.
type Fetcher struct {
	Addr      string
	TLSConfig *tls.Config
	Log       hclog.Logger

	// Keypair, if set, decrypts every FETCHed message's Splintermail
	// envelope before handing it to the Up bound for a given mailbox
	// (spec.md §6). Left nil for an upstream that doesn't envelope mail.
	Keypair *cryptoengine.Keypair

	// dialFn opens one raw upward connection; overridden in tests to
	// avoid a real TLS dial.
	dialFn func(ctx context.Context) (net.Conn, error)

	mu           sync.Mutex
	control      *conn
	username     []byte
	password     []byte
	capabilities map[string]bool
}

// New builds a Fetcher that dials addr over TLS for every connection
// it opens (the control connection and one per SELECTed mailbox).
func New(addr string, tlsConfig *tls.Config, log hclog.Logger) *Fetcher {
	f := &Fetcher{Addr: addr, TLSConfig: tlsConfig, Log: log}
	f.dialFn = func(ctx context.Context) (net.Conn, error) {
		return transport.DialUp(ctx, f.Addr, f.TLSConfig)
	}
	return f
}

// SetDialFunc overrides how OpenMailbox and Login dial an upward
// connection, bypassing TLSConfig/Addr entirely. Exported for tests
// that script a fake upstream rather than dialing a real server.
func (f *Fetcher) SetDialFunc(dialFn func(ctx context.Context) (net.Conn, error)) {
	f.dialFn = dialFn
}

// Login dials the control connection, negotiates CAPABILITY, sends
// LOGIN, verifies the upstream advertises every required capability,
// and ENABLEs CONDSTORE/QRESYNC. Credentials are remembered so later
// OpenMailbox calls can authenticate their own connections the same
// way (spec.md §4.7's SF-Pair "remembers credentials").
func (f *Fetcher) Login(ctx context.Context, username, password []byte) error {
	nc, err := f.dialFn(ctx)
	if err != nil {
		return err
	}
	c, caps, err := f.handshake(ctx, nc, username, password)
	if err != nil {
		nc.Close()
		return err
	}

	f.mu.Lock()
	f.control = c
	f.username = username
	f.password = password
	f.capabilities = caps
	f.mu.Unlock()
	return nil
}

// handshake drives one freshly dialed connection through greeting,
// CAPABILITY, LOGIN, post-login CAPABILITY (re-checked since several
// servers only advertise UIDPLUS/CONDSTORE/QRESYNC once authenticated),
// and ENABLE CONDSTORE QRESYNC.
func (f *Fetcher) handshake(ctx context.Context, nc net.Conn, username, password []byte) (*conn, map[string]bool, error) {
	c := newConn(nc)

	greet, err := c.readResponse()
	if err != nil {
		return nil, nil, err
	}
	if greet.tag != "*" || !strings.HasPrefix(strings.ToUpper(greet.text), "OK") {
		return nil, nil, msgstore.NewError(msgstore.KindResponse, "unexpected upstream greeting: "+greet.text)
	}

	if _, _, err := c.issue("CAPABILITY"); err != nil {
		return nil, nil, err
	}

	loginLine := fmt.Sprintf("LOGIN %s %s", imapQuote(string(username)), imapQuote(string(password)))
	_, tagged, err := c.issue(loginLine)
	if err != nil {
		return nil, nil, err
	}
	if tagged.statusWord() != "OK" {
		return nil, nil, msgstore.NewError(msgstore.KindResponse, "upstream rejected LOGIN: "+tagged.text)
	}

	untagged, tagged, err := c.issue("CAPABILITY")
	if err != nil {
		return nil, nil, err
	}
	if tagged.statusWord() != "OK" {
		return nil, nil, msgstore.NewError(msgstore.KindResponse, "upstream rejected post-login CAPABILITY: "+tagged.text)
	}
	caps := parseCapabilities(untagged)
	if missing := missingCapabilities(caps); len(missing) > 0 {
		return nil, nil, msgstore.NewError(msgstore.KindResponse, "upstream missing required capabilities: "+strings.Join(missing, ", "))
	}

	if _, tagged, err := c.issue("ENABLE CONDSTORE QRESYNC"); err != nil {
		return nil, nil, err
	} else if tagged.statusWord() != "OK" {
		return nil, nil, msgstore.NewError(msgstore.KindResponse, "upstream rejected ENABLE: "+tagged.text)
	}

	return c, caps, nil
}

func parseCapabilities(untagged []response) map[string]bool {
	caps := map[string]bool{}
	for _, r := range untagged {
		text := r.text
		if !strings.HasPrefix(strings.ToUpper(text), "CAPABILITY") {
			continue
		}
		for _, tok := range strings.Fields(text)[1:] {
			caps[strings.ToUpper(tok)] = true
		}
	}
	return caps
}

func missingCapabilities(caps map[string]bool) []string {
	var missing []string
	for _, want := range requiredCapabilities {
		if !caps[want] {
			missing = append(missing, want)
		}
	}
	return missing
}

// OpenMailbox dials a new upward connection, repeats the login
// handshake with the credentials Login remembered, and hands the
// authenticated connection to a new upsync.Up bound to mbox, booting
// it into the SELECTed/EXAMINEd state before returning. The caller is
// responsible for running up.Run in its own goroutine.
func (f *Fetcher) OpenMailbox(ctx context.Context, mbox *mailbox.Mailbox, name string, readWrite bool) (*upsync.Up, error) {
	f.mu.Lock()
	username, password := f.username, f.password
	f.mu.Unlock()
	if username == nil {
		return nil, msgstore.NewError(msgstore.KindValue, "OpenMailbox called before Login")
	}

	nc, err := f.dialFn(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, err := f.handshake(ctx, nc, username, password); err != nil {
		nc.Close()
		return nil, err
	}

	host, _, _ := net.SplitHostPort(f.Addr)
	if host == "" {
		host = f.Addr
	}
	up := upsync.New(nc, mbox, name, host, f.Log)
	up.SetKeypair(f.Keypair)
	if err := up.Boot(readWrite); err != nil {
		nc.Close()
		return nil, err
	}
	return up, nil
}

// Close closes the control connection.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.control == nil {
		return nil
	}
	return f.control.Close()
}
