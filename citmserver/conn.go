package citmserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"

	"citm/dnview"
	"citm/imap/imapparser"
	"citm/imap/imapparser/utf7mod"
	"citm/metrics"
)

// capability is advertised before LOGIN; capabilityAuth afterward.
// Fetcher rejects an upstream missing any of ENABLE/UIDPLUS/CONDSTORE/
// QRESYNC (spec.md §4.7), so Server only ever needs to advertise what
// it actually proxies through once a Fetcher has confirmed them.
const (
	capability     = `IMAP4rev1 AUTH=PLAIN ENABLE ID`
	capabilityAuth = `IMAP4rev1 CONDSTORE ENABLE ID IDLE UIDPLUS`
)

// Conn is one downward client session: PREAUTH until LOGIN, AUTH once
// logged in, SELECTED once a mailbox is open. Grounded directly on
// imapserver.Conn's field shape and serve loop.
type Conn struct {
	ID  string
	Log hclog.Logger

	server  *Server
	netConn net.Conn
	br      *bufio.Reader
	p       *imapparser.Parser

	session  Session
	dn       *dnview.Dn
	mboxName string
	readOnly bool
	uidvldDn uint32

	bwMu sync.Mutex
	bw   *bufio.Writer
}

// RemoteAddr returns the downward client's address, for a Backend to
// log or throttle against.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

// respondln writes "<tag> msg\r\n" for the command currently being
// served.
func (c *Conn) respondln(format string, v ...interface{}) {
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteByte('\r')
	c.bw.WriteByte('\n')
	if err := c.bw.Flush(); err != nil {
		c.close()
	}
}

func (c *Conn) close() {
	c.closeMailbox()
	c.netConn.Close()
}

// writeString writes s as an IMAP atom, quoted string, or literal,
// matching imapserver.Conn.writeString's UTF7-mod encoding rules.
func (c *Conn) writeString(s string) {
	if s == "" {
		c.writef(`""`)
		return
	}

	const (
		strLiteral = iota
		strQuote
		strAtom
	)
	kind := strAtom
	rest := s
	for len(rest) > 0 {
		r, sz := utf8.DecodeRuneInString(rest)
		rest = rest[sz:]
		if r == utf8.RuneError || r == '\r' || r == '\n' || r == '"' {
			kind = strLiteral
			break
		}
		switch {
		case 'A' <= r && r <= 'Z', 'a' <= r && r <= 'z', '0' <= r && r <= '9',
			r == '-', r == '_', r == '.':
		default:
			kind = strQuote
		}
	}
	if kind == strAtom {
		c.bw.WriteString(s)
		return
	}

	enc, err := utf7mod.AppendEncode(nil, []byte(s))
	if err != nil {
		c.Log.Error("cannot encode string as mailbox-utf7", "error", err)
		enc = []byte(s)
	}
	switch kind {
	case strLiteral:
		c.writeLiteral(enc)
	case strQuote:
		c.writef("%q", enc)
	}
}

func (c *Conn) writeLiteral(b []byte) {
	c.writef("{%d}\r\n", len(b))
	c.bw.Flush()
	c.bw.Write(b)
}

func (c *Conn) serve() {
	litf := c.server.Filer.BufferFile(0)
	defer litf.Close()

	c.bwMu.Lock()
	c.writef("* OK IMAP4rev1 citm ready\r\n")
	if err := c.bw.Flush(); err != nil {
		c.bwMu.Unlock()
		c.close()
		return
	}
	c.bwMu.Unlock()

	contFn := func(msg string, n uint32) {
		c.bwMu.Lock()
		defer c.bwMu.Unlock()
		c.writef(msg)
		c.bw.Flush()
	}
	c.p = &imapparser.Parser{
		Scanner: imapparser.NewScanner(c.br, litf, contFn),
	}

	defer c.closeMailbox()
	for {
		if _, err := c.br.Peek(1); err != nil {
			return
		}
		if !c.serveOne() {
			return
		}
	}
}

func (c *Conn) serveOne() bool {
	if err := c.p.ParseCommand(); err == io.EOF {
		return false
	} else if _, ok := err.(net.Error); ok {
		return false
	} else if te, ok := err.(imapparser.TaggedError); ok {
		c.bwMu.Lock()
		fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
		c.bw.Flush()
		c.bwMu.Unlock()
		return true
	} else if _, ok := err.(imapparser.ParseError); ok {
		c.bwMu.Lock()
		fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
		c.bw.Flush()
		c.bwMu.Unlock()
		return true
	} else if err != nil {
		c.bwMu.Lock()
		fmt.Fprintf(c.bw, "* BAD connection error\r\n")
		c.bw.Flush()
		c.bwMu.Unlock()
		return false
	}

	metrics.RecordDnCommand(c.p.Command.Name)
	c.serveCmd()
	return true
}

func (c *Conn) serveCmd() {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	c.pushPendingLocked()

	cmd := &c.p.Command
	switch cmd.Name {
	case "CAPABILITY":
		if c.p.Mode == imapparser.ModeNonAuth {
			c.writef("* CAPABILITY %s\r\n", capability)
		} else {
			c.writef("* CAPABILITY %s\r\n", capabilityAuth)
		}
		c.respondln("OK Completed")

	case "NOOP":
		c.respondln("OK nothing offered, nothing given")

	case "LOGOUT":
		c.cmdLogout()

	case "LOGIN":
		c.cmdLogin()

	case "STARTTLS":
		c.respondln("BAD already using TLS")

	case "ENABLE":
		c.respondln("OK completed")

	case "ID":
		c.writef(`* ID ("name" "citm" "version" "%s" "vendor" "Splintermail")`+"\r\n", c.server.Version)
		c.respondln("OK success")

	case "SELECT", "EXAMINE":
		c.cmdSelect()

	case "CREATE":
		c.cmdMailboxOp(cmd.Name, string(cmd.Mailbox), "")
	case "DELETE":
		c.cmdMailboxOp(cmd.Name, string(cmd.Mailbox), "")
	case "RENAME":
		c.cmdMailboxOp(cmd.Name, string(cmd.Rename.OldMailbox), string(cmd.Rename.NewMailbox))

	case "LIST", "LSUB":
		c.cmdList()
	case "STATUS":
		c.cmdStatus()
	case "SUBSCRIBE", "UNSUBSCRIBE":
		c.respondln("OK %s completed", cmd.Name)

	case "CHECK":
		c.respondln("OK CHECK completed")
	case "CLOSE":
		c.cmdClose()
	case "EXPUNGE":
		c.cmdExpunge()
	case "COPY":
		c.cmdCopy()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "SEARCH":
		c.cmdSearch()
	case "IDLE":
		c.cmdIdle()

	default:
		c.respondln("BAD unrecognized command")
	}
}

func (c *Conn) cmdLogin() {
	if c.p.Mode != imapparser.ModeNonAuth {
		c.respondln("BAD wrong mode")
		return
	}
	cmd := &c.p.Command
	session, err := c.server.Backend.Login(c, cmd.Auth.Username, cmd.Auth.Password)
	if err != nil {
		c.respondln("NO %v", err)
		return
	}
	c.session = session
	c.p.Mode = imapparser.ModeAuth
	c.respondln("OK [CAPABILITY %s] logged in", capabilityAuth)
}

func (c *Conn) cmdLogout() {
	c.writef("* BYE citm logging out\r\n")
	c.respondln("OK Completed")
	c.bw.Flush()
	c.close()
}

// closeMailboxer is implemented by a Session that needs to know when a
// Conn gives up its dnview.Dn, e.g. to drop a per-mailbox refcount and
// stop the upward synchronizer once the last accessor leaves. It is
// checked by assertion rather than added to Session directly so a
// Session with no such bookkeeping (like a test fake) need not
// implement it.
type closeMailboxer interface {
	CloseMailbox(name string)
}

func (c *Conn) closeMailbox() {
	if c.dn == nil {
		return
	}
	c.dn.Close()
	if closer, ok := c.session.(closeMailboxer); ok {
		closer.CloseMailbox(c.mboxName)
	}
	c.dn = nil
	c.mboxName = ""
	c.readOnly = false
	if c.p != nil && c.p.Mode == imapparser.ModeSelected {
		c.p.Mode = imapparser.ModeAuth
	}
}

// pushPendingLocked drains any unsolicited updates queued on dn before
// this command's own response, matching spec.md §4.5's "gather and
// send any remaining updates" rule applied at the top of every command
// (not just FETCH/STORE/EXPUNGE).
func (c *Conn) pushPendingLocked() {
	if c.dn == nil || !c.dn.HasPending() {
		return
	}
	for _, line := range c.dn.Drain() {
		c.writef("%s\r\n", line)
	}
}

