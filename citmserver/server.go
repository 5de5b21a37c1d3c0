// Package citmserver implements the downward-facing half of the proxy:
// the IMAP state machine a connecting mail client actually talks to
// (spec.md §4.7's Server). It owns PREAUTH/AUTH/SELECTED mode
// transitions and dispatches SELECT/FETCH/STORE/SEARCH/EXPUNGE/COPY/
// IDLE to a dnview.Dn; everything upstream of LOGIN is handled by
// whatever Backend the caller supplies (sfpair.Pair in the running
// proxy).
package citmserver

import (
	"bufio"
	"crypto/rand"
	"encoding/base32"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"

	"crawshaw.io/iox"

	"citm/metrics"
)

// Server accepts downward connections and serves each with its own
// Conn, grounded on imapserver.Server's one-struct-of-shared-config
// shape; unlike the teacher, accept-loop/backoff lives in
// transport.Listener, so Server itself only needs HandleConn.
type Server struct {
	Filer   *iox.Filer
	Log     hclog.Logger
	Backend Backend

	// Version is reported in the ID response.
	Version string

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
}

// HandleConn serves one accepted downward net.Conn until the client
// disconnects or LOGOUT closes it. It is the function passed to
// transport.Listener.Serve.
func (s *Server) HandleConn(nc net.Conn) {
	sessionID, err := genSessionID()
	if err != nil {
		s.Log.Error("generating session id failed", "error", err)
		nc.Close()
		return
	}
	log := s.Log.Named("conn").With("session", sessionID)

	c := &Conn{
		ID:      sessionID,
		Log:     log,
		server:  s,
		netConn: nc,
		br:      bufio.NewReader(nc),
		bw:      bufio.NewWriter(nc),
	}

	s.connsMu.Lock()
	if s.conns == nil {
		s.conns = make(map[*Conn]struct{})
	}
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	metrics.ActiveDnSessions.Inc()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
		metrics.ActiveDnSessions.Dec()
	}()

	c.serve()
}

// Shutdown closes every currently-open downward connection. It does
// not stop new connections from being accepted; callers close the
// transport.Listener first.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

func genSessionID() (string, error) {
	b := make([]byte, 10)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(b), nil
}
