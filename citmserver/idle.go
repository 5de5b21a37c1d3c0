package citmserver

import (
	"strings"
	"time"
)

// idlePollInterval bounds how long cmdIdle blocks on a read before
// checking for queued unsolicited updates; it stands in for the
// teacher's callback-queue wakeup, since this Conn has no asynchronous
// push path into its own write buffer from another goroutine.
const idlePollInterval = 200 * time.Millisecond

// cmdIdle implements RFC 2177: announce readiness, then alternate
// between pushing any unsolicited update queued on dn and checking for
// the client's terminating DONE line, until DONE arrives or the
// connection errors.
func (c *Conn) cmdIdle() {
	if c.dn == nil {
		c.respondln("BAD IDLE before SELECT")
		return
	}
	c.writef("+ idling\r\n")
	if err := c.bw.Flush(); err != nil {
		c.respondln("BAD IDLE terminated: %v", err)
		return
	}

	c.bwMu.Unlock()
	line, err := c.idleLoop()
	c.bwMu.Lock()

	if err != nil {
		c.respondln("BAD IDLE terminated: %v", err)
		return
	}
	if !strings.EqualFold(line, "DONE\r\n") {
		c.respondln("BAD IDLE terminated: unrecognized response: %q", line)
		return
	}
	c.respondln("OK IDLE terminated")
}

func (c *Conn) idleLoop() (string, error) {
	for {
		c.netConn.SetReadDeadline(time.Now().Add(idlePollInterval))
		sl, err := c.br.ReadSlice('\n')
		if err == nil {
			c.netConn.SetReadDeadline(time.Time{})
			return string(sl), nil
		}
		if !isTimeout(err) {
			return "", err
		}
		if c.dn.HasPending() {
			c.bwMu.Lock()
			for _, l := range c.dn.Drain() {
				c.writef("%s\r\n", l)
			}
			c.bw.Flush()
			c.bwMu.Unlock()
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
