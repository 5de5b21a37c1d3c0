package citmserver

import "citm/imap/imapparser"

func (c *Conn) cmdCopy() {
	cmd := &c.p.Command
	if c.dn == nil {
		c.respondln("BAD COPY before SELECT")
		return
	}

	srcUIDs, err := c.dn.Copy(cmd.Sequences, cmd.UID, string(cmd.Mailbox))
	if err != nil {
		c.respondln("NO COPY %v", err)
		return
	}

	// Up pushes the COPY upstream asynchronously (see DESIGN.md's
	// mailbox entry), so the real destination UIDs aren't known by the
	// time this command completes; COPYUID here echoes the source UIDs
	// on both sides, same approximation citmserver already makes for
	// any update that only settles after Up catches up.
	var ranges []imapparser.SeqRange
	for _, uid := range srcUIDs {
		ranges = imapparser.AppendSeqRange(ranges, uid)
	}
	c.writef("* OK [COPYUID %d ", c.uidvldDn)
	imapparser.FormatSeqs(c.bw, ranges)
	c.writef(" ")
	imapparser.FormatSeqs(c.bw, ranges)
	c.writef("]\r\n")

	c.pushPendingLocked()
	c.respondln("OK COPY completed")
}
