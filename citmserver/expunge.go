package citmserver

func (c *Conn) cmdExpunge() {
	if c.dn == nil {
		c.respondln("BAD EXPUNGE before SELECT")
		return
	}
	cmd := &c.p.Command
	uidSeqs := cmd.Sequences
	restrict := cmd.UID
	if !restrict {
		uidSeqs = nil
	}

	res, err := c.dn.Expunge(uidSeqs, restrict)
	if err != nil {
		c.respondln("NO EXPUNGE %v", err)
		return
	}
	for _, r := range res {
		c.writef("* %d EXPUNGE\r\n", r.SeqNum)
	}
	c.pushPendingLocked()
	c.respondln("OK EXPUNGE completed")
}
