package citmserver

func (c *Conn) cmdStore() {
	cmd := &c.p.Command
	if c.dn == nil {
		c.respondln("BAD STORE before SELECT")
		return
	}

	res, err := c.dn.Store(cmd.Sequences, cmd.UID, cmd.Store)
	if err != nil {
		c.respondln("NO STORE %v", err)
		return
	}
	for _, r := range res {
		c.writef("* %d FETCH (", r.SeqNum)
		needSpace := false
		if cmd.UID {
			c.writef("UID %d", r.UIDDn)
			needSpace = true
		}
		if needSpace {
			c.writef(" ")
		}
		c.writef("FLAGS (")
		for i, f := range r.Flags {
			if i > 0 {
				c.writef(" ")
			}
			c.writef("%s", f)
		}
		c.writef("))\r\n")
	}
	c.pushPendingLocked()
	c.respondln("OK STORE completed")
}
