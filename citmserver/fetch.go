package citmserver

func (c *Conn) cmdFetch() {
	cmd := &c.p.Command
	if c.dn == nil {
		c.respondln("BAD FETCH before SELECT")
		return
	}

	msgs, err := c.dn.Fetch(cmd.Sequences, cmd.UID, cmd.FetchItems)
	if err != nil {
		c.respondln("NO FETCH %v", err)
		return
	}
	for _, m := range msgs {
		c.writef("* %d FETCH (", m.SeqNum)
		for i, f := range m.Fields {
			if i > 0 {
				c.writef(" ")
			}
			if f.Literal != nil {
				c.writef("%s ", f.Text)
				c.writeLiteral(f.Literal)
			} else {
				c.writef("%s", f.Text)
			}
		}
		c.writef(")\r\n")
	}
	c.pushPendingLocked()
	c.respondln("OK FETCH completed")
}
