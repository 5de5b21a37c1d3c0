package citmserver

func (c *Conn) cmdSearch() {
	cmd := &c.p.Command
	if c.dn == nil {
		c.respondln("BAD SEARCH before SELECT")
		return
	}

	results, err := c.dn.Search(cmd.Search, cmd.UID)
	if err != nil {
		c.respondln("NO SEARCH %v", err)
		return
	}
	c.writef("* SEARCH")
	for _, n := range results {
		c.writef(" %d", n)
	}
	c.writef("\r\n")
	c.pushPendingLocked()
	uidStr := ""
	if cmd.UID {
		uidStr = "UID "
	}
	c.respondln("OK %sSEARCH completed", uidStr)
}
