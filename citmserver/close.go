package citmserver

// cmdClose implements CLOSE: expunge every \Deleted message silently
// (no untagged EXPUNGE lines, per RFC 3501), then return to the
// authenticated state.
func (c *Conn) cmdClose() {
	if c.dn == nil {
		c.respondln("BAD CLOSE before SELECT")
		return
	}
	if !c.readOnly {
		if _, err := c.dn.Expunge(nil, false); err != nil {
			c.respondln("NO CLOSE %v", err)
			return
		}
	}
	c.closeMailbox()
	c.respondln("OK CLOSE completed")
}
