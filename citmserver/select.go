package citmserver

import "citm/imap/imapparser"

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command
	c.closeMailbox()

	readOnly := cmd.Name == "EXAMINE"
	dn, err := c.session.OpenMailbox(string(cmd.Mailbox))
	if err != nil {
		c.p.Mode = imapparser.ModeAuth
		c.respondln("NO %v", err)
		return
	}
	c.dn = dn
	c.mboxName = string(cmd.Mailbox)
	c.p.Mode = imapparser.ModeSelected

	res := dn.Select(readOnly, cmd.Condstore)
	c.readOnly = res.ReadOnly
	c.uidvldDn = res.UIDValidityDn

	c.writef("* %d EXISTS\r\n", res.Exists)
	c.writef("* %d RECENT\r\n", res.Recent)
	c.writeFlagsLine(res.Flags)
	if res.UnseenSeq > 0 {
		c.writef("* OK [UNSEEN %d]\r\n", res.UnseenSeq)
	}
	if res.ReadOnly {
		c.writef("* OK [PERMANENTFLAGS ()] No permanent flags permitted\r\n")
	} else {
		c.writePermanentFlagsLine(res.PermanentFlags)
	}
	c.writef("* OK [HIGHESTMODSEQ %d]\r\n", res.HighestModSeq)
	c.writef("* OK [UIDVALIDITY %d]\r\n", res.UIDValidityDn)
	c.writef("* OK [UIDNEXT %d]\r\n", res.UIDNext)

	if res.ReadOnly {
		c.respondln("OK [READ-ONLY] EXAMINE completed")
	} else {
		c.respondln("OK [READ-WRITE] SELECT completed")
	}
}

func (c *Conn) writeFlagsLine(flags []string) {
	c.writef("* FLAGS (")
	for i, f := range flags {
		if i > 0 {
			c.writef(" ")
		}
		c.writef("%s", f)
	}
	c.writef(")\r\n")
}

func (c *Conn) writePermanentFlagsLine(flags []string) {
	c.writef("* OK [PERMANENTFLAGS (")
	for i, f := range flags {
		if i > 0 {
			c.writef(" ")
		}
		c.writef("%s", f)
	}
	c.writef(` \*)] Ok` + "\r\n")
}
