package citmserver

import "citm/imap/imapparser"

// cmdMailboxOp handles CREATE/DELETE/RENAME, each a thin relay onto the
// session's passthrough to the paired Fetcher (spec.md §4.7).
func (c *Conn) cmdMailboxOp(name, mailbox, newMailbox string) {
	var err error
	switch name {
	case "CREATE":
		err = c.session.CreateMailbox(mailbox)
	case "DELETE":
		err = c.session.DeleteMailbox(mailbox)
	case "RENAME":
		err = c.session.RenameMailbox(mailbox, newMailbox)
	}
	if err != nil {
		c.respondln("NO %s failed: %v", name, err)
		return
	}
	c.respondln("OK %s completed", name)
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command
	if len(cmd.List.ReferenceName) == 0 && len(cmd.List.MailboxGlob) == 0 {
		c.writef(`* %s (\Noselect) "/" ""`+"\r\n", cmd.Name)
		c.respondln("OK Success")
		return
	}

	list, err := c.session.Mailboxes()
	if err != nil {
		c.respondln("NO %s failed: %v", cmd.Name, err)
		return
	}
	hasChild := make(map[string]bool, len(list))
	for _, m := range list {
		if m.HasChildren {
			hasChild[m.Name] = true
		}
	}
	for _, m := range list {
		if !matchesListGlob(m.Name, string(cmd.List.MailboxGlob)) {
			continue
		}
		attrs := ""
		if m.Special != "" {
			attrs = m.Special
		}
		if m.HasChildren {
			if attrs != "" {
				attrs += " "
			}
			attrs += `\HasChildren`
		} else if cmd.Name != "LSUB" {
			if attrs != "" {
				attrs += " "
			}
			attrs += `\HasNoChildren`
		}
		c.writef("* %s (%s) \"/\" ", cmd.Name, attrs)
		c.writeString(m.Name)
		c.writef("\r\n")
	}
	c.respondln("OK Success")
}

// matchesListGlob implements IMAP's two LIST wildcards: '*' matches
// any sequence (including hierarchy delimiters), '%' matches any
// sequence except the hierarchy delimiter ('/').
func matchesListGlob(name, glob string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	return globMatch([]rune(glob), []rune(name))
}

func globMatch(pat, s []rune) bool {
	if len(pat) == 0 {
		return len(s) == 0
	}
	switch pat[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatch(pat[1:], s[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(s); i++ {
			if containsRune(s[:i], '/') {
				break
			}
			if globMatch(pat[1:], s[i:]) {
				return true
			}
		}
		return false
	default:
		if len(s) == 0 || s[0] != pat[0] {
			return false
		}
		return globMatch(pat[1:], s[1:])
	}
}

func containsRune(s []rune, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command
	info, err := c.session.StatusMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondln("NO STATUS failed: %v", err)
		return
	}

	c.writef("* STATUS ")
	c.writeString(string(cmd.Mailbox))
	c.writef(" (")
	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapparser.StatusMessages:
			c.writef("MESSAGES %d", info.Messages)
		case imapparser.StatusRecent:
			c.writef("RECENT %d", info.Recent)
		case imapparser.StatusUIDNext:
			c.writef("UIDNEXT %d", info.UIDNext)
		case imapparser.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", info.UIDValidity)
		case imapparser.StatusUnseen:
			c.writef("UNSEEN %d", info.Unseen)
		case imapparser.StatusHighestModSeq:
			c.writef("HIGHESTMODSEQ %d", info.HighestModSeq)
		}
	}
	c.writef(")\r\n")
	c.respondln("OK STATUS completed")
}
