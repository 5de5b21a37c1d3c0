package dnview

import (
	"io"
	"strings"

	"citm/imf"
	"citm/msgstore"
)

// buildEnvelope renders a FETCH ENVELOPE value from a message's
// on-disk header. Grouping, the rarely-used address form that lets a
// mailbox act as a named group of recipients, is not produced: the
// teacher's mail stack never emits it either, and every pack client
// treats a flat address list as equivalent.
func (d *Dn) buildEnvelope(dir string, m msgstore.Msg) (string, error) {
	r, f, err := openMsg(dir, m)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hdr, herr := r.ReadMIMEHeader()
	if herr != nil && herr != io.EOF {
		return "", msgstore.WrapError(msgstore.KindOS, "read message header for envelope", herr)
	}

	date := envString(hdr.Get("Date"))
	subject := envString(hdr.Get("Subject"))
	from := envAddrList(hdr.Get("From"))
	sender := envAddrList(hdr.Get("Sender"))
	if sender == "NIL" {
		sender = from
	}
	replyTo := envAddrList(hdr.Get("Reply-To"))
	if replyTo == "NIL" {
		replyTo = from
	}
	to := envAddrList(hdr.Get("To"))
	cc := envAddrList(hdr.Get("CC"))
	bcc := envAddrList(hdr.Get("BCC"))
	inReplyTo := envString(hdr.Get("In-Reply-To"))
	msgID := envString(hdr.Get("Message-ID"))

	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(date)
	b.WriteByte(' ')
	b.WriteString(subject)
	b.WriteByte(' ')
	b.WriteString(from)
	b.WriteByte(' ')
	b.WriteString(sender)
	b.WriteByte(' ')
	b.WriteString(replyTo)
	b.WriteByte(' ')
	b.WriteString(to)
	b.WriteByte(' ')
	b.WriteString(cc)
	b.WriteByte(' ')
	b.WriteString(bcc)
	b.WriteByte(' ')
	b.WriteString(inReplyTo)
	b.WriteByte(' ')
	b.WriteString(msgID)
	b.WriteByte(')')
	return b.String(), nil
}

func envString(v []byte) string {
	if len(v) == 0 {
		return "NIL"
	}
	return imapQuote(string(v))
}

func envAddrList(v []byte) string {
	if len(v) == 0 {
		return "NIL"
	}
	addrs, err := imf.ParseAddressList(string(v))
	if err != nil || len(addrs) == 0 {
		return "NIL"
	}
	var b strings.Builder
	b.WriteByte('(')
	for i, a := range addrs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(envOneAddr(a))
	}
	b.WriteByte(')')
	return b.String()
}

func envOneAddr(a *imf.Address) string {
	user, host := a.Addr, ""
	if i := strings.IndexByte(a.Addr, '@'); i >= 0 {
		user, host = a.Addr[:i], a.Addr[i+1:]
	}
	name := "NIL"
	if a.Name != "" {
		name = imapQuote(a.Name)
	}
	return "(" + name + " NIL " + imapQuote(user) + " " + imapQuote(host) + ")"
}

func imapQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
