package msgstore

import (
	"fmt"
	"strconv"
	"strings"
)

const delivIDVersion = 1

// MaildirName is the parsed form of a plaintext message filename under
// cur/ or new/: "<epoch>.1,<uid_up>,<len>.<host>[:<info>]".
type MaildirName struct {
	Epoch  int64
	UIDUp  uint32
	Length int64
	Host   string
	Info   string
}

// ModHostname replaces '/' with "057" and ':' with "072" so a hostname
// can't collide with the filename's own field separators.
func ModHostname(host string) string {
	r := strings.NewReplacer("/", "057", ":", "072")
	return r.Replace(host)
}

// MaildirNameWrite renders the on-disk filename for a plaintext message
// body (spec.md §6 "On-disk layout").
func MaildirNameWrite(n MaildirName) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d,%d,%d.%s", n.Epoch, delivIDVersion, n.UIDUp, n.Length, ModHostname(n.Host))
	if n.Info != "" {
		b.WriteByte(':')
		b.WriteString(n.Info)
	}
	return b.String()
}

// MaildirNameParse parses a filename written by MaildirNameWrite. A
// name shorter than 16 bytes is reported as "not a maildir name" via
// ok=false rather than an error, matching the source's minimum-length
// short-circuit.
func MaildirNameParse(name string) (n MaildirName, ok bool, err error) {
	if len(name) < 16 {
		return MaildirName{}, false, nil
	}

	majorTokens := strings.SplitN(name, ":", 2)
	uniq := majorTokens[0]

	minorTokens := strings.SplitN(uniq, ".", 3)
	if len(minorTokens) != 3 {
		return MaildirName{}, false, NewError(KindParam, "wrong number of minor tokens in maildir name")
	}

	fields := strings.SplitN(minorTokens[1], ",", 3)
	if len(fields) != 3 {
		return MaildirName{}, false, NewError(KindParam, "wrong number of fields in maildir name")
	}

	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return MaildirName{}, false, WrapError(KindParam, "invalid delivery id version", err)
	}
	if version != delivIDVersion {
		return MaildirName{}, false, NewError(KindParam, "unsupported delivery id version")
	}

	epoch, err := strconv.ParseInt(minorTokens[0], 10, 64)
	if err != nil {
		return MaildirName{}, false, WrapError(KindParam, "invalid epoch in maildir name", err)
	}

	uidUp, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return MaildirName{}, false, WrapError(KindParam, "invalid uid_up in maildir name", err)
	}

	length, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return MaildirName{}, false, WrapError(KindParam, "invalid length in maildir name", err)
	}

	n = MaildirName{
		Epoch:  epoch,
		UIDUp:  uint32(uidUp),
		Length: length,
		Host:   minorTokens[2],
	}
	if len(majorTokens) == 2 {
		n.Info = majorTokens[1]
	}
	return n, true, nil
}
