package dnview

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"citm/imap/imapparser"
	"citm/imf"
	"citm/msgstore"
)

// FetchedMsg is one FETCH response's assembled data, in requested
// item order, ready to wrap in "* <seq> FETCH (...)". citmserver joins
// every field's Text with a space and, where Literal is non-nil,
// writes it as a {n}-prefixed literal instead of inlining Text.
type FetchedMsg struct {
	SeqNum int
	Fields []FetchField
}

// FetchField is one rendered FETCH data item, e.g. `UID 7` or
// `BODY[TEXT]` paired with its literal content.
type FetchField struct {
	Text    string // e.g. "UID 7", "FLAGS (\Seen)", or "BODY[TEXT]" when Literal is set
	Literal []byte
}

// Fetch resolves seqs against the current view and renders each
// requested item. A non-PEEK BODY/RFC822 item implicitly sets \Seen
// on every matched message lacking it first, so the FLAGS this same
// call returns already reflect it.
func (d *Dn) Fetch(seqs []imapparser.SeqRange, byUID bool, items []imapparser.FetchItem) ([]FetchedMsg, error) {
	d.mu.Lock()
	if d.view == nil {
		d.mu.Unlock()
		return nil, msgstore.NewError(msgstore.KindValue, "FETCH before SELECT")
	}
	matched := d.resolveLocked(seqs, byUID)
	dir := d.mbox.Dir()
	d.mu.Unlock()

	items = expandFetchMacros(items)
	needsSeen := fetchTouchesBody(items)
	if needsSeen && !d.readOnly {
		var keys []msgstore.MsgKey
		for _, m := range matched {
			if !m.Flags.Seen {
				keys = append(keys, m.Key)
			}
		}
		if len(keys) > 0 {
			req := msgstore.UpdateReq{Kind: msgstore.ReqStore, Keys: keys, StoreMode: msgstore.StoreAdd, StoreFlags: msgstore.Flags{Seen: true}}
			if err := d.mbox.ApplyUpdateReq(d, req); err != nil {
				return nil, err
			}
			matched = d.resolveLocked2(matched)
		}
	}

	out := make([]FetchedMsg, 0, len(matched))
	for _, m := range matched {
		fm := FetchedMsg{SeqNum: seqNumOf(d, m)}
		if byUID {
			fm.Fields = append(fm.Fields, FetchField{Text: "UID " + strconv.FormatUint(uint64(m.UIDDn), 10)})
		}
		for _, item := range items {
			text, literal, err := d.fetchField(dir, m, item)
			if err != nil {
				return nil, err
			}
			if text == "" {
				continue
			}
			fm.Fields = append(fm.Fields, FetchField{Text: text, Literal: literal})
		}
		out = append(out, fm)
	}
	return out, nil
}

// resolveLocked2 re-reads the current Flags for each previously
// matched message after a side-effecting STORE, since matched was
// snapshotted before ApplyUpdateReq ran.
func (d *Dn) resolveLocked2(prev []msgstore.Msg) []msgstore.Msg {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return prev
	}
	out := make([]msgstore.Msg, 0, len(prev))
	for _, old := range prev {
		if seq, ok := d.view.SeqNum(old.UIDDn); ok {
			if cur, ok := d.view.At(seq); ok {
				out = append(out, cur)
				continue
			}
		}
		out = append(out, old)
	}
	return out
}

func seqNumOf(d *Dn, m msgstore.Msg) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.view == nil {
		return 0
	}
	seq, _ := d.view.SeqNum(m.UIDDn)
	return seq
}

// expandFetchMacros resolves the ALL/FAST/FULL macro items into their
// RFC 3501 §6.4.5 constituent parts; the scanner never expands these
// itself (spec.md leaves the macro item as-is in the parsed Command).
func expandFetchMacros(items []imapparser.FetchItem) []imapparser.FetchItem {
	if len(items) != 1 {
		return items
	}
	fast := []imapparser.FetchItem{
		{Type: imapparser.FetchFlags},
		{Type: imapparser.FetchInternalDate},
		{Type: imapparser.FetchRFC822Size},
	}
	switch items[0].Type {
	case imapparser.FetchFast:
		return fast
	case imapparser.FetchAll:
		return append(fast, imapparser.FetchItem{Type: imapparser.FetchEnvelope})
	case imapparser.FetchFull:
		// RFC 3501's FULL also includes BODY (the structure, not
		// content); BODYSTRUCTURE is out of scope here, so FULL
		// degrades to ALL's fields. See DESIGN.md's dnview entry.
		return append(fast, imapparser.FetchItem{Type: imapparser.FetchEnvelope})
	default:
		return items
	}
}

func fetchTouchesBody(items []imapparser.FetchItem) bool {
	for _, it := range items {
		if it.Peek {
			continue
		}
		switch it.Type {
		case imapparser.FetchBody, imapparser.FetchRFC822Text, imapparser.FetchRFC822Header, imapparser.FetchFull, imapparser.FetchAll:
			return true
		}
	}
	return false
}

// fetchField renders one FetchItem for one message: the response name
// (and inline value, for fixed-size items) plus, for a BODY/RFC822
// content item, the raw bytes the caller should frame as a literal.
func (d *Dn) fetchField(dir string, m msgstore.Msg, item imapparser.FetchItem) (field string, literal []byte, err error) {
	switch item.Type {
	case imapparser.FetchFlags:
		return "FLAGS (" + flagsToIMAP(m.Flags) + ")", nil, nil
	case imapparser.FetchUID:
		return "UID " + strconv.FormatUint(uint64(m.UIDDn), 10), nil, nil
	case imapparser.FetchInternalDate:
		return `INTERNALDATE "` + m.InternalDate.Format(imapInternalDateLayout) + `"`, nil, nil
	case imapparser.FetchRFC822Size:
		return "RFC822.SIZE " + strconv.FormatInt(m.Length, 10), nil, nil
	case imapparser.FetchModSeq:
		return "MODSEQ (" + strconv.FormatUint(m.Mod.ModSeq, 10) + ")", nil, nil
	case imapparser.FetchEnvelope:
		env, err := d.buildEnvelope(dir, m)
		if err != nil {
			return "", nil, err
		}
		return "ENVELOPE " + env, nil, nil
	case imapparser.FetchBody, imapparser.FetchRFC822Text, imapparser.FetchRFC822Header:
		name, content, err := d.readBodySection(dir, m, item)
		if err != nil {
			return "", nil, err
		}
		return name, content, nil
	default:
		return "", nil, nil
	}
}

const imapInternalDateLayout = "02-Jan-2006 15:04:05 -0700"

func flagsToIMAP(f msgstore.Flags) string {
	var parts []string
	if f.Answered {
		parts = append(parts, `\Answered`)
	}
	if f.Flagged {
		parts = append(parts, `\Flagged`)
	}
	if f.Deleted {
		parts = append(parts, `\Deleted`)
	}
	if f.Seen {
		parts = append(parts, `\Seen`)
	}
	if f.Draft {
		parts = append(parts, `\Draft`)
	}
	return strings.Join(parts, " ")
}

func msgPath(dir string, m msgstore.Msg) string {
	return filepath.Join(dir, m.Subdir.String(), m.Filename)
}

func openMsg(dir string, m msgstore.Msg) (*imf.Reader, *os.File, error) {
	f, err := os.Open(msgPath(dir, m))
	if err != nil {
		return nil, nil, msgstore.WrapError(msgstore.KindOS, "open message file", err)
	}
	return imf.NewReader(bufio.NewReader(f)), f, nil
}

// readBodySection renders BODY[...]/RFC822[.HEADER|.TEXT] content.
func (d *Dn) readBodySection(dir string, m msgstore.Msg, item imapparser.FetchItem) (name string, content []byte, err error) {
	r, f, err := openMsg(dir, m)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	hdr, herr := r.ReadMIMEHeader()
	if herr != nil && herr != io.EOF {
		return "", nil, msgstore.WrapError(msgstore.KindOS, "read message header", herr)
	}

	respName := bodyResponseName(item)

	switch {
	case item.Type == imapparser.FetchRFC822Header || item.Section.Name == "HEADER":
		return respName, encodeHeader(hdr, nil, false), nil
	case item.Section.Name == "HEADER.FIELDS":
		return respName, encodeHeader(hdr, item.Section.Headers, false), nil
	case item.Section.Name == "HEADER.FIELDS.NOT":
		return respName, encodeHeader(hdr, item.Section.Headers, true), nil
	case item.Section.Name == "TEXT" || item.Type == imapparser.FetchRFC822Text:
		rest, err := io.ReadAll(r)
		if err != nil {
			return "", nil, msgstore.WrapError(msgstore.KindOS, "read message body", err)
		}
		return respName, rest, nil
	default:
		// BODY[] / RFC822: whole message, header re-encoded then body.
		var buf strings.Builder
		hdr.Encode(&buf)
		rest, err := io.ReadAll(r)
		if err != nil {
			return "", nil, msgstore.WrapError(msgstore.KindOS, "read message body", err)
		}
		return respName, append([]byte(buf.String()), rest...), nil
	}
}

func bodyResponseName(item imapparser.FetchItem) string {
	if item.Type == imapparser.FetchRFC822Header {
		return "RFC822.HEADER"
	}
	if item.Type == imapparser.FetchRFC822Text {
		return "RFC822.TEXT"
	}
	prefix := "BODY"
	section := item.Section.Name
	if section == "HEADER.FIELDS" || section == "HEADER.FIELDS.NOT" {
		var names []string
		for _, h := range item.Section.Headers {
			names = append(names, string(h))
		}
		section = section + " (" + strings.Join(names, " ") + ")"
	}
	return prefix + "[" + section + "]"
}

func encodeHeader(hdr imf.Header, fields [][]byte, invert bool) []byte {
	if len(fields) == 0 && !invert {
		var buf strings.Builder
		hdr.Encode(&buf)
		return []byte(buf.String())
	}
	want := make(map[imf.Key]bool, len(fields))
	for _, f := range fields {
		want[imf.CanonicalKey(f)] = true
	}
	var out imf.Header
	for _, key := range headerKeysInOrder(hdr) {
		if want[key] == invert {
			continue
		}
		out.Add(key, hdr.Get(key))
	}
	var buf strings.Builder
	out.Encode(&buf)
	return []byte(buf.String())
}

func headerKeysInOrder(hdr imf.Header) []imf.Key {
	seen := make(map[imf.Key]bool, len(hdr.Entries))
	keys := make([]imf.Key, 0, len(hdr.Entries))
	for _, entry := range hdr.Entries {
		if !seen[entry.Key] {
			seen[entry.Key] = true
			keys = append(keys, entry.Key)
		}
	}
	return keys
}
