package fetcher

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"citm/msgstore"
)

// MailboxAttrs is one upstream mailbox's LIST/LSUB entry, before it is
// assembled into a sorted-by-name MailboxNode tree.
type MailboxAttrs struct {
	Name      string
	Delimiter string
	Attrs     []string
}

// MailboxNode is one node of the hierarchical tree Fetcher.List and
// Fetcher.Lsub build from a flat LIST/LSUB response, sorted by name at
// every level (spec.md §4.7's "sorted-by-name trees").
type MailboxNode struct {
	MailboxAttrs
	Children []*MailboxNode
}

var listLineRe = regexp.MustCompile(`^LIST\s+\(([^)]*)\)\s+(?:"([^"]*)"|NIL)\s+(.+)$`)
var lsubLineRe = regexp.MustCompile(`^LSUB\s+\(([^)]*)\)\s+(?:"([^"]*)"|NIL)\s+(.+)$`)

func parseMailboxLine(re *regexp.Regexp, text string) (MailboxAttrs, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return MailboxAttrs{}, false
	}
	name := strings.TrimSpace(m[3])
	name = strings.Trim(name, `"`)
	var attrs []string
	if m[1] != "" {
		attrs = strings.Fields(m[1])
	}
	return MailboxAttrs{Name: name, Delimiter: m[2], Attrs: attrs}, true
}

// runPassthrough issues line over the control connection and returns
// every untagged response's text alongside the tagged completion's
// status and text, used both to implement the typed List/Status/
// Create/... helpers below and to relay a client's passthrough
// command verbatim.
func (f *Fetcher) runPassthrough(ctx context.Context, line string) (untagged []string, status, text string, err error) {
	f.mu.Lock()
	c := f.control
	f.mu.Unlock()
	if c == nil {
		return nil, "", "", msgstore.NewError(msgstore.KindValue, "passthrough issued before Login")
	}

	raw, tagged, err := c.issue(line)
	if err != nil {
		return nil, "", "", err
	}
	for _, r := range raw {
		untagged = append(untagged, r.text)
	}
	return untagged, tagged.statusWord(), tagged.text, nil
}

// Passthrough relays a verbatim passthrough command (LIST, LSUB,
// STATUS, CREATE, DELETE, SUBSCRIBE, UNSUBSCRIBE) over the control
// connection exactly as the client sent it, for SF-Pair to forward a
// command citmserver can't answer from local state.
func (f *Fetcher) Passthrough(ctx context.Context, line string) (untagged []string, ok bool, text string, err error) {
	untagged, status, text, err := f.runPassthrough(ctx, line)
	return untagged, status == "OK", text, err
}

// List issues LIST reference pattern and returns the matching
// mailboxes assembled into a "/"-delimited tree sorted by name.
func (f *Fetcher) List(ctx context.Context, reference, pattern string) ([]*MailboxNode, error) {
	untagged, status, text, err := f.runPassthrough(ctx, "LIST "+imapQuote(reference)+" "+imapQuote(pattern))
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, msgstore.NewError(msgstore.KindResponse, "upstream rejected LIST: "+text)
	}
	return buildMailboxTree(untagged, listLineRe), nil
}

// Lsub behaves like List but against the subscribed mailbox list.
func (f *Fetcher) Lsub(ctx context.Context, reference, pattern string) ([]*MailboxNode, error) {
	untagged, status, text, err := f.runPassthrough(ctx, "LSUB "+imapQuote(reference)+" "+imapQuote(pattern))
	if err != nil {
		return nil, err
	}
	if status != "OK" {
		return nil, msgstore.NewError(msgstore.KindResponse, "upstream rejected LSUB: "+text)
	}
	return buildMailboxTree(untagged, lsubLineRe), nil
}

func buildMailboxTree(lines []string, re *regexp.Regexp) []*MailboxNode {
	var leaves []MailboxAttrs
	for _, l := range lines {
		if attrs, ok := parseMailboxLine(re, l); ok {
			leaves = append(leaves, attrs)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Name < leaves[j].Name })

	byName := map[string]*MailboxNode{}
	var roots []*MailboxNode
	for _, a := range leaves {
		node := &MailboxNode{MailboxAttrs: a}
		byName[a.Name] = node

		delim := a.Delimiter
		if delim == "" {
			roots = append(roots, node)
			continue
		}
		idx := strings.LastIndex(a.Name, delim)
		if idx < 0 {
			roots = append(roots, node)
			continue
		}
		parentName := a.Name[:idx]
		if parent, ok := byName[parentName]; ok {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// StatusInfo is a parsed upstream STATUS response.
type StatusInfo struct {
	Messages      uint32
	UIDNext       uint32
	UIDValidity   uint32
	Unseen        uint32
	HighestModSeq uint64
}

var statusItemRe = regexp.MustCompile(`(MESSAGES|UIDNEXT|UIDVALIDITY|UNSEEN|HIGHESTMODSEQ)\s+(\d+)`)

// Status issues STATUS name (items...) and parses the response into a
// StatusInfo.
func (f *Fetcher) Status(ctx context.Context, name string, items string) (StatusInfo, error) {
	untagged, status, text, err := f.runPassthrough(ctx, "STATUS "+imapQuote(name)+" ("+items+")")
	if err != nil {
		return StatusInfo{}, err
	}
	if status != "OK" {
		return StatusInfo{}, msgstore.NewError(msgstore.KindResponse, "upstream rejected STATUS: "+text)
	}
	var info StatusInfo
	for _, l := range untagged {
		for _, m := range statusItemRe.FindAllStringSubmatch(l, -1) {
			n, err := strconv.ParseUint(m[2], 10, 64)
			if err != nil {
				continue
			}
			switch m[1] {
			case "MESSAGES":
				info.Messages = uint32(n)
			case "UIDNEXT":
				info.UIDNext = uint32(n)
			case "UIDVALIDITY":
				info.UIDValidity = uint32(n)
			case "UNSEEN":
				info.Unseen = uint32(n)
			case "HIGHESTMODSEQ":
				info.HighestModSeq = n
			}
		}
	}
	return info, nil
}

func (f *Fetcher) simpleOK(ctx context.Context, line, failMsg string) error {
	_, status, text, err := f.runPassthrough(ctx, line)
	if err != nil {
		return err
	}
	if status != "OK" {
		return msgstore.NewError(msgstore.KindResponse, failMsg+": "+text)
	}
	return nil
}

func (f *Fetcher) Create(ctx context.Context, name string) error {
	return f.simpleOK(ctx, "CREATE "+imapQuote(name), "upstream rejected CREATE")
}

func (f *Fetcher) Delete(ctx context.Context, name string) error {
	return f.simpleOK(ctx, "DELETE "+imapQuote(name), "upstream rejected DELETE")
}

func (f *Fetcher) Rename(ctx context.Context, oldName, newName string) error {
	return f.simpleOK(ctx, "RENAME "+imapQuote(oldName)+" "+imapQuote(newName), "upstream rejected RENAME")
}

func (f *Fetcher) Subscribe(ctx context.Context, name string) error {
	return f.simpleOK(ctx, "SUBSCRIBE "+imapQuote(name), "upstream rejected SUBSCRIBE")
}

func (f *Fetcher) Unsubscribe(ctx context.Context, name string) error {
	return f.simpleOK(ctx, "UNSUBSCRIBE "+imapQuote(name), "upstream rejected UNSUBSCRIBE")
}
