package fetcher

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
)

// serveHandshake drives one side of a net.Pipe as a scripted upstream
// server answering exactly the CAPABILITY/LOGIN/CAPABILITY/ENABLE
// sequence handshake issues, then any additional commands found in
// extra (verb -> raw response lines, %TAG% substituted).
func serveHandshake(t *testing.T, nc net.Conn, caps string, extra map[string][]string) {
	t.Helper()
	go func() {
		br := bufio.NewReader(nc)
		bw := bufio.NewWriter(nc)
		bw.WriteString("* OK upstream ready\r\n")
		bw.Flush()

		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			tag, rest, ok := strings.Cut(line, " ")
			if !ok {
				continue
			}
			verb, _, _ := strings.Cut(rest, " ")
			verb = strings.ToUpper(verb)

			switch verb {
			case "CAPABILITY":
				bw.WriteString("* CAPABILITY " + caps + "\r\n")
				bw.WriteString(tag + " OK CAPABILITY completed\r\n")
			case "LOGIN":
				bw.WriteString(tag + " OK LOGIN completed\r\n")
			case "ENABLE":
				bw.WriteString("* ENABLED CONDSTORE QRESYNC\r\n")
				bw.WriteString(tag + " OK ENABLE completed\r\n")
			default:
				if lines, ok := extra[verb]; ok {
					for _, l := range lines {
						bw.WriteString(strings.ReplaceAll(l, "%TAG%", tag) + "\r\n")
					}
				} else {
					bw.WriteString(tag + " OK completed\r\n")
				}
			}
			bw.Flush()
		}
	}()
}

func newTestFetcher(t *testing.T, caps string, extra map[string][]string) *Fetcher {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	serveHandshake(t, server, caps, extra)

	f := &Fetcher{Log: hclog.NewNullLogger()}
	f.dialFn = func(ctx context.Context) (net.Conn, error) { return client, nil }
	return f
}

const fullCaps = "IMAP4rev1 ENABLE UIDPLUS CONDSTORE QRESYNC"

func TestLoginSucceedsWithFullCapabilities(t *testing.T) {
	f := newTestFetcher(t, fullCaps, nil)
	if err := f.Login(context.Background(), []byte("alice"), []byte("secret")); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
}

func TestLoginRejectsMissingCapability(t *testing.T) {
	f := newTestFetcher(t, "IMAP4rev1 ENABLE UIDPLUS CONDSTORE", nil)
	err := f.Login(context.Background(), []byte("alice"), []byte("secret"))
	if err == nil {
		t.Fatal("expected Login to fail on missing QRESYNC")
	}
	if !strings.Contains(err.Error(), "QRESYNC") {
		t.Fatalf("expected error to name QRESYNC, got %v", err)
	}
}

func TestOpenMailboxBeforeLoginFails(t *testing.T) {
	f := newTestFetcher(t, fullCaps, nil)
	if _, err := f.OpenMailbox(context.Background(), nil, "INBOX", true); err == nil {
		t.Fatal("expected OpenMailbox before Login to fail")
	}
}

func TestListBuildsSortedTree(t *testing.T) {
	extra := map[string][]string{
		"LIST": {
			`* LIST () "/" INBOX`,
			`* LIST (\HasChildren) "/" Work`,
			`* LIST (\HasNoChildren) "/" Work/Projects`,
			`%TAG% OK LIST completed`,
		},
	}
	f := newTestFetcher(t, fullCaps, extra)
	if err := f.Login(context.Background(), []byte("alice"), []byte("secret")); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	roots, err := f.List(context.Background(), "", "*")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 root mailboxes (INBOX, Work), got %d: %+v", len(roots), roots)
	}
	if roots[0].Name != "INBOX" || roots[1].Name != "Work" {
		t.Fatalf("expected sorted [INBOX Work], got [%s %s]", roots[0].Name, roots[1].Name)
	}
	if len(roots[1].Children) != 1 || roots[1].Children[0].Name != "Work/Projects" {
		t.Fatalf("expected Work/Projects nested under Work, got %+v", roots[1].Children)
	}
}

func TestStatusParsesItems(t *testing.T) {
	extra := map[string][]string{
		"STATUS": {
			`* STATUS INBOX (MESSAGES 12 UIDNEXT 44 UIDVALIDITY 7 UNSEEN 3 HIGHESTMODSEQ 901)`,
			`%TAG% OK STATUS completed`,
		},
	}
	f := newTestFetcher(t, fullCaps, extra)
	if err := f.Login(context.Background(), []byte("alice"), []byte("secret")); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	info, err := f.Status(context.Background(), "INBOX", "MESSAGES UIDNEXT UIDVALIDITY UNSEEN HIGHESTMODSEQ")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if info.Messages != 12 || info.UIDNext != 44 || info.UIDValidity != 7 || info.Unseen != 3 || info.HighestModSeq != 901 {
		t.Fatalf("unexpected StatusInfo: %+v", info)
	}
}

func TestPassthroughRelaysVerbatim(t *testing.T) {
	extra := map[string][]string{
		"CREATE": {`%TAG% OK CREATE completed`},
	}
	f := newTestFetcher(t, fullCaps, extra)
	if err := f.Login(context.Background(), []byte("alice"), []byte("secret")); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	_, ok, _, err := f.Passthrough(context.Background(), `CREATE "Archive"`)
	if err != nil {
		t.Fatalf("Passthrough failed: %v", err)
	}
	if !ok {
		t.Fatal("expected Passthrough CREATE to report OK")
	}
}
