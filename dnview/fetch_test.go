package dnview

import (
	"strings"
	"testing"

	"citm/imap/imapparser"
	"citm/msgstore"
)

func fieldText(fm FetchedMsg, prefix string) (string, []byte, bool) {
	for _, f := range fm.Fields {
		if strings.HasPrefix(f.Text, prefix) {
			return f.Text, f.Literal, true
		}
	}
	return "", nil, false
}

func TestFetchFlagsAndUID(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{Seen: true, Flagged: true}, sampleMsg1)

	d := openSelectedDn(t, m)
	got, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{
		{Type: imapparser.FetchFlags},
		{Type: imapparser.FetchUID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	flags, _, ok := fieldText(got[0], "FLAGS")
	if !ok || !strings.Contains(flags, `\Seen`) || !strings.Contains(flags, `\Flagged`) {
		t.Fatalf("unexpected FLAGS field: %q", flags)
	}
	uid, _, ok := fieldText(got[0], "UID")
	if !ok || uid != "UID 1" {
		t.Fatalf("unexpected UID field: %q", uid)
	}
}

func TestFetchBodyPeekDoesNotMarkSeen(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)

	d := openSelectedDn(t, m)
	_, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{
		{Type: imapparser.FetchBody, Peek: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{{Type: imapparser.FetchFlags}})
	if err != nil {
		t.Fatal(err)
	}
	flags, _, _ := fieldText(got[0], "FLAGS")
	if strings.Contains(flags, `\Seen`) {
		t.Fatalf("BODY.PEEK must not mark \\Seen, got flags %q", flags)
	}
}

func TestFetchBodyWithoutPeekMarksSeen(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)

	d := openSelectedDn(t, m)
	got, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{
		{Type: imapparser.FetchBody},
		{Type: imapparser.FetchFlags},
	})
	if err != nil {
		t.Fatal(err)
	}
	flags, _, _ := fieldText(got[0], "FLAGS")
	if !strings.Contains(flags, `\Seen`) {
		t.Fatalf("plain BODY[] fetch should mark \\Seen, got flags %q", flags)
	}
	_, lit, ok := fieldText(got[0], "BODY[]")
	if !ok || !strings.Contains(string(lit), "body text") {
		t.Fatalf("expected BODY[] literal to contain message body, got %q", lit)
	}
}

func TestFetchHeaderFields(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)

	d := openSelectedDn(t, m)
	got, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{
		{Type: imapparser.FetchBody, Peek: true, Section: imapparser.FetchItemSection{
			Name:    "HEADER.FIELDS",
			Headers: [][]byte{[]byte("Subject")},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	_, lit, ok := fieldText(got[0], "BODY[HEADER.FIELDS")
	if !ok {
		t.Fatal("expected a BODY[HEADER.FIELDS (...)] field")
	}
	if !strings.Contains(string(lit), "Subject: hello") {
		t.Fatalf("expected Subject header in literal, got %q", lit)
	}
	if strings.Contains(string(lit), "From:") {
		t.Fatalf("HEADER.FIELDS (Subject) must not include From, got %q", lit)
	}
}

func TestFetchEnvelope(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)

	d := openSelectedDn(t, m)
	got, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{{Type: imapparser.FetchEnvelope}})
	if err != nil {
		t.Fatal(err)
	}
	env, _, ok := fieldText(got[0], "ENVELOPE")
	if !ok {
		t.Fatal("expected ENVELOPE field")
	}
	if !strings.Contains(env, `"hello"`) {
		t.Fatalf("expected subject in envelope, got %q", env)
	}
	if !strings.Contains(env, `"alice"`) || !strings.Contains(env, `"example.com"`) {
		t.Fatalf("expected from address parts in envelope, got %q", env)
	}
}

func TestFetchAllMacroExpands(t *testing.T) {
	m := newTestMailbox(t)
	addFilledMsg(t, m, 1, msgstore.Flags{}, sampleMsg1)

	d := openSelectedDn(t, m)
	got, err := d.Fetch([]imapparser.SeqRange{{Min: 1, Max: 1}}, false, []imapparser.FetchItem{{Type: imapparser.FetchAll}})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"} {
		if _, _, ok := fieldText(got[0], want); !ok {
			t.Errorf("expected ALL to expand into %s, fields were %+v", want, got[0].Fields)
		}
	}
}
