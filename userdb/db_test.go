package userdb_test

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"citm/userdb"
)

func TestLog(t *testing.T) {
	now := time.Now()
	l := userdb.Log{
		Where:    "here",
		What:     "it",
		When:     now,
		Duration: 57 * time.Millisecond,
	}
	data := make(map[string]interface{})
	if err := json.Unmarshal([]byte(l.String()), &data); err != nil {
		t.Fatal(err)
	}
	if got, want := data["where"], "here"; got != want {
		t.Errorf("where=%q, want %q", got, want)
	}
	if got, want := data["what"], "it"; got != want {
		t.Errorf("where=%q, want %q", got, want)
	}
	if got, want := data["when"], now.Format(time.RFC3339Nano); got != want {
		t.Errorf("when=%q, want %q", got, want)
	}
	if got, want := data["duration"], "57ms"; got != want {
		t.Errorf("duration=%q, want %q", got, want)
	}

	l.Err = errors.New("an error msg")
	data = make(map[string]interface{})
	if err := json.Unmarshal([]byte(l.String()), &data); err != nil {
		t.Fatal(err)
	}
	if got, want := data["err"], l.Err.Error(); got != want {
		t.Errorf("err=%q, want %q", got, want)
	}

	l.Data = map[string]interface{}{"data1": 42}
	data = make(map[string]interface{})
	if err := json.Unmarshal([]byte(l.String()), &data); err != nil {
		t.Fatal(err)
	}
	if got, want := data["data"].(map[string]interface{})["data1"], float64(42); got != want {
		t.Errorf("data=%f, want %f", got, want)
	}
}

func TestAddUserAndLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "userdb-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("data store tempdir: %s", dir)
	dbpool, err := userdb.Open(filepath.Join(dir, "citm.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbpool.Close()

	conn := dbpool.Get(nil)
	defer dbpool.Put(conn)

	const username = "alice"
	userID, err := userdb.AddUser(conn, userdb.UserDetails{
		Username:           username,
		Password:           "agenericpassword",
		KeypairFingerprint: "deadbeef",
		UpstreamHost:       "imap.example.com:993",
		UpstreamUsername:   "alice@example.com",
		UpstreamPassword:   "upstreamsecret",
	})
	if err != nil {
		t.Fatal(err)
	}
	if userID == 0 {
		t.Fatal("expected non-zero user id")
	}

	if _, err := userdb.AddUser(conn, userdb.UserDetails{
		Username:           username,
		Password:           "anotherpassword",
		KeypairFingerprint: "cafef00d",
		UpstreamHost:       "imap.example.com:993",
		UpstreamUsername:   "alice@example.com",
		UpstreamPassword:   "upstreamsecret",
	}); err != userdb.ErrUserUnavailable {
		t.Fatalf("expected ErrUserUnavailable, got %v", err)
	}

	u, err := userdb.LoadUser(conn, "ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if u.UserID != userID {
		t.Errorf("user id = %d, want %d", u.UserID, userID)
	}
	if u.KeypairFingerprint != "deadbeef" {
		t.Errorf("fingerprint = %q, want %q", u.KeypairFingerprint, "deadbeef")
	}
	if u.UpstreamHost != "imap.example.com:993" {
		t.Errorf("upstream host = %q, want %q", u.UpstreamHost, "imap.example.com:993")
	}

	if err := userdb.AddKeyshare(conn, userID, "feedface"); err != nil {
		t.Fatal(err)
	}
	shares, err := userdb.LoadKeyshares(conn, userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(shares) != 1 || shares[0] != "feedface" {
		t.Errorf("keyshares = %v, want [feedface]", shares)
	}
}
