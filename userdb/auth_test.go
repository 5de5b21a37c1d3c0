package userdb_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"citm/userdb"
)

func TestAuthenticatorLogin(t *testing.T) {
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
	const username = "alice"
	const password = "agenericpassword"
	userID, err := userdb.AddUser(conn, userdb.UserDetails{
		Username:           username,
		Password:           password,
		KeypairFingerprint: "deadbeef",
		UpstreamHost:       "imap.example.com:993",
		UpstreamUsername:   "alice@example.com",
		UpstreamPassword:   "upstreamsecret",
	})
	if err != nil {
		t.Fatal(err)
	}
	dbpool.Put(conn)

	ctx := context.Background()
	var log string

	a := &userdb.Authenticator{
		Logf: func(format string, v ...interface{}) {
			log = fmt.Sprintf(format, v...)
		},
		Where: "test",
		DB:    dbpool,
	}
	if u, err := a.Login(ctx, "remote1", username, password); err != nil {
		t.Errorf("Login failed: %v", err)
	} else if u.UserID != userID {
		t.Errorf("Login matched userID %d, want %d", u.UserID, userID)
	}
	if log == "" {
		t.Error("log missing")
	} else if !strings.Contains(log, username) {
		t.Errorf("log does not mention username %q", username)
	}

	log = ""
	if _, err := a.Login(ctx, "", username, "wrongpassword"); err != userdb.ErrBadCredentials {
		t.Errorf("Login with bad password want ErrBadCredentials, got %v", err)
	}

	if _, err := a.Login(ctx, "", "nosuchuser", password); err != userdb.ErrBadCredentials {
		t.Errorf("Login with unknown username want ErrBadCredentials, got %v", err)
	}
}
