package userdb

import (
	"context"
	"errors"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"citm/util/throttle"
	"golang.org/x/crypto/bcrypt"
)

// Authenticator verifies the downward-facing LOGIN credentials
// presented to citmserver.Server against the local account registry.
type Authenticator struct {
	DB       *sqlitex.Pool
	Throttle throttle.Throttle
	Logf     func(format string, v ...interface{})
	Where    string
}

var errAuthFailed = errors.New("authenticator: internal error")
var ErrBadCredentials = errors.New("authenticator: bad credentials")
var ErrLocked = errors.New("authenticator: account locked")

// Login verifies username/password and returns the full account
// record, including the keypair fingerprint and upstream credentials
// sfpair needs to open the paired upward connection.
func (a *Authenticator) Login(ctx context.Context, remoteAddr, username, password string) (*User, error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := &Log{
		Where: a.Where,
		What:  "login",
		When:  start,
		Data: map[string]interface{}{
			"remote_addr": remoteAddr,
			"username":    username,
		},
	}
	var err error
	defer func() {
		log.Duration = time.Since(start)
		log.Err = err
		a.Logf("%s", log.String())
	}()

	a.Throttle.Throttle(remoteAddr)
	a.Throttle.Throttle(username)
	defer func() {
		if err != nil {
			a.Throttle.Add(remoteAddr)
			a.Throttle.Add(username)
		}
	}()

	user, loadErr := LoadUser(conn, username)
	if loadErr != nil {
		if loadErr == ErrUnknownUser {
			err = ErrBadCredentials
			return nil, err
		}
		err = loadErr
		return nil, err
	}

	if cmpErr := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); cmpErr != nil {
		err = ErrBadCredentials
		return nil, err
	}

	if user.Locked {
		err = ErrLocked
		return nil, err
	}

	log.Data["user_id"] = user.UserID
	return user, nil
}
