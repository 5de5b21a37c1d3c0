package userdb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"
)

var ErrUserUnavailable = &UserError{UserMsg: "Username unavailable."}
var ErrUnknownUser = &UserError{UserMsg: "Unknown username or password."}

func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("userdb.Open: main init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("userdb.Open: main init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("userdb.Open: main init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("userdb.Open: main pool: %v", err)
	}
	return pool, nil
}

func Init(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -20000;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// UserDetails is the record needed to provision a local CITM account:
// the downward LOGIN credentials, the user's keypair fingerprint (used
// by cryptoengine to select the decryption key), and the upstream
// IMAP credentials this account is paired with.
type UserDetails struct {
	Username           string
	Password           string
	KeypairFingerprint string
	UpstreamHost       string
	UpstreamUsername   string
	UpstreamPassword   string
}

func (details *UserDetails) Validate() error {
	if details.Username == "" {
		return &UserError{UserMsg: "missing username"}
	}
	if len(details.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	if details.KeypairFingerprint == "" {
		return &UserError{UserMsg: "missing keypair fingerprint"}
	}
	if details.UpstreamHost == "" {
		return &UserError{UserMsg: "missing upstream host"}
	}
	return nil
}

func AddUser(conn *sqlite.Conn, details UserDetails) (userID int64, err error) {
	if err := details.Validate(); err != nil {
		return 0, err
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(details.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Users (
			UserID, Username, PassHash, KeypairFingerprint,
			UpstreamHost, UpstreamUsername, UpstreamPassword,
			Locked, Created
		) VALUES (
			$userID, $username, $passHash, $fingerprint,
			$upstreamHost, $upstreamUsername, $upstreamPassword,
			FALSE, $created
		);`)
	stmt.SetText("$username", strings.ToLower(details.Username))
	stmt.SetBytes("$passHash", passHash)
	stmt.SetText("$fingerprint", details.KeypairFingerprint)
	stmt.SetText("$upstreamHost", details.UpstreamHost)
	stmt.SetText("$upstreamUsername", details.UpstreamUsername)
	stmt.SetText("$upstreamPassword", details.UpstreamPassword)
	stmt.SetInt64("$created", time.Now().Unix())
	userID, err = sqlitex.InsertRandID(stmt, "$userID", 1, 1<<23)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, ErrUserUnavailable
		}
		return 0, err
	}

	return userID, nil
}

// User is a single row of the local account registry, as loaded for
// LOGIN verification and upstream pairing.
type User struct {
	UserID             int64
	Username           string
	PassHash           []byte
	KeypairFingerprint string
	UpstreamHost       string
	UpstreamUsername   string
	UpstreamPassword   string
	Locked             bool
}

func LoadUser(conn *sqlite.Conn, username string) (*User, error) {
	stmt := conn.Prep(`SELECT UserID, Username, PassHash, KeypairFingerprint,
			UpstreamHost, UpstreamUsername, UpstreamPassword, Locked
		FROM Users WHERE Username = $username;`)
	stmt.SetText("$username", strings.ToLower(username))
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, ErrUnknownUser
	}
	u := &User{
		UserID:             stmt.GetInt64("UserID"),
		Username:           stmt.GetText("Username"),
		KeypairFingerprint: stmt.GetText("KeypairFingerprint"),
		UpstreamHost:       stmt.GetText("UpstreamHost"),
		UpstreamUsername:   stmt.GetText("UpstreamUsername"),
		UpstreamPassword:   stmt.GetText("UpstreamPassword"),
		Locked:             stmt.GetBool("Locked"),
	}
	passHash := make([]byte, stmt.GetLen("PassHash"))
	stmt.GetBytes("PassHash", passHash)
	u.PassHash = passHash
	if _, err := stmt.Step(); err != nil {
		return nil, err
	}
	return u, nil
}

func AddKeyshare(conn *sqlite.Conn, userID int64, fingerprint string) error {
	stmt := conn.Prep(`INSERT INTO Keyshares (UserID, Fingerprint, Created)
		VALUES ($userID, $fingerprint, $created);`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$fingerprint", fingerprint)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return &UserError{UserMsg: fmt.Sprintf("Keyshare %q already recorded.", fingerprint)}
		}
		return err
	}
	return nil
}

func LoadKeyshares(conn *sqlite.Conn, userID int64) (fingerprints []string, err error) {
	stmt := conn.Prep(`SELECT Fingerprint FROM Keyshares WHERE UserID = $userID ORDER BY Created;`)
	stmt.SetInt64("$userID", userID)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		fingerprints = append(fingerprints, stmt.GetText("Fingerprint"))
	}
	return fingerprints, nil
}

// UserError is a user-input error that has a friendly message
// that should be displayed to the user in typical circumstances
// (say, during account provisioning).
type UserError struct {
	UserMsg string
	Focus   string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}

type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
