package userdb

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- Users is the registry of local accounts permitted to authenticate to
-- the proxy's downward-facing Server. One row per local account.
CREATE TABLE IF NOT EXISTS Users (
	UserID              INTEGER PRIMARY KEY,
	Username            TEXT NOT NULL,    -- the LOGIN username presented downward
	PassHash            TEXT NOT NULL,    -- bcrypt of the downward LOGIN password
	KeypairFingerprint  TEXT NOT NULL,    -- hex SHA-256 over the user's keypair SPKI
	UpstreamHost        TEXT NOT NULL,    -- host:port of the paired upstream IMAP server
	UpstreamUsername    TEXT NOT NULL,
	UpstreamPassword    TEXT NOT NULL,
	Locked              BOOLEAN NOT NULL,
	Created             INTEGER NOT NULL  -- time.Now().Unix()
);

CREATE UNIQUE INDEX IF NOT EXISTS UsersUsername ON Users(Username);

-- Keyshares records additional recipient keypairs the user has
-- authorized to decrypt their mail (see original_source/citm/user.c's
-- user_pool_t and the Splintermail keyshare model referenced in
-- spec.md's "user/keyshare ownership").
CREATE TABLE IF NOT EXISTS Keyshares (
	UserID      INTEGER NOT NULL,
	Fingerprint TEXT NOT NULL,
	Created     INTEGER NOT NULL,

	PRIMARY KEY(UserID, Fingerprint),
	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);
`
