package upsync

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"citm/cryptoengine"
	"citm/mailbox"
	"citm/metrics"
	"citm/msgstore"
)

// Up is the upward synchronizer owning a single outbound IMAP
// connection, bridging its responses into a mailbox.Mailbox
// (spec.md §4.4).
//
// Commands are serialized through a single in-flight slot (issue),
// matching the "single command-in-flight slot" the spec calls for;
// FETCH_PARALLELISM bounds how many chunk-fetch goroutines may be
// waiting to acquire that slot at once rather than literal wire-level
// pipelining (see DESIGN.md's Open Questions entry for this package).
type Up struct {
	Log  hclog.Logger
	mbox *mailbox.Mailbox
	name string // mailbox name
	host string // hostname used in maildir filenames for FillMessage

	// keypair decrypts each FETCHed message's Splintermail envelope
	// before it is written to the maildir cache (spec.md §6). nil
	// disables decryption, storing bodies as the upstream sent them.
	keypair *cryptoengine.Keypair

	c *conn

	issueMu sync.Mutex // serializes issue() so only one command is ever in flight

	mu              sync.Mutex
	booted          bool
	bootstrapNeeded bool
	detectChgSince  uint64 // 0 means "no detection fetch pending"
	detectRepeat    bool
	himodseqUpSeen  uint64
	selectedRW      bool
	idling          bool
	idleBreak       chan struct{}
	shuttingDown    bool
	relayCh         chan RelayRequest
	relayWake       chan struct{}
}

// New builds an Up bound to an already-connected upstream TCP/TLS
// socket, ready to drive name through its boot sequence once Run is
// called.
func New(nc net.Conn, mbox *mailbox.Mailbox, name, host string, log hclog.Logger) *Up {
	return &Up{
		Log:       log,
		mbox:      mbox,
		name:      name,
		host:      host,
		c:         newConn(nc),
		relayCh:   make(chan RelayRequest, 8),
		relayWake: make(chan struct{}, 1),
	}
}

// SetKeypair enables decryption-on-ingest: every FETCHed message body
// is run through cryptoengine before being written to the maildir
// cache. Called before Boot/Run; nil (the default) stores bodies
// verbatim, e.g. against an upstream that doesn't envelope mail.
func (u *Up) SetKeypair(kp *cryptoengine.Keypair) {
	u.keypair = kp
}

// issue sends one command and blocks collecting untagged responses
// until its tagged completion arrives. This is Up's single
// command-in-flight slot: issueMu ensures only one issue call is ever
// in progress on a given Up's connection, so concurrent callers (e.g.
// DrainUnfilled's chunk goroutines) queue here rather than racing on
// the shared conn.
func (u *Up) issue(line string) (untagged []response, tagged response, err error) {
	u.issueMu.Lock()
	defer u.issueMu.Unlock()

	tag := u.c.nextTag()
	if err := u.c.send(tag, line); err != nil {
		return nil, response{}, err
	}
	for {
		r, err := u.c.readResponse()
		if err != nil {
			return nil, response{}, err
		}
		if r.tag == tag {
			return untagged, r, nil
		}
		untagged = append(untagged, r)
	}
}

// Boot runs spec.md §4.4's boot/select sequence: choose plain SELECT/
// EXAMINE or QRESYNC-parameterized SELECT, seed the fetch/deletion
// work queues from the mailbox's Unfilled/Unpushed sets, then decide
// whether a bootstrap detection fetch is required. Boot is idempotent:
// a second call is a no-op, so a caller that boots synchronously (to
// surface a SELECT failure before handing Up off to a goroutine) can
// still pass Up straight to Run without re-issuing SELECT/EXAMINE.
func (u *Up) Boot(readWrite bool) error {
	u.mu.Lock()
	alreadyBooted := u.booted
	u.mu.Unlock()
	if alreadyBooted {
		return nil
	}

	uidvldUp, _ := u.mbox.UIDValidities()
	himodseqUp := u.mbox.HimodseqUpCommitted()

	unpushed := u.mbox.UnpushedExpungeUIDs()
	if len(unpushed) > 0 {
		readWrite = true // force write access to push pending deletions
	}

	cmd := "EXAMINE"
	if readWrite {
		cmd = "SELECT"
	}
	var line string
	if uidvldUp != 0 && himodseqUp != 0 {
		line = fmt.Sprintf(`%s %s (QRESYNC (%d %d))`, cmd, imapQuote(u.name), uidvldUp, himodseqUp)
	} else {
		line = fmt.Sprintf(`%s %s`, cmd, imapQuote(u.name))
	}

	untagged, tagged, err := u.issue(line)
	if err != nil {
		return err
	}
	if tagged.statusWord() != "OK" {
		return msgstore.NewError(msgstore.KindResponse, "upstream rejected SELECT/EXAMINE: "+tagged.text)
	}
	u.selectedRW = readWrite

	serverUIDVld, haveQresync := uint32(0), false
	for _, r := range untagged {
		if v, ok := parseUIDValidity(r.text); ok {
			serverUIDVld = v
		}
		if strings.HasPrefix(r.text, "ENABLED") && strings.Contains(r.text, "QRESYNC") {
			haveQresync = true
		}
		u.applyUntagged(r)
	}
	if v, ok := parseUIDValidity(tagged.text); ok {
		serverUIDVld = v
	}

	needBootstrap := !haveQresync || uidvldUp == 0 || (serverUIDVld != 0 && serverUIDVld != uidvldUp)
	u.mu.Lock()
	u.bootstrapNeeded = needBootstrap
	u.mu.Unlock()

	if needBootstrap {
		if err := u.bootstrapFetch(); err != nil {
			return err
		}
	}
	if len(unpushed) > 0 {
		if err := u.pushDeletions(unpushed); err != nil {
			return err
		}
	}

	u.mu.Lock()
	u.booted = true
	u.mu.Unlock()
	return nil
}

// bootstrapFetch issues the "detection fetch" that populates msgs and
// expunges without downloading bodies, per spec.md §4.4.
func (u *Up) bootstrapFetch() error {
	himodseqUp := u.mbox.HimodseqUpCommitted()
	chgSince := himodseqUp
	if chgSince < 1 {
		chgSince = 1
	}
	line := fmt.Sprintf(`UID FETCH 1:* (UID FLAGS MODSEQ) (CHANGEDSINCE %d VANISHED)`, chgSince)
	untagged, tagged, err := u.issue(line)
	if err != nil {
		return err
	}
	if tagged.statusWord() != "OK" {
		return msgstore.NewError(msgstore.KindResponse, "bootstrap detection fetch failed: "+tagged.text)
	}
	for _, r := range untagged {
		u.applyUntagged(r)
	}
	u.mu.Lock()
	u.bootstrapNeeded = false
	u.mu.Unlock()
	return u.commitHimodseqIfReady()
}

// pushCopies issues each pending COPY request as a real upstream UID
// COPY, then discards its local placeholder: the copied message
// surfaces on its own through ordinary NEW-message detection in
// whichever mailbox it landed in (spec.md §4.5 COPY).
func (u *Up) pushCopies(pending []mailbox.PendingCopy) error {
	for _, pc := range pending {
		line := fmt.Sprintf(`UID COPY %d %s`, pc.SrcUIDUp, imapQuote(pc.Target))
		if _, tagged, err := u.issue(line); err != nil {
			return err
		} else if tagged.statusWord() != "OK" {
			return msgstore.NewError(msgstore.KindResponse, "pushing COPY failed: "+tagged.text)
		}
		if err := u.mbox.ResolveCopy(pc.Key); err != nil {
			return err
		}
	}
	return nil
}

// pushDeletions pushes every Unpushed expunge discovered from disk at
// boot: STORE +FLAGS \Deleted, then UID EXPUNGE.
func (u *Up) pushDeletions(uids []uint32) error {
	set := formatUIDSet(uids)
	if _, tagged, err := u.issue(fmt.Sprintf(`UID STORE %s +FLAGS (\Deleted)`, set)); err != nil {
		return err
	} else if tagged.statusWord() != "OK" {
		return msgstore.NewError(msgstore.KindResponse, "pushing deletions (STORE) failed: "+tagged.text)
	}
	if _, tagged, err := u.issue(fmt.Sprintf(`UID EXPUNGE %s`, set)); err != nil {
		return err
	} else if tagged.statusWord() != "OK" {
		return msgstore.NewError(msgstore.KindResponse, "pushing deletions (EXPUNGE) failed: "+tagged.text)
	}
	for _, uid := range uids {
		if err := u.mbox.MarkExpungePushed(uid); err != nil {
			return err
		}
	}
	return nil
}

// applyUntagged routes one untagged response observed during a
// command (or, in steady state, during IDLE) to the mailbox.
func (u *Up) applyUntagged(r response) {
	if r.tag != "*" {
		return
	}
	if n, kind, ok := parseExistsOrExpunge(r.text); ok {
		switch kind {
		case "EXISTS":
			u.onExists(n)
		case "EXPUNGE":
			// sequence-number EXPUNGE (non-QRESYNC session); without
			// QRESYNC's VANISHED this proxy cannot map seqnum->UID
			// reliably, so it is handled by re-entering detection.
			u.onExists(0)
		}
		return
	}
	if earlier, uids, ok := parseVanished(r.text); ok {
		_ = earlier
		for _, uid := range uids {
			if err := u.mbox.RecordUpstreamExpunge(uid); err != nil {
				u.Log.Error("recording upstream expunge failed", "uid", uid, "error", err)
			}
		}
		return
	}
	if isClosed(r.text) {
		u.mu.Lock()
		u.himodseqUpSeen = 0
		u.mu.Unlock()
		return
	}
	if seq, ok := parseHighestModSeq(r.text); ok {
		u.mu.Lock()
		if seq > u.himodseqUpSeen {
			u.himodseqUpSeen = seq
		}
		u.mu.Unlock()
		return
	}
	if a, ok := parseFetchAttrs(r.text, r.literal); ok {
		u.applyFetchAttrs(a)
	}
}

// applyFetchAttrs records one FETCH response's attributes into the
// mailbox: filling the message if a body literal was attached,
// otherwise just learning of its existence (the detection-fetch
// case).
func (u *Up) applyFetchAttrs(a fetchAttrs) {
	if a.ModSeq > 0 {
		u.mu.Lock()
		if a.ModSeq > u.himodseqUpSeen {
			u.himodseqUpSeen = a.ModSeq
		}
		u.mu.Unlock()
	}
	if !a.HasBody {
		if _, err := u.mbox.NewUnfilledMsg(a.UID, a.Flags, a.ModSeq); err != nil {
			u.Log.Error("recording unfilled message failed", "uid", a.UID, "error", err)
		}
		return
	}
	internalDate := a.InternalDate
	if internalDate.IsZero() {
		internalDate = time.Now()
	}

	body, err := u.decrypt(a.Body)
	if err != nil {
		u.Log.Error("decrypting message failed", "uid", a.UID, "error", err)
		return
	}

	key := msgstore.MsgKey{UIDUp: a.UID}
	if _, err := u.mbox.FillMessage(key, internalDate, a.Flags, u.host, bytes.NewReader(body)); err != nil {
		u.Log.Error("filling message failed", "uid", a.UID, "error", err)
		return
	}
	metrics.MessagesFetched.Inc()
}

// decrypt runs raw (a FETCH body literal) through the Splintermail
// envelope decryptor if a keypair is configured, otherwise returns it
// unchanged.
func (u *Up) decrypt(raw []byte) ([]byte, error) {
	if u.keypair == nil {
		return raw, nil
	}
	var out bytes.Buffer
	if err := cryptoengine.Drain(u.keypair, bytes.NewReader(raw), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// onExists handles an "* n EXISTS" by arming a detection fetch, per
// spec.md §4.4's steady-state rule; n itself is not otherwise needed
// since the detection fetch re-derives the full unfilled set.
func (u *Up) onExists(n uint32) {
	_ = n
	u.mu.Lock()
	defer u.mu.Unlock()
	chgSince := u.himodseqUpSeen
	if chgSince < 1 {
		chgSince = 1
	}
	if u.detectChgSince != 0 {
		u.detectRepeat = true
		return
	}
	u.detectChgSince = chgSince
}

// commitHimodseqIfReady writes himodseq_up_seen to the log if neither
// bootstrap nor a detection fetch is pending, per spec.md §4.4's
// modseq-commit rule.
func (u *Up) commitHimodseqIfReady() error {
	u.mu.Lock()
	bootstrapping := u.bootstrapNeeded
	detecting := u.detectChgSince != 0
	seen := u.himodseqUpSeen
	u.mu.Unlock()
	if bootstrapping || detecting {
		return nil
	}
	return u.mbox.CommitHimodseqUp(seen)
}

// Unselect preempts any in-progress work: it DONEs an active IDLE
// (handled by the caller before invoking Unselect) then issues
// UNSELECT. No commands are sent afterward.
func (u *Up) Unselect() error {
	_, tagged, err := u.issue("UNSELECT")
	if err != nil {
		return err
	}
	if tagged.statusWord() != "OK" {
		return msgstore.NewError(msgstore.KindResponse, "UNSELECT failed: "+tagged.text)
	}
	u.mu.Lock()
	u.shuttingDown = true
	u.mu.Unlock()
	return nil
}

func imapQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func formatUIDSet(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return strings.Join(parts, ",")
}
