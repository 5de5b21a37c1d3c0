package upsync

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"citm/msgstore"
)

var (
	existsExpungeRe = regexp.MustCompile(`^(\d+)\s+(EXISTS|EXPUNGE)$`)
	uidValidityRe   = regexp.MustCompile(`\[UIDVALIDITY\s+(\d+)\]`)
	highestModSeqRe = regexp.MustCompile(`\[HIGHESTMODSEQ\s+(\d+)\]`)
	closedRe        = regexp.MustCompile(`^OK\s+\[CLOSED\]`)
	vanishedRe      = regexp.MustCompile(`^VANISHED\s*(\(EARLIER\))?\s*(.+)$`)
	fetchUIDRe      = regexp.MustCompile(`UID\s+(\d+)`)
	fetchModSeqRe   = regexp.MustCompile(`MODSEQ\s+\((\d+)\)`)
	fetchDateRe     = regexp.MustCompile(`INTERNALDATE\s+"([^"]+)"`)
	fetchFlagsRe    = regexp.MustCompile(`FLAGS\s+\(([^)]*)\)`)

	// imapDateLayout matches RFC 3501's date-time (e.g. "02-Jan-2006
	// 15:04:05 -0700").
	imapDateLayout = "02-Jan-2006 15:04:05 -0700"
)

// parseExistsOrExpunge recognizes "* <n> EXISTS" / "* <n> EXPUNGE".
func parseExistsOrExpunge(text string) (n uint32, kind string, ok bool) {
	m := existsExpungeRe.FindStringSubmatch(text)
	if m == nil {
		return 0, "", false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(v), m[2], true
}

// parseUIDValidity extracts a "[UIDVALIDITY n]" response code, present
// on SELECT/EXAMINE OK completions.
func parseUIDValidity(text string) (uint32, bool) {
	m := uidValidityRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// parseHighestModSeq extracts a "[HIGHESTMODSEQ n]" response code.
func parseHighestModSeq(text string) (uint64, bool) {
	m := highestModSeqRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// isClosed recognizes the untagged "* OK [CLOSED]" response marking
// the end of a mid-session reselect's mode transition.
func isClosed(text string) bool {
	return closedRe.MatchString(text)
}

// parseVanished recognizes "* VANISHED [(EARLIER)] <uid-set>".
func parseVanished(text string) (earlier bool, uids []uint32, ok bool) {
	m := vanishedRe.FindStringSubmatch(text)
	if m == nil {
		return false, nil, false
	}
	return m[1] != "", parseUIDSet(m[2]), true
}

// parseUIDSet parses a comma-separated IMAP sequence set of the form
// "3,5:7,9" into its constituent UIDs. "*" is not expected in a
// VANISHED response and is skipped if seen.
func parseUIDSet(s string) []uint32 {
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, ":")
		loN, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			continue
		}
		if !isRange {
			out = append(out, uint32(loN))
			continue
		}
		hiN, err := strconv.ParseUint(hi, 10, 32)
		if err != nil {
			continue
		}
		if hiN < loN {
			loN, hiN = hiN, loN
		}
		for v := loN; v <= hiN; v++ {
			out = append(out, uint32(v))
		}
	}
	return out
}

// fetchAttrs holds the subset of a "* <n> FETCH (...)" response this
// proxy cares about: the fields spec.md §4.4's steady-state and
// detection-fetch FETCH items cover (UID FLAGS INTERNALDATE MODSEQ
// BODY.PEEK[]).
type fetchAttrs struct {
	UID          uint32
	ModSeq       uint64
	InternalDate time.Time
	Flags        msgstore.Flags
	HasBody      bool
	Body         []byte
}

// parseFetchAttrs pulls fetchAttrs out of a FETCH response's text and
// an optional attached literal (the BODY.PEEK[] content, if present).
func parseFetchAttrs(text string, literal []byte) (fetchAttrs, bool) {
	var a fetchAttrs
	m := fetchUIDRe.FindStringSubmatch(text)
	if m == nil {
		return a, false
	}
	uid, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return a, false
	}
	a.UID = uint32(uid)

	if m := fetchModSeqRe.FindStringSubmatch(text); m != nil {
		a.ModSeq, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := fetchDateRe.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse(imapDateLayout, m[1]); err == nil {
			a.InternalDate = t
		}
	}
	if m := fetchFlagsRe.FindStringSubmatch(text); m != nil {
		a.Flags = parseFlagList(m[1])
	}
	if literal != nil {
		a.HasBody = true
		a.Body = literal
	}
	return a, true
}

func parseFlagList(s string) msgstore.Flags {
	var f msgstore.Flags
	for _, tok := range strings.Fields(s) {
		switch strings.ToLower(tok) {
		case `\answered`:
			f.Answered = true
		case `\flagged`:
			f.Flagged = true
		case `\seen`:
			f.Seen = true
		case `\draft`:
			f.Draft = true
		case `\deleted`:
			f.Deleted = true
		}
	}
	return f
}
