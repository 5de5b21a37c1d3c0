package msgstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	compactMinLines = 1000
	maxLineLen      = 1024
)

// Log is the append-only, self-compacting journal backing one
// mailbox's cache: ".cache" under the mailbox directory, holding lines
// of "key|value\n" (spec.md §4.1).
type Log struct {
	dir string
	f   *os.File

	lines   uint64
	updates uint64

	uidvldUp   uint32
	uidvldDn   uint32
	himodseqUp uint64
}

// Snapshot is the in-memory result of replaying a Log: the live
// message and expunge sets, plus the highest modseq seen across both
// (himodseq_dn, spec.md §3).
type Snapshot struct {
	Msgs       map[MsgKey]*Msg
	Expunges   map[MsgKey]*Expunge
	HimodseqDn uint64
}

func cachePath(dir string) string    { return filepath.Join(dir, ".cache") }
func cacheTmpPath(dir string) string { return filepath.Join(dir, ".cache.tmp") }
func invalidPath(dir string) string  { return filepath.Join(dir, ".invalid") }

// OpenLog opens (creating if absent) the .cache file under dir and
// replays it into a Snapshot.
func OpenLog(dir string) (*Log, *Snapshot, error) {
	l := &Log{dir: dir, himodseqUp: 0}
	snap := &Snapshot{
		Msgs:       make(map[MsgKey]*Msg),
		Expunges:   make(map[MsgKey]*Expunge),
		HimodseqDn: 1,
	}

	path := cachePath(dir)
	rf, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, nil, WrapError(KindOS, "opening log for replay", err)
		}
	} else {
		validLen, truncated, rerr := l.replay(rf, snap)
		rf.Close()
		if rerr != nil {
			return nil, nil, rerr
		}
		if truncated {
			if err := truncateCache(dir, validLen); err != nil {
				return nil, nil, err
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, WrapError(KindOS, "opening log for append", err)
	}
	l.f = f

	return l, snap, nil
}

// replay reads every line of .cache, applying each to snap. A crash can
// leave an incomplete final line (the write that appended it never
// reached the trailing '\n' before the process died); replay detects
// that case and reports it via the truncated return so the caller can
// rewrite .cache to drop it, rather than treating it as a parse error
// (spec.md §4.1a, grounded on original_source/libimaildir/log_file.c's
// want_trunc handling in read_all_keys).
func (l *Log) replay(rf *os.File, snap *Snapshot) (validLen int64, truncated bool, err error) {
	r := bufio.NewReader(rf)
	for {
		raw, rerr := r.ReadString('\n')
		if rerr != nil {
			if rerr != io.EOF {
				return validLen, false, WrapError(KindOS, "reading log", rerr)
			}
			if raw == "" {
				break
			}
			// final line has no trailing '\n': a crash interrupted the
			// append that wrote it. Discard it and report the byte
			// offset of the last complete line so the caller can
			// truncate .cache back to that length.
			return validLen, true, nil
		}
		if len(raw) > maxLineLen {
			return validLen, false, NewError(KindParse, "log line exceeds max length")
		}
		validLen += int64(len(raw))

		line := strings.TrimSuffix(raw, "\n")
		if line == "" {
			continue
		}
		l.lines++

		idx := strings.IndexByte(line, '|')
		if idx < 0 {
			return validLen, false, NewError(KindParse, "missing '|' in log line")
		}
		keyStr, valStr := line[:idx], line[idx+1:]

		lk, perr := ParseKey(keyStr)
		if perr != nil {
			return validLen, false, perr
		}

		switch lk.Kind {
		case KeyUIDValidities:
			if l.uidvldUp > 0 {
				l.updates++
			}
			up, dn, perr := ParseUIDValidities(valStr)
			if perr != nil {
				return validLen, false, perr
			}
			l.uidvldUp, l.uidvldDn = up, dn

		case KeyHimodseqUp:
			if l.himodseqUp > 0 {
				l.updates++
			}
			var h uint64
			if _, perr := fmt.Sscanf(valStr, "%d", &h); perr != nil {
				return validLen, false, WrapError(KindParse, "invalid himodseq_up", perr)
			}
			l.himodseqUp = h

		case KeyExplicitModSeqDn:
			var h uint64
			if _, perr := fmt.Sscanf(valStr, "%d", &h); perr != nil {
				return validLen, false, WrapError(KindParse, "invalid explicit modseq_dn", perr)
			}
			if h > snap.HimodseqDn {
				snap.HimodseqDn = h
			}

		case KeyMsg:
			if _, existed := snap.Msgs[lk.Msg]; existed {
				l.updates++
				delete(snap.Msgs, lk.Msg)
			} else if _, existed := snap.Expunges[lk.Msg]; existed {
				l.updates++
				delete(snap.Expunges, lk.Msg)
			}

			m, e, perr := ParseValue(lk.Msg, valStr)
			if perr != nil {
				return validLen, false, perr
			}
			if m != nil {
				snap.Msgs[lk.Msg] = m
				if m.Mod.ModSeq > snap.HimodseqDn {
					snap.HimodseqDn = m.Mod.ModSeq
				}
			} else {
				if e.IsTombstone() {
					l.updates++
					continue
				}
				snap.Expunges[lk.Msg] = e
				if e.Mod.ModSeq > snap.HimodseqDn {
					snap.HimodseqDn = e.Mod.ModSeq
				}
			}
		}
	}
	return validLen, false, nil
}

// truncateCache rewrites .cache to its first validLen bytes through a
// .cache.tmp sibling and an atomic rename, dropping a trailing line a
// crash left incomplete.
func truncateCache(dir string, validLen int64) error {
	path := cachePath(dir)
	tmpPath := cacheTmpPath(dir)

	rf, err := os.Open(path)
	if err != nil {
		return WrapError(KindOS, "reopening log for truncation", err)
	}
	defer rf.Close()

	tf, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return WrapError(KindOS, "opening truncation tmp file", err)
	}
	if _, err := io.CopyN(tf, rf, validLen); err != nil {
		tf.Close()
		return WrapError(KindOS, "copying valid log prefix", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return WrapError(KindOS, "fsyncing truncated log", err)
	}
	if err := tf.Close(); err != nil {
		return WrapError(KindOS, "closing truncated log", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return WrapError(KindOS, "renaming truncated log into place", err)
	}
	return nil
}

func (l *Log) UIDValidities() (up, dn uint32) { return l.uidvldUp, l.uidvldDn }
func (l *Log) HimodseqUp() uint64             { return l.himodseqUp }

func (l *Log) writeLine(key string, value string) error {
	if _, err := fmt.Fprintf(l.f, "%s|%s\n", key, value); err != nil {
		return WrapError(KindOS, "writing log line", err)
	}
	if err := l.f.Sync(); err != nil {
		return WrapError(KindOS, "fsyncing log", err)
	}
	l.lines++
	l.updates++
	return l.maybeCompact()
}

func (l *Log) SetUIDValidities(up, dn uint32) error {
	if err := l.writeLine(MarshalKey(LogKey{Kind: KeyUIDValidities}), MarshalUIDValidities(up, dn)); err != nil {
		return err
	}
	l.uidvldUp, l.uidvldDn = up, dn
	return nil
}

func (l *Log) SetHimodseqUp(h uint64) error {
	if err := l.writeLine(MarshalKey(LogKey{Kind: KeyHimodseqUp}), fmt.Sprintf("%d", h)); err != nil {
		return err
	}
	l.himodseqUp = h
	return nil
}

func (l *Log) SetExplicitModSeqDn(modseq uint64) error {
	return l.writeLine(MarshalKey(LogKey{Kind: KeyExplicitModSeqDn}), fmt.Sprintf("%d", modseq))
}

func (l *Log) UpdateMsg(m *Msg) error {
	val, err := MarshalMessage(m)
	if err != nil {
		return err
	}
	return l.writeLine(MarshalKey(LogKey{Kind: KeyMsg, Msg: m.Key}), val)
}

func (l *Log) UpdateExpunge(e *Expunge) error {
	val, err := MarshalExpunge(e)
	if err != nil {
		return err
	}
	return l.writeLine(MarshalKey(LogKey{Kind: KeyMsg, Msg: e.Key}), val)
}

// maybeCompact rewrites .cache when it has grown large and mostly
// consists of superseded lines: never under 1000 lines, and only when
// updates account for more than 3/4 of all lines (spec.md §4.1
// "Compaction").
func (l *Log) maybeCompact() error {
	if l.lines < compactMinLines {
		return nil
	}
	if l.lines*3 > l.updates*4 {
		return nil
	}

	if err := l.f.Close(); err != nil {
		return WrapError(KindOS, "closing log before compaction", err)
	}
	l.f = nil

	path := cachePath(l.dir)
	rf, err := os.Open(path)
	if err != nil {
		return WrapError(KindOS, "reopening log for compaction", err)
	}

	latest := make(map[string]string)
	var order []string
	scanner := bufio.NewScanner(rf)
	scanner.Buffer(make([]byte, 0, maxLineLen), maxLineLen)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '|')
		if idx < 0 {
			rf.Close()
			return NewError(KindParse, "missing '|' in log line during compaction")
		}
		key, val := line[:idx], line[idx+1:]
		if val == "1:0:0:x" {
			continue
		}
		if _, existed := latest[key]; !existed {
			order = append(order, key)
		}
		latest[key] = val
	}
	if err := scanner.Err(); err != nil {
		rf.Close()
		return WrapError(KindOS, "reading log during compaction", err)
	}
	rf.Close()

	tmpPath := cacheTmpPath(l.dir)
	tf, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return WrapError(KindOS, "opening compaction tmp file", err)
	}
	var newLines uint64
	for _, key := range order {
		if _, err := fmt.Fprintf(tf, "%s|%s\n", key, latest[key]); err != nil {
			tf.Close()
			return WrapError(KindOS, "writing compacted log", err)
		}
		newLines++
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return WrapError(KindOS, "fsyncing compacted log", err)
	}
	if err := tf.Close(); err != nil {
		return WrapError(KindOS, "closing compacted log", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return WrapError(KindOS, "renaming compacted log into place", err)
	}

	l.lines = newLines
	l.updates = 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return WrapError(KindOS, "reopening log after compaction", err)
	}
	l.f = f
	return nil
}

func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return WrapError(KindOS, "closing log", err)
	}
	return nil
}

// MarkInvalid and ClearInvalid implement the UIDVALIDITY-change wipe
// sequence's crash-idempotent marker (spec.md §4.3): write .invalid
// before destroying .cache and cur/*, remove it only once the wipe has
// completed.
func MarkInvalid(dir string) error {
	f, err := os.OpenFile(invalidPath(dir), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return WrapError(KindOS, "writing .invalid marker", err)
	}
	return f.Close()
}

func ClearInvalid(dir string) error {
	err := os.Remove(invalidPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return WrapError(KindOS, "removing .invalid marker", err)
	}
	return nil
}

func IsInvalid(dir string) (bool, error) {
	_, err := os.Stat(invalidPath(dir))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, WrapError(KindOS, "statting .invalid marker", err)
}
