package upsync

import (
	"context"

	"citm/msgstore"
)

// RelayRequest is a passthrough command a Dn enqueues for Up to
// relay verbatim (spec.md's imaildir_relay_cmd), e.g. a client-issued
// STATUS against a sibling mailbox.
type RelayRequest struct {
	Line   string
	Result chan<- RelayResult
}

// RelayResult is what comes back from relaying one RelayRequest.
type RelayResult struct {
	Untagged []string
	OK       bool
	Text     string
	Err      error
}

// Relay enqueues a passthrough command for Up's steady-state loop to
// issue next time it breaks out of IDLE.
func (u *Up) Relay(ctx context.Context, line string) (RelayResult, error) {
	resultCh := make(chan RelayResult, 1)
	select {
	case u.relayCh <- RelayRequest{Line: line, Result: resultCh}:
	case <-ctx.Done():
		return RelayResult{}, ctx.Err()
	}
	select {
	case u.relayWake <- struct{}{}:
	default:
	}
	select {
	case res := <-resultCh:
		return res, res.Err
	case <-ctx.Done():
		return RelayResult{}, ctx.Err()
	}
}

// Run drives Up's steady state (spec.md §4.4) until ctx is canceled:
// boot, then repeatedly drain unfilled messages, relay any enqueued
// passthrough command, or idle.
func (u *Up) Run(ctx context.Context, readWrite bool, parallelism, chunkSize int) error {
	if err := u.Boot(readWrite); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if pending := u.mbox.PendingCopies(); len(pending) > 0 {
			if err := u.pushCopies(pending); err != nil {
				return err
			}
			continue
		}

		if len(u.mbox.UnfilledUIDs()) > 0 {
			if err := u.DrainUnfilled(ctx, parallelism, chunkSize); err != nil {
				return err
			}
			continue
		}

		u.mu.Lock()
		chgSince := u.detectChgSince
		u.mu.Unlock()
		if chgSince != 0 {
			if err := u.runDetection(chgSince); err != nil {
				return err
			}
			continue
		}

		select {
		case req := <-u.relayCh:
			u.relayOne(req)
			continue
		default:
		}

		unblock := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-u.relayWake:
				// a request is now sitting in relayCh; leave it there for
				// the outer loop's select to pick up after Idle returns
			}
			close(unblock)
		}()
		if err := u.Idle(unblock); err != nil {
			return err
		}
	}
}

// runDetection re-enters the detection-fetch logic triggered by an
// EXISTS observed mid-steady-state, re-running immediately if another
// EXISTS arrived while the fetch was in flight (detectRepeat).
func (u *Up) runDetection(chgSince uint64) error {
	for {
		line := "UID FETCH 1:* (UID FLAGS MODSEQ) (CHANGEDSINCE " + uitoa(chgSince) + " VANISHED)"
		untagged, tagged, err := u.issue(line)
		if err != nil {
			return err
		}
		if tagged.statusWord() != "OK" {
			return msgstore.NewError(msgstore.KindResponse, "detection fetch failed: "+tagged.text)
		}
		for _, r := range untagged {
			u.applyUntagged(r)
		}

		u.mu.Lock()
		if u.detectRepeat {
			u.detectRepeat = false
			chgSince = u.himodseqUpSeen
			if chgSince < 1 {
				chgSince = 1
			}
			u.mu.Unlock()
			continue
		}
		u.detectChgSince = 0
		u.mu.Unlock()
		return u.commitHimodseqIfReady()
	}
}

func (u *Up) relayOne(req RelayRequest) {
	untagged, tagged, err := u.issue(req.Line)
	res := RelayResult{Err: err}
	if err == nil {
		res.OK = tagged.statusWord() == "OK"
		res.Text = tagged.text
		for _, r := range untagged {
			res.Untagged = append(res.Untagged, r.text)
			u.applyUntagged(r)
		}
	}
	req.Result <- res
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
