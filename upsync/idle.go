package upsync

import (
	"citm/metrics"
	"citm/msgstore"
)

// Idle enters IMAP IDLE and blocks until either unblock fires or a
// detection fetch becomes necessary because of an observed EXISTS,
// then DONEs the command and returns. Per spec.md §4.4, IDLE is only
// entered when no commands are in flight and no pending work exists;
// callers are responsible for checking that before calling Idle.
func (u *Up) Idle(unblock <-chan struct{}) error {
	tag := u.c.nextTag()
	if err := u.c.send(tag, "IDLE"); err != nil {
		return err
	}
	cont, err := u.c.readResponse()
	if err != nil {
		return err
	}
	if cont.tag != "+" {
		return msgstore.NewError(msgstore.KindResponse, "server refused IDLE: "+cont.text)
	}

	metrics.IdleSessions.Inc()
	defer metrics.IdleSessions.Dec()

	triggered := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			r, err := u.c.readResponse()
			if err != nil {
				readErr <- err
				return
			}
			if r.tag == tag {
				readErr <- nil
				return
			}
			u.applyUntagged(r)
			u.mu.Lock()
			needBreak := u.detectChgSince != 0
			u.mu.Unlock()
			if needBreak {
				select {
				case triggered <- struct{}{}:
				default:
				}
			}
		}
	}()

	select {
	case <-unblock:
	case <-triggered:
	}

	if err := u.c.sendRaw("DONE"); err != nil {
		return err
	}
	return <-readErr
}
