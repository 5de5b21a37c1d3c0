package upsync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"citm/metrics"
	"citm/msgstore"
)

// DrainUnfilled fetches every currently Unfilled message's body from
// upstream, chunked and bounded per spec.md §4.4's
// FETCH_PARALLELISM/FETCH_CHUNK_SIZE knobs. Chunk goroutines queue on
// Up's single command-in-flight slot (issue); parallelism bounds how
// many chunks may be queued waiting for that slot at once, which in
// practice bounds how much FillMessage work can be in flight.
func (u *Up) DrainUnfilled(ctx context.Context, parallelism, chunkSize int) error {
	uids := u.mbox.UnfilledUIDs()
	if len(uids) == 0 {
		return nil
	}
	chunks := chunkUIDs(uids, chunkSize)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return u.fetchChunk(chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return u.commitHimodseqIfReady()
}

// fetchChunk issues one "UID FETCH <chunk> (UID FLAGS INTERNALDATE
// MODSEQ BODY.PEEK[])" and applies the resulting FETCH responses.
func (u *Up) fetchChunk(uids []uint32) error {
	metrics.FetchParallelismInUse.Inc()
	defer metrics.FetchParallelismInUse.Dec()

	set := formatUIDSet(uids)
	line := fmt.Sprintf(`UID FETCH %s (UID FLAGS INTERNALDATE MODSEQ BODY.PEEK[])`, set)
	untagged, tagged, err := u.issue(line)
	if err != nil {
		return err
	}
	if tagged.statusWord() != "OK" {
		return msgstore.NewError(msgstore.KindResponse, "steady-state FETCH failed: "+tagged.text)
	}
	for _, r := range untagged {
		u.applyUntagged(r)
	}
	return nil
}

func chunkUIDs(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = 1
	}
	var chunks [][]uint32
	for i := 0; i < len(uids); i += size {
		end := i + size
		if end > len(uids) {
			end = len(uids)
		}
		chunks = append(chunks, uids[i:end])
	}
	return chunks
}
