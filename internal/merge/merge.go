// Package merge implements lazy, prefetch-ordered reassembly of a chunked
// archive: it opens the next few chunk streams ahead of where the caller is
// currently reading, hiding per-chunk open latency (storage round trip)
// behind the time spent draining the chunk before it.
package merge

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
)

// Opener opens the stream for descriptor d.
type Opener[D any] func(ctx context.Context, d D) (io.ReadCloser, error)

type openResult struct {
	rc  io.ReadCloser
	err error
}

// Reader concatenates the streams produced by opening each descriptor, in
// the order the descriptors were given, regardless of the order their
// opens complete in. Up to numPrefetch opens run concurrently ahead of the
// chunk currently being drained.
type Reader[D any] struct {
	ctx         context.Context
	descriptors []D
	open        Opener[D]
	sem         *semaphore.Weighted

	nextIdx int
	queue   []chan openResult
	current io.ReadCloser
}

// New builds a Reader over descriptors. numPrefetch must be at least 1; it
// is clamped to 1 if given a smaller value. numPrefetch is the size of the
// counting resource bounding concurrent in-flight opens, acquired when an
// open is scheduled and released once its result has been popped off the
// queue — not when the chunk finishes draining.
func New[D any](ctx context.Context, descriptors []D, numPrefetch int, open Opener[D]) *Reader[D] {
	if numPrefetch < 1 {
		numPrefetch = 1
	}
	r := &Reader[D]{
		ctx:         ctx,
		descriptors: descriptors,
		open:        open,
		sem:         semaphore.NewWeighted(int64(numPrefetch)),
	}
	r.scheduleMore()
	return r
}

// scheduleMore launches an open goroutine for each descriptor it can claim
// a semaphore permit for, stopping once the prefetch window is full.
func (r *Reader[D]) scheduleMore() {
	for r.nextIdx < len(r.descriptors) {
		if !r.sem.TryAcquire(1) {
			return
		}
		ch := make(chan openResult, 1)
		d := r.descriptors[r.nextIdx]
		r.nextIdx++
		go func() {
			rc, err := r.open(r.ctx, d)
			ch <- openResult{rc: rc, err: err}
		}()
		r.queue = append(r.queue, ch)
	}
}

// Read implements io.Reader. It blocks only as long as the head-of-queue
// open and the current chunk's own Read calls do.
func (r *Reader[D]) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if len(r.queue) == 0 {
				return 0, io.EOF
			}
			head := r.queue[0]
			r.queue = r.queue[1:]

			result := <-head
			r.sem.Release(1)
			r.scheduleMore()
			if result.err != nil {
				return 0, result.err
			}
			r.current = result.rc
		}

		n, err := r.current.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// Close releases the currently open chunk stream, if any. It does not wait
// for or close streams still in flight in the prefetch queue; those close
// themselves once Read drains them.
func (r *Reader[D]) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
