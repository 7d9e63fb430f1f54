// Package fetcher retrieves raw asset bytes from the object store with a
// capped number of in-flight requests.
//
// Results come out in the caller-supplied order even though retrieval
// completes out of order, so the assembler can start writing the bundle
// before the whole set has been fetched. The concurrency cap also bounds
// memory: a fetched payload is only held until the consumer takes it.
package fetcher

import (
	"context"
	"io"
	"io/ioutil"

	debug "github.com/Shyp/go-debug"
	"golang.org/x/sync/semaphore"
)

var dbg = debug.Debug("bundler:fetcher")

// DefaultConcurrency is the fetch fan-out cap used when the caller passes a
// non-positive value. Independent of asset count: a 5,000 photo gallery
// never opens 5,000 connections.
const DefaultConcurrency = 8

// A Downloader opens stored objects for reading. storage.Storage satisfies
// this.
type Downloader interface {
	Download(ctx context.Context, ref string) (io.ReadCloser, error)
}

// A Result is one fetched asset, or the error fetching it. Index is the
// asset's position in the input slice. A single failed asset is reported
// inline; the caller decides whether to abort the batch.
type Result struct {
	Index int
	Ref   string
	Data  []byte
	Err   error
}

// Fetch retrieves every ref with at most concurrency requests in flight and
// sends results on the returned channel in input order. The channel is
// closed after the last result, or as soon as ctx is cancelled.
//
// Each ref is requested exactly once. The semaphore slot for a fetched
// asset is held until its result is consumed, so slow consumers pause
// intake instead of piling bytes up in memory.
func Fetch(ctx context.Context, d Downloader, refs []string, concurrency int) <-chan Result {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	out := make(chan Result)
	slots := make([]chan Result, len(refs))
	for i := range slots {
		slots[i] = make(chan Result, 1)
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	// Launcher: start one fetch per ref, gated by the semaphore.
	go func() {
		for i, ref := range refs {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(i int, ref string) {
				slots[i] <- fetchOne(ctx, d, i, ref)
			}(i, ref)
		}
	}()

	// Emitter: drain the slots in input order.
	go func() {
		defer close(out)
		for i := range slots {
			var res Result
			select {
			case res = <-slots[i]:
				sem.Release(1)
			case <-ctx.Done():
				return
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func fetchOne(ctx context.Context, d Downloader, i int, ref string) Result {
	body, err := d.Download(ctx, ref)
	if err != nil {
		dbg("fetch %d (%s) failed: %s", i, ref, err)
		return Result{Index: i, Ref: ref, Err: err}
	}
	defer body.Close()
	data, err := ioutil.ReadAll(body)
	if err != nil {
		return Result{Index: i, Ref: ref, Err: err}
	}
	dbg("fetched %d (%s): %d bytes", i, ref, len(data))
	return Result{Index: i, Ref: ref, Data: data}
}
