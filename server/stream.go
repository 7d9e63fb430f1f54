package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/bundle"
	"github.com/shutterbay/bundler/fetcher"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/rest"
)

// streamGallery returns the handler for direct streaming delivery. The
// bundle is assembled on the fly and written straight to the connection;
// nothing is stored and no build job is recorded.
//
// GET /v1/galleries/:id/download
func streamGallery(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		galleryID, wroteResponse := getId(w, r, downloadRoute.FindStringSubmatch(r.URL.Path)[1], galleries.Prefix)
		if wroteResponse {
			return
		}
		if restErr := cfg.Gate.CanAccess(galleryID, requester(r)); restErr != nil {
			forbidden(w, restErr)
			return
		}
		gallery, err := galleries.Get(galleryID)
		if err == galleries.ErrNotFound {
			notFound(w, new404(r))
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		photos, err := galleries.Photos(galleryID)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if len(photos) == 0 {
			badRequest(w, r, &rest.Error{
				Title:    "Gallery has no servable assets",
				ID:       "gallery_empty",
				Instance: r.URL.Path,
			})
			return
		}

		refs := make([]string, len(photos))
		for i, p := range photos {
			refs[i] = p.StorageRef
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", bundle.Filename(gallery.Title)))
		w.WriteHeader(http.StatusOK)

		start := time.Now()
		ctx := r.Context()
		results := fetcher.Fetch(ctx, cfg.Store, refs, cfg.StreamConcurrency)
		entries := make(chan bundle.Entry)
		sink := &abortableWriter{w: w}
		go produceEntries(ctx, gallery.Title, photos, results, entries, sink)
		count, err := bundle.Assemble(sink, entries)
		if err != nil {
			// Headers are long gone. Kill the connection so the client sees
			// a truncated transfer instead of a zip missing its directory.
			log.Printf("stream %s: aborting after %d entries: %s", galleryID.String(), count, err)
			go metrics.Increment("stream.error")
			panic(http.ErrAbortHandler)
		}
		go metrics.Increment("stream.success")
		go metrics.Time("stream.latency", time.Since(start))
	})
}

// produceEntries converts fetch results into bundle entries. On a fetch
// error the sink is tripped before entries closes, so the assembler's final
// directory write fails instead of sealing a bundle that is silently
// missing photos. The ctx case unblocks the send when the assembler has
// stopped receiving; otherwise an aborted download would park this
// goroutine on the send forever.
func produceEntries(ctx context.Context, title string, photos []*models.Photo, results <-chan fetcher.Result, entries chan<- bundle.Entry, sink *abortableWriter) {
	defer close(entries)
	for res := range results {
		if res.Err != nil {
			sink.trip(fmt.Errorf("fetching %s: %w", res.Ref, res.Err))
			return
		}
		e := bundle.Entry{
			Name: bundle.EntryName(title, res.Index, len(photos), photos[res.Index].Filename),
			Data: res.Data,
		}
		select {
		case entries <- e:
		case <-ctx.Done():
			return
		}
	}
}

// An abortableWriter refuses all writes once tripped. The producer trips it
// while the assembler may be mid-Write on another goroutine, so the error
// field is guarded.
type abortableWriter struct {
	w   io.Writer
	mu  sync.Mutex
	err error
}

func (a *abortableWriter) Write(p []byte) (int, error) {
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return a.w.Write(p)
}

func (a *abortableWriter) trip(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}
