// Mediation layer between the HTTP server, the worker pools, and the
// database queries.
//
// Logic that's not about validating request input or turning errors into
// HTTP responses goes here.
package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/bundle"
	"github.com/shutterbay/bundler/fetcher"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/storage"
)

// DefaultFailureFraction is the fraction of a gallery's assets that may fail
// to fetch before the whole build attempt aborts. Below the threshold,
// failed assets are skipped and reported.
const DefaultFailureFraction = 0.1

// ErrEmptyGallery indicates the gallery has no servable assets. Requests
// for empty galleries fail validation before any job is created; seeing
// this during a build means the gallery emptied after admission.
var ErrEmptyGallery = fmt.Errorf("Gallery has no servable assets")

// A FetchFailureError aborts a build when too many single-asset fetches
// fail.
type FetchFailureError struct {
	Failed int
	Total  int
}

func (e *FetchFailureError) Error() string {
	return fmt.Sprintf("%d of %d assets failed to fetch", e.Failed, e.Total)
}

// A Builder runs one archive build attempt end to end: fetch the gallery's
// photos under bounded concurrency, assemble them into a store-only zip
// stream, upload the stream, and mark the archive completed.
type Builder struct {
	Store storage.Storage

	// Maximum in-flight asset fetches. Zero selects
	// fetcher.DefaultConcurrency.
	Concurrency int

	// Fraction of assets that may fail before the attempt aborts. Zero
	// selects DefaultFailureFraction.
	FailureFraction float64
}

// Build runs one build attempt for the archive. On success the archive row
// is transitioned to completed and the updated archive is returned. The
// attempt is bounded by ctx; cancellation aborts in-flight fetches and the
// upload.
func (b *Builder) Build(ctx context.Context, archive *models.Archive) (*models.Archive, error) {
	start := time.Now()
	gallery, err := galleries.Get(archive.GalleryID)
	if err != nil {
		return nil, err
	}
	photos, err := galleries.Photos(archive.GalleryID)
	if err != nil {
		return nil, err
	}
	if len(photos) == 0 {
		return nil, ErrEmptyGallery
	}

	fraction := b.FailureFraction
	if fraction == 0 {
		fraction = DefaultFailureFraction
	}
	maxFailures := int(fraction * float64(len(photos)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	refs := make([]string, len(photos))
	for i, p := range photos {
		refs[i] = p.StorageRef
	}
	results := fetcher.Fetch(ctx, b.Store, refs, b.Concurrency)

	// Convert fetch results to bundle entries, skipping failed assets until
	// the failure budget runs out.
	entries := make(chan bundle.Entry)
	fetchErrc := make(chan error, 1)
	go func() {
		defer close(entries)
		failed := 0
		for res := range results {
			if res.Err != nil {
				failed++
				log.Printf("build %s: asset %d (%s) failed: %s", archive.ID, res.Index, res.Ref, res.Err)
				go metrics.Increment("build.fetch.asset_error")
				if failed > maxFailures {
					fetchErrc <- &FetchFailureError{Failed: failed, Total: len(photos)}
					cancel()
					return
				}
				continue
			}
			entry := bundle.Entry{
				Name: bundle.EntryName(gallery.Title, res.Index, len(photos), photos[res.Index].Filename),
				Data: res.Data,
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Pipe the zip stream straight into the upload; nothing buffers the
	// whole bundle in memory.
	pr, pw := io.Pipe()
	countc := make(chan int, 1)
	go func() {
		count, err := bundle.Assemble(pw, entries)
		countc <- count
		pw.CloseWithError(err)
	}()

	key := fmt.Sprintf("archives/%s.zip", archive.ID.UUID.String())
	ref, size, err := b.Store.Upload(ctx, key, pr)
	if err != nil {
		// Unblock the assembler if the upload stopped reading mid-stream.
		pr.CloseWithError(err)
	}
	count := <-countc
	select {
	case ferr := <-fetchErrc:
		return nil, ferr
	default:
	}
	if err != nil {
		return nil, err
	}

	completed, err := archives.MarkCompleted(archive.ID, ref, size, count)
	if err != nil {
		return nil, err
	}
	go metrics.Time("build.latency", time.Since(start))
	go metrics.Measure("build.bytes", size)
	log.Printf("built archive %s for gallery %s: %d entries, %d bytes in %v",
		archive.ID, archive.GalleryID, count, size, time.Since(start))
	return completed, nil
}
