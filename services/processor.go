package services

import (
	"context"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
)

// DefaultDeadline is how long an asynchronous build attempt may run before
// the sweeper reclaims it.
var DefaultDeadline = 10 * time.Minute

// BuildProcessor runs claimed build jobs. It is the Worker implementation
// shared by every claimer in a pool, and also drives inline builds, so it
// must be safe for concurrent use.
type BuildProcessor struct {
	Builder *Builder
	Fanout  Fanout
}

// NewBuildProcessor creates a BuildProcessor that fetches from and uploads
// to store, and notifies recipients through n on completion.
func NewBuildProcessor(b *Builder, f Fanout) *BuildProcessor {
	return &BuildProcessor{Builder: b, Fanout: f}
}

// DoWork runs one build attempt for a claimed job and records the outcome.
// The attempt is bounded by the deadline the claim stamped on the job;
// exceeding it aborts in-flight work and counts as a failed attempt.
func (p *BuildProcessor) DoWork(job *models.BuildJob) error {
	log.Printf("processing job %s (archive %s, gallery %s)", job.ID, job.ArchiveID, job.GalleryID)
	archive, err := archives.Get(job.ArchiveID)
	if err != nil {
		return HandleBuildFailure(job, err, true)
	}

	// First attempt moves the archive from pending; a retry finds it
	// already processing.
	if _, err := archives.MarkProcessing(job.ArchiveID); err != nil && err != archives.ErrWrongStatus {
		return HandleBuildFailure(job, err, true)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if job.Deadline.Valid {
		ctx, cancel = context.WithDeadline(ctx, job.Deadline.Time)
	} else {
		ctx, cancel = context.WithTimeout(ctx, DefaultDeadline)
	}
	defer cancel()

	start := time.Now()
	completed, err := p.Builder.Build(ctx, archive)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			go metrics.Increment("build.timeout")
			log.Printf("job %s exceeded its deadline after %v", job.ID, time.Since(start))
		}
		return HandleBuildFailure(job, err, Retryable(err))
	}
	return HandleBuildSuccess(job, completed, p.Fanout)
}
