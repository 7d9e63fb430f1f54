// Package orchestrator decides what happens when someone asks for a
// gallery's archive: serve the cached bundle, join a build already in
// flight, or admit a new one.
//
// State lives in the archives and build_jobs tables, not in process memory,
// so several servers and workers can run this machine at once. Mutual
// exclusion comes from conditional inserts and compare-and-set status
// transitions; concurrent requests for the same gallery collapse into one
// physical build.
package orchestrator

import (
	"fmt"
	"log"
	"os"
	"time"

	debug "github.com/Shyp/go-debug"
	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/shutterbay/bundler/fingerprint"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/build_jobs"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/services"
)

var dbg = debug.Debug("bundler:orchestrator")

// InlineThreshold is the asset count at or below which a build runs inline,
// blocking the caller until the archive is ready. Larger galleries are
// enqueued and a pending handle is returned immediately.
var InlineThreshold = 20

// InlineTimeout bounds inline builds; a caller is blocked on them, so it is
// much shorter than the asynchronous deadline.
var InlineTimeout = 30 * time.Second

// ErrEmptyGallery indicates the gallery has no servable assets; no job was
// created.
var ErrEmptyGallery = services.ErrEmptyGallery

// A Status describes a delivery request's outcome.
type Status string

const (
	// StatusReady means Archive points at a completed, servable bundle.
	StatusReady = Status("ready")
	// StatusPending means a build is in flight; poll the archive.
	StatusPending = Status("pending")
	// StatusFailed means the build failed terminally; Err carries the
	// message.
	StatusFailed = Status("failed")
)

// A Result is the answer to a getOrBuild request.
type Result struct {
	Status  Status
	Archive *models.Archive
	Job     *models.BuildJob
	// Stale is set when Archive is servable but no longer matches the
	// gallery's current asset set; a refresh build has been admitted.
	Stale bool
	Err   error
}

// An Orchestrator owns admission decisions for one deployment. Processor is
// shared with the worker pools so inline and asynchronous builds behave
// identically.
type Orchestrator struct {
	Fingerprints *fingerprint.Computer
	Processor    *services.BuildProcessor

	// Threshold overrides InlineThreshold when positive.
	Threshold int
	// Timeout overrides InlineTimeout when positive.
	Timeout time.Duration

	workerID string
}

// New creates an Orchestrator around the given fingerprint computer and
// build processor.
func New(fp *fingerprint.Computer, p *services.BuildProcessor) *Orchestrator {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Orchestrator{
		Fingerprints: fp,
		Processor:    p,
		workerID:     fmt.Sprintf("inline-%s-%d", host, os.Getpid()),
	}
}

// GetOrBuild returns the gallery's archive: a cache hit if a completed
// archive matches the current fingerprint, a handle to the in-flight build
// if one exists, or a newly admitted build. Small galleries build inline;
// the call blocks and returns ready. A stale archive is returned as
// servable while a background refresh is admitted, never blocking the
// reader on the rebuild.
func (o *Orchestrator) GetOrBuild(galleryID types.PrefixUUID) Result {
	return o.admit(galleryID, models.PriorityDefault, false)
}

// Regenerate admits a build at elevated priority even if a fresh archive
// exists. A pending routine build for the same gallery is superseded:
// cancelled and replaced by the regenerate.
func (o *Orchestrator) Regenerate(galleryID types.PrefixUUID) Result {
	return o.admit(galleryID, models.PriorityRegenerate, true)
}

func (o *Orchestrator) admit(galleryID types.PrefixUUID, priority int, force bool) Result {
	if _, err := galleries.Get(galleryID); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	current, count, err := o.Fingerprints.Compute(galleryID)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	if current == fingerprint.Sentinel {
		go metrics.Increment("orchestrator.validation.empty")
		return Result{Status: StatusFailed, Err: ErrEmptyGallery}
	}

	latest, err := archives.GetLatestCompleted(galleryID)
	if err != nil && err != archives.ErrNotFound {
		return Result{Status: StatusFailed, Err: err}
	}
	fresh := fingerprint.Fresh(latest, current)
	if fresh && !force {
		dbg("cache hit for gallery %s (fingerprint %s)", galleryID, current)
		go metrics.Increment("orchestrator.cache.hit")
		return Result{Status: StatusReady, Archive: latest}
	}

	// Join a build already in flight rather than starting a second one.
	if job, err := build_jobs.GetActiveByGallery(galleryID); err == nil {
		if force && job.Priority < priority && o.supersede(job) {
			// Cancelled the routine build; fall through and admit the
			// regenerate.
		} else {
			go metrics.Increment("orchestrator.join")
			return o.joined(latest, job)
		}
	} else if err != build_jobs.ErrNotFound {
		return Result{Status: StatusFailed, Err: err}
	}

	archID := types.GenerateUUID(archives.Prefix)
	archive, err := archives.Create(archID, galleryID, current, count)
	if err == archives.ErrGalleryBusy {
		// Lost the admission race. Whoever won owns the build; hand back
		// their job.
		if job, jerr := build_jobs.GetActiveByGallery(galleryID); jerr == nil {
			go metrics.Increment("orchestrator.join")
			return o.joined(latest, job)
		}
		if active, aerr := archives.GetActive(galleryID); aerr == nil {
			return Result{Status: StatusPending, Archive: active}
		}
		return Result{Status: StatusFailed, Err: err}
	}
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}

	jobID := types.GenerateUUID(build_jobs.Prefix)
	job, err := build_jobs.Enqueue(jobID, archive.ID, galleryID, priority, services.MaxAttempts, time.Now().UTC())
	if err != nil {
		// Without a job nothing will ever move this archive out of pending,
		// and a pending archive blocks all later admissions for the
		// gallery. Fail it so the next request can admit a fresh build.
		if _, ferr := archives.MarkFailed(archive.ID, "could not enqueue build job"); ferr != nil && ferr != archives.ErrWrongStatus {
			log.Printf("could not fail jobless archive %s: %s", archive.ID, ferr)
		}
		return Result{Status: StatusFailed, Err: err}
	}
	o.Fingerprints.Invalidate(galleryID)
	go metrics.Increment("orchestrator.admit")
	dbg("admitted build %s for gallery %s (priority %d, %d assets)", job.ID, galleryID, priority, count)

	// A stale hit never blocks the reader on the refresh, regardless of
	// size.
	if latest != nil && latest.Status == models.StatusCompleted && !force {
		return Result{Status: StatusReady, Archive: latest, Job: job, Stale: true}
	}

	if count <= o.threshold() {
		return o.buildInline(job, archive)
	}
	return Result{Status: StatusPending, Archive: archive, Job: job}
}

// joined wraps an in-flight job as a Result, serving stale bytes alongside
// it when they exist.
func (o *Orchestrator) joined(latest *models.Archive, job *models.BuildJob) Result {
	if latest != nil && latest.Status == models.StatusCompleted {
		return Result{Status: StatusReady, Archive: latest, Job: job, Stale: true}
	}
	a, err := archives.Get(job.ArchiveID)
	if err != nil {
		return Result{Status: StatusPending, Job: job}
	}
	return Result{Status: StatusPending, Archive: a, Job: job}
}

// supersede cancels a pending routine job so a regenerate can replace it.
// Returns false if the job was already claimed; the regenerate joins it
// instead.
func (o *Orchestrator) supersede(job *models.BuildJob) bool {
	if _, err := build_jobs.Cancel(job.ID); err != nil {
		return false
	}
	if _, err := archives.MarkFailed(job.ArchiveID, "superseded by regenerate"); err != nil && err != archives.ErrWrongStatus {
		log.Printf("could not fail superseded archive %s: %s", job.ArchiveID, err)
	}
	go metrics.Increment("orchestrator.supersede")
	return true
}

// buildInline claims the just-admitted job on the caller's goroutine and
// runs it to completion, returning ready or failed within the request.
func (o *Orchestrator) buildInline(job *models.BuildJob, archive *models.Archive) Result {
	claimed, err := build_jobs.ClaimByID(job.ID, o.workerID, o.timeout())
	if err != nil {
		// A pool worker got there first; treat it like a join.
		return Result{Status: StatusPending, Archive: archive, Job: job}
	}
	go metrics.Increment("orchestrator.inline")
	if err := o.Processor.DoWork(claimed); err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	a, err := archives.Get(archive.ID)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	switch a.Status {
	case models.StatusCompleted:
		return Result{Status: StatusReady, Archive: a}
	case models.StatusFailed:
		return Result{Status: StatusFailed, Archive: a, Err: services.ArchiveError(a)}
	default:
		// The attempt failed but retries remain; the pools will pick the
		// released job up.
		return Result{Status: StatusPending, Archive: a, Job: job}
	}
}

func (o *Orchestrator) threshold() int {
	if o.Threshold > 0 {
		return o.Threshold
	}
	return InlineThreshold
}

func (o *Orchestrator) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return InlineTimeout
}
