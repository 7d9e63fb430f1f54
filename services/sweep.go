package services

import (
	"database/sql"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/build_jobs"
)

// FailOverdueJobs releases the claim on any processing job whose deadline
// has passed, requeueing it if attempts remain and failing it terminally
// otherwise. The attempts compare-and-set in Release means a job is failed
// at most once per attempt, even with several sweepers racing.
func FailOverdueJobs() error {
	jobs, err := build_jobs.GetOverdue(time.Now())
	if err != nil {
		return err
	}
	for _, job := range jobs {
		remaining := job.Attempts - 1
		if remaining == 0 {
			if _, err := build_jobs.Fail(job.ID); err != nil {
				if err != sql.ErrNoRows {
					log.Printf("Found overdue job %s but could not fail it: %s", job.ID, err)
				}
				continue
			}
			if _, err := archives.MarkFailed(job.ArchiveID, "build deadline exceeded"); err != nil && err != archives.ErrWrongStatus {
				log.Printf("Could not fail archive %s for overdue job %s: %s", job.ArchiveID, job.ID, err)
			}
			go metrics.Increment("sweep.job.failed")
			log.Printf("Found overdue job %s and marked it as failed", job.ID)
			continue
		}
		runAfter := getRunAfter(MaxAttempts, remaining)
		if _, err := build_jobs.Release(job.ID, job.Attempts, runAfter); err != nil {
			// There may easily be race/idempotence errors with an overdue
			// job watcher; the next sweep will pick it up.
			if err != sql.ErrNoRows {
				log.Printf("Found overdue job %s but could not release it: %s", job.ID, err)
			}
			continue
		}
		go metrics.Increment("sweep.job.released")
		log.Printf("Found overdue job %s and released it for retry", job.ID)
	}
	return nil
}

// OrphanGrace is how long a jobless pending archive may sit before the
// sweeper fails it. Long enough that a live admission finishing its job
// insert is never swept out from under it.
var OrphanGrace = 1 * time.Minute

// FailOrphanedArchives fails pending archives that have no queued or
// in-progress build job. Nothing will ever move such an archive out of
// pending, and while it sits there every admission for its gallery returns
// a pending handle to a build that does not exist.
func FailOrphanedArchives(olderThan time.Time) error {
	orphans, err := archives.GetOrphaned(olderThan)
	if err != nil {
		return err
	}
	for _, a := range orphans {
		if _, err := archives.MarkFailed(a.ID, "no build job for archive"); err != nil {
			if err != archives.ErrWrongStatus {
				log.Printf("Found orphaned archive %s but could not fail it: %s", a.ID, err)
			}
			continue
		}
		go metrics.Increment("sweep.archive.orphaned")
		log.Printf("Found orphaned archive %s and marked it as failed", a.ID)
	}
	return nil
}

// WatchOverdueJobs polls for processing jobs that have outlived their
// deadline, releasing or failing them, and for pending archives that lost
// their job. This is the second admission entry point: work the explicit
// request path dropped comes back through here.
func WatchOverdueJobs(interval time.Duration) {
	for range time.Tick(interval) {
		go func() {
			if err := FailOverdueJobs(); err != nil {
				log.Printf("Error sweeping overdue jobs: %s\n", err.Error())
			}
			if err := FailOrphanedArchives(time.Now().Add(-OrphanGrace)); err != nil {
				log.Printf("Error sweeping orphaned archives: %s\n", err.Error())
			}
		}()
	}
}
