package services

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/build_jobs"
)

// MaxAttempts is the number of build attempts a job gets before it is
// failed terminally.
const MaxAttempts = 3

// HandleBuildSuccess records a finished build: the job transitions to
// completed and every opt-in recipient is notified. The builder already
// transitioned the archive, so the caller holding a nil build error is the
// only one that reaches this for a given attempt.
func HandleBuildSuccess(job *models.BuildJob, archive *models.Archive, n Fanout) error {
	_, err := build_jobs.Complete(job.ID)
	if err == sql.ErrNoRows {
		// The sweeper released the job before we could complete it. The
		// archive is already completed, so don't re-run the build; just log.
		log.Printf("job %s completed after losing its claim", job.ID)
		return nil
	}
	if err != nil {
		go metrics.Increment("build.complete.error")
		return err
	}
	go metrics.Increment("build.complete")
	n.NotifyRecipients(archive)
	return nil
}

// HandleBuildFailure records a failed attempt. If retryable and attempts
// remain, the job is released back to pending with a backoff; otherwise the
// job and archive are failed terminally and the error message is surfaced
// to any waiting caller.
func HandleBuildFailure(job *models.BuildJob, buildErr error, retryable bool) error {
	remaining := job.Attempts - 1
	if !retryable || remaining == 0 {
		if _, err := build_jobs.Fail(job.ID); err != nil && err != sql.ErrNoRows {
			return err
		}
		if _, err := archives.MarkFailed(job.ArchiveID, buildErr.Error()); err != nil && err != archives.ErrWrongStatus {
			return err
		}
		go metrics.Increment("build.failed.terminal")
		log.Printf("job %s failed terminally: %s", job.ID, buildErr)
		return nil
	}
	runAfter := getRunAfter(MaxAttempts, remaining)
	_, err := build_jobs.Release(job.ID, job.Attempts, runAfter)
	if err == sql.ErrNoRows {
		// Another thread already released or completed the job.
		return nil
	}
	if err != nil {
		return err
	}
	go metrics.Increment("build.failed.retry")
	log.Printf("job %s failed (attempt %d of %d), retrying after %s: %s",
		job.ID, MaxAttempts-remaining, MaxAttempts, runAfter.Format(time.RFC3339), buildErr)
	return nil
}

// Retryable reports whether a build error is worth another attempt.
// Validation errors are terminal: the gallery will still be empty when the
// retry runs.
func Retryable(err error) bool {
	return err != ErrEmptyGallery
}

// getRunAfter gets the time this job should run after, given the current
// attempt number and the attempts remaining.
func getRunAfter(totalAttempts, remainingAttempts uint8) time.Time {
	backoff := totalAttempts - remainingAttempts
	return time.Now().UTC().Add(time.Duration(math.Pow(2, float64(backoff))) * time.Second)
}

// ArchiveError turns a terminal archive into the message shown to callers.
func ArchiveError(a *models.Archive) error {
	if a.ErrorMessage.Valid {
		return fmt.Errorf("archive build failed: %s", a.ErrorMessage.String)
	}
	return fmt.Errorf("archive build failed")
}
