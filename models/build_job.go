package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

type JobStatus string

// StatusQueued indicates a BuildJob is waiting to be claimed by a worker.
const StatusQueued = JobStatus("pending")

// StatusInProgress indicates a worker has claimed the BuildJob and is
// building the archive.
const StatusInProgress = JobStatus("processing")

// StatusSucceeded indicates the build finished and the archive was
// persisted.
const StatusSucceeded = JobStatus("completed")

// StatusJobFailed indicates the build failed with no attempts remaining.
const StatusJobFailed = JobStatus("failed")

// StatusCancelled indicates the job was superseded before it ran, usually by
// a higher-priority regenerate for the same gallery.
const StatusCancelled = JobStatus("cancelled")

// Job priorities. A forced regenerate outranks a routine first build.
const (
	PriorityDefault    = 0
	PriorityRegenerate = 10
)

// A BuildJob is a persisted, claimable unit of archive-building work, tied
// 1:1 to an in-progress Archive.
//
// A job is claimed by exactly one worker at a time; the claim is an atomic
// conditional transition from pending to processing. A processing job that
// outlives its deadline is swept to failed, and requeued if attempts
// remain.
type BuildJob struct {
	ID        types.PrefixUUID `json:"id"`
	ArchiveID types.PrefixUUID `json:"archive_id"`
	GalleryID types.PrefixUUID `json:"gallery_id"`
	Priority  int              `json:"priority"`
	Attempts  uint8            `json:"attempts"`
	RunAfter  time.Time        `json:"run_after"`
	ClaimedAt types.NullTime   `json:"claimed_at"`
	ClaimedBy sql.NullString   `json:"claimed_by"`
	Deadline  types.NullTime   `json:"deadline"`
	Status    JobStatus        `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Scan implements the Scanner interface.
func (j *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*j = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*j = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobStatus: %#v", src)
}

func (j JobStatus) Value() (driver.Value, error) {
	return string(j), nil
}
