// Logic for interacting with the "build_jobs" table.
package build_jobs

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/db"
)

const Prefix = "bld_"

// ErrNotFound indicates that the build job was not found.
var ErrNotFound = errors.New("Build job not found")

// OverdueJobLimit is the maximum number of overdue jobs to fetch in one
// database query.
var OverdueJobLimit = 100

var enqueueStmt *sql.Stmt
var getStmt *sql.Stmt
var getActiveByGalleryStmt *sql.Stmt
var claimStmt *sql.Stmt
var claimByIDStmt *sql.Stmt
var heartbeatStmt *sql.Stmt
var releaseStmt *sql.Stmt
var completeStmt *sql.Stmt
var failStmt *sql.Stmt
var cancelStmt *sql.Stmt
var overdueStmt *sql.Stmt
var countReadyAndAllStmt *sql.Stmt
var countsByStatusStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if enqueueStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- build_jobs.Enqueue
INSERT INTO build_jobs (id, archive_id, gallery_id, priority, attempts, run_after, status)
VALUES ($1, $2, $3, $4, $5, $6, '%s')
RETURNING %s`, models.StatusQueued, fields())
	enqueueStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.Get
SELECT %s
FROM build_jobs
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.GetActiveByGallery
SELECT %s
FROM build_jobs
WHERE gallery_id = $1
AND status IN ('%s', '%s')
ORDER BY created_at DESC
LIMIT 1`, fields(), models.StatusQueued, models.StatusInProgress)
	getActiveByGalleryStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// The claim is the only path from pending to processing, and the
	// rows-affected check on status makes it atomic: two workers racing for
	// the same job see exactly one winner.
	query = fmt.Sprintf(`-- build_jobs.Claim
WITH next_job AS (
	SELECT id AS inner_id
	FROM build_jobs
	WHERE status='%[1]s'
		AND run_after <= now()
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE
) UPDATE build_jobs
SET status='%[2]s',
	claimed_at=now(),
	claimed_by=$1,
	deadline=now() + $2::interval,
	updated_at=now()
FROM next_job
WHERE build_jobs.id = next_job.inner_id
	AND status='%[1]s'
RETURNING %[3]s`, models.StatusQueued, models.StatusInProgress, fields())
	claimStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.ClaimByID
UPDATE build_jobs
SET status='%s',
	claimed_at=now(),
	claimed_by=$2,
	deadline=now() + $3::interval,
	updated_at=now()
WHERE id = $1
	AND status='%s'
RETURNING %s`, models.StatusInProgress, models.StatusQueued, fields())
	claimByIDStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.Heartbeat
UPDATE build_jobs
SET deadline = now() + $3::interval,
	updated_at = now()
WHERE id = $1
	AND claimed_by = $2
	AND status = '%s'`, models.StatusInProgress)
	heartbeatStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.Release
UPDATE build_jobs
SET status = '%s',
	attempts = attempts - 1,
	claimed_at = NULL,
	claimed_by = NULL,
	deadline = NULL,
	run_after = $3,
	updated_at = now()
WHERE id = $1
	AND attempts = $2
RETURNING %s`, models.StatusQueued, fields())
	releaseStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.Complete
UPDATE build_jobs
SET status = '%s',
	updated_at = now()
WHERE id = $1
	AND status = '%s'
RETURNING %s`, models.StatusSucceeded, models.StatusInProgress, fields())
	completeStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.Fail
UPDATE build_jobs
SET status = '%s',
	updated_at = now()
WHERE id = $1
	AND status = '%s'
RETURNING %s`, models.StatusJobFailed, models.StatusInProgress, fields())
	failStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.Cancel
UPDATE build_jobs
SET status = '%s',
	updated_at = now()
WHERE id = $1
	AND status = '%s'
RETURNING %s`, models.StatusCancelled, models.StatusQueued, fields())
	cancelStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- build_jobs.GetOverdue
SELECT %s FROM build_jobs WHERE status='%s' AND deadline < $1 LIMIT %d`,
		fields(), models.StatusInProgress, OverdueJobLimit)
	overdueStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- build_jobs.CountReadyAndAll
WITH all_count AS (
	SELECT count(*) FROM build_jobs WHERE status='pending'
), ready_count AS (
	SELECT count(*) FROM build_jobs WHERE status='pending' AND run_after <= now()
)
SELECT all_count.count, ready_count.count
FROM all_count, ready_count`
	countReadyAndAllStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- build_jobs.GetCountsByStatus
SELECT status, count(*) FROM build_jobs GROUP BY status`
	countsByStatusStmt, err = db.Conn.Prepare(query)
	return
}

// Enqueue creates a new pending build job for the archive. A dberror.Error
// will be returned if Postgres returns a constraint failure.
func Enqueue(id types.PrefixUUID, archiveID types.PrefixUUID, galleryID types.PrefixUUID, priority int, attempts uint8, runAfter time.Time) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	err := enqueueStmt.QueryRow(id, archiveID, galleryID, priority, attempts, runAfter).Scan(args(j)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// Get the build job with the given id. If no record could be found, the
// error will be build_jobs.ErrNotFound.
func Get(id types.PrefixUUID) (*models.BuildJob, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	j := new(models.BuildJob)
	err := getStmt.QueryRow(id).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// GetRetry attempts to retrieve the job attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (job *models.BuildJob, err error) {
	for i := uint8(0); i < attempts; i++ {
		job, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// GetActiveByGallery returns the gallery's pending or processing job, or
// ErrNotFound. Concurrent getOrBuild calls for the same gallery join this
// job instead of creating a second one.
func GetActiveByGallery(galleryID types.PrefixUUID) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	err := getActiveByGalleryStmt.QueryRow(galleryID).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// Claim atomically transitions the highest-priority runnable pending job to
// processing on behalf of workerID, stamping a deadline that far in the
// future. Returns sql.ErrNoRows if no jobs are available.
func Claim(workerID string, deadline time.Duration) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	interval := fmt.Sprintf("%d milliseconds", deadline.Milliseconds())

	rows, err := claimStmt.Query(workerID, interval)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	count := 0
	scanned := false
	for rows.Next() {
		count += 1
		if !scanned {
			rows.Scan(args(j)...)
			scanned = true
		}
	}
	if count == 0 {
		return nil, sql.ErrNoRows
	}
	if count > 1 {
		panic(fmt.Sprintf("Too many rows affected by Claim for worker '%s': %d", workerID, count))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return j, nil
}

// ClaimByID atomically claims one specific pending job on behalf of
// workerID. The inline build path uses this so the caller's own request
// runs the job it just admitted. Returns sql.ErrNoRows if the job is no
// longer pending.
func ClaimByID(id types.PrefixUUID, workerID string, deadline time.Duration) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	interval := fmt.Sprintf("%d milliseconds", deadline.Milliseconds())
	err := claimByIDStmt.QueryRow(id, workerID, interval).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// Heartbeat pushes the job's deadline out so the sweeper can tell a live
// worker from a dead one. The update only applies while workerID still
// holds the claim; ErrNotFound means another worker took it.
func Heartbeat(id types.PrefixUUID, workerID string, deadline time.Duration) error {
	interval := fmt.Sprintf("%d milliseconds", deadline.Milliseconds())
	res, err := heartbeatStmt.Exec(id, workerID, interval)
	if err != nil {
		return dberror.GetError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Release requeues a failed attempt: the job goes back to pending with one
// fewer attempt remaining and a run_after backoff. If the attempts counter
// in the database does not match the passed in value, sql.ErrNoRows is
// returned; another worker already released or completed the job.
func Release(id types.PrefixUUID, attempts uint8, runAfter time.Time) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	err := releaseStmt.QueryRow(id, attempts, runAfter).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// Complete transitions the job from processing to completed.
func Complete(id types.PrefixUUID) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	err := completeStmt.QueryRow(id).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// Fail transitions the job from processing to failed terminally. Use Release
// instead if attempts remain.
func Fail(id types.PrefixUUID) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	err := failStmt.QueryRow(id).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// Cancel transitions a still-pending job to cancelled. Jobs that a worker
// already claimed cannot be cancelled; sql.ErrNoRows is returned.
func Cancel(id types.PrefixUUID) (*models.BuildJob, error) {
	j := new(models.BuildJob)
	err := cancelStmt.QueryRow(id).Scan(args(j)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, dberror.GetError(err)
	}
	return j, nil
}

// GetOverdue finds processing jobs whose deadline passed before the now
// value. A maximum of OverdueJobLimit jobs will be returned.
func GetOverdue(now time.Time) ([]*models.BuildJob, error) {
	rows, err := overdueStmt.Query(now)
	var jobs []*models.BuildJob
	if err != nil {
		return jobs, err
	}
	defer rows.Close()
	for rows.Next() {
		j := new(models.BuildJob)
		if err := rows.Scan(args(j)...); err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	err = rows.Err()
	return jobs, err
}

// CountReadyAndAll returns the number of pending jobs, and the subset of
// those that are runnable now.
func CountReadyAndAll() (allCount int, readyCount int, err error) {
	err = countReadyAndAllStmt.QueryRow().Scan(&allCount, &readyCount)
	return
}

// GetCountsByStatus returns a map from job status to the number of jobs in
// that status.
func GetCountsByStatus() (map[models.JobStatus]int64, error) {
	rows, err := countsByStatusStmt.Query()
	m := make(map[models.JobStatus]int64)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m[status] = count
	}
	err = rows.Err()
	return m, err
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	'%s' || archive_id,
	'%s' || gallery_id,
	priority,
	attempts,
	run_after,
	claimed_at,
	claimed_by,
	deadline,
	status,
	created_at,
	updated_at`, Prefix, "arch_", "gal_")
}

func args(j *models.BuildJob) []interface{} {
	return []interface{}{
		&j.ID,
		&j.ArchiveID,
		&j.GalleryID,
		&j.Priority,
		&j.Attempts,
		&j.RunAfter,
		&j.ClaimedAt,
		&j.ClaimedBy,
		&j.Deadline,
		&j.Status,
		&j.CreatedAt,
		&j.UpdatedAt,
	}
}
