// Logic for interacting with the "archives" table.
package archives

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

const Prefix = "arch_"

// The partial unique index backing the one-active-archive-per-gallery
// invariant under concurrent admissions.
const activeConstraint = "archives_one_active_per_gallery"

// ErrNotFound indicates that the archive was not found.
var ErrNotFound = errors.New("Archive not found")

// ErrGalleryBusy is raised when an archive could not be admitted because the
// gallery already has an archive in a non-terminal status. Callers should
// join the existing build instead of starting a second one.
var ErrGalleryBusy = errors.New("Gallery already has an archive being built")

// ErrWrongStatus is raised when a conditional status transition matched no
// rows - another worker got there first, or the archive is already terminal.
var ErrWrongStatus = errors.New("Archive is not in the expected status")

var createStmt *sql.Stmt
var getStmt *sql.Stmt
var getActiveStmt *sql.Stmt
var getLatestCompletedStmt *sql.Stmt
var markProcessingStmt *sql.Stmt
var markCompletedStmt *sql.Stmt
var markFailedStmt *sql.Stmt
var getOrphanedStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	// The WHERE NOT EXISTS clause is the single-flight primitive: the insert
	// only succeeds if no other archive for this gallery is pending or
	// processing. The partial unique index backs this up under concurrency.
	query := fmt.Sprintf(`-- archives.Create
INSERT INTO archives (id, gallery_id, fingerprint, image_count, status)
SELECT $1, $2, $3, $4, '%s'
WHERE NOT EXISTS (
	SELECT id FROM archives
	WHERE gallery_id = $2
	AND status IN ('%s', '%s')
)
RETURNING %s`, models.StatusPending, models.StatusPending, models.StatusProcessing, fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archives.Get
SELECT %s
FROM archives
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archives.GetActive
SELECT %s
FROM archives
WHERE gallery_id = $1
AND status IN ('%s', '%s')`, fields(), models.StatusPending, models.StatusProcessing)
	getActiveStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archives.GetLatestCompleted
SELECT %s
FROM archives
WHERE gallery_id = $1
AND status = '%s'
ORDER BY created_at DESC
LIMIT 1`, fields(), models.StatusCompleted)
	getLatestCompletedStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archives.MarkProcessing
UPDATE archives
SET status = '%s',
	updated_at = now()
WHERE id = $1
	AND status = '%s'
RETURNING %s`, models.StatusProcessing, models.StatusPending, fields())
	markProcessingStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archives.MarkCompleted
UPDATE archives
SET status = '%s',
	storage_ref = $2,
	byte_size = $3,
	image_count = $4,
	updated_at = now()
WHERE id = $1
	AND status = '%s'
RETURNING %s`, models.StatusCompleted, models.StatusProcessing, fields())
	markCompletedStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archives.MarkFailed
UPDATE archives
SET status = '%s',
	error_message = $2,
	updated_at = now()
WHERE id = $1
	AND status IN ('%s', '%s')
RETURNING %s`, models.StatusFailed, models.StatusPending, models.StatusProcessing, fields())
	markFailedStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// A pending archive with no live job can never make progress, and it
	// blocks every later admission for its gallery. This happens if the
	// admitting process dies between the archive insert and the job insert.
	query = fmt.Sprintf(`-- archives.GetOrphaned
SELECT %s
FROM archives
WHERE status = '%s'
AND updated_at < $1
AND NOT EXISTS (
	SELECT id FROM build_jobs
	WHERE build_jobs.archive_id = archives.id
	AND build_jobs.status IN ('%s', '%s')
)`, fields(), models.StatusPending, models.StatusQueued, models.StatusInProgress)
	getOrphanedStmt, err = db.Conn.Prepare(query)
	return
}

// Create admits a new pending archive for the gallery. If the gallery
// already has an archive in a non-terminal status, ErrGalleryBusy is
// returned and the caller should join that build instead.
func Create(id types.PrefixUUID, galleryID types.PrefixUUID, fingerprint string, imageCount int) (*models.Archive, error) {
	a := new(models.Archive)
	err := createStmt.QueryRow(id, galleryID, fingerprint, imageCount).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrGalleryBusy
		}
		dberr := dberror.GetError(err)
		// Two simultaneous admissions can both pass the WHERE NOT EXISTS
		// snapshot check; the loser lands on the partial unique index and
		// should join the winner's build, same as losing the snapshot check.
		if dbe, ok := dberr.(*dberror.Error); ok && dbe.Constraint == activeConstraint {
			return nil, ErrGalleryBusy
		}
		return nil, dberr
	}
	return a, nil
}

// Get the archive with the given id. If no record could be found, the error
// will be archives.ErrNotFound.
func Get(id types.PrefixUUID) (*models.Archive, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	a := new(models.Archive)
	err := getStmt.QueryRow(id).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return a, nil
}

// GetActive returns the gallery's pending or processing archive, or
// ErrNotFound if every archive for the gallery is terminal.
func GetActive(galleryID types.PrefixUUID) (*models.Archive, error) {
	a := new(models.Archive)
	err := getActiveStmt.QueryRow(galleryID).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return a, nil
}

// GetLatestCompleted returns the most recently completed archive for the
// gallery, or ErrNotFound if the gallery has never completed a build.
func GetLatestCompleted(galleryID types.PrefixUUID) (*models.Archive, error) {
	a := new(models.Archive)
	err := getLatestCompletedStmt.QueryRow(galleryID).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return a, nil
}

// MarkProcessing transitions the archive from pending to processing. If the
// archive is in any other status, ErrWrongStatus is returned.
func MarkProcessing(id types.PrefixUUID) (*models.Archive, error) {
	a := new(models.Archive)
	err := markProcessingStmt.QueryRow(id).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrWrongStatus
		}
		return nil, dberror.GetError(err)
	}
	return a, nil
}

// MarkCompleted transitions the archive from processing to completed and
// records where the bytes live. Only the worker that owns the processing
// transition can complete an archive, so at most one caller observes a nil
// error per archive.
func MarkCompleted(id types.PrefixUUID, storageRef string, byteSize int64, imageCount int) (*models.Archive, error) {
	a := new(models.Archive)
	err := markCompletedStmt.QueryRow(id, storageRef, byteSize, imageCount).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrWrongStatus
		}
		return nil, dberror.GetError(err)
	}
	return a, nil
}

// MarkFailed transitions the archive from pending or processing to failed
// and records the error message.
func MarkFailed(id types.PrefixUUID, message string) (*models.Archive, error) {
	a := new(models.Archive)
	err := markFailedStmt.QueryRow(id, message).Scan(args(a)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrWrongStatus
		}
		return nil, dberror.GetError(err)
	}
	return a, nil
}

// GetOrphaned returns pending archives last touched before olderThan that
// have no queued or in-progress build job; the sweeper fails them so their
// galleries can admit fresh builds.
func GetOrphaned(olderThan time.Time) ([]*models.Archive, error) {
	rows, err := getOrphanedStmt.Query(olderThan)
	var orphans []*models.Archive
	if err != nil {
		return orphans, err
	}
	defer rows.Close()
	for rows.Next() {
		a := new(models.Archive)
		if err := rows.Scan(args(a)...); err != nil {
			return orphans, err
		}
		orphans = append(orphans, a)
	}
	err = rows.Err()
	return orphans, err
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	'%s' || gallery_id,
	storage_ref,
	fingerprint,
	image_count,
	byte_size,
	status,
	error_message,
	created_at,
	updated_at`, Prefix, "gal_")
}

func args(a *models.Archive) []interface{} {
	return []interface{}{
		&a.ID,
		&a.GalleryID,
		&a.StorageRef,
		&a.Fingerprint,
		&a.ImageCount,
		&a.ByteSize,
		&a.Status,
		&a.ErrorMessage,
		&a.CreatedAt,
		&a.UpdatedAt,
	}
}
