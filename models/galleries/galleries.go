// Read-only queries against the galleries, photos and recipients tables.
//
// The editing surface owns these tables; the archive core only reads them.
package galleries

import (
	"database/sql"
	"errors"
	"fmt"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/db"
)

const Prefix = "gal_"

// ErrNotFound indicates that the gallery was not found.
var ErrNotFound = errors.New("Gallery not found")

var getStmt *sql.Stmt
var assetSummaryStmt *sql.Stmt
var photosStmt *sql.Stmt
var recipientsStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if getStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- galleries.Get
SELECT '%s' || id, title, created_at, updated_at
FROM galleries
WHERE id = $1`, Prefix)
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// count(*) + max(updated_at) is all the fingerprint needs; avoid pulling
	// the photo rows just to version the set.
	query = `-- galleries.AssetSummary
SELECT count(*), COALESCE(max(updated_at), 'epoch'::timestamptz)
FROM photos
WHERE gallery_id = $1`
	assetSummaryStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- galleries.Photos
SELECT 'photo_' || id, '%s' || gallery_id, storage_ref, filename, display_order, byte_size, created_at, updated_at
FROM photos
WHERE gallery_id = $1
ORDER BY display_order ASC`, Prefix)
	photosStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- galleries.Recipients
SELECT email, opted_in
FROM recipients
WHERE gallery_id = $1
AND opted_in = true`
	recipientsStmt, err = db.Conn.Prepare(query)
	return
}

// Get the gallery with the given id. If no record could be found, the error
// will be galleries.ErrNotFound.
func Get(id types.PrefixUUID) (*models.Gallery, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	g := new(models.Gallery)
	err := getStmt.QueryRow(id).Scan(&g.ID, &g.Title, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return g, nil
}

// AssetSummary returns the photo count and latest mutation timestamp for the
// gallery - the inputs to the fingerprint function.
func AssetSummary(id types.PrefixUUID) (models.AssetSummary, error) {
	var s models.AssetSummary
	err := assetSummaryStmt.QueryRow(id).Scan(&s.Count, &s.LatestUpdated)
	if err != nil {
		return s, dberror.GetError(err)
	}
	return s, nil
}

// Photos returns every photo in the gallery in declared display order.
func Photos(id types.PrefixUUID) ([]*models.Photo, error) {
	rows, err := photosStmt.Query(id)
	var photos []*models.Photo
	if err != nil {
		return photos, dberror.GetError(err)
	}
	defer rows.Close()
	for rows.Next() {
		p := new(models.Photo)
		err = rows.Scan(&p.ID, &p.GalleryID, &p.StorageRef, &p.Filename, &p.Position, &p.ByteSize, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return photos, err
		}
		photos = append(photos, p)
	}
	err = rows.Err()
	return photos, err
}

// Recipients returns the gallery's opted-in notification recipients.
func Recipients(id types.PrefixUUID) ([]*models.Recipient, error) {
	rows, err := recipientsStmt.Query(id)
	var recipients []*models.Recipient
	if err != nil {
		return recipients, dberror.GetError(err)
	}
	defer rows.Close()
	for rows.Next() {
		r := new(models.Recipient)
		if err := rows.Scan(&r.Email, &r.OptedIn); err != nil {
			return recipients, err
		}
		recipients = append(recipients, r)
	}
	err = rows.Err()
	return recipients, err
}
