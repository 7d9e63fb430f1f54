package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

type ArchiveStatus string

// StatusPending indicates an Archive has been admitted but no worker has
// started building it.
const StatusPending = ArchiveStatus("pending")

// StatusProcessing indicates a worker is building the Archive.
const StatusProcessing = ArchiveStatus("processing")

// StatusCompleted indicates the Archive's bytes have been persisted and can
// be served.
const StatusCompleted = ArchiveStatus("completed")

// StatusFailed indicates the build failed terminally; a new explicit request
// may admit a fresh Archive.
const StatusFailed = ArchiveStatus("failed")

// Terminal reports whether no further transitions are possible for an
// Archive in this status.
func (a ArchiveStatus) Terminal() bool {
	return a == StatusCompleted || a == StatusFailed
}

// An Archive is a generated bundle of every servable photo in one gallery.
//
// At most one Archive per gallery is in a non-terminal status at any time;
// the archives table enforces this with a partial unique index. A completed
// Archive whose fingerprint no longer matches the gallery's current asset
// set is stale: still servable, but a rebuild is warranted.
type Archive struct {
	ID           types.PrefixUUID `json:"id"`
	GalleryID    types.PrefixUUID `json:"gallery_id"`
	StorageRef   sql.NullString   `json:"storage_ref"`
	Fingerprint  string           `json:"fingerprint"`
	ImageCount   int              `json:"image_count"`
	ByteSize     int64            `json:"byte_size"`
	Status       ArchiveStatus    `json:"status"`
	ErrorMessage sql.NullString   `json:"error_message"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Scan implements the Scanner interface.
func (a *ArchiveStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*a = ArchiveStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*a = ArchiveStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported ArchiveStatus: %#v", src)
}

func (a ArchiveStatus) Value() (driver.Value, error) {
	return string(a), nil
}
