package models

import (
	"time"

	types "github.com/Shyp/go-types"
)

// A Gallery is a photographer's delivery set. The core never mutates
// galleries or photos; they are a read model owned by the editing surface.
type Gallery struct {
	ID        types.PrefixUUID `json:"id"`
	Title     string           `json:"title"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// A Photo is one servable asset in a gallery. Position is the gallery's
// declared display order, which bundle entries must follow.
type Photo struct {
	ID         types.PrefixUUID `json:"id"`
	GalleryID  types.PrefixUUID `json:"gallery_id"`
	StorageRef string           `json:"storage_ref"`
	Filename   string           `json:"filename"`
	Position   int              `json:"position"`
	ByteSize   int64            `json:"byte_size"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// An AssetSummary is the cheap per-gallery aggregate the fingerprint is
// derived from.
type AssetSummary struct {
	Count         int
	LatestUpdated time.Time
}

// A Recipient is someone to email when a gallery's archive completes.
// Read-only to the core; consulted only after an Archive reaches completed.
type Recipient struct {
	Email   string `json:"email"`
	OptedIn bool   `json:"opted_in"`
}
