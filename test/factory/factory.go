// Package factory contains helpers for instantiating tests.
package factory

import (
	"fmt"
	"testing"
	"time"

	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/build_jobs"
	"github.com/shutterbay/bundler/models/db"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/storage"
	"github.com/shutterbay/bundler/test"
)

// GalleryId is a fixed ID for tests that want a stable value to assert on.
var GalleryId types.PrefixUUID

func init() {
	id, _ := types.NewPrefixUUID("gal_6740b44e-13b9-475d-af06-979627e0e0d6")
	GalleryId = id
}

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) types.PrefixUUID {
	id := uuid.NewV4()
	return types.PrefixUUID{
		UUID:   id,
		Prefix: prefix,
	}
}

// CreateGallery inserts a gallery with the given title. Galleries are a read
// model owned by the editing surface, so tests write them with plain SQL;
// there is deliberately no write API to reach for.
func CreateGallery(t testing.TB, title string) types.PrefixUUID {
	t.Helper()
	test.SetUp(t)
	id := RandomId(galleries.Prefix)
	_, err := db.Conn.Exec("INSERT INTO galleries (id, title) VALUES ($1, $2)", id.UUID.String(), title)
	test.AssertNotError(t, err, "create gallery")
	return id
}

// AddPhoto inserts a photo at the given display position.
func AddPhoto(t testing.TB, galleryID types.PrefixUUID, position int, filename string) types.PrefixUUID {
	t.Helper()
	id := RandomId("photo_")
	ref := fmt.Sprintf("photos/%s", id.UUID.String())
	_, err := db.Conn.Exec(`INSERT INTO photos (id, gallery_id, storage_ref, filename, display_order, byte_size)
VALUES ($1, $2, $3, $4, $5, $6)`,
		id.UUID.String(), galleryID.UUID.String(), ref, filename, position, 1024)
	test.AssertNotError(t, err, "create photo")
	return id
}

// AddPhotos inserts count photos in display order and returns their storage
// refs, in order.
func AddPhotos(t testing.TB, galleryID types.PrefixUUID, count int) []string {
	t.Helper()
	refs := make([]string, count)
	for i := 0; i < count; i++ {
		id := AddPhoto(t, galleryID, i+1, fmt.Sprintf("IMG_%04d.JPG", i+1))
		refs[i] = fmt.Sprintf("photos/%s", id.UUID.String())
	}
	return refs
}

// AddRecipient inserts a notification recipient.
func AddRecipient(t testing.TB, galleryID types.PrefixUUID, email string, optedIn bool) {
	t.Helper()
	_, err := db.Conn.Exec("INSERT INTO recipients (gallery_id, email, opted_in) VALUES ($1, $2, $3)",
		galleryID.UUID.String(), email, optedIn)
	test.AssertNotError(t, err, "create recipient")
}

// CreateGalleryWithPhotos creates a gallery and count photos, and returns
// the gallery's ID and the photos' storage refs.
func CreateGalleryWithPhotos(t testing.TB, title string, count int) (types.PrefixUUID, []string) {
	t.Helper()
	galleryID := CreateGallery(t, title)
	refs := AddPhotos(t, galleryID, count)
	return galleryID, refs
}

// CreateArchive admits an archive for the gallery with a fingerprint derived
// from the gallery's current assets.
func CreateArchive(t testing.TB, galleryID types.PrefixUUID) *models.Archive {
	t.Helper()
	summary, err := galleries.AssetSummary(galleryID)
	test.AssertNotError(t, err, "summarizing gallery")
	fp := fmt.Sprintf("n%d.t%d", summary.Count, summary.LatestUpdated.UnixNano())
	a, err := archives.Create(RandomId(archives.Prefix), galleryID, fp, summary.Count)
	test.AssertNotError(t, err, "create archive")
	return a
}

// CreateBuildJob admits an archive and enqueues a build job for it.
func CreateBuildJob(t testing.TB, galleryID types.PrefixUUID) (*models.Archive, *models.BuildJob) {
	t.Helper()
	a := CreateArchive(t, galleryID)
	j, err := build_jobs.Enqueue(RandomId(build_jobs.Prefix), a.ID, galleryID,
		models.PriorityDefault, services.MaxAttempts, time.Now().UTC())
	test.AssertNotError(t, err, "enqueue build job")
	return a, j
}

// SeedStore uploads small fake photo payloads for every ref so builds
// against a MemoryStore succeed.
func SeedStore(store *storage.MemoryStore, refs []string) {
	for i, ref := range refs {
		store.Put(ref, []byte(fmt.Sprintf("image-bytes-%d", i)))
	}
}

// Builder returns a Builder backed by the given in-memory store.
func Builder(store *storage.MemoryStore) *services.Builder {
	return &services.Builder{
		Store:       store,
		Concurrency: 2,
	}
}
