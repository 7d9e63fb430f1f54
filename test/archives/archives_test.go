package test_archives

import (
	"testing"

	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/test"
	"github.com/shutterbay/bundler/test/factory"
)

func TestCreateArchive(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	a := factory.CreateArchive(t, galleryID)
	test.AssertEquals(t, a.Status, models.StatusPending)
	test.AssertEquals(t, a.GalleryID.String(), galleryID.String())
	test.AssertEquals(t, a.ImageCount, 3)
	test.AssertEquals(t, a.ID.Prefix, "arch_")
	test.Assert(t, !a.StorageRef.Valid, "new archive should have no storage ref")
}

// Two concurrent requests for the same gallery must produce exactly one
// build; the loser joins the winner's archive.
func TestSecondCreateReturnsGalleryBusy(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	factory.CreateArchive(t, galleryID)
	_, err := archives.Create(factory.RandomId(archives.Prefix), galleryID, "n3.t1", 3)
	test.AssertEquals(t, err, archives.ErrGalleryBusy)
}

func TestCreateAllowedAfterTerminal(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	a := factory.CreateArchive(t, galleryID)
	_, err := archives.MarkProcessing(a.ID)
	test.AssertNotError(t, err, "marking processing")
	_, err = archives.MarkFailed(a.ID, "source asset missing")
	test.AssertNotError(t, err, "marking failed")

	a2 := factory.CreateArchive(t, galleryID)
	test.Assert(t, a2.ID.String() != a.ID.String(), "expected a fresh archive")
}

func TestStatusTransitions(t *testing.T) {
	defer test.TearDown(t)
	galleryID, refs := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	a := factory.CreateArchive(t, galleryID)

	a, err := archives.MarkProcessing(a.ID)
	test.AssertNotError(t, err, "marking processing")
	test.AssertEquals(t, a.Status, models.StatusProcessing)

	a, err = archives.MarkCompleted(a.ID, "archives/some-key.zip", 2048, len(refs))
	test.AssertNotError(t, err, "marking completed")
	test.AssertEquals(t, a.Status, models.StatusCompleted)
	test.AssertEquals(t, a.StorageRef.String, "archives/some-key.zip")
	test.AssertEquals(t, a.ByteSize, int64(2048))

	// Completed is terminal.
	_, err = archives.MarkProcessing(a.ID)
	test.AssertEquals(t, err, archives.ErrWrongStatus)
	_, err = archives.MarkFailed(a.ID, "nope")
	test.AssertEquals(t, err, archives.ErrWrongStatus)
}

func TestGetLatestCompleted(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)

	_, err := archives.GetLatestCompleted(galleryID)
	test.AssertEquals(t, err, archives.ErrNotFound)

	a := factory.CreateArchive(t, galleryID)
	_, err = archives.MarkProcessing(a.ID)
	test.AssertNotError(t, err, "")
	_, err = archives.MarkCompleted(a.ID, "archives/one.zip", 100, 2)
	test.AssertNotError(t, err, "")

	latest, err := archives.GetLatestCompleted(galleryID)
	test.AssertNotError(t, err, "getting latest completed")
	test.AssertEquals(t, latest.ID.String(), a.ID.String())
}

func TestGetActive(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	_, err := archives.GetActive(galleryID)
	test.AssertEquals(t, err, archives.ErrNotFound)

	a := factory.CreateArchive(t, galleryID)
	active, err := archives.GetActive(galleryID)
	test.AssertNotError(t, err, "getting active archive")
	test.AssertEquals(t, active.ID.String(), a.ID.String())
}
