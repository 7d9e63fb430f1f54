package test_services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/build_jobs"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/storage"
	"github.com/shutterbay/bundler/test"
	"github.com/shutterbay/bundler/test/factory"
)

func TestBuildProducesCompleteArchive(t *testing.T) {
	defer test.TearDown(t)
	galleryID, refs := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 5)
	store := storage.NewMemoryStore()
	factory.SeedStore(store, refs)

	a := factory.CreateArchive(t, galleryID)
	_, err := archives.MarkProcessing(a.ID)
	test.AssertNotError(t, err, "marking processing")

	b := factory.Builder(store)
	completed, err := b.Build(context.Background(), a)
	test.AssertNotError(t, err, "building archive")
	test.AssertEquals(t, completed.Status, models.StatusCompleted)
	test.AssertEquals(t, completed.ImageCount, 5)
	test.Assert(t, completed.StorageRef.Valid, "storage ref should be set")
	test.Assert(t, completed.ByteSize > 0, "byte size should be recorded")

	// The stored object is a readable zip with one entry per photo, in
	// display order.
	rc, err := store.Download(context.Background(), completed.StorageRef.String)
	test.AssertNotError(t, err, "downloading bundle")
	defer rc.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(rc)
	test.AssertNotError(t, err, "reading bundle")
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	test.AssertNotError(t, err, "opening zip")
	test.AssertEquals(t, len(zr.File), 5)
	for _, f := range zr.File {
		test.AssertEquals(t, f.Method, zip.Store)
	}
	test.Assert(t, zr.File[0].Name < zr.File[1].Name, "entries should be ordered")
}

func TestBuildEmptyGallery(t *testing.T) {
	defer test.TearDown(t)
	galleryID := factory.CreateGallery(t, "Empty Gallery")
	_, err := factory.Builder(storage.NewMemoryStore()).Build(context.Background(), &models.Archive{
		GalleryID: galleryID,
	})
	test.AssertEquals(t, err, services.ErrEmptyGallery)
	test.AssertEquals(t, services.Retryable(err), false)
}

// One failed photo out of many is tolerated; past the failure fraction the
// attempt aborts.
func TestBuildAbortsPastFailureFraction(t *testing.T) {
	defer test.TearDown(t)
	galleryID, refs := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 4)
	store := storage.NewMemoryStore()
	factory.SeedStore(store, refs)
	store.FailDownloads[refs[1]] = errors.New("connection reset")
	store.FailDownloads[refs[2]] = errors.New("connection reset")

	a := factory.CreateArchive(t, galleryID)
	_, err := archives.MarkProcessing(a.ID)
	test.AssertNotError(t, err, "marking processing")

	b := factory.Builder(store)
	b.FailureFraction = 0.3
	_, err = b.Build(context.Background(), a)
	test.AssertError(t, err, "build should abort")
	var ffe *services.FetchFailureError
	test.Assert(t, errors.As(err, &ffe), "expected a fetch failure error")

	got, err := archives.Get(a.ID)
	test.AssertNotError(t, err, "getting archive")
	test.AssertEquals(t, got.Status, models.StatusProcessing)
}

func TestHandleBuildFailureRetriesThenFails(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	job, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")

	buildErr := errors.New("upload timed out")
	err = services.HandleBuildFailure(job, buildErr, true)
	test.AssertNotError(t, err, "handling failure")

	requeued, err := build_jobs.Get(job.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, requeued.Status, models.StatusQueued)
	test.AssertEquals(t, requeued.Attempts, uint8(2))
	test.Assert(t, requeued.RunAfter.After(time.Now().UTC()), "run_after should back off")

	// A stale release (attempts no longer match) loses quietly.
	err = services.HandleBuildFailure(job, buildErr, true)
	test.AssertNotError(t, err, "stale release should be tolerated")
	unchanged, err := build_jobs.Get(job.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, unchanged.Attempts, uint8(2))
}

func TestHandleBuildFailureLastAttemptIsTerminal(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	job, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")
	job.Attempts = 1

	err = services.HandleBuildFailure(job, errors.New("upload timed out"), true)
	test.AssertNotError(t, err, "handling terminal failure")

	final, err := build_jobs.Get(job.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, final.Status, models.StatusJobFailed)

	a, err := archives.Get(job.ArchiveID)
	test.AssertNotError(t, err, "getting archive")
	test.AssertEquals(t, a.Status, models.StatusFailed)
	test.AssertEquals(t, a.ErrorMessage.String, "upload timed out")
}

func TestHandleBuildFailureNotRetryable(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	job, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")

	err = services.HandleBuildFailure(job, services.ErrEmptyGallery, false)
	test.AssertNotError(t, err, "handling failure")

	final, err := build_jobs.Get(job.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, final.Status, models.StatusJobFailed)
}
