package test_services

import (
	"testing"
	"time"

	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/models/build_jobs"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/test"
	"github.com/shutterbay/bundler/test/factory"
)

func TestSweepReleasesOverdueJob(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	claimed, err := build_jobs.Claim("worker-dead", 1*time.Millisecond)
	test.AssertNotError(t, err, "claiming")
	time.Sleep(5 * time.Millisecond)

	err = services.FailOverdueJobs()
	test.AssertNotError(t, err, "sweeping")

	j, err := build_jobs.Get(claimed.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, j.Status, models.StatusQueued)
	test.AssertEquals(t, j.Attempts, claimed.Attempts-1)
	test.Assert(t, !j.ClaimedBy.Valid, "claim should be cleared")
}

func TestSweepFailsJobOnLastAttempt(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	a := factory.CreateArchive(t, galleryID)
	j, err := build_jobs.Enqueue(factory.RandomId(build_jobs.Prefix), a.ID, galleryID,
		models.PriorityDefault, 1, time.Now().UTC())
	test.AssertNotError(t, err, "enqueue job with one attempt")
	_, err = build_jobs.ClaimByID(j.ID, "worker-dead", 1*time.Millisecond)
	test.AssertNotError(t, err, "claiming")
	time.Sleep(5 * time.Millisecond)

	err = services.FailOverdueJobs()
	test.AssertNotError(t, err, "sweeping")

	swept, err := build_jobs.Get(j.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, swept.Status, models.StatusJobFailed)

	failed, err := archives.Get(a.ID)
	test.AssertNotError(t, err, "getting archive")
	test.AssertEquals(t, failed.Status, models.StatusFailed)
	test.AssertEquals(t, failed.ErrorMessage.String, "build deadline exceeded")
}

// A pending archive with no job (a crash or error between the archive
// insert and the job insert) blocks its gallery forever unless the sweeper
// reclaims it.
func TestSweepFailsOrphanedArchive(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	a := factory.CreateArchive(t, galleryID)

	err := services.FailOrphanedArchives(time.Now().Add(time.Second))
	test.AssertNotError(t, err, "sweeping orphans")

	swept, err := archives.Get(a.ID)
	test.AssertNotError(t, err, "getting archive")
	test.AssertEquals(t, swept.Status, models.StatusFailed)
	test.AssertEquals(t, swept.ErrorMessage.String, "no build job for archive")
}

func TestSweepSparesArchivesWithLiveJobs(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	a, _ := factory.CreateBuildJob(t, galleryID)

	err := services.FailOrphanedArchives(time.Now().Add(time.Second))
	test.AssertNotError(t, err, "sweeping orphans")

	kept, err := archives.Get(a.ID)
	test.AssertNotError(t, err, "getting archive")
	test.AssertEquals(t, kept.Status, models.StatusPending)
}

// A fresh orphan inside the grace window is left alone; the admitting
// process may still be between its two inserts.
func TestSweepSparesRecentPendingArchives(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	a := factory.CreateArchive(t, galleryID)

	err := services.FailOrphanedArchives(time.Now().Add(-time.Minute))
	test.AssertNotError(t, err, "sweeping orphans")

	kept, err := archives.Get(a.ID)
	test.AssertNotError(t, err, "getting archive")
	test.AssertEquals(t, kept.Status, models.StatusPending)
}

func TestSweepIgnoresHealthyJobs(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	claimed, err := build_jobs.Claim("worker-live", 10*time.Minute)
	test.AssertNotError(t, err, "claiming")

	err = services.FailOverdueJobs()
	test.AssertNotError(t, err, "sweeping")

	j, err := build_jobs.Get(claimed.ID)
	test.AssertNotError(t, err, "getting job")
	test.AssertEquals(t, j.Status, models.StatusInProgress)
}
