package test_build_jobs

import (
	"database/sql"
	"testing"
	"time"

	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/build_jobs"
	"github.com/shutterbay/bundler/test"
	"github.com/shutterbay/bundler/test/factory"
)

func TestEnqueue(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	_, j := factory.CreateBuildJob(t, galleryID)
	test.AssertEquals(t, j.Status, models.StatusQueued)
	test.AssertEquals(t, j.Attempts, uint8(3))
	test.AssertEquals(t, j.Priority, models.PriorityDefault)
	test.AssertEquals(t, j.ID.Prefix, "bld_")

	diff := time.Since(j.CreatedAt)
	test.Assert(t, diff < 100*time.Millisecond, "created_at should be recent")
}

func TestClaimStampsWorkerAndDeadline(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	_, j := factory.CreateBuildJob(t, galleryID)

	claimed, err := build_jobs.Claim("worker-1", 10*time.Minute)
	test.AssertNotError(t, err, "claiming job")
	test.AssertEquals(t, claimed.ID.String(), j.ID.String())
	test.AssertEquals(t, claimed.Status, models.StatusInProgress)
	test.AssertEquals(t, claimed.ClaimedBy.String, "worker-1")
	test.Assert(t, claimed.Deadline.Valid, "deadline should be stamped")
	test.Assert(t, claimed.Deadline.Time.After(time.Now().Add(9*time.Minute)),
		"deadline should be close to 10 minutes out")
}

func TestClaimEmptyQueueReturnsNoRows(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	_, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

// A claimed job is invisible to other claimers until its deadline passes.
func TestClaimedJobNotClaimableTwice(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	factory.CreateBuildJob(t, galleryID)

	_, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "first claim")
	_, err = build_jobs.Claim("worker-2", time.Minute)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

// Regenerate jobs jump the queue.
func TestClaimPrefersHigherPriority(t *testing.T) {
	defer test.TearDown(t)
	routineGallery, _ := factory.CreateGalleryWithPhotos(t, "Routine", 2)
	_, routine := factory.CreateBuildJob(t, routineGallery)
	_ = routine

	urgentGallery, _ := factory.CreateGalleryWithPhotos(t, "Urgent", 2)
	urgentArchive := factory.CreateArchive(t, urgentGallery)
	urgent, err := build_jobs.Enqueue(factory.RandomId(build_jobs.Prefix), urgentArchive.ID,
		urgentGallery, models.PriorityRegenerate, 3, time.Now().UTC())
	test.AssertNotError(t, err, "enqueue urgent job")

	claimed, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")
	test.AssertEquals(t, claimed.ID.String(), urgent.ID.String())
}

func TestClaimSkipsFutureRunAfter(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	a := factory.CreateArchive(t, galleryID)
	_, err := build_jobs.Enqueue(factory.RandomId(build_jobs.Prefix), a.ID, galleryID,
		models.PriorityDefault, 3, time.Now().UTC().Add(1*time.Hour))
	test.AssertNotError(t, err, "enqueue future job")

	_, err = build_jobs.Claim("worker-1", time.Minute)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestClaimByID(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	_, j := factory.CreateBuildJob(t, galleryID)

	claimed, err := build_jobs.ClaimByID(j.ID, "inline-1", 30*time.Second)
	test.AssertNotError(t, err, "claiming by id")
	test.AssertEquals(t, claimed.Status, models.StatusInProgress)

	// Already claimed.
	_, err = build_jobs.ClaimByID(j.ID, "inline-2", 30*time.Second)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	factory.CreateBuildJob(t, galleryID)

	claimed, err := build_jobs.Claim("worker-1", 50*time.Millisecond)
	test.AssertNotError(t, err, "claiming job")

	err = build_jobs.Heartbeat(claimed.ID, "worker-1", 10*time.Minute)
	test.AssertNotError(t, err, "heartbeating job")
	j, err := build_jobs.Get(claimed.ID)
	test.AssertNotError(t, err, "getting job")
	test.Assert(t, j.Deadline.Time.After(claimed.Deadline.Time),
		"heartbeat should push the deadline out")
}

func TestHeartbeatRequiresClaim(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 3)
	_, j := factory.CreateBuildJob(t, galleryID)

	// Not claimed yet.
	err := build_jobs.Heartbeat(j.ID, "worker-1", time.Minute)
	test.AssertEquals(t, err, build_jobs.ErrNotFound)

	_, err = build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming job")

	// Claimed by someone else.
	err = build_jobs.Heartbeat(j.ID, "worker-2", time.Minute)
	test.AssertEquals(t, err, build_jobs.ErrNotFound)
}

func TestReleaseRequeuesWithFewerAttempts(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	claimed, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")

	runAfter := time.Now().UTC().Add(2 * time.Second)
	released, err := build_jobs.Release(claimed.ID, claimed.Attempts, runAfter)
	test.AssertNotError(t, err, "releasing")
	test.AssertEquals(t, released.Status, models.StatusQueued)
	test.AssertEquals(t, released.Attempts, claimed.Attempts-1)
	test.Assert(t, !released.ClaimedBy.Valid, "claim fields should be cleared")

	// Stale attempts value means someone else got there first.
	_, err = build_jobs.Release(claimed.ID, claimed.Attempts, runAfter)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestCompleteAndFail(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	claimed, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")

	done, err := build_jobs.Complete(claimed.ID)
	test.AssertNotError(t, err, "completing")
	test.AssertEquals(t, done.Status, models.StatusSucceeded)

	// Terminal; a second transition matches no rows.
	_, err = build_jobs.Fail(claimed.ID)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestCancelOnlyPendingJobs(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	_, j := factory.CreateBuildJob(t, galleryID)

	cancelled, err := build_jobs.Cancel(j.ID)
	test.AssertNotError(t, err, "cancelling pending job")
	test.AssertEquals(t, cancelled.Status, models.StatusCancelled)

	other, _ := factory.CreateGalleryWithPhotos(t, "Jones Wedding", 2)
	factory.CreateBuildJob(t, other)
	claimed, err := build_jobs.Claim("worker-1", time.Minute)
	test.AssertNotError(t, err, "claiming")
	_, err = build_jobs.Cancel(claimed.ID)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestGetOverdue(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	claimed, err := build_jobs.Claim("worker-1", 10*time.Millisecond)
	test.AssertNotError(t, err, "claiming")

	jobs, err := build_jobs.GetOverdue(time.Now().UTC().Add(time.Second))
	test.AssertNotError(t, err, "getting overdue jobs")
	test.AssertEquals(t, len(jobs), 1)
	test.AssertEquals(t, jobs[0].ID.String(), claimed.ID.String())

	// Not overdue from the perspective of a minute ago.
	jobs, err = build_jobs.GetOverdue(time.Now().UTC().Add(-time.Minute))
	test.AssertNotError(t, err, "getting overdue jobs")
	test.AssertEquals(t, len(jobs), 0)
}

func TestGetActiveByGallery(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	_, j := factory.CreateBuildJob(t, galleryID)

	found, err := build_jobs.GetActiveByGallery(galleryID)
	test.AssertNotError(t, err, "getting active job")
	test.AssertEquals(t, found.ID.String(), j.ID.String())

	_, err = build_jobs.Complete(j.ID)
	test.AssertEquals(t, err, sql.ErrNoRows) // still pending, not processing
	_, err = build_jobs.Cancel(j.ID)
	test.AssertNotError(t, err, "cancelling")
	_, err = build_jobs.GetActiveByGallery(galleryID)
	test.AssertEquals(t, err, build_jobs.ErrNotFound)
}

func TestCountReadyAndAll(t *testing.T) {
	defer test.TearDown(t)
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.CreateBuildJob(t, galleryID)
	all, ready, err := build_jobs.CountReadyAndAll()
	test.AssertNotError(t, err, "counting")
	test.AssertEquals(t, all, 1)
	test.AssertEquals(t, ready, 1)
}
