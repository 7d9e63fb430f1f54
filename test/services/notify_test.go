package test_services

import (
	"errors"
	"sync"
	"testing"

	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/archives"
	"github.com/shutterbay/bundler/services"
	"github.com/shutterbay/bundler/storage"
	"github.com/shutterbay/bundler/test"
	"github.com/shutterbay/bundler/test/factory"
)

type recordingNotifier struct {
	mu     sync.Mutex
	emails []string
	urls   []string
	// fail this many deliveries per recipient before succeeding
	failures int
	seen     map[string]int
}

func (n *recordingNotifier) Notify(r *models.Recipient, a *models.Archive, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seen == nil {
		n.seen = make(map[string]int)
	}
	if n.seen[r.Email] < n.failures {
		n.seen[r.Email]++
		return errors.New("delivery service unavailable")
	}
	n.emails = append(n.emails, r.Email)
	n.urls = append(n.urls, url)
	return nil
}

func completedArchive(t *testing.T, store *storage.MemoryStore) *models.Archive {
	t.Helper()
	galleryID, _ := factory.CreateGalleryWithPhotos(t, "Smith Wedding", 2)
	factory.AddRecipient(t, galleryID, "bride@example.com", true)
	factory.AddRecipient(t, galleryID, "unsubscribed@example.com", false)
	a := factory.CreateArchive(t, galleryID)
	_, err := archives.MarkProcessing(a.ID)
	test.AssertNotError(t, err, "marking processing")
	store.Put("archives/bundle.zip", []byte("zipbytes"))
	a, err = archives.MarkCompleted(a.ID, "archives/bundle.zip", 8, 2)
	test.AssertNotError(t, err, "marking completed")
	return a
}

func TestFanoutNotifiesOptedInRecipients(t *testing.T) {
	defer test.TearDown(t)
	store := storage.NewMemoryStore()
	a := completedArchive(t, store)
	n := &recordingNotifier{}
	services.Fanout{Notifier: n, Store: store}.NotifyRecipients(a)

	test.AssertEquals(t, len(n.emails), 1)
	test.AssertEquals(t, n.emails[0], "bride@example.com")
	test.AssertContains(t, n.urls[0], "archives/bundle.zip")
}

func TestFanoutRetriesTransientFailures(t *testing.T) {
	defer test.TearDown(t)
	store := storage.NewMemoryStore()
	a := completedArchive(t, store)
	n := &recordingNotifier{failures: 2}
	services.Fanout{Notifier: n, Store: store}.NotifyRecipients(a)
	test.AssertEquals(t, len(n.emails), 1)
}

func TestFanoutWithoutNotifierIsNoop(t *testing.T) {
	defer test.TearDown(t)
	store := storage.NewMemoryStore()
	a := completedArchive(t, store)
	// Must not panic.
	services.Fanout{Store: store}.NotifyRecipients(a)
}
