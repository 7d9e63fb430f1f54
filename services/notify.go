package services

import (
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/galleries"
	"github.com/shutterbay/bundler/notify"
	"github.com/shutterbay/bundler/storage"
)

// SignedURLTTL is how long the download link in a notification stays valid.
var SignedURLTTL = 1 * time.Hour

// A Fanout sends archive-ready notifications to every opt-in recipient of a
// gallery. It runs once per completed archive, from the worker that owned
// the completion transition, so each recipient sees exactly one
// notification per archive.
type Fanout struct {
	Notifier notify.Notifier
	Store    storage.Storage
}

// NotifyRecipients notifies every opt-in recipient that the archive is
// ready. Failures are logged and retried with backoff, but never affect
// archive status; this always returns after the fan-out, error-free from
// the caller's point of view.
func (f Fanout) NotifyRecipients(archive *models.Archive) {
	if f.Notifier == nil {
		return
	}
	recipients, err := galleries.Recipients(archive.GalleryID)
	if err != nil {
		log.Printf("notify: could not load recipients for gallery %s: %s", archive.GalleryID, err)
		go metrics.Increment("notify.recipients.error")
		return
	}
	if len(recipients) == 0 {
		return
	}
	url := ""
	if archive.StorageRef.Valid {
		url, err = f.Store.SignedURL(archive.StorageRef.String, SignedURLTTL)
		if err != nil {
			log.Printf("notify: could not sign URL for archive %s: %s", archive.ID, err)
			go metrics.Increment("notify.sign_url.error")
		}
	}
	for _, r := range recipients {
		r := r
		op := func() error {
			return f.Notifier.Notify(r, archive, url)
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
		if err := backoff.Retry(op, policy); err != nil {
			// Non-fatal: the archive is complete whether or not the email
			// goes out.
			log.Printf("notify: delivery to %s for archive %s failed: %s", r.Email, archive.ID, err)
			go metrics.Increment("notify.delivery.error")
			continue
		}
		go metrics.Increment("notify.delivery.success")
	}
}
