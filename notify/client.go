// Package notify delivers "your archive is ready" notifications to opt-in
// recipients through the external delivery service.
//
// Notification failures are logged and never affect archive status.
package notify

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/rest"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

var Logger *log.Logger

func init() {
	Logger = log.New(os.Stderr, "", log.LstdFlags)
}

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// A Notifier tells one recipient that an archive is ready for download.
type Notifier interface {
	Notify(recipient *models.Recipient, archive *models.Archive, downloadURL string) error
}

// The Client is an API client for the notification delivery service, which
// accepts POST requests to /v1/notifications and renders/sends the actual
// email out of band.
type Client struct {
	*rest.Client

	Ready *ReadyService
}

// NewClient creates a new Client.
func NewClient(id, token, base string) *Client {
	c := &Client{&rest.Client{
		Id:     id,
		Token:  token,
		Client: httpClient,
		Base:   base,
	}, nil}
	c.Ready = &ReadyService{Client: c}
	return c
}

// Notify implements the Notifier interface.
func (c *Client) Notify(recipient *models.Recipient, archive *models.Archive, downloadURL string) error {
	return c.Ready.Post(recipient, archive, downloadURL)
}
