package notify

import (
	"bytes"
	"encoding/json"
	"errors"

	types "github.com/Shyp/go-types"
	"github.com/shutterbay/bundler/models"
)

type ReadyService struct {
	Client *Client
}

type ReadyParams struct {
	Email       string           `json:"email"`
	ArchiveID   types.PrefixUUID `json:"archive_id"`
	GalleryID   types.PrefixUUID `json:"gallery_id"`
	DownloadURL string           `json:"download_url"`
}

// Post makes a request to /v1/notifications with the archive reference. The
// delivery service is expected to respond with a 202, so there is no
// positive return value, only nil if the response was a 2xx status code.
func (s *ReadyService) Post(recipient *models.Recipient, archive *models.Archive, downloadURL string) error {
	if recipient == nil || archive == nil {
		return errors.New("no notification to post")
	}
	params := &ReadyParams{
		Email:       recipient.Email,
		ArchiveID:   archive.ID,
		GalleryID:   archive.GalleryID,
		DownloadURL: downloadURL,
	}
	b := new(bytes.Buffer)
	if err := json.NewEncoder(b).Encode(params); err != nil {
		return err
	}
	req, err := s.Client.NewRequest("POST", "/v1/notifications", b)
	if err != nil {
		return err
	}
	var d struct{}
	return s.Client.Do(req, &d)
}
