package export

import (
	"context"
	"fmt"
	"time"

	"github.com/octoreflex/aggregator/internal/tlswarning"
)

// Request carries the optional envelope parameters of GET
// /export/all?recipient=...|?password=....
type Request struct {
	Recipient string
	Password  string
}

// Validate enforces the mutual-exclusivity rule (both set → caller
// returns 400).
func (r Request) Validate() error {
	if r.Recipient != "" && r.Password != "" {
		return ErrMutuallyExclusive
	}
	return nil
}

// Result is a built export ready to be written to an HTTP response.
type Result struct {
	Body        []byte
	ContentType string
}

// Exporter builds and optionally uploads /export/all archives.
type Exporter struct {
	maxPeers int
	upload   Uploader
}

// New builds an Exporter. upload may be nil to disable object-store
// upload.
func New(maxPeers int, upload Uploader) *Exporter {
	if maxPeers <= 0 {
		maxPeers = 1000
	}
	return &Exporter{maxPeers: maxPeers, upload: upload}
}

// Export builds the ZIP archive, applies the requested envelope if
// any, uploads it when an Uploader is configured, and returns the
// response body plus content type.
func (e *Exporter) Export(ctx context.Context, peers []PeerExport, tlsLatest []tlswarning.Snapshot, tlsStatus tlswarning.Status, req Request) (Result, error) {
	if len(peers) > e.maxPeers {
		return Result{}, ErrTooManyPeers
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	archive, err := BuildArchive(peers, tlsLatest, tlsStatus)
	if err != nil {
		return Result{}, err
	}

	body := archive
	contentType := "application/zip"

	switch {
	case req.Recipient != "":
		body, err = EncryptForRecipient(archive, req.Recipient)
		if err != nil {
			return Result{}, err
		}
		contentType = "application/octet-stream"
	case req.Password != "":
		body, err = EncryptWithPassword(archive, req.Password)
		if err != nil {
			return Result{}, err
		}
		contentType = "application/octet-stream"
	}

	if e.upload != nil {
		key := fmt.Sprintf("export-%d.zip", time.Now().Unix())
		if err := e.upload.Upload(ctx, key, body); err != nil {
			// Upload failure is recovered locally: the export itself
			// still succeeds and is returned to the caller.
			return Result{Body: body, ContentType: contentType}, nil
		}
	}

	return Result{Body: body, ContentType: contentType}, nil
}
