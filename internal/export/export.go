// Package export builds the /export/all bulk archive: one JSON file per
// peer plus the TLS-warning snapshot views, optionally wrapped in a
// recipient or password envelope and uploaded to an object store.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/octoreflex/aggregator/internal/tlswarning"
)

// ErrTooManyPeers is returned when the peer count exceeds the
// configured export cap.
var ErrTooManyPeers = errors.New("export: peer count exceeds cap")

// ErrMutuallyExclusive is returned when both recipient and password
// envelope parameters are supplied.
var ErrMutuallyExclusive = errors.New("export: recipient and password are mutually exclusive")

// PeerExport is one peer's exported history.
type PeerExport struct {
	PeerID  string `json:"peer_id"`
	History any    `json:"history"`
}

func init() {
	// Register klauspost/compress's faster DEFLATE implementation as
	// the zip writer's compressor.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
}

// BuildArchive renders the peer list and TLS snapshot views into a ZIP
// byte stream. Callers must enforce the peer-count cap
// before calling BuildArchive.
func BuildArchive(peers []PeerExport, tlsLatest []tlswarning.Snapshot, tlsStatus tlswarning.Status) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, p := range peers {
		data, err := json.MarshalIndent(p.History, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export: encode peer %s: %w", p.PeerID, err)
		}
		if err := writeZipFile(zw, p.PeerID+".json", data); err != nil {
			return nil, err
		}
	}

	latestData, err := json.MarshalIndent(tlsLatest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode tls latest: %w", err)
	}
	if err := writeZipFile(zw, "tls_warnings/latest.json", latestData); err != nil {
		return nil, err
	}

	statusData, err := json.MarshalIndent(tlsStatus, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: encode tls status: %w", err)
	}
	if err := writeZipFile(zw, "tls_warnings/status.json", statusData); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipFile(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("export: write %s: %w", name, err)
	}
	return nil
}

// Uploader uploads a built archive to an object store. Implemented by
// the S3 client in s3.go; a nil Uploader disables upload.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}
