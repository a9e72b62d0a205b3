package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"classroom-chat/internal/storage"
)

var ErrInvalidPayload = errors.New("invalid media payload")

// Ingestor decodes base64 attachments and stores them as blobs.
type Ingestor struct {
	store    storage.BlobStore
	maxBytes int
}

// NewIngestor returns an Ingestor writing to store. maxBytes <= 0 disables the size cap.
func NewIngestor(store storage.BlobStore, maxBytes int) *Ingestor {
	return &Ingestor{store: store, maxBytes: maxBytes}
}

// Ingest validates and decodes encoded, stores the bytes under filename and
// returns the blob reference. Malformed input fails with ErrInvalidPayload
// before anything is written.
func (i *Ingestor) Ingest(ctx context.Context, encoded, filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("%w: missing file name", ErrInvalidPayload)
	}

	data, err := i.decode(encoded)
	if err != nil {
		return "", err
	}

	ref, err := i.store.Put(ctx, data, filename)
	if err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return ref, nil
}

// Discard deletes a previously ingested blob.
func (i *Ingestor) Discard(ctx context.Context, ref string) error {
	if err := i.store.Delete(ctx, ref); err != nil {
		return fmt.Errorf("discard media: %w", err)
	}
	return nil
}

func (i *Ingestor) decode(encoded string) ([]byte, error) {
	// browsers send data URLs: "data:image/png;base64,...."
	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 || !strings.HasSuffix(encoded[:comma], ";base64") {
			return nil, fmt.Errorf("%w: unsupported data url", ErrInvalidPayload)
		}
		encoded = encoded[comma+1:]
	}

	if i.maxBytes > 0 && len(encoded) > base64.StdEncoding.EncodedLen(i.maxBytes) {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidPayload, i.maxBytes)
	}

	enc := base64.StdEncoding
	if len(encoded)%4 != 0 {
		enc = base64.RawStdEncoding
	}
	data, err := enc.Strict().DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if i.maxBytes > 0 && len(data) > i.maxBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidPayload, i.maxBytes)
	}
	return data, nil
}
