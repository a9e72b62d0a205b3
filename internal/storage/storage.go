package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"classroom-chat/internal/config"
)

// KeyPrefix is the namespace every message attachment is stored under.
const KeyPrefix = "message-media/"

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps attachment bytes and hands back an opaque reference.
type BlobStore interface {
	// Put stores data under a fresh key derived from name and returns the key.
	Put(ctx context.Context, data []byte, name string) (string, error)
	// Get returns the bytes stored under ref, or ErrBlobNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete removes ref. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// New builds the blob store selected by cfg.Backend.
func New(ctx context.Context, cfg config.MediaConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.BasePath)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
}

// maxBaseBytes caps the client file name kept in a key. Together with the
// prefix and uuid the key stays well under common file name and column limits.
const (
	maxBaseBytes = 100
	maxExtBytes  = 16
)

// NewKey returns a unique object key that keeps the client file name readable.
func NewKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = ""
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, base)
	base = truncateName(base, maxBaseBytes)
	if base == "" {
		base = "file"
	}
	return KeyPrefix + uuid.NewString() + "-" + base
}

// truncateName shortens name to at most limit bytes on a rune boundary,
// keeping a short extension intact.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > maxExtBytes || len(ext) == len(name) {
		ext = ""
	}
	return cutRunes(strings.TrimSuffix(name, ext), limit-len(ext)) + ext
}

func cutRunes(s string, limit int) string {
	end := 0
	for end < len(s) {
		_, size := utf8.DecodeRuneInString(s[end:])
		if end+size > limit {
			break
		}
		end += size
	}
	return s[:end]
}
