package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"classroom-chat/internal/logging"
	"classroom-chat/internal/storage"
)

// MediaHandler streams stored attachments.
type MediaHandler struct {
	blobs storage.BlobStore
}

func NewMediaHandler(blobs storage.BlobStore) *MediaHandler {
	return &MediaHandler{blobs: blobs}
}

// Serve handles GET /media/*ref.
func (h *MediaHandler) Serve(c *gin.Context) {
	ref := strings.TrimPrefix(c.Param("ref"), "/")
	if !strings.HasPrefix(ref, storage.KeyPrefix) {
		c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
		return
	}

	data, err := h.blobs.Get(c.Request.Context(), ref)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
			return
		}
		logger := logging.Ctx(c.Request.Context())
		logger.Error().Err(err).Str("ref", ref).Msg("read media failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read media"})
		return
	}

	// keys are unique per upload, so the content never changes
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
}
