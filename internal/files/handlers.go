// Package files handles receipt uploads: multipart intake, MIME and size
// validation, and pinning to IPFS so receipts stay content-addressed and
// immutable once submitted.
package files

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler accepts receipt uploads and pins them.
type Handler struct {
	pinner       Pinner
	gatewayURL   string
	maxSizeBytes int64
	allowedMIMEs map[string]bool
}

// NewHandler creates an upload handler. allowedMIMEs is the content-type
// allow-list; maxSizeMB caps the accepted file size.
func NewHandler(pinner Pinner, gatewayURL string, maxSizeMB int64, allowedMIMEs []string) *Handler {
	allowed := make(map[string]bool, len(allowedMIMEs))
	for _, m := range allowedMIMEs {
		allowed[strings.ToLower(strings.TrimSpace(m))] = true
	}
	return &Handler{
		pinner:       pinner,
		gatewayURL:   strings.TrimRight(gatewayURL, "/"),
		maxSizeBytes: maxSizeMB << 20,
		allowedMIMEs: allowed,
	}
}

// RegisterRoutes sets up the file routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/files/upload-receipt", h.UploadReceipt)
}

// UploadReceipt handles POST /v1/files/upload-receipt. The MIME check sniffs
// the actual content rather than trusting the declared type or extension.
func (h *Handler) UploadReceipt(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "missing_file",
			"message": "No file uploaded; expected multipart field 'file'",
		})
		return
	}

	if file.Size > h.maxSizeBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "file_too_large",
			"message": fmt.Sprintf("File size %d exceeds %d MB limit", file.Size, h.maxSizeBytes>>20),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "upload_failed",
			"message": "Failed to open uploaded file",
		})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxSizeBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "upload_failed",
			"message": "Failed to read uploaded file",
		})
		return
	}
	if int64(len(data)) > h.maxSizeBytes {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "file_too_large",
			"message": fmt.Sprintf("File exceeds %d MB limit", h.maxSizeBytes>>20),
		})
		return
	}

	mimeType := sniffMIME(data)
	if !h.allowedMIMEs[mimeType] {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_file_type",
			"message": fmt.Sprintf("File type %s not allowed", mimeType),
		})
		return
	}

	cid, err := h.pinner.Pin(c.Request.Context(), file.Filename, data)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "pin_failed",
			"message": "Failed to store receipt",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"ipfsHash": cid,
		"fileUrl":  h.gatewayURL + "/" + cid,
		"fileName": file.Filename,
		"size":     len(data),
		"mimeType": mimeType,
	})
}

// sniffMIME detects the content type from the leading bytes.
func sniffMIME(data []byte) string {
	mimeType := http.DetectContentType(data)
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return strings.TrimSpace(mimeType)
}
