package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"caption-server/internal/domain"
)

// ============================================================================
// Upload Validator Configuration
// ============================================================================

// UploadConfig holds limits for uploaded images.
type UploadConfig struct {
	MaxImageBytes int64
	// AllowedFormats lists sniffed formats ("png", "jpeg", ...). Empty allows
	// every format the decoder understands.
	AllowedFormats []string
}

// DefaultUploadConfig returns sensible defaults.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxImageBytes:  8 << 20,
		AllowedFormats: []string{"png", "jpeg", "gif", "webp", "bmp", "tiff"},
	}
}

// ============================================================================
// Upload Validator (Thread-Safe, Dynamic Limits)
// ============================================================================

// UploadValidator checks uploaded files before they reach the model.
// Thread-safe: the size limit can be changed at runtime.
type UploadValidator struct {
	mu       sync.RWMutex
	maxBytes int64
	allowed  map[string]bool
}

// NewUploadValidator creates a validator with default limits.
func NewUploadValidator() *UploadValidator {
	return NewUploadValidatorWithConfig(DefaultUploadConfig())
}

// NewUploadValidatorWithConfig creates a validator with custom configuration.
func NewUploadValidatorWithConfig(cfg UploadConfig) *UploadValidator {
	v := &UploadValidator{maxBytes: cfg.MaxImageBytes}
	if len(cfg.AllowedFormats) > 0 {
		v.allowed = make(map[string]bool, len(cfg.AllowedFormats))
		for _, f := range cfg.AllowedFormats {
			v.allowed[strings.ToLower(f)] = true
		}
	}
	return v
}

// SetMaxBytes updates the per-file size limit.
func (v *UploadValidator) SetMaxBytes(n int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxBytes = n
}

// MaxBytes returns the current per-file size limit.
func (v *UploadValidator) MaxBytes() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maxBytes
}

// ReadUpload reads one file part, refusing anything larger than the limit.
func (v *UploadValidator) ReadUpload(r io.Reader) ([]byte, error) {
	limit := v.MaxBytes()

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, domain.ErrInvalidRequest("unreadable upload").WithCause(err)
	}
	if int64(len(data)) > limit {
		return nil, domain.ErrRequestTooLarge(
			fmt.Sprintf("image exceeds %d bytes", limit),
		).WithParam("file")
	}
	return data, nil
}

// ValidateImage checks that data looks like an image format we accept.
func (v *UploadValidator) ValidateImage(data []byte) error {
	if len(data) == 0 {
		return domain.ErrInvalidRequest("uploaded file is empty").WithParam("file")
	}

	format := SniffImageFormat(data)
	if format == "" {
		return domain.ErrInvalidRequest(
			fmt.Sprintf("unsupported file type %s", http.DetectContentType(data)),
		).WithParam("file")
	}
	if v.allowed != nil && !v.allowed[format] {
		return domain.ErrInvalidRequest(
			fmt.Sprintf("image format %s is not allowed", format),
		).WithParam("file")
	}
	return nil
}

// SniffImageFormat names the image format of data, or "" if unknown.
func SniffImageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return "tiff"
	}
	ct := http.DetectContentType(data)
	if format, ok := strings.CutPrefix(ct, "image/"); ok {
		switch format {
		case "png", "jpeg", "gif", "webp", "bmp":
			return format
		}
	}
	return ""
}
