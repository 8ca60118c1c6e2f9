package services

import (
	"fmt"
	"slices"
)

const (
	MaxImageSizeBytes = 10 * 1024 * 1024
	MinImageDimension = 512
	MaxImagePixels    = 4096 * 4096
	MaxAspectRatio    = 16.0
)

var allowedImageMimeTypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic"}

// ImageMeta is the metadata of a candidate reference or garment image.
// The raw bytes never reach this layer.
type ImageMeta struct {
	MimeType  string
	SizeBytes int64
	Width     int
	Height    int
}

// ValidateImage runs every constraint and returns the full list of
// violations so callers can report all problems at once instead of
// failing on the first one.
func ValidateImage(meta ImageMeta) []string {
	var violations []string
	if !slices.Contains(allowedImageMimeTypes, meta.MimeType) {
		violations = append(violations, fmt.Sprintf("unsupported mime type %q, allowed: %v", meta.MimeType, allowedImageMimeTypes))
	}
	if meta.SizeBytes > MaxImageSizeBytes {
		violations = append(violations, fmt.Sprintf("file size %d exceeds maximum of %d bytes", meta.SizeBytes, MaxImageSizeBytes))
	}
	if meta.Width < MinImageDimension || meta.Height < MinImageDimension {
		violations = append(violations, fmt.Sprintf("dimensions %dx%d below minimum of %dpx per side", meta.Width, meta.Height, MinImageDimension))
	}
	if meta.Width > 0 && meta.Height > 0 {
		ratio := float64(meta.Width) / float64(meta.Height)
		if ratio > MaxAspectRatio || ratio < 1.0/MaxAspectRatio {
			violations = append(violations, fmt.Sprintf("aspect ratio %.3f outside allowed range [1/16, 16]", ratio))
		}
		if meta.Width*meta.Height > MaxImagePixels {
			violations = append(violations, fmt.Sprintf("pixel count %d exceeds maximum of %d", meta.Width*meta.Height, MaxImagePixels))
		}
	}
	return violations
}
