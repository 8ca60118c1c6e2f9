package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateImageAccepts2048Square(t *testing.T) {
	violations := ValidateImage(ImageMeta{
		MimeType:  "image/png",
		SizeBytes: 4 * 1024 * 1024,
		Width:     2048,
		Height:    2048,
	})
	assert.Empty(t, violations)
}

func TestValidateImageRejectsHugeImage(t *testing.T) {
	// square, fine ratio, but way past the pixel budget
	violations := ValidateImage(ImageMeta{
		MimeType:  "image/png",
		SizeBytes: 5 * 1024 * 1024,
		Width:     20000,
		Height:    20000,
	})
	assert.Len(t, violations, 1)
	assert.Contains(t, violations[0], "pixel count")
}

func TestValidateImageReportsAllViolationsAtOnce(t *testing.T) {
	violations := ValidateImage(ImageMeta{
		MimeType:  "application/pdf",
		SizeBytes: 50 * 1024 * 1024,
		Width:     100,
		Height:    100,
	})
	assert.Len(t, violations, 3)
	assert.Contains(t, violations[0], "unsupported mime type")
	assert.Contains(t, violations[1], "file size")
	assert.Contains(t, violations[2], "below minimum")
}

func TestValidateImageAspectRatioBounds(t *testing.T) {
	violations := ValidateImage(ImageMeta{
		MimeType:  "image/jpeg",
		SizeBytes: 1024,
		Width:     4096,
		Height:    512,
	})
	assert.Empty(t, violations) // ratio 8, within bounds

	violations = ValidateImage(ImageMeta{
		MimeType:  "image/jpeg",
		SizeBytes: 1024,
		Width:     12800,
		Height:    512,
	})
	assert.NotEmpty(t, violations) // ratio 25
	assert.Contains(t, violations[0], "aspect ratio")
}

func TestValidateImageMimeTypes(t *testing.T) {
	for _, mime := range []string{"image/jpeg", "image/png", "image/webp", "image/heic"} {
		violations := ValidateImage(ImageMeta{MimeType: mime, SizeBytes: 1024, Width: 1024, Height: 1024})
		assert.Empty(t, violations, mime)
	}
	violations := ValidateImage(ImageMeta{MimeType: "image/gif", SizeBytes: 1024, Width: 1024, Height: 1024})
	assert.Len(t, violations, 1)
}
