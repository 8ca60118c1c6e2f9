package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

const (
	GenerationStatusPending    = "pending"
	GenerationStatusProcessing = "processing"
	GenerationStatusCompleted  = "completed"
	GenerationStatusFailed     = "failed"
)

const (
	MinScenePromptLength = 10
	MaxImagesPerRequest  = 8
)

var idempotencyKeyRule = regexp.MustCompile(`^[A-Za-z0-9._-]{8,128}$`)

// GenerationRequest is one marketing image generation job: a locked model
// identity combined with a garment photo and a scene prompt. The
// idempotency key uniquely identifies one logical submission, two
// submissions with the same key resolve to the same row.
type GenerationRequest struct {
	JsonModel
	TenantID        uint          `json:"-"`
	Tenant          Tenant        `json:"-"`
	ModelIdentityID uint          `json:"model_identity_id"`
	ModelIdentity   ModelIdentity `json:"-"`
	GarmentAssetID  uint          `json:"garment_asset_id"`
	GarmentAsset    GarmentAsset  `json:"-"`

	// pending, processing, completed, failed
	Status         string `json:"status"`
	IdempotencyKey string `gorm:"uniqueIndex;size:128" json:"idempotency_key"`

	ScenePrompt  string         `gorm:"type:text" json:"scene_prompt"`
	AspectRatios pq.StringArray `gorm:"type:text[]" json:"aspect_ratios"`
	ImageCount   int            `json:"image_count"`

	// per request overrides of the identity fashion config, nil falls back
	LightingPreset *string `json:"lighting_preset"`
	CameraFraming  *string `json:"camera_framing"`
	Background     *string `json:"background"`

	Images []GeneratedImage `json:"images"`

	Attempt         int        `json:"attempt"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	FailureReason   *string    `json:"failure_reason"`
}

// GeneratedImage rows are append only so partial results survive a later
// failure of the same attempt.
type GeneratedImage struct {
	JsonModel
	GenerationRequestID uint              `json:"-"`
	GenerationRequest   GenerationRequest `gorm:"constraint:OnDelete:CASCADE;" json:"-"`
	ImageID             string            `json:"image_id"`
	AspectRatio         string            `json:"aspect_ratio"`
	URL                 string            `json:"url"`
	ThumbnailURL        *string           `json:"thumbnail_url"`
	Width               int               `json:"width"`
	Height              int               `json:"height"`
	Seed                *int64            `json:"seed"`
	VendorModel         *string           `json:"vendor_model"`
}

// NewGenerationRequest validates the submission and builds a pending
// aggregate. No row is created on a validation error.
func NewGenerationRequest(tenantID, identityID, garmentID uint, idempotencyKey, scenePrompt string, aspectRatios []string, imageCount int) (*GenerationRequest, error) {
	if !idempotencyKeyRule.MatchString(idempotencyKey) {
		return nil, &ValidationError{Field: "idempotency_key", Message: "must be 8-128 chars of letters, digits, dot, underscore or dash"}
	}
	if len(scenePrompt) < MinScenePromptLength {
		return nil, &ValidationError{Field: "scene_prompt", Message: fmt.Sprintf("must be at least %d characters", MinScenePromptLength)}
	}
	if len(aspectRatios) == 0 {
		return nil, &ValidationError{Field: "aspect_ratios", Message: "at least one aspect ratio is required"}
	}
	if imageCount < 1 || imageCount > MaxImagesPerRequest {
		return nil, &ValidationError{Field: "image_count", Message: fmt.Sprintf("must be between 1 and %d", MaxImagesPerRequest)}
	}
	return &GenerationRequest{
		TenantID:        tenantID,
		ModelIdentityID: identityID,
		GarmentAssetID:  garmentID,
		Status:          GenerationStatusPending,
		IdempotencyKey:  idempotencyKey,
		ScenePrompt:     scenePrompt,
		AspectRatios:    aspectRatios,
		ImageCount:      imageCount,
	}, nil
}

func (g *GenerationRequest) invalidTransition(to string) error {
	return &InvalidTransitionError{Entity: "generation request", From: g.Status, To: to}
}

// StartProcessing marks the request as picked up by a worker.
func (g *GenerationRequest) StartProcessing() error {
	if g.Status != GenerationStatusPending {
		return g.invalidTransition(GenerationStatusProcessing)
	}
	now := time.Now().UTC()
	g.Status = GenerationStatusProcessing
	g.StartedAt = &now
	g.Attempt++
	return nil
}

// AddGeneratedImage appends a produced image. Allowed in any non terminal
// state so results persisted before a later failure are kept.
func (g *GenerationRequest) AddGeneratedImage(img GeneratedImage) error {
	if g.Status == GenerationStatusCompleted || g.Status == GenerationStatusFailed {
		return g.invalidTransition(g.Status)
	}
	g.Images = append(g.Images, img)
	return nil
}

// Complete stamps the completion time and derived duration.
func (g *GenerationRequest) Complete() error {
	if g.Status != GenerationStatusProcessing {
		return g.invalidTransition(GenerationStatusCompleted)
	}
	now := time.Now().UTC()
	g.Status = GenerationStatusCompleted
	g.CompletedAt = &now
	if g.StartedAt != nil {
		duration := now.Sub(*g.StartedAt).Seconds()
		g.DurationSeconds = &duration
	}
	return nil
}

// Fail moves the request to its terminal failed state with a human
// readable reason.
func (g *GenerationRequest) Fail(reason string) error {
	if g.Status != GenerationStatusProcessing {
		return g.invalidTransition(GenerationStatusFailed)
	}
	now := time.Now().UTC()
	g.Status = GenerationStatusFailed
	g.CompletedAt = &now
	g.FailureReason = &reason
	return nil
}

// ForceFail is used by the stuck request sweep to bound the lifetime of a
// request regardless of upstream failures. Unlike Fail it also accepts
// requests stuck in pending.
func (g *GenerationRequest) ForceFail(reason string) error {
	if g.Status != GenerationStatusProcessing && g.Status != GenerationStatusPending {
		return g.invalidTransition(GenerationStatusFailed)
	}
	now := time.Now().UTC()
	g.Status = GenerationStatusFailed
	g.CompletedAt = &now
	g.FailureReason = &reason
	return nil
}

// ScheduledRetry is persisted when a processing attempt was denied by the
// rate limiter. A periodic sweep republishes due rows to the queue and
// deletes them on success.
type ScheduledRetry struct {
	JsonModel
	GenerationRequestID uint      `gorm:"index" json:"generation_request_id"`
	ScheduledAt         time.Time `json:"scheduled_at"`
	Attempt             int       `json:"attempt"`
}

// RateLimitWindow is the singleton per scope counter behind the
// distributed rate limiter. Count never exceeds MaxRequests within an
// unexpired window; rollover and increment happen in one transaction.
type RateLimitWindow struct {
	JsonModel
	Scope         string    `gorm:"uniqueIndex;size:64" json:"scope"`
	Count         int       `json:"count"`
	WindowStart   time.Time `json:"window_start"`
	WindowSeconds int       `json:"window_seconds"`
	MaxRequests   int       `json:"max_requests"`
}
