package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

const (
	IdentityStatusDraft       = "draft"
	IdentityStatusCalibrating = "calibrating"
	IdentityStatusActive      = "active"
	IdentityStatusFailed      = "failed"
	IdentityStatusArchived    = "archived"
)

const (
	MaxReferenceImages   = 14
	MaxTexturePreference = 5
	MaxProductCategories = 3
)

// ModelIdentity is a synthetic fashion model owned by a tenant. It is
// calibrated once (sample images are generated until the tenant approves
// one as the locked identity) and afterwards anchors every marketing
// generation request.
type ModelIdentity struct {
	JsonModel
	TenantID    uint    `json:"-"`
	Tenant      Tenant  `json:"-"`
	StoreID     *uint   `json:"store_id"`
	Store       *Store  `json:"store"`
	Name        string  `json:"name"`
	Description *string `gorm:"type:text" json:"description"`
	// draft, calibrating, active, failed, archived
	Status string `json:"status"`

	// demographic attributes
	Gender    string `json:"gender"`
	AgeRange  string `json:"age_range"` // e.g. 18-25
	Ethnicity string `json:"ethnicity"`
	BodyType  string `json:"body_type"`

	// fashion configuration
	LightingPreset      string         `json:"lighting_preset"`
	CameraFraming       string         `json:"camera_framing"`
	Background          string         `json:"background"`
	Pose                string         `json:"pose"`
	Expression          string         `json:"expression"`
	PostProcessingStyle string         `json:"post_processing_style"`
	TexturePreferences  pq.StringArray `gorm:"type:text[]" json:"texture_preferences"`
	ProductCategories   pq.StringArray `gorm:"type:text[]" json:"product_categories"`
	OutfitSwapEnabled   bool           `json:"outfit_swap_enabled"`

	// storage keys of tenant provided reference photos, max 14
	ReferenceImages pq.StringArray `gorm:"type:text[]" json:"reference_images"`
	// storage keys of generated calibration samples, appended only while calibrating
	CalibrationImages pq.StringArray `gorm:"type:text[]" json:"calibration_images"`
	// non-nil exactly when status is active
	LockedIdentityURL *string `json:"locked_identity_url"`

	FailureReason        *string    `json:"failure_reason"`
	CalibrationStartedAt *time.Time `json:"calibration_started_at"`
	CalibratedAt         *time.Time `json:"calibrated_at"`
}

func (m *ModelIdentity) invalidTransition(to string) error {
	return &InvalidTransitionError{Entity: "model identity", From: m.Status, To: to}
}

// StartCalibration moves a freshly created identity into the calibration
// phase.
func (m *ModelIdentity) StartCalibration() error {
	if m.Status != IdentityStatusDraft {
		return m.invalidTransition(IdentityStatusCalibrating)
	}
	now := time.Now().UTC()
	m.Status = IdentityStatusCalibrating
	m.CalibrationStartedAt = &now
	return nil
}

// AddCalibrationImage appends a generated sample. Only meaningful while
// the identity is calibrating.
func (m *ModelIdentity) AddCalibrationImage(storageKey string) error {
	if m.Status != IdentityStatusCalibrating {
		return m.invalidTransition(m.Status)
	}
	m.CalibrationImages = append(m.CalibrationImages, storageKey)
	return nil
}

// ApproveCalibration locks the identity on one of its calibration samples.
func (m *ModelIdentity) ApproveCalibration(lockedURL string) error {
	if m.Status != IdentityStatusCalibrating {
		return m.invalidTransition(IdentityStatusActive)
	}
	if lockedURL == "" {
		return &ValidationError{Field: "locked_identity_url", Message: "locked identity reference is required to approve"}
	}
	if !slices.Contains(m.CalibrationImages, lockedURL) {
		return &ValidationError{Field: "locked_identity_url", Message: fmt.Sprintf("%q is not one of the calibration images", lockedURL)}
	}
	now := time.Now().UTC()
	m.Status = IdentityStatusActive
	m.LockedIdentityURL = &lockedURL
	m.CalibratedAt = &now
	m.FailureReason = nil
	return nil
}

// RejectCalibration marks the calibration as failed with a tenant supplied
// reason (the samples were not acceptable).
func (m *ModelIdentity) RejectCalibration(reason string) error {
	return m.FailCalibration(reason)
}

// FailCalibration marks the calibration as failed, e.g. after a vendor
// error during sample generation.
func (m *ModelIdentity) FailCalibration(reason string) error {
	if m.Status != IdentityStatusCalibrating {
		return m.invalidTransition(IdentityStatusFailed)
	}
	m.Status = IdentityStatusFailed
	m.FailureReason = &reason
	return nil
}

// RetryCalibration takes a failed identity back to draft so calibration can
// be started again. Previous failure and samples are discarded.
func (m *ModelIdentity) RetryCalibration() error {
	if m.Status != IdentityStatusFailed {
		return m.invalidTransition(IdentityStatusDraft)
	}
	m.Status = IdentityStatusDraft
	m.FailureReason = nil
	m.CalibrationImages = nil
	m.CalibrationStartedAt = nil
	return nil
}

// Archive retires an active identity. Terminal. The locked reference is
// kept so past generations stay attributable to the face they used.
func (m *ModelIdentity) Archive() error {
	if m.Status != IdentityStatusActive {
		return m.invalidTransition(IdentityStatusArchived)
	}
	m.Status = IdentityStatusArchived
	return nil
}
