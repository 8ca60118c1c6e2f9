package services

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"atelierapi/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	VendorRateScope         = "vendor"
	defaultVendorRateMax    = 500
	defaultVendorRateWindow = 60
)

// RateLimiter is a sliding window counter shared by every worker through
// the database. Decisions happen inside a serializable transaction with
// the window row locked, so two workers can never both take the last
// slot.
type RateLimiter struct {
	DB *gorm.DB
}

// RateDecision is the outcome of one TryConsume call. Remaining and
// ResetIn are meaningful on denials so callers can schedule the retry.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// EnsureScope creates the window row for a scope if it does not exist
// yet, reading limits from env. Called once at worker startup.
func (r *RateLimiter) EnsureScope(scope string) error {
	maxRequests, err := strconv.Atoi(GetEnv("VENDOR_RATE_MAX", strconv.Itoa(defaultVendorRateMax)))
	if err != nil || maxRequests <= 0 {
		maxRequests = defaultVendorRateMax
	}
	windowSeconds, err := strconv.Atoi(GetEnv("VENDOR_RATE_WINDOW_SECONDS", strconv.Itoa(defaultVendorRateWindow)))
	if err != nil || windowSeconds <= 0 {
		windowSeconds = defaultVendorRateWindow
	}
	window := models.RateLimitWindow{
		Scope:         scope,
		Count:         0,
		WindowStart:   time.Now(),
		WindowSeconds: windowSeconds,
		MaxRequests:   maxRequests,
	}
	result := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoNothing: true,
	}).Create(&window)
	return result.Error
}

// TryConsume takes n slots from the scope's window if they all fit. The
// window rolls forward lazily: when the stored window has fully elapsed
// the counter resets before the check. A deny mutates nothing and comes
// back as a RateLimitedError carrying the remaining quota and reset
// time. Any transaction failure denies the request, a broken limiter
// must not turn into an unlimited one.
func (r *RateLimiter) TryConsume(scope string, n int) (RateDecision, error) {
	if n < 1 {
		n = 1
	}
	var decision RateDecision
	var denied *RateLimitedError
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		var window models.RateLimitWindow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scope = ?", scope).First(&window).Error; err != nil {
			return fmt.Errorf("loading rate window %q: %w", scope, err)
		}

		now := time.Now()
		windowLength := time.Duration(window.WindowSeconds) * time.Second
		if now.Sub(window.WindowStart) >= windowLength {
			window.WindowStart = now
			window.Count = 0
		}

		if window.Count+n > window.MaxRequests {
			remaining := window.MaxRequests - window.Count
			if remaining < 0 {
				remaining = 0
			}
			resetIn := windowLength - now.Sub(window.WindowStart)
			decision = RateDecision{
				Allowed:   false,
				Remaining: remaining,
				ResetIn:   resetIn,
			}
			denied = &RateLimitedError{Remaining: remaining, ResetIn: resetIn}
			return nil
		}

		window.Count += n
		if err := tx.Save(&window).Error; err != nil {
			return fmt.Errorf("saving rate window %q: %w", scope, err)
		}
		decision = RateDecision{
			Allowed:   true,
			Remaining: window.MaxRequests - window.Count,
			ResetIn:   windowLength - now.Sub(window.WindowStart),
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		// fail closed
		fmt.Printf("[RateLimit] Transaction failed for scope %v, denying: %v\n", scope, err)
		return RateDecision{Allowed: false}, err
	}
	if denied != nil {
		return decision, denied
	}
	return decision, nil
}

// Peek reports the current state of a scope without consuming a slot.
func (r *RateLimiter) Peek(scope string) (RateDecision, error) {
	var window models.RateLimitWindow
	if err := r.DB.Where("scope = ?", scope).First(&window).Error; err != nil {
		return RateDecision{Allowed: false}, err
	}
	now := time.Now()
	windowLength := time.Duration(window.WindowSeconds) * time.Second
	if now.Sub(window.WindowStart) >= windowLength {
		return RateDecision{Allowed: true, Remaining: window.MaxRequests, ResetIn: windowLength}, nil
	}
	remaining := window.MaxRequests - window.Count
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetIn:   windowLength - now.Sub(window.WindowStart),
	}, nil
}
