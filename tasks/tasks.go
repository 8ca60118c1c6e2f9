package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atelierapi/models"
	"atelierapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

const (
	TypeCalibration = "calibrate:identity"
	TypeGeneration  = "generate:images"
	TypeRetrySweep  = "sweep:retries"
	TypeStuckSweep  = "sweep:stuck"
)

const (
	QueueGenerate = "generate"
	QueueRetries  = "retries"
)

// How many calibration samples one run produces for the tenant to pick
// from.
const CalibrationSampleCount = 4

// A generation request gives up after this many worker attempts.
const MaxGenerationAttempts = 3

// Requests stuck this long in processing are presumed orphaned by a dead
// worker; requests this long in pending never got picked up at all.
const (
	ProcessingTimeout = 15 * time.Minute
	PendingTimeout    = time.Hour
)

// TaskEnqueuer is the slice of asynq.Client the handlers use to publish
// follow-up tasks. The worker passes its shared client, tests pass a
// recorder.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type CalibrationPayload struct {
	IdentityID uint `json:"identity_id"`
}
type GenerationPayload struct {
	RequestID uint `json:"request_id"`
}

func NewCalibrationTask(identityID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(CalibrationPayload{IdentityID: identityID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCalibration, payload), nil
}

func NewGenerationTask(requestID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(GenerationPayload{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeGeneration, payload), nil
}

func NewRetrySweepTask() *asynq.Task {
	return asynq.NewTask(TypeRetrySweep, nil)
}

func NewStuckSweepTask() *asynq.Task {
	return asynq.NewTask(TypeStuckSweep, nil)
}

func presignStorageKey(awsService services.AWSServiceProvider, key string) (string, error) {
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	return awsService.GetPresignedR2FileReadURL(context.TODO(), bucketName, key)
}

func uploadAssets(awsService services.AWSServiceProvider, keyPrefix string, assets []services.GeneratedAsset) ([]string, error) {
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	var keys []string
	for _, asset := range assets {
		key := fmt.Sprintf("%s/%s.png", keyPrefix, asset.ImageID)
		if err := awsService.UploadAsset(context.Background(), bucketName, key, asset.Data); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// HandleCalibrationTask generates the identity discovery batch: up to 14
// tenant reference photos plus the composed calibration prompt go to the
// vendor as one sequential batch, and every produced sample lands in the
// identity's calibration images for review.
func HandleCalibrationTask(ctx context.Context, t *asynq.Task, db *gorm.DB, processor services.GenerationProcessor, awsService services.AWSServiceProvider, limiter *services.RateLimiter, enqueuer TaskEnqueuer, fbApp *firebase.App) error {
	var payload CalibrationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	fmt.Printf("[Identity: %v] Calibration start\n", payload.IdentityID)

	var identity models.ModelIdentity
	res := db.Joins("Tenant").First(&identity, payload.IdentityID)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[QUEUE] Error on retrieving identity for calibration %v", payload.IdentityID))
		return res.Error
	}
	if identity.Status != models.IdentityStatusCalibrating {
		// duplicate delivery or the tenant already resolved it
		fmt.Printf("[Identity: %v] Status is %s, skipping calibration\n", identity.ID, identity.Status)
		return nil
	}

	if _, err := limiter.TryConsume(services.VendorRateScope, CalibrationSampleCount); err != nil {
		var rateErr *services.RateLimitedError
		if errors.As(err, &rateErr) {
			fmt.Printf("[Identity: %v] Vendor rate limited, re-enqueueing in %s\n", identity.ID, rateErr.ResetIn)
			return enqueueCalibration(enqueuer, identity.ID, rateErr.ResetIn)
		}
		sentry.CaptureException(fmt.Errorf("[Identity: %v] Rate limiter error: %v", identity.ID, err))
		return err
	}

	var referenceURLs []string
	for _, key := range identity.ReferenceImages {
		url, err := presignStorageKey(awsService, key)
		if err != nil {
			sentry.CaptureException(fmt.Errorf("[Identity: %v] Error presigning reference image %s: %v", identity.ID, key, err))
			return err
		}
		referenceURLs = append(referenceURLs, url)
	}

	prompt := services.ComposeCalibrationPrompt(&identity, "")
	assets, genErr := processor.GenerateCalibrationImages(ctx, prompt, referenceURLs, CalibrationSampleCount, true)

	keys, uploadErr := uploadAssets(awsService, fmt.Sprintf("identities/%d/calibration", identity.ID), assets)
	for _, key := range keys {
		if err := identity.AddCalibrationImage(key); err != nil {
			sentry.CaptureException(fmt.Errorf("[Identity: %v] Error appending calibration image %s: %v", identity.ID, key, err))
		}
	}
	if len(keys) > 0 {
		if err := db.Save(&identity).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Identity: %v] Error saving calibration images: %v", identity.ID, err))
			return err
		}
	}

	if genErr != nil {
		var vendorErr *services.VendorError
		if errors.As(genErr, &vendorErr) {
			// terminal, surface the vendor message untouched
			if err := identity.FailCalibration(vendorErr.Message); err == nil {
				db.Save(&identity)
			}
			sentry.CaptureException(fmt.Errorf("[Identity: %v] Vendor rejected calibration: %v", identity.ID, vendorErr))
			return nil
		}
		sentry.CaptureException(fmt.Errorf("[Identity: %v] Calibration attempt failed: %v", identity.ID, genErr))
		return genErr
	}
	if uploadErr != nil {
		sentry.CaptureException(fmt.Errorf("[Identity: %v] Error uploading calibration samples: %v", identity.ID, uploadErr))
		return uploadErr
	}

	fmt.Printf("[Identity: %v] Calibration produced %d samples\n", identity.ID, len(keys))
	if identity.Tenant.ReceiveNotifications {
		services.SendNotification(fbApp, db, identity.TenantID, "Model Samples Ready", fmt.Sprintf("Calibration samples for %s are ready for review", identity.Name), map[string]string{"identity_id": fmt.Sprintf("%d", identity.ID), "type": "calibration_ready"})
	}
	return nil
}

// HandleGenerationTask runs one marketing generation attempt end to end.
// Duplicate queue deliveries are absorbed by the status check, rate limit
// denials turn into a scheduled retry instead of burning an attempt.
func HandleGenerationTask(ctx context.Context, t *asynq.Task, db *gorm.DB, processor services.GenerationProcessor, awsService services.AWSServiceProvider, limiter *services.RateLimiter, fbApp *firebase.App) error {
	var payload GenerationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	fmt.Printf("[Request: %v] Generation start\n", payload.RequestID)

	var req models.GenerationRequest
	res := db.Joins("Tenant").First(&req, payload.RequestID)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[QUEUE] Error on retrieving generation request %v", payload.RequestID))
		return res.Error
	}
	if req.Status != models.GenerationStatusPending {
		fmt.Printf("[Request: %v] Status is %s, skipping duplicate delivery\n", req.ID, req.Status)
		return nil
	}

	// each requested image is its own vendor call, reserve them all up front
	if _, err := limiter.TryConsume(services.VendorRateScope, req.ImageCount); err != nil {
		var rateErr *services.RateLimitedError
		if errors.As(err, &rateErr) {
			fmt.Printf("[Request: %v] Vendor rate limited, scheduling retry in %s (remaining %d)\n", req.ID, rateErr.ResetIn, rateErr.Remaining)
			return scheduleRetry(db, &req, rateErr.ResetIn)
		}
		sentry.CaptureException(fmt.Errorf("[Request: %v] Rate limiter error: %v", req.ID, err))
		return err
	}

	var identity models.ModelIdentity
	if err := db.First(&identity, req.ModelIdentityID).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error on retrieving identity %v: %v", req.ID, req.ModelIdentityID, err))
		return err
	}
	var garment models.GarmentAsset
	if err := db.First(&garment, req.GarmentAssetID).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error on retrieving garment %v: %v", req.ID, req.GarmentAssetID, err))
		return err
	}

	if err := req.StartProcessing(); err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] %v", req.ID, err))
		return nil
	}
	if err := db.Save(&req).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error saving processing status: %v", req.ID, err))
		return err
	}

	// preconditions can change between submit and pickup
	if err := services.CheckGenerationInputs(&identity, &garment); err != nil {
		var preErr *services.PreconditionFailedError
		if errors.As(err, &preErr) {
			saveGenerationFail(db, &req, preErr.Message, false)
			return nil
		}
		return err
	}

	identityURL, err := presignStorageKey(awsService, *identity.LockedIdentityURL)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error presigning locked identity: %v", req.ID, err))
		return err
	}
	garmentURL, err := presignStorageKey(awsService, garment.StoragePath)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error presigning garment: %v", req.ID, err))
		return err
	}

	prompt := services.ComposeMarketingPrompt(&identity, &req)
	fmt.Printf("[Request: %v] Prompt: %q\n", req.ID, prompt)
	assets, genErr := processor.GenerateImages(ctx, identityURL, garmentURL, prompt, req.AspectRatios, req.ImageCount)

	// persist whatever was produced before deciding the outcome, partial
	// results survive a failed attempt
	keys, uploadErr := uploadAssets(awsService, fmt.Sprintf("generations/%d", req.ID), assets)
	for i, key := range keys {
		asset := assets[i]
		img := models.GeneratedImage{
			GenerationRequestID: req.ID,
			ImageID:             asset.ImageID,
			AspectRatio:         asset.AspectRatio,
			URL:                 key,
			Width:               asset.Width,
			Height:              asset.Height,
			Seed:                asset.Seed,
			VendorModel:         services.StrPointer(asset.VendorModel),
		}
		if err := req.AddGeneratedImage(img); err != nil {
			sentry.CaptureException(fmt.Errorf("[Request: %v] Error appending image %s: %v", req.ID, asset.ImageID, err))
		}
	}
	if len(keys) > 0 {
		if err := db.Save(&req).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Request: %v] Error saving partial results: %v", req.ID, err))
			return err
		}
		fmt.Printf("[Request: %v] Persisted %d images\n", req.ID, len(keys))
	}

	if genErr != nil {
		var vendorErr *services.VendorError
		if errors.As(genErr, &vendorErr) {
			saveGenerationFail(db, &req, vendorErr.Message, false)
			sentry.CaptureException(fmt.Errorf("[Request: %v] Vendor rejected generation: %v", req.ID, vendorErr))
			return nil
		}
		sentry.CaptureException(fmt.Errorf("[Request: %v] Generation attempt %d failed: %v", req.ID, req.Attempt, genErr))
		saveGenerationFail(db, &req, fmt.Sprintf("generation attempt failed: %v", genErr), true)
		return nil
	}
	if uploadErr != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error uploading generated images: %v", req.ID, uploadErr))
		saveGenerationFail(db, &req, fmt.Sprintf("failed to store generated images: %v", uploadErr), true)
		return nil
	}

	if err := req.Complete(); err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] %v", req.ID, err))
		return err
	}
	if err := db.Save(&req).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error saving completed request: %v", req.ID, err))
		return err
	}
	fmt.Printf("[Request: %v] Completed with %d images in attempt %d\n", req.ID, len(req.Images), req.Attempt)

	if req.Tenant.ReceiveNotifications {
		services.SendNotification(fbApp, db, req.TenantID, "Images Ready", fmt.Sprintf("Your generation produced %d images", len(req.Images)), map[string]string{"request_id": fmt.Sprintf("%d", req.ID), "type": "generation_completed"})
	}
	return nil
}

// saveGenerationFail records a failed attempt. Retryable failures go back
// to pending with a scheduled retry until attempts run out, everything
// else is terminal.
func saveGenerationFail(db *gorm.DB, req *models.GenerationRequest, reason string, shouldRetry bool) {
	if shouldRetry && req.Attempt < MaxGenerationAttempts {
		backoff := time.Duration(1<<req.Attempt) * time.Minute
		fmt.Printf("[Request: %v] Attempt %d failed, retrying in %s: %s\n", req.ID, req.Attempt, backoff, reason)
		req.Status = models.GenerationStatusPending
		req.FailureReason = &reason
		if err := db.Save(req).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Fail Request %v] Error saving request for retry: %v", req.ID, err))
			return
		}
		if err := scheduleRetry(db, req, backoff); err != nil {
			sentry.CaptureException(fmt.Errorf("[Fail Request %v] Error scheduling retry: %v", req.ID, err))
		}
		return
	}
	if err := req.Fail(reason); err != nil {
		sentry.CaptureException(fmt.Errorf("[Fail Request %v] %v", req.ID, err))
		return
	}
	if err := db.Save(req).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Fail Request %v] Error saving failed status: %v", req.ID, err))
	}
}

func scheduleRetry(db *gorm.DB, req *models.GenerationRequest, in time.Duration) error {
	retry := models.ScheduledRetry{
		GenerationRequestID: req.ID,
		ScheduledAt:         time.Now().Add(in),
		Attempt:             req.Attempt + 1,
	}
	if err := db.Create(&retry).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Request: %v] Error persisting scheduled retry: %v", req.ID, err))
		return err
	}
	return nil
}

func enqueueCalibration(enqueuer TaskEnqueuer, identityID uint, in time.Duration) error {
	task, err := NewCalibrationTask(identityID)
	if err != nil {
		return err
	}
	_, err = enqueuer.Enqueue(task, asynq.MaxRetry(3), asynq.ProcessIn(in), asynq.Queue(QueueRetries))
	return err
}

// HandleRetrySweepTask republishes due scheduled retries to the retries
// queue. Runs every minute from the cron scheduler. A retry row is only
// deleted after its task made it to the broker, failed publishes keep the
// row so the next sweep picks it up again.
func HandleRetrySweepTask(ctx context.Context, t *asynq.Task, db *gorm.DB, enqueuer TaskEnqueuer) error {
	var due []models.ScheduledRetry
	if err := db.Where("scheduled_at <= ?", time.Now()).Find(&due).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Retry Sweep] Error fetching due retries: %v", err))
		return err
	}
	if len(due) == 0 {
		return nil
	}
	fmt.Printf("[Retry Sweep] Found %d due retries\n", len(due))

	for _, retry := range due {
		task, err := NewGenerationTask(retry.GenerationRequestID)
		if err != nil {
			sentry.CaptureException(fmt.Errorf("[Retry Sweep] Error building task for request %d: %v", retry.GenerationRequestID, err))
			continue
		}
		if _, err := enqueuer.Enqueue(task, asynq.MaxRetry(3), asynq.Queue(QueueRetries)); err != nil {
			sentry.CaptureException(fmt.Errorf("[Retry Sweep] Error enqueueing retry for request %d: %v", retry.GenerationRequestID, err))
			continue
		}
		if err := db.Delete(&models.ScheduledRetry{}, retry.ID).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Retry Sweep] Error deleting retry row %d: %v", retry.ID, err))
		}
		fmt.Printf("[Retry Sweep] Requeued request %d (attempt %d)\n", retry.GenerationRequestID, retry.Attempt)
	}
	return nil
}

// HandleStuckSweepTask bounds the lifetime of requests orphaned by worker
// crashes or queue loss. Runs hourly.
func HandleStuckSweepTask(ctx context.Context, t *asynq.Task, db *gorm.DB) error {
	var stuck []models.GenerationRequest
	if err := db.Where("status = ? AND started_at < ?", models.GenerationStatusProcessing, time.Now().Add(-ProcessingTimeout)).Find(&stuck).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Stuck Sweep] Error fetching stuck processing requests: %v", err))
		return err
	}
	for i := range stuck {
		req := &stuck[i]
		if err := req.ForceFail("timed out during processing"); err != nil {
			sentry.CaptureException(fmt.Errorf("[Stuck Sweep] Request %d: %v", req.ID, err))
			continue
		}
		if err := db.Save(req).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Stuck Sweep] Error saving request %d: %v", req.ID, err))
			continue
		}
		fmt.Printf("[Stuck Sweep] Force failed processing request %d\n", req.ID)
	}

	var abandoned []models.GenerationRequest
	if err := db.Where("status = ? AND created_at < ?", models.GenerationStatusPending, time.Now().Add(-PendingTimeout)).Find(&abandoned).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Stuck Sweep] Error fetching abandoned pending requests: %v", err))
		return err
	}
	for i := range abandoned {
		req := &abandoned[i]
		if err := req.ForceFail("timed out waiting in queue"); err != nil {
			sentry.CaptureException(fmt.Errorf("[Stuck Sweep] Request %d: %v", req.ID, err))
			continue
		}
		if err := db.Save(req).Error; err != nil {
			sentry.CaptureException(fmt.Errorf("[Stuck Sweep] Error saving request %d: %v", req.ID, err))
			continue
		}
		fmt.Printf("[Stuck Sweep] Force failed abandoned request %d\n", req.ID)
	}
	return nil
}
