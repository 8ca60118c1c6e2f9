package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"atelierapi/models"
	"atelierapi/services"
	"atelierapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type GenerationController struct {
	AWSService  services.AWSServiceProvider
	URLCache    services.URLCacheServiceProvider
	FirebaseApp *firebase.App
}

type CreateGenerationRequest struct {
	ModelIdentityID uint     `json:"model_identity_id" validate:"required"`
	GarmentAssetID  uint     `json:"garment_asset_id" validate:"required"`
	IdempotencyKey  string   `json:"idempotency_key" validate:"required,min=8,max=128"`
	ScenePrompt     string   `json:"scene_prompt" validate:"required,min=10,max=2000"`
	AspectRatios    []string `json:"aspect_ratios" validate:"required,min=1,max=5,dive,oneof=1:1 16:9 9:16 4:3 3:4"`
	ImageCount      int      `json:"image_count" validate:"required,min=1,max=8"`

	LightingPreset *string `json:"lighting_preset" validate:"omitempty,oneof=studio golden overcast editorial neon"`
	CameraFraming  *string `json:"camera_framing" validate:"omitempty,oneof=full_body three_quarter half_body portrait close_up"`
	Background     *string `json:"background" validate:"omitempty,max=200"`
}

type GeneratedImageResponse struct {
	ID          uint    `json:"id"`
	ImageID     string  `json:"image_id"`
	AspectRatio string  `json:"aspect_ratio"`
	URL         string  `json:"url"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Seed        *int64  `json:"seed"`
	VendorModel *string `json:"vendor_model"`
}

type GenerationResponse struct {
	ID              uint                     `json:"id"`
	ModelIdentityID uint                     `json:"model_identity_id"`
	GarmentAssetID  uint                     `json:"garment_asset_id"`
	Status          string                   `json:"status"`
	IdempotencyKey  string                   `json:"idempotency_key"`
	ScenePrompt     string                   `json:"scene_prompt"`
	AspectRatios    []string                 `json:"aspect_ratios"`
	ImageCount      int                      `json:"image_count"`
	Images          []GeneratedImageResponse `json:"images"`
	Attempt         int                      `json:"attempt"`
	StartedAt       *time.Time               `json:"started_at"`
	CompletedAt     *time.Time               `json:"completed_at"`
	DurationSeconds *float64                 `json:"duration_seconds"`
	FailureReason   *string                  `json:"failure_reason"`
	CreatedAt       string                   `json:"created_at"`
}

type GenerationsResponse struct {
	Generations []GenerationResponse `json:"generations"`
}

func (controller *GenerationController) GenerationRoutes(g *echo.Group) {
	g.POST("/create", controller.CreateGeneration)
	g.GET("/all", controller.GetGenerations)
	g.GET("/quota", controller.GetQuota)
	g.GET("/:requestId", controller.GetGeneration)
}

func (controller *GenerationController) generationResponse(c echo.Context, req *models.GenerationRequest) GenerationResponse {
	images := []GeneratedImageResponse{}
	for _, img := range req.Images {
		url, err := controller.URLCache.GetReadURL(c.Request().Context(), img.URL)
		if err != nil {
			fmt.Printf("[Request: %v] Error presigning image %s: %v\n", req.ID, img.URL, err)
			url = ""
		}
		images = append(images, GeneratedImageResponse{
			ID:          img.ID,
			ImageID:     img.ImageID,
			AspectRatio: img.AspectRatio,
			URL:         url,
			Width:       img.Width,
			Height:      img.Height,
			Seed:        img.Seed,
			VendorModel: img.VendorModel,
		})
	}
	return GenerationResponse{
		ID:              req.ID,
		ModelIdentityID: req.ModelIdentityID,
		GarmentAssetID:  req.GarmentAssetID,
		Status:          req.Status,
		IdempotencyKey:  req.IdempotencyKey,
		ScenePrompt:     req.ScenePrompt,
		AspectRatios:    req.AspectRatios,
		ImageCount:      req.ImageCount,
		Images:          images,
		Attempt:         req.Attempt,
		StartedAt:       req.StartedAt,
		CompletedAt:     req.CompletedAt,
		DurationSeconds: req.DurationSeconds,
		FailureReason:   req.FailureReason,
		CreatedAt:       req.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// createGenerationSubmission persists a new submission. Losing the
// unique-index race on the idempotency key resolves to the winner's row,
// the bool reports whether this call created the returned row.
func createGenerationSubmission(db *gorm.DB, generation *models.GenerationRequest) (*models.GenerationRequest, bool, error) {
	if err := db.Create(generation).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var winner models.GenerationRequest
			reread := db.Preload("Images").Where("idempotency_key = ? AND tenant_id = ?", generation.IdempotencyKey, generation.TenantID).First(&winner).Error
			if reread == nil {
				fmt.Printf("[Request: %v] Lost idempotency race for key %s\n", winner.ID, generation.IdempotencyKey)
				return &winner, false, nil
			}
		}
		return nil, false, err
	}
	return generation, true, nil
}

// CreateGeneration submits a marketing generation. Submissions are
// idempotent on the key: resubmitting with a key that already has a row
// returns that row with 200 instead of creating a duplicate, including
// when two submissions race on the unique index.
func (controller *GenerationController) CreateGeneration(c echo.Context) error {
	var req CreateGenerationRequest
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}
	asynqClient, ok := c.Get("__asynqclient").(*asynq.Client)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Service is not available, please try again a bit later"})
	}

	var existing models.GenerationRequest
	lookup := db.Preload("Images").Where("idempotency_key = ? AND tenant_id = ?", req.IdempotencyKey, tenant.ID).First(&existing)
	if lookup.Error == nil {
		fmt.Printf("[Request: %v] Idempotent resubmit for key %s\n", existing.ID, req.IdempotencyKey)
		return c.JSON(http.StatusOK, controller.generationResponse(c, &existing))
	}
	if !errors.Is(lookup.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to check submission"})
	}

	var identity models.ModelIdentity
	if err := db.Where("id = ? AND tenant_id = ?", req.ModelIdentityID, tenant.ID).First(&identity).Error; err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Model identity not found"})
	}
	var garment models.GarmentAsset
	if err := db.Where("id = ? AND tenant_id = ?", req.GarmentAssetID, tenant.ID).First(&garment).Error; err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Garment not found"})
	}
	if err := services.CheckGenerationInputs(&identity, &garment); err != nil {
		return c.JSON(http.StatusPreconditionFailed, map[string]string{"error": err.Error()})
	}

	if tenant.EnforcedDailyGenerationLimit != nil {
		var dailyCount int64
		today := time.Now().UTC().Format("2006-01-02")
		if err := db.Model(&models.GenerationRequest{}).Where("tenant_id = ? AND DATE(created_at) = ?", tenant.ID, today).Count(&dailyCount).Error; err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to get generation data"})
		}
		fmt.Printf("[Tenant %v] Enforced daily limit, generation count: %v\n", tenant.ID, dailyCount)
		if dailyCount >= int64(*tenant.EnforcedDailyGenerationLimit) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": fmt.Sprintf("You have reached the limit of %v daily generations. Please wait for the next day.", *tenant.EnforcedDailyGenerationLimit)})
		}
	}

	generation, err := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, req.IdempotencyKey, req.ScenePrompt, req.AspectRatios, req.ImageCount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	generation.LightingPreset = req.LightingPreset
	generation.CameraFraming = req.CameraFraming
	generation.Background = req.Background

	generation, created, err := createGenerationSubmission(db, generation)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Tenant: %v] Error creating generation request: %v", tenant.ID, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create generation request"})
	}
	if !created {
		return c.JSON(http.StatusOK, controller.generationResponse(c, generation))
	}

	task, err := tasks.NewGenerationTask(generation.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to schedule generation, please try again later"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue(tasks.QueueGenerate))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to schedule generation, please try again later"})
	}
	fmt.Println("[Queue] Generation task submitted, Request ID: ", generation.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusCreated, controller.generationResponse(c, generation))
}

// GetQuota reports the shared vendor window without consuming a slot, so
// clients can pace submissions.
func (controller *GenerationController) GetQuota(c echo.Context) error {
	if _, ok := c.Get("currentTenant").(models.Tenant); !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	limiter := &services.RateLimiter{DB: db}
	if err := limiter.EnsureScope(services.VendorRateScope); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read vendor quota"})
	}
	decision, err := limiter.Peek(services.VendorRateScope)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read vendor quota"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"remaining":        decision.Remaining,
		"reset_in_seconds": int(decision.ResetIn.Seconds()),
	})
}

func (controller *GenerationController) GetGenerations(c echo.Context) error {
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	query := db.Preload("Images").Where("tenant_id = ?", tenant.ID)
	if status := c.QueryParam("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if identityId := c.QueryParam("identity_id"); identityId != "" {
		query = query.Where("model_identity_id = ?", identityId)
	}
	var requests []models.GenerationRequest
	if err := query.Order("created_at desc").Limit(100).Find(&requests).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch generations"})
	}

	response := GenerationsResponse{Generations: []GenerationResponse{}}
	for i := range requests {
		response.Generations = append(response.Generations, controller.generationResponse(c, &requests[i]))
	}
	return c.JSON(http.StatusOK, response)
}

func (controller *GenerationController) GetGeneration(c echo.Context) error {
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var requestId uint
	if err := echo.PathParamsBinder(c).Uint("requestId", &requestId).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request id"})
	}

	var request models.GenerationRequest
	result := db.Preload("Images").Where("id = ? AND tenant_id = ?", requestId, tenant.ID).First(&request)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Generation request not found"})
	}
	if result.Error != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch generation request"})
	}
	return c.JSON(http.StatusOK, controller.generationResponse(c, &request))
}
