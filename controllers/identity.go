package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"atelierapi/models"
	"atelierapi/services"
	"atelierapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type IdentityController struct {
	AWSService  services.AWSServiceProvider
	URLCache    services.URLCacheServiceProvider
	FirebaseApp *firebase.App
}

type CreateIdentityRequest struct {
	Name        string  `json:"name" validate:"required,max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	StoreID     *uint   `json:"store_id" validate:"omitempty"`

	Gender    string `json:"gender" validate:"required,oneof=female male nonbinary"`
	AgeRange  string `json:"age_range" validate:"required,max=20"`
	Ethnicity string `json:"ethnicity" validate:"required,max=50"`
	BodyType  string `json:"body_type" validate:"required,max=50"`

	LightingPreset      string   `json:"lighting_preset" validate:"omitempty,oneof=studio golden overcast editorial neon"`
	CameraFraming       string   `json:"camera_framing" validate:"omitempty,oneof=full_body three_quarter half_body portrait close_up"`
	Background          string   `json:"background" validate:"omitempty,max=200"`
	Pose                string   `json:"pose" validate:"omitempty,max=200"`
	Expression          string   `json:"expression" validate:"omitempty,max=200"`
	PostProcessingStyle string   `json:"post_processing_style" validate:"omitempty,max=100"`
	TexturePreferences  []string `json:"texture_preferences" validate:"omitempty,max=5,dive,max=50"`
	ProductCategories   []string `json:"product_categories" validate:"omitempty,max=3,dive,max=50"`
	OutfitSwapEnabled   bool     `json:"outfit_swap_enabled"`

	// storage keys of already uploaded reference photos
	ReferenceImages []string `json:"reference_images" validate:"omitempty,max=14,dive,max=500"`
}

type ReferenceUploadRequest struct {
	FileName string `json:"file_name" validate:"required,max=300"`
}

type ApproveCalibrationRequest struct {
	LockedIdentityURL string `json:"locked_identity_url" validate:"required,max=500"`
}

type RejectCalibrationRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type IdentityResponse struct {
	ID                   uint     `json:"id"`
	Name                 string   `json:"name"`
	Description          *string  `json:"description"`
	Status               string   `json:"status"`
	Gender               string   `json:"gender"`
	AgeRange             string   `json:"age_range"`
	Ethnicity            string   `json:"ethnicity"`
	BodyType             string   `json:"body_type"`
	LightingPreset       string   `json:"lighting_preset"`
	CameraFraming        string   `json:"camera_framing"`
	Background           string   `json:"background"`
	Pose                 string   `json:"pose"`
	Expression           string   `json:"expression"`
	PostProcessingStyle  string   `json:"post_processing_style"`
	TexturePreferences   []string `json:"texture_preferences"`
	ProductCategories    []string `json:"product_categories"`
	OutfitSwapEnabled    bool     `json:"outfit_swap_enabled"`
	ReferenceImages      []string `json:"reference_images"`
	CalibrationImages    []string `json:"calibration_images"`
	CalibrationImageURLs []string `json:"calibration_image_urls"`
	LockedIdentityURL    *string  `json:"locked_identity_url"`
	FailureReason        *string  `json:"failure_reason"`
	CreatedAt            string   `json:"created_at"`
}

type IdentitiesResponse struct {
	Identities []IdentityResponse `json:"identities"`
}

func (controller *IdentityController) IdentityRoutes(g *echo.Group) {
	g.POST("/create", controller.CreateIdentity)
	g.POST("/reference-upload", controller.RequestReferenceUpload)
	g.GET("/all", controller.GetIdentities)
	g.GET("/:identityId", controller.GetIdentity)
	g.PUT("/:identityId/approve", controller.ApproveCalibration)
	g.PUT("/:identityId/reject", controller.RejectCalibration)
	g.PUT("/:identityId/retry", controller.RetryCalibration)
	g.PUT("/:identityId/archive", controller.ArchiveIdentity)
}

func (controller *IdentityController) identityResponse(c echo.Context, identity *models.ModelIdentity) IdentityResponse {
	var calibrationURLs []string
	for _, key := range identity.CalibrationImages {
		url, err := controller.URLCache.GetReadURL(c.Request().Context(), key)
		if err != nil {
			fmt.Printf("[Identity: %v] Error presigning calibration image %s: %v\n", identity.ID, key, err)
			url = ""
		}
		calibrationURLs = append(calibrationURLs, url)
	}
	return IdentityResponse{
		ID:                   identity.ID,
		Name:                 identity.Name,
		Description:          identity.Description,
		Status:               identity.Status,
		Gender:               identity.Gender,
		AgeRange:             identity.AgeRange,
		Ethnicity:            identity.Ethnicity,
		BodyType:             identity.BodyType,
		LightingPreset:       identity.LightingPreset,
		CameraFraming:        identity.CameraFraming,
		Background:           identity.Background,
		Pose:                 identity.Pose,
		Expression:           identity.Expression,
		PostProcessingStyle:  identity.PostProcessingStyle,
		TexturePreferences:   identity.TexturePreferences,
		ProductCategories:    identity.ProductCategories,
		OutfitSwapEnabled:    identity.OutfitSwapEnabled,
		ReferenceImages:      identity.ReferenceImages,
		CalibrationImages:    identity.CalibrationImages,
		CalibrationImageURLs: calibrationURLs,
		LockedIdentityURL:    identity.LockedIdentityURL,
		FailureReason:        identity.FailureReason,
		CreatedAt:            identity.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// CreateIdentity creates the identity and immediately starts calibration:
// the row is saved as calibrating and the discovery batch is enqueued.
func (controller *IdentityController) CreateIdentity(c echo.Context) error {
	var req CreateIdentityRequest
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

	if req.StoreID != nil {
		var store models.Store
		if err := db.Where("id = ? AND tenant_id = ?", *req.StoreID, tenant.ID).First(&store).Error; err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid store"})
		}
	}

	identity := models.ModelIdentity{
		TenantID:            tenant.ID,
		StoreID:             req.StoreID,
		Name:                req.Name,
		Description:         req.Description,
		Status:              models.IdentityStatusDraft,
		Gender:              req.Gender,
		AgeRange:            req.AgeRange,
		Ethnicity:           req.Ethnicity,
		BodyType:            req.BodyType,
		LightingPreset:      req.LightingPreset,
		CameraFraming:       req.CameraFraming,
		Background:          req.Background,
		Pose:                req.Pose,
		Expression:          req.Expression,
		PostProcessingStyle: req.PostProcessingStyle,
		TexturePreferences:  pq.StringArray(req.TexturePreferences),
		ProductCategories:   pq.StringArray(req.ProductCategories),
		OutfitSwapEnabled:   req.OutfitSwapEnabled,
		ReferenceImages:     pq.StringArray(req.ReferenceImages),
	}
	if err := identity.StartCalibration(); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to start calibration"})
	}
	if err := db.Create(&identity).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create model identity"})
	}

	task, err := tasks.NewCalibrationTask(identity.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to schedule calibration, please try again later"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue(tasks.QueueGenerate))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to schedule calibration, please try again later"})
	}
	fmt.Println("[Queue] Calibration task submitted, Identity ID: ", identity.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusCreated, controller.identityResponse(c, &identity))
}

// RequestReferenceUpload presigns a PUT URL so the client ships reference
// photos straight to the bucket.
func (controller *IdentityController) RequestReferenceUpload(c echo.Context) error {
	var req ReferenceUploadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	storageKey := fmt.Sprintf("tenants/%d/references/%s", tenant.ID, req.FileName)
	uploadUrl, err := controller.AWSService.PresignLink(context.Background(), bucketName, storageKey)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Tenant: %v] Error presigning reference upload %s: %v", tenant.ID, storageKey, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Error while creating upload link"})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"storage_key":             storageKey,
		"file_upload_presign_url": uploadUrl,
	})
}

func (controller *IdentityController) GetIdentities(c echo.Context) error {
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	query := db.Where("tenant_id = ?", tenant.ID)
	if status := c.QueryParam("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var identities []models.ModelIdentity
	if err := query.Order("created_at desc").Find(&identities).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch identities"})
	}

	response := IdentitiesResponse{Identities: []IdentityResponse{}}
	for i := range identities {
		response.Identities = append(response.Identities, controller.identityResponse(c, &identities[i]))
	}
	return c.JSON(http.StatusOK, response)
}

func (controller *IdentityController) fetchOwnedIdentity(c echo.Context) (*models.ModelIdentity, error) {
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return nil, c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var identityId uint
	if err := echo.PathParamsBinder(c).Uint("identityId", &identityId).BindError(); err != nil {
		return nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid identity id"})
	}

	var identity models.ModelIdentity
	result := db.Where("id = ? AND tenant_id = ?", identityId, tenant.ID).First(&identity)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "Model identity not found"})
	}
	if result.Error != nil {
		return nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch identity"})
	}
	return &identity, nil
}

func (controller *IdentityController) GetIdentity(c echo.Context) error {
	identity, errResp := controller.fetchOwnedIdentity(c)
	if identity == nil {
		return errResp
	}
	return c.JSON(http.StatusOK, controller.identityResponse(c, identity))
}

// ApproveCalibration locks the identity on one chosen calibration sample.
// The reference must be one of the generated samples, anything else is a
// validation error.
func (controller *IdentityController) ApproveCalibration(c echo.Context) error {
	var req ApproveCalibrationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	identity, errResp := controller.fetchOwnedIdentity(c)
	if identity == nil {
		return errResp
	}
	db := c.Get("__db").(*gorm.DB)

	if err := identity.ApproveCalibration(req.LockedIdentityURL); err != nil {
		var transitionErr *models.InvalidTransitionError
		if errors.As(err, &transitionErr) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := db.Save(identity).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save identity"})
	}
	fmt.Printf("[Identity: %v] Approved, locked on %s\n", identity.ID, req.LockedIdentityURL)
	return c.JSON(http.StatusOK, controller.identityResponse(c, identity))
}

func (controller *IdentityController) RejectCalibration(c echo.Context) error {
	var req RejectCalibrationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	identity, errResp := controller.fetchOwnedIdentity(c)
	if identity == nil {
		return errResp
	}
	db := c.Get("__db").(*gorm.DB)

	if err := identity.RejectCalibration(req.Reason); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err := db.Save(identity).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save identity"})
	}
	return c.JSON(http.StatusOK, controller.identityResponse(c, identity))
}

// RetryCalibration resets a failed identity to draft and kicks off a new
// calibration run.
func (controller *IdentityController) RetryCalibration(c echo.Context) error {
	identity, errResp := controller.fetchOwnedIdentity(c)
	if identity == nil {
		return errResp
	}
	db := c.Get("__db").(*gorm.DB)
	asynqClient, ok := c.Get("__asynqclient").(*asynq.Client)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Service is not available, please try again a bit later"})
	}

	if err := identity.RetryCalibration(); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err := identity.StartCalibration(); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to restart calibration"})
	}
	if err := db.Save(identity).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save identity"})
	}

	task, err := tasks.NewCalibrationTask(identity.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to schedule calibration, please try again later"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue(tasks.QueueGenerate))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to schedule calibration, please try again later"})
	}
	fmt.Println("[Queue] Calibration retry submitted, Identity ID: ", identity.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusOK, controller.identityResponse(c, identity))
}

func (controller *IdentityController) ArchiveIdentity(c echo.Context) error {
	identity, errResp := controller.fetchOwnedIdentity(c)
	if identity == nil {
		return errResp
	}
	db := c.Get("__db").(*gorm.DB)

	if err := identity.Archive(); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	if err := db.Save(identity).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save identity"})
	}
	return c.JSON(http.StatusOK, controller.identityResponse(c, identity))
}
