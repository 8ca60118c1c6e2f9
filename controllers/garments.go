package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"atelierapi/models"
	"atelierapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

type GarmentController struct {
	AWSService services.AWSServiceProvider
}

type CreateGarmentRequest struct {
	Name        string  `json:"name" validate:"required,max=100"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	FileName    string  `json:"file_name" validate:"required,max=300"`
}

// SetGarmentUploadedRequest carries the metadata of the uploaded file so
// it can be checked against the vendor's constraints before the garment
// becomes usable.
type SetGarmentUploadedRequest struct {
	MimeType  string `json:"mime_type" validate:"required,max=100"`
	SizeBytes int64  `json:"size_bytes" validate:"required,min=1"`
	Width     int    `json:"width" validate:"required,min=1"`
	Height    int    `json:"height" validate:"required,min=1"`
}

type GarmentResponse struct {
	ID          uint    `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Status      string  `json:"status"`
	StoragePath string  `json:"storage_path"`
	MimeType    string  `json:"mime_type"`
	SizeBytes   int64   `json:"size_bytes"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	CreatedAt   string  `json:"created_at"`
}

type GarmentCreatedResponse struct {
	GarmentResponse
	FileUploadUrl string `json:"file_upload_presign_url"`
}

type GarmentsResponse struct {
	Garments []GarmentResponse `json:"garments"`
}

func (controller *GarmentController) GarmentRoutes(g *echo.Group) {
	g.POST("/create", controller.CreateGarment)
	g.GET("/all", controller.GetGarments)
	g.GET("/:garmentId", controller.GetGarment)
	g.PUT("/:garmentId/setAsUploaded", controller.SetAsUploaded)
}

func garmentResponse(garment *models.GarmentAsset) GarmentResponse {
	return GarmentResponse{
		ID:          garment.ID,
		Name:        garment.Name,
		Description: garment.Description,
		Status:      garment.Status,
		StoragePath: garment.StoragePath,
		MimeType:    garment.MimeType,
		SizeBytes:   garment.SizeBytes,
		Width:       garment.Width,
		Height:      garment.Height,
		CreatedAt:   garment.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// CreateGarment registers the product photo and hands back a presigned
// upload URL. The garment stays in uploading until the client confirms
// with setAsUploaded.
func (controller *GarmentController) CreateGarment(c echo.Context) error {
	var req CreateGarmentRequest
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

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	safeFileName := strings.ReplaceAll(req.FileName, " ", "")
	storagePath := fmt.Sprintf("tenants/%d/garments/%s", tenant.ID, safeFileName)
	uploadUrl, presignErr := controller.AWSService.PresignLink(context.Background(), bucketName, storagePath)
	if presignErr != nil {
		sentry.CaptureException(fmt.Errorf("[Tenant: %v] Error presigning garment upload %s: %v", tenant.ID, storagePath, presignErr))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Error while creating upload link"})
	}

	garment := models.GarmentAsset{
		TenantID:    tenant.ID,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.GarmentStatusUploading,
		StoragePath: storagePath,
	}
	if err := db.Create(&garment).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create garment"})
	}

	return c.JSON(http.StatusCreated, GarmentCreatedResponse{
		GarmentResponse: garmentResponse(&garment),
		FileUploadUrl:   uploadUrl,
	})
}

func (controller *GarmentController) fetchOwnedGarment(c echo.Context) (*models.GarmentAsset, error) {
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return nil, c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var garmentId uint
	if err := echo.PathParamsBinder(c).Uint("garmentId", &garmentId).BindError(); err != nil {
		return nil, c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid garment id"})
	}

	var garment models.GarmentAsset
	result := db.Where("id = ? AND tenant_id = ?", garmentId, tenant.ID).First(&garment)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, c.JSON(http.StatusNotFound, map[string]string{"error": "Garment not found"})
	}
	if result.Error != nil {
		return nil, c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch garment"})
	}
	return &garment, nil
}

// SetAsUploaded validates the uploaded file metadata against the image
// constraints and marks the garment ready. All violations are returned at
// once.
func (controller *GarmentController) SetAsUploaded(c echo.Context) error {
	var req SetGarmentUploadedRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	garment, errResp := controller.fetchOwnedGarment(c)
	if garment == nil {
		return errResp
	}
	db := c.Get("__db").(*gorm.DB)

	violations := services.ValidateImage(services.ImageMeta{
		MimeType:  req.MimeType,
		SizeBytes: req.SizeBytes,
		Width:     req.Width,
		Height:    req.Height,
	})
	if len(violations) > 0 {
		garment.Status = models.GarmentStatusFailed
		db.Save(garment)
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":      "Uploaded image does not meet the constraints",
			"violations": violations,
		})
	}

	garment.Status = models.GarmentStatusReady
	garment.MimeType = req.MimeType
	garment.SizeBytes = req.SizeBytes
	garment.Width = req.Width
	garment.Height = req.Height
	if err := db.Save(garment).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save garment"})
	}
	return c.JSON(http.StatusOK, garmentResponse(garment))
}

func (controller *GarmentController) GetGarments(c echo.Context) error {
	tenant, ok := c.Get("currentTenant").(models.Tenant)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db := c.Get("__db").(*gorm.DB)

	var garments []models.GarmentAsset
	if err := db.Where("tenant_id = ?", tenant.ID).Order("created_at desc").Find(&garments).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch garments"})
	}
	response := GarmentsResponse{Garments: []GarmentResponse{}}
	for i := range garments {
		response.Garments = append(response.Garments, garmentResponse(&garments[i]))
	}
	return c.JSON(http.StatusOK, response)
}

func (controller *GarmentController) GetGarment(c echo.Context) error {
	garment, errResp := controller.fetchOwnedGarment(c)
	if garment == nil {
		return errResp
	}
	return c.JSON(http.StatusOK, garmentResponse(garment))
}
