package test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"atelierapi/models"
	"atelierapi/services"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {

	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateTenantToken(tenantPk string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   tenantPk,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing tenant token for %s. Error %s ", tenantPk, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, tenantPk string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateTenantToken(tenantPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func NewJSONAuthRequestRaw(method string, target string, tenantPk string, json string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(json))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateTenantToken(tenantPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func Int64Pointer(i int64) *int64 {
	return &i
}

func NewRefString(data string) *string {
	return &data
}

func Contains(items []string, lookFor string) bool {

	for i := 0; i < len(items); i++ {

		if items[i] == lookFor {
			return true
		}
	}
	return false
}

// FakeTenant seeds an active tenant with one store and a push token.
func FakeTenant(db *gorm.DB) *models.Tenant {
	tenant := &models.Tenant{
		Name:                 "Atelier Studio",
		Email:                fmt.Sprintf("tenant-%d@example.com", time.Now().UnixNano()),
		Active:               true,
		Subscription:         "pro",
		ReceiveNotifications: false,
	}
	db.Create(&tenant)

	store := &models.Store{
		TenantID: tenant.ID,
		Name:     "Main Store",
		Currency: "USD",
		Language: "en",
	}
	db.Create(&store)

	tokenDb := models.TenantPushToken{
		TenantID: tenant.ID,
		Platform: "android",
		Token:    "cX-UZ3zwQEiPt-2GJkG2gA:APA91bGqRflaGrJrnynhRwZ442HdgUjVcO7mWMFnx6IwAdJ9RRKopvSP4QU7hbvTmk1XAp8XGvtHZLvo5JmOPTVKBbGqqvhfbZWKlXA9csEjx1hgpNvrWepU",
		Active:   true,
	}
	db.Save(&tokenDb)

	db.Preload("Stores").First(&tenant, tenant.ID)
	return tenant
}

// FakeActiveIdentity seeds an identity that already went through
// calibration and approval.
func FakeActiveIdentity(db *gorm.DB, tenant *models.Tenant) *models.ModelIdentity {
	identity := &models.ModelIdentity{
		TenantID:       tenant.ID,
		Name:           "Vera",
		Status:         models.IdentityStatusDraft,
		Gender:         "female",
		AgeRange:       "25-34",
		Ethnicity:      "mediterranean",
		BodyType:       "athletic",
		LightingPreset: "studio",
		CameraFraming:  "full_body",
	}
	if err := identity.StartCalibration(); err != nil {
		log.Fatalf("fake identity: %v", err)
	}
	if err := identity.AddCalibrationImage("identities/fake/calibration/sample-a.png"); err != nil {
		log.Fatalf("fake identity: %v", err)
	}
	if err := identity.ApproveCalibration("identities/fake/calibration/sample-a.png"); err != nil {
		log.Fatalf("fake identity: %v", err)
	}
	db.Create(&identity)
	return identity
}

// FakeReadyGarment seeds an uploaded, validated garment photo.
func FakeReadyGarment(db *gorm.DB, tenant *models.Tenant) *models.GarmentAsset {
	garment := &models.GarmentAsset{
		TenantID:    tenant.ID,
		Name:        "Linen Jacket",
		Status:      models.GarmentStatusReady,
		StoragePath: fmt.Sprintf("tenants/%d/garments/jacket.png", tenant.ID),
		MimeType:    "image/png",
		SizeBytes:   400000,
		Width:       2048,
		Height:      2048,
	}
	db.Create(&garment)
	return garment
}

type AWSProviderMock struct {
	MockUrl  string
	Uploaded map[string][]byte
}

func (awsService *AWSProviderMock) InitPresignClient(ctx context.Context) error {
	return nil
}

func (awsService *AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {

	return fmt.Sprintf("https://fakebucketurl.com/%s", fileName), nil
}

func (awsService *AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	if awsService.MockUrl != "" {
		return awsService.MockUrl, nil
	}
	return fmt.Sprintf("https://fakebucketurl.com/%s", fileKey), nil
}

func (awsService *AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	return url, 200, nil
}

func (awsService *AWSProviderMock) UploadAsset(ctx context.Context, bucketName, fileKey string, fileContent []byte) error {
	if awsService.Uploaded == nil {
		awsService.Uploaded = map[string][]byte{}
	}
	awsService.Uploaded[fileKey] = fileContent
	return nil
}

// URLCacheMock hands back deterministic read URLs without presigning.
type URLCacheMock struct{}

func (m URLCacheMock) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", nil
	}
	return fmt.Sprintf("https://fakebucketurl.com/%s", objectKey), nil
}

// MockGenerationClient is a scriptable vendor double for task tests.
type MockGenerationClient struct {
	Assets      []services.GeneratedAsset
	Err         error
	Calls       int
	LastPrompt  string
	LastCount   int
	LastRefsLen int
}

func (m *MockGenerationClient) GenerateImages(ctx context.Context, lockedIdentityURL string, garmentURL string, prompt string, aspectRatios []string, count int) ([]services.GeneratedAsset, error) {
	m.Calls++
	m.LastPrompt = prompt
	m.LastCount = count
	return m.Assets, m.Err
}

func (m *MockGenerationClient) GenerateCalibrationImages(ctx context.Context, prompt string, referenceURLs []string, count int, sequential bool) ([]services.GeneratedAsset, error) {
	m.Calls++
	m.LastPrompt = prompt
	m.LastCount = count
	m.LastRefsLen = len(referenceURLs)
	return m.Assets, m.Err
}

// FakeAssets builds n synthetic vendor results with stable ids.
func FakeAssets(n int) []services.GeneratedAsset {
	var assets []services.GeneratedAsset
	for i := 0; i < n; i++ {
		assets = append(assets, services.GeneratedAsset{
			ImageID:     fmt.Sprintf("asset-%d", i),
			Data:        []byte{0x89, 0x50, 0x4e, 0x47},
			MimeType:    "image/png",
			AspectRatio: "1:1",
			Width:       64,
			Height:      64,
			VendorModel: "mock-gemini-2.5-flash-image-preview",
		})
	}
	return assets
}
