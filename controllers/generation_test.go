package controllers

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"atelierapi/dbhelper"
	"atelierapi/models"
	"atelierapi/test"

	"github.com/stretchr/testify/assert"
)

func validGenerationPayload(identityID, garmentID uint, key string) CreateGenerationRequest {
	return CreateGenerationRequest{
		ModelIdentityID: identityID,
		GarmentAssetID:  garmentID,
		IdempotencyKey:  key,
		ScenePrompt:     "Golden hour rooftop editorial shoot",
		AspectRatios:    []string{"1:1", "9:16"},
		ImageCount:      2,
	}
}

func TestCreateGenerationResubmitReturnsExistingRow(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	existing, err := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "resubmit-key-01", "Golden hour rooftop editorial shoot", []string{"1:1"}, 2)
	assert.Nil(t, err)
	db.Create(&existing)

	payload := validGenerationPayload(identity.ID, garment.ID, "resubmit-key-01")
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var response GenerationResponse
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, existing.ID, response.ID)

	var count int64
	db.Model(&models.GenerationRequest{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestCreateGenerationKeysAreTenantScoped(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	other := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	// another tenant already used this key, the lookup must not match it
	foreign, err := models.NewGenerationRequest(other.ID, identity.ID, garment.ID, "shared-key-0001", "Golden hour rooftop editorial shoot", []string{"1:1"}, 2)
	assert.Nil(t, err)
	db.Create(&foreign)

	// identity lookup happens after the idempotency check, an archived
	// identity turns the request into a 412 instead of a duplicate hit
	var identityRow models.ModelIdentity
	db.First(&identityRow, identity.ID)
	assert.Nil(t, identityRow.Archive())
	db.Save(&identityRow)

	payload := validGenerationPayload(identity.ID, garment.ID, "shared-key-0001")
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 412, rec.Code)
}

func TestCreateGenerationRequiresActiveIdentity(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := fakeCalibratingIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	payload := validGenerationPayload(identity.ID, garment.ID, "calibrating-001")
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 412, rec.Code)
}

func TestCreateGenerationRequiresReadyGarment(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := &models.GarmentAsset{
		TenantID:    tenant.ID,
		Name:        "Pending Jacket",
		Status:      models.GarmentStatusUploading,
		StoragePath: "tenants/1/garments/pending.png",
	}
	db.Create(&garment)

	payload := validGenerationPayload(identity.ID, garment.ID, "uploading-00001")
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 412, rec.Code)
}

func TestCreateGenerationUnknownIdentity(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	garment := test.FakeReadyGarment(db, tenant)

	payload := validGenerationPayload(99999, garment.ID, "noidentity-0001")
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestCreateGenerationValidatesPayload(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	short := validGenerationPayload(identity.ID, garment.ID, "shortprompt-01")
	short.ScenePrompt = "too short"
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), short)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)

	badRatio := validGenerationPayload(identity.ID, garment.ID, "badratio-00001")
	badRatio.AspectRatios = []string{"2:1"}
	req = test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), badRatio)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)

	tooMany := validGenerationPayload(identity.ID, garment.ID, "toomany-000001")
	tooMany.ImageCount = 9
	req = test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), tooMany)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)

	shortKey := validGenerationPayload(identity.ID, garment.ID, "short")
	req = test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), shortKey)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 400, rec.Code)

	var count int64
	db.Model(&models.GenerationRequest{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCreateGenerationEnforcesDailyLimit(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	limit := int32(1)
	tenant.EnforcedDailyGenerationLimit = &limit
	db.Save(&tenant)

	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	used, err := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "usedtoday-0001", "Golden hour rooftop editorial shoot", []string{"1:1"}, 1)
	assert.Nil(t, err)
	db.Create(&used)

	payload := validGenerationPayload(identity.ID, garment.ID, "overlimit-0001")
	req := test.NewJSONAuthRequest("POST", "/generations/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 403, rec.Code)
}

func TestGetGenerationsFilters(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	pending, _ := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "listpending-01", "Golden hour rooftop editorial shoot", []string{"1:1"}, 1)
	db.Create(&pending)
	completed, _ := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "listdone-00001", "Golden hour rooftop editorial shoot", []string{"1:1"}, 1)
	assert.Nil(t, completed.StartProcessing())
	assert.Nil(t, completed.Complete())
	db.Create(&completed)

	req := test.NewJSONAuthRequest("GET", "/generations/all?status=completed", UIntToStr(tenant.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var response GenerationsResponse
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Len(t, response.Generations, 1)
	assert.Equal(t, models.GenerationStatusCompleted, response.Generations[0].Status)

	req = test.NewJSONAuthRequest("GET", fmt.Sprintf("/generations/all?identity_id=%d", identity.ID), UIntToStr(tenant.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	response = GenerationsResponse{}
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Len(t, response.Generations, 2)
}

func TestGetQuotaDoesNotConsume(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)

	window := models.RateLimitWindow{
		Scope:         "vendor",
		Count:         3,
		WindowStart:   time.Now(),
		WindowSeconds: 60,
		MaxRequests:   10,
	}
	db.Create(&window)

	req := test.NewJSONAuthRequest("GET", "/generations/quota", UIntToStr(tenant.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var response map[string]interface{}
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, float64(7), response["remaining"])

	var reloaded models.RateLimitWindow
	db.Where("scope = ?", "vendor").First(&reloaded)
	assert.Equal(t, 3, reloaded.Count)
}

func TestGetGenerationTenantIsolation(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	other := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	request, _ := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "isolated-00001", "Golden hour rooftop editorial shoot", []string{"1:1"}, 1)
	db.Create(&request)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/generations/%d", request.ID), UIntToStr(other.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 404, rec.Code)

	req = test.NewJSONAuthRequest("GET", fmt.Sprintf("/generations/%d", request.ID), UIntToStr(tenant.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestCreateGenerationSubmissionResolvesDuplicateKeyToWinner(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	first, err := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "race-key-000001", "Golden hour rooftop editorial shoot", []string{"1:1"}, 2)
	assert.Nil(t, err)
	winner, created, err := createGenerationSubmission(db, first)
	assert.Nil(t, err)
	assert.True(t, created)

	// a second insert with the same key hits the unique index and must
	// come back as the winner's row, not an error
	second, err := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "race-key-000001", "Golden hour rooftop editorial shoot", []string{"1:1"}, 2)
	assert.Nil(t, err)
	loser, created, err := createGenerationSubmission(db, second)
	assert.Nil(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, loser.ID)

	var count int64
	db.Model(&models.GenerationRequest{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestCreateGenerationSubmissionRace(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)
	garment := test.FakeReadyGarment(db, tenant)

	type outcome struct {
		row     *models.GenerationRequest
		created bool
		err     error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			generation, err := models.NewGenerationRequest(tenant.ID, identity.ID, garment.ID, "race-key-000002", "Golden hour rooftop editorial shoot", []string{"1:1"}, 2)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			row, created, err := createGenerationSubmission(db, generation)
			results <- outcome{row: row, created: created, err: err}
		}()
	}

	a := <-results
	b := <-results
	assert.Nil(t, a.err)
	assert.Nil(t, b.err)
	// exactly one goroutine created the row, both observe the same id
	assert.NotEqual(t, a.created, b.created)
	assert.Equal(t, a.row.ID, b.row.ID)

	var count int64
	db.Model(&models.GenerationRequest{}).Where("idempotency_key = ?", "race-key-000002").Count(&count)
	assert.Equal(t, int64(1), count)
}
