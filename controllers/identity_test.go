package controllers

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"atelierapi/dbhelper"
	"atelierapi/models"
	"atelierapi/test"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func fakeCalibratingIdentity(db *gorm.DB, tenant *models.Tenant) *models.ModelIdentity {
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
		panic(err)
	}
	for i := 0; i < 4; i++ {
		if err := identity.AddCalibrationImage(fmt.Sprintf("identities/fake/calibration/sample-%d.png", i)); err != nil {
			panic(err)
		}
	}
	db.Create(&identity)
	return identity
}

func TestGetIdentitiesScopedToTenant(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	other := test.FakeTenant(db)
	test.FakeActiveIdentity(db, tenant)
	fakeCalibratingIdentity(db, tenant)
	test.FakeActiveIdentity(db, other)

	req := test.NewJSONAuthRequest("GET", "/identities/all", UIntToStr(tenant.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var response IdentitiesResponse
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Len(t, response.Identities, 2)
}

func TestGetIdentitiesStatusFilter(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	test.FakeActiveIdentity(db, tenant)
	fakeCalibratingIdentity(db, tenant)

	req := test.NewJSONAuthRequest("GET", "/identities/all?status=active", UIntToStr(tenant.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var response IdentitiesResponse
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Len(t, response.Identities, 1)
	assert.Equal(t, models.IdentityStatusActive, response.Identities[0].Status)
}

func TestGetIdentityNotVisibleAcrossTenants(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	other := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/identities/%d", identity.ID), UIntToStr(other.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestApproveCalibrationLocksIdentity(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := fakeCalibratingIdentity(db, tenant)

	payload := ApproveCalibrationRequest{LockedIdentityURL: "identities/fake/calibration/sample-2.png"}
	req := test.NewJSONAuthRequest("PUT", fmt.Sprintf("/identities/%d/approve", identity.ID), UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var reloaded models.ModelIdentity
	db.First(&reloaded, identity.ID)
	assert.Equal(t, models.IdentityStatusActive, reloaded.Status)
	assert.Equal(t, "identities/fake/calibration/sample-2.png", *reloaded.LockedIdentityURL)
}

func TestApproveCalibrationRejectsUnknownSample(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := fakeCalibratingIdentity(db, tenant)

	payload := ApproveCalibrationRequest{LockedIdentityURL: "identities/somewhere/else.png"}
	req := test.NewJSONAuthRequest("PUT", fmt.Sprintf("/identities/%d/approve", identity.ID), UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
	var reloaded models.ModelIdentity
	db.First(&reloaded, identity.ID)
	assert.Equal(t, models.IdentityStatusCalibrating, reloaded.Status)
}

func TestApproveCalibrationConflictsWhenAlreadyActive(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)

	payload := ApproveCalibrationRequest{LockedIdentityURL: "identities/fake/calibration/sample-a.png"}
	req := test.NewJSONAuthRequest("PUT", fmt.Sprintf("/identities/%d/approve", identity.ID), UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 409, rec.Code)
}

func TestRejectCalibration(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := fakeCalibratingIdentity(db, tenant)

	payload := RejectCalibrationRequest{Reason: "samples do not match the brand look"}
	req := test.NewJSONAuthRequest("PUT", fmt.Sprintf("/identities/%d/reject", identity.ID), UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var reloaded models.ModelIdentity
	db.First(&reloaded, identity.ID)
	assert.Equal(t, models.IdentityStatusFailed, reloaded.Status)
	assert.Equal(t, "samples do not match the brand look", *reloaded.FailureReason)
}

func TestRejectCalibrationRequiresReason(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := fakeCalibratingIdentity(db, tenant)

	req := test.NewJSONAuthRequestRaw("PUT", fmt.Sprintf("/identities/%d/reject", identity.ID), UIntToStr(tenant.ID), `{}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestArchiveIdentity(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)
	identity := test.FakeActiveIdentity(db, tenant)

	req := test.NewJSONAuthRequest("PUT", fmt.Sprintf("/identities/%d/archive", identity.ID), UIntToStr(tenant.ID), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var reloaded models.ModelIdentity
	db.First(&reloaded, identity.ID)
	assert.Equal(t, models.IdentityStatusArchived, reloaded.Status)

	// archiving is only valid from active
	calibrating := fakeCalibratingIdentity(db, tenant)
	req = test.NewJSONAuthRequest("PUT", fmt.Sprintf("/identities/%d/archive", calibrating.ID), UIntToStr(tenant.ID), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, 409, rec.Code)
}

func TestReferenceUploadPresignsTenantKey(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)

	payload := ReferenceUploadRequest{FileName: "portrait.png"}
	req := test.NewJSONAuthRequest("POST", "/identities/reference-upload", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	var response map[string]string
	assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, fmt.Sprintf("tenants/%d/references/portrait.png", tenant.ID), response["storage_key"])
	assert.Contains(t, response["file_upload_presign_url"], "fakebucketurl.com")
}

func TestCreateIdentityValidatesAttributes(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.AWSProviderMock{}, test.URLCacheMock{}, nil, nil, nil)

	tenant := test.FakeTenant(db)

	payload := CreateIdentityRequest{
		Name:      "Vera",
		Gender:    "robot",
		AgeRange:  "25-34",
		Ethnicity: "mediterranean",
		BodyType:  "athletic",
	}
	req := test.NewJSONAuthRequest("POST", "/identities/create", UIntToStr(tenant.ID), payload)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
	var count int64
	db.Model(&models.ModelIdentity{}).Count(&count)
	assert.Equal(t, int64(0), count)
}
