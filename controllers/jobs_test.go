package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"natakapi/dbhelper"
	"natakapi/models"
	"natakapi/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJobOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	asynqClient, asynqInspector := test.SetupTestQueue()
	defer asynqClient.Close()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, asynqClient, asynqInspector, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	reqBody := CreateJobIn{
		CharacterID: character.ID,
		Prompt:      "walking through neon city at night",
		ImageModel:  "fal-ai/flux-lora",
		AspectRatio: "2:3",
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, "Expected status code 201 Created, got %d: %s", rec.Code, rec.Body.String())

	var response JobCreatedResponse
	err := json.Unmarshal(rec.Body.Bytes(), &response)
	require.NoError(t, err)
	require.Equal(t, string(models.JobQueued), response.Status)
	require.Equal(t, models.EstimatedJobCost(false), response.EstimatedCost)
	require.Equal(t, int64(100)-models.EstimatedJobCost(false), response.Balance)

	// deduction lands on the account row and the ledger
	var refreshed models.UserAccount
	require.NoError(t, db.First(&refreshed, user.ID).Error)
	require.Equal(t, int64(100)-models.EstimatedJobCost(false), refreshed.CreditBalance)

	var entry models.CreditLedgerEntry
	require.NoError(t, db.Where("user_account_id = ?", user.ID).Take(&entry).Error)
	require.Equal(t, models.LedgerDebit, entry.Type)
	require.Equal(t, models.EstimatedJobCost(false), entry.Amount)
	require.Equal(t, refreshed.CreditBalance, entry.BalanceAfter)
	require.NotNil(t, entry.JobID)
	require.Equal(t, response.JobID, *entry.JobID)
}

func TestCreateJobWithVideoEstimate(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	asynqClient, asynqInspector := test.SetupTestQueue()
	defer asynqClient.Close()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, asynqClient, asynqInspector, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	reqBody := CreateJobIn{
		CharacterID: character.ID,
		Prompt:      "dancing on a rooftop",
		ImageModel:  "fal-ai/flux-lora",
		WithVideo:   true,
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var response JobCreatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Equal(t, models.EstimatedJobCost(true), response.EstimatedCost)
}

func TestCreateJobInsufficientCredits(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, models.EstimatedJobCost(false)-1)
	character := test.FakeCharacter(db, user)

	reqBody := CreateJobIn{
		CharacterID: character.ID,
		Prompt:      "portrait in golden hour",
		ImageModel:  "fal-ai/flux-lora",
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	// no job row and no ledger entry survive a rejected create
	var jobCount int64
	db.Model(&models.GenerationJob{}).Where("owner_id = ?", user.ID).Count(&jobCount)
	assert.Equal(t, int64(0), jobCount)
	var entryCount int64
	db.Model(&models.CreditLedgerEntry{}).Where("user_account_id = ?", user.ID).Count(&entryCount)
	assert.Equal(t, int64(0), entryCount)

	var refreshed models.UserAccount
	require.NoError(t, db.First(&refreshed, user.ID).Error)
	assert.Equal(t, models.EstimatedJobCost(false)-1, refreshed.CreditBalance)
}

func TestCreateJobInvalidInput(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	// prompt missing
	reqBody := CreateJobIn{
		CharacterID: character.ID,
		ImageModel:  "fal-ai/flux-lora",
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Contains(t, response["error"], "Prompt")
}

func TestCreateJobBadAspectRatio(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	reqBody := CreateJobIn{
		CharacterID: character.ID,
		Prompt:      "portrait",
		ImageModel:  "fal-ai/flux-lora",
		AspectRatio: "4:20",
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobForeignCharacter(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	other := test.FakeUser(db, 100)
	foreignCharacter := test.FakeCharacter(db, other)

	reqBody := CreateJobIn{
		CharacterID: foreignCharacter.ID,
		Prompt:      "portrait",
		ImageModel:  "fal-ai/flux-lora",
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobNSFWNotEnabled(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	reqBody := CreateJobIn{
		CharacterID: character.ID,
		Prompt:      "portrait",
		ImageModel:  "fal-ai/flux-lora",
		NSFW:        true,
	}

	req := test.NewJSONAuthRequest("POST", "/studio/jobs", strconv.FormatUint(uint64(user.ID), 10), reqBody)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListJobsFilters(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	test.FakeJob(db, user, character, models.JobQueued)
	test.FakeJob(db, user, character, models.JobProcessing)
	failed := test.FakeJob(db, user, character, models.JobFailed)
	completed := test.FakeJob(db, user, character, models.JobCompleted)

	// another user's jobs never leak into the listing
	other := test.FakeUser(db, 100)
	otherCharacter := test.FakeCharacter(db, other)
	test.FakeJob(db, other, otherCharacter, models.JobFailed)

	userPk := strconv.FormatUint(uint64(user.ID), 10)

	cases := []struct {
		filter   string
		expected []uint
	}{
		{"failed", []uint{failed.ID}},
		{"qc_required", []uint{completed.ID}},
	}
	for _, tc := range cases {
		req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/jobs?filter=%s", tc.filter), userPk, "")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, "filter %s: %s", tc.filter, rec.Body.String())
		var response JobListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Len(t, response.Jobs, len(tc.expected), "filter %s", tc.filter)
		for i, id := range tc.expected {
			require.Equal(t, id, response.Jobs[i].ID)
		}
	}

	req := test.NewJSONAuthRequest("GET", "/studio/jobs", userPk, "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var all JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all.Jobs, 4)
	require.False(t, all.HasMore)
}

func TestListJobsStuckFilter(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	stale := test.FakeJob(db, user, character, models.JobProcessing)
	test.FakeJob(db, user, character, models.JobProcessing)
	// push the first one past the staleness window
	db.Model(&models.GenerationJob{}).Where("id = ?", stale.ID).
		Update("updated_at", time.Now().Add(-15*time.Minute))

	req := test.NewJSONAuthRequest("GET", "/studio/jobs?filter=stuck", strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Jobs, 1)
	require.Equal(t, stale.ID, response.Jobs[0].ID)
}

func TestListJobsPagination(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)

	for i := 0; i < 5; i++ {
		test.FakeJob(db, user, character, models.JobQueued)
	}

	req := test.NewJSONAuthRequest("GET", "/studio/jobs?limit=3", strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Jobs, 3)
	require.True(t, response.HasMore)

	req = test.NewJSONAuthRequest("GET", "/studio/jobs?limit=3&offset=3", strconv.FormatUint(uint64(user.ID), 10), "")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Len(t, response.Jobs, 2)
	require.False(t, response.HasMore)
}

func TestGetJobOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/jobs/%v", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Equal(t, job.ID, response.ID)
	require.Equal(t, string(models.JobCompleted), response.Status)
	require.Equal(t, string(models.QualityPending), response.QualityStatus)
	require.NotNil(t, response.ImageURL)
	require.Contains(t, *response.ImageURL, "cached.fakebucketurl.com")
}

func TestGetJobNotOwned(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	other := test.FakeUser(db, 100)
	otherCharacter := test.FakeCharacter(db, other)
	job := test.FakeJob(db, other, otherCharacter, models.JobCompleted)

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/jobs/%v", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobEphemeralURLPassthrough(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)
	// degraded mode keeps the provider URL as the output reference
	db.Model(&models.GenerationJob{}).Where("id = ?", job.ID).
		Update("image_key", "https://fal.media/ephemeral/out.png")

	req := test.NewJSONAuthRequest("GET", fmt.Sprintf("/studio/jobs/%v", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.NotNil(t, response.ImageURL)
	require.Equal(t, "https://fal.media/ephemeral/out.png", *response.ImageURL)
}

func TestListJobsUnauthorized(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	test.FakeUser(db, 100)

	req := test.NewJSONRequest("GET", "/studio/jobs", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
