package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"natakapi/dbhelper"
	"natakapi/models"
	"natakapi/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproveJobOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/approve", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refreshed models.GenerationJob
	require.NoError(t, db.First(&refreshed, job.ID).Error)
	require.Equal(t, models.QualityApproved, refreshed.QualityStatus)
}

func TestApproveJobTwice(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)
	userPk := strconv.FormatUint(uint64(user.ID), 10)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/approve", job.ID), userPk, "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/approve", job.ID), userPk, "")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "Job already reviewed", response["error"])
}

func TestApproveJobNotCompleted(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobProcessing)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/approve", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectJobRefundsCost(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 50)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/reject", job.ID),
		strconv.FormatUint(uint64(user.ID), 10), RejectJobIn{Reason: "artifacts on hands"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refreshed models.GenerationJob
	require.NoError(t, db.First(&refreshed, job.ID).Error)
	require.Equal(t, models.QualityRejected, refreshed.QualityStatus)
	require.NotNil(t, refreshed.RejectReason)
	require.Equal(t, "artifacts on hands", *refreshed.RejectReason)

	// the refund is the job's accrued cost, not the original estimate
	var entry models.CreditLedgerEntry
	require.NoError(t, db.Where("user_account_id = ? AND type = ?", user.ID, models.LedgerCredit).Take(&entry).Error)
	require.Equal(t, job.Cost, entry.Amount)

	var account models.UserAccount
	require.NoError(t, db.First(&account, user.ID).Error)
	require.Equal(t, int64(50)+job.Cost, account.CreditBalance)
}

func TestRejectJobTwice(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 50)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)
	userPk := strconv.FormatUint(uint64(user.ID), 10)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/reject", job.ID), userPk, RejectJobIn{Reason: "blurry"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/reject", job.ID), userPk, RejectJobIn{Reason: "blurry"})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// only one refund landed
	var entryCount int64
	db.Model(&models.CreditLedgerEntry{}).
		Where("user_account_id = ? AND type = ?", user.ID, models.LedgerCredit).Count(&entryCount)
	assert.Equal(t, int64(1), entryCount)
}

func TestRejectJobMissingReason(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 50)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/reject", job.ID),
		strconv.FormatUint(uint64(user.ID), 10), RejectJobIn{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryJobOk(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	asynqClient, asynqInspector := test.SetupTestQueue()
	defer asynqClient.Close()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, asynqClient, asynqInspector, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobFailed)
	db.Model(&models.GenerationJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"error_message": "provider timeout",
		"current_step":  models.StepClothSwap,
	})

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/retry", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refreshed models.GenerationJob
	require.NoError(t, db.First(&refreshed, job.ID).Error)
	require.Equal(t, models.JobQueued, refreshed.Status)
	require.Nil(t, refreshed.ErrorMessage)
	require.Equal(t, 1, refreshed.RetryCount)
	// retry resumes where the pipeline stopped
	require.Equal(t, models.StepClothSwap, refreshed.CurrentStep)
}

func TestRetryJobNotFailed(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	character := test.FakeCharacter(db, user)
	job := test.FakeJob(db, user, character, models.JobCompleted)

	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/retry", job.ID), strconv.FormatUint(uint64(user.ID), 10), "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "Invalid state transition", response["error"])
}

func TestOpsActionsNotOwnedJob(t *testing.T) {
	db := dbhelper.SetupTestDB()
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()
	e := SetupServer(db, &test.FalProviderMock{}, &test.AWSProviderMock{}, nil, nil, nil, &test.URLCacheMock{})
	user := test.FakeUser(db, 100)
	other := test.FakeUser(db, 100)
	otherCharacter := test.FakeCharacter(db, other)
	job := test.FakeJob(db, other, otherCharacter, models.JobCompleted)
	userPk := strconv.FormatUint(uint64(user.ID), 10)

	for _, action := range []string{"approve", "retry"} {
		req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/%s", job.ID, action), userPk, "")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "action %s", action)
	}
	req := test.NewJSONAuthRequest("POST", fmt.Sprintf("/studio/jobs/%v/reject", job.ID), userPk, RejectJobIn{Reason: "nope"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
