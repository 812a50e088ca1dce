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
	"sync"
	"time"

	"natakapi/models"
	"natakapi/services"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

// SetupTestQueue returns an asynq client and inspector against the local
// redis, same assumption as the postgres test database.
func SetupTestQueue() (*asynq.Client, *asynq.Inspector) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	opt := asynq.RedisClientOpt{Addr: addr}
	return asynq.NewClient(opt), asynq.NewInspector(opt)
}

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

func GenerateUserToken(userPk string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userPk,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 72)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing user token for %s. Error %s ", userPk, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, userPk string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateUserToken(userPk)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func NewJSONAuthRequestCustomAuth(method string, target string, authorizationString string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Authorization", authorizationString)
	return req
}

func NewRefString(data string) *string {
	return &data
}

func FakeUser(db *gorm.DB, balance int64) *models.UserAccount {
	user := &models.UserAccount{
		Name:          "OurName",
		Email:         fmt.Sprintf("user%d@example.com", time.Now().UnixNano()),
		Platform:      models.PlatformIOS,
		LastIp:        "123.122.122.122",
		Status:        "FINISHED_AUTH",
		CreditBalance: balance,
		NSFWEnabled:   false,
		AvatarURL:     "pictureurl",
	}
	db.Create(&user)
	tokenDb := models.UserPushToken{
		UserAccountID: user.ID,
		Platform:      "android",
		Token:         "cX-UZ3zwQEiPt-2GJkG2gA:APA91bGqRflaGrJrnynhRwZ442HdgUjVcO7mWMFnx6IwAdJ9RRKopvSP4QU7hbvTmk1XAp8XGvtHZLvo5JmOPTVKBbGqqvhfbZWKlXA9csEjx1hgpNvrWepU",
		Active:        true,
	}
	db.Save(&tokenDb)
	return user
}

func FakeCharacter(db *gorm.DB, owner *models.UserAccount) *models.Character {
	character := &models.Character{
		Name:        "Nova",
		OwnerID:     owner.ID,
		RefImageKey: NewRefString(fmt.Sprintf("characters/%d/ref.png", owner.ID)),
	}
	db.Create(&character)
	return character
}

func FakeJob(db *gorm.DB, owner *models.UserAccount, character *models.Character, status models.JobStatus) *models.GenerationJob {
	job := &models.GenerationJob{
		OwnerID:     owner.ID,
		CharacterID: character.ID,
		Prompt:      "standing in the rain, cinematic lighting",
		ImageModel:  "fal-ai/flux-lora",
		AspectRatio: "2:3",
		Status:      status,
	}
	if status == models.JobCompleted {
		job.CurrentStep = models.StepFinalRender
		job.Progress = 100
		job.Cost = models.CostThroughStep(models.StepFinalRender, false)
		job.QualityStatus = models.QualityPending
		job.ImageKey = NewRefString(fmt.Sprintf("outputs/%d/out.png", owner.ID))
	}
	db.Create(&job)
	return job
}

type AWSProviderMock struct {
	MockUrl string
	// keys PutObject received, in call order
	PutKeys []string
	// when set, PutObject fails and mirroring degrades
	PutErr error
	// presigned URLs UploadToPresignedURL received, in call order
	PresignedUploads []string
	// when set, UploadToPresignedURL fails
	UploadErr error
	mu        sync.Mutex
}

func (awsService *AWSProviderMock) InitClient(ctx context.Context) error {
	return nil
}

func (awsService *AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {
	return fmt.Sprintf("https://fakebucketurl.com/%s", fileName), nil
}

func (awsService *AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	if awsService.MockUrl != "" {
		return awsService.MockUrl, nil
	}
	return fmt.Sprintf("https://fakebucketurl.com/%s?signed=1", fileKey), nil
}

func (awsService *AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	if awsService.UploadErr != nil {
		return "", 0, awsService.UploadErr
	}
	awsService.mu.Lock()
	awsService.PresignedUploads = append(awsService.PresignedUploads, url)
	awsService.mu.Unlock()
	return url, 204, nil
}

func (awsService *AWSProviderMock) PutObject(ctx context.Context, bucketName, fileKey string, content []byte, contentType string) error {
	if awsService.PutErr != nil {
		return awsService.PutErr
	}
	awsService.mu.Lock()
	awsService.PutKeys = append(awsService.PutKeys, fileKey)
	awsService.mu.Unlock()
	return nil
}

func (awsService *AWSProviderMock) DeleteObject(ctx context.Context, bucketName, fileKey string) error {
	return nil
}

// FalProviderMock records calls and returns canned provider responses.
type FalProviderMock struct {
	// base for generated output URLs; point it at a httptest server when
	// the test needs the mirror download to succeed
	BaseURL string
	// steps RunImageStep was called with, in order
	ImageSteps []models.PipelineStep
	// input image URL of each RunImageStep call, same order as ImageSteps
	ImageInputs []string
	// when set, the named step fails with StepErr
	FailStep models.PipelineStep
	StepErr  error
	// video submissions; request id returned is VideoRequestID
	VideoCalls     []string
	VideoRequestID string
	VideoErr       error
	mu             sync.Mutex
}

func (f *FalProviderMock) RunImageStep(ctx context.Context, step models.PipelineStep, req services.FalImageRequest) (*services.FalImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStep == step && f.StepErr != nil {
		return nil, f.StepErr
	}
	f.ImageSteps = append(f.ImageSteps, step)
	f.ImageInputs = append(f.ImageInputs, req.ImageURL)
	base := f.BaseURL
	if base == "" {
		base = "https://fal.media/fake"
	}
	return &services.FalImageResult{
		URL:         fmt.Sprintf("%s/%s.png", base, step),
		ContentType: "image/png",
	}, nil
}

func (f *FalProviderMock) SubmitVideo(ctx context.Context, req services.FalVideoRequest, webhookURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.VideoErr != nil {
		return "", f.VideoErr
	}
	f.VideoCalls = append(f.VideoCalls, webhookURL)
	if f.VideoRequestID != "" {
		return f.VideoRequestID, nil
	}
	return "req-fake-123", nil
}

// URLCacheMock presigns without redis or ristretto behind it.
type URLCacheMock struct {
	// when set, GetReadURL fails and callers hit the direct R2 fallback
	Err error
}

func (u *URLCacheMock) GetReadURL(ctx context.Context, fileKey string) (string, error) {
	if u.Err != nil {
		return "", u.Err
	}
	return fmt.Sprintf("https://cached.fakebucketurl.com/%s", fileKey), nil
}
