package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"natakapi/models"
	"natakapi/services"
	"natakapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// Request structs for validation
type CreateJobIn struct {
	CharacterID   uint    `json:"character_id" validate:"required"`
	Prompt        string  `json:"prompt" validate:"required,max=2000"`
	ImageModel    string  `json:"image_model" validate:"required,max=100"`
	VideoModel    *string `json:"video_model" validate:"omitempty,max=100"`
	AspectRatio   string  `json:"aspect_ratio" validate:"omitempty,aspect_ratio"`
	NSFW          bool    `json:"nsfw"`
	ClothImageKey *string `json:"cloth_image_key" validate:"omitempty,max=300"`
	WithVideo     bool    `json:"with_video"`
}

// Response structs
type JobResponse struct {
	ID            uint     `json:"id"`
	Status        string   `json:"status"`
	QualityStatus string   `json:"quality_status"`
	Step          string   `json:"step"`
	Progress      int      `json:"progress"`
	Cost          int64    `json:"cost"`
	RetryCount    int      `json:"retry_count"`
	ErrorMessage  *string  `json:"error_message,omitempty"`
	RejectReason  *string  `json:"reject_reason,omitempty"`
	ImageURL      *string  `json:"image_url,omitempty"`
	VideoURL      *string  `json:"video_url,omitempty"`
	PreviewFrames []string `json:"preview_frames,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

type JobCreatedResponse struct {
	JobID         uint   `json:"job_id"`
	Status        string `json:"status"`
	EstimatedCost int64  `json:"estimated_cost"`
	Balance       int64  `json:"balance"`
}

type JobListResponse struct {
	Jobs    []JobResponse `json:"jobs"`
	HasMore bool          `json:"has_more"`
}

type QueueStatsResponse struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Retry     int `json:"retry"`
	Scheduled int `json:"scheduled"`
}

type JobsController struct {
	Fal         services.FalServiceProvider
	AWSService  services.AWSServiceProvider
	FirebaseApp *firebase.App
	URLCache    services.URLCacheServiceProvider
}

func (controller *JobsController) JobRoutes(g *echo.Group) {
	g.POST("", controller.CreateJob)
	g.GET("", controller.ListJobs)
	g.GET("/queue/stats", controller.QueueStats)
	g.GET("/:jobId", controller.GetJob)
}

func (controller *JobsController) CreateJob(c echo.Context) error {
	var req CreateJobIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	user, ok := c.Get("currentUser").(models.UserAccount)
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

	var character models.Character
	result := db.Where("id = ? AND owner_id = ?", req.CharacterID, user.ID).Take(&character)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Character not found"})
	}
	if result.Error != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch character"})
	}
	if req.NSFW && !user.NSFWEnabled {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "NSFW generation is not enabled for this account"})
	}

	estimatedCost := models.EstimatedJobCost(req.WithVideo)
	enough, err := services.CheckBalance(db, user.ID, estimatedCost)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to check balance"})
	}
	if !enough {
		return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Insufficient credits"})
	}

	job := models.GenerationJob{
		OwnerID:       user.ID,
		CharacterID:   character.ID,
		Prompt:        req.Prompt,
		ImageModel:    req.ImageModel,
		VideoModel:    req.VideoModel,
		AspectRatio:   req.AspectRatio,
		NSFW:          req.NSFW,
		ClothImageKey: req.ClothImageKey,
		WithVideo:     req.WithVideo,
		CurrentStep:   models.StepNone,
		Status:        models.JobQueued,
	}
	if err := db.Create(&job).Error; err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create generation job"})
	}

	// binding balance check happens here under the user row lock; the job
	// row is compensating-deleted on any failure past this point
	entry, err := services.DeductCredits(db, user.ID, estimatedCost,
		fmt.Sprintf("Generation job #%d", job.ID), &job.ID)
	if err != nil {
		if delErr := db.Delete(&job).Error; delErr != nil {
			sentry.CaptureException(fmt.Errorf("[Job: %v] rollback delete failed: %v", job.ID, delErr))
		}
		if errors.Is(err, services.ErrInsufficientCredits) {
			return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Insufficient credits"})
		}
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to charge credits, please try again"})
	}

	task, err := tasks.NewGenerationJobTask(job.ID)
	if err != nil {
		sentry.CaptureException(err)
		rollbackJobCreation(db, &job, user.ID, estimatedCost)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Sorry, could not start generation, please try again"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue("generate"))
	if err != nil {
		sentry.CaptureException(err)
		rollbackJobCreation(db, &job, user.ID, estimatedCost)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Sorry, could not start generation, please try again"})
	}
	fmt.Println("[Queue] Generation task submitted, Job ID: ", job.ID, " Task ID: ", info.ID)

	return c.JSON(http.StatusCreated, JobCreatedResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		EstimatedCost: estimatedCost,
		Balance:       entry.BalanceAfter,
	})
}

// rollbackJobCreation compensates a half-created job: refund the charge,
// then remove the orphaned row.
func rollbackJobCreation(db *gorm.DB, job *models.GenerationJob, userID uint, amount int64) {
	if _, err := services.RefundCredits(db, userID, amount,
		fmt.Sprintf("Rollback generation job #%d", job.ID), &job.ID); err != nil {
		fmt.Printf("[Job: %v] CRITICAL: rollback refund failed: %v\n", job.ID, err)
		sentry.CaptureException(fmt.Errorf("[Job: %v] rollback refund failed: %v", job.ID, err))
		services.NotifyOps(fmt.Sprintf("🛑 Rollback refund failed for job %d user %d amount %d", job.ID, userID, amount))
	}
	if err := db.Delete(job).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Job: %v] rollback delete failed: %v", job.ID, err))
	}
}

// resolveOutputURL turns a stored output reference into something the
// client can fetch: ephemeral provider URLs pass through, object keys get
// a presigned (cached) read URL with a direct R2 fallback when the cache
// system itself fails.
func (controller *JobsController) resolveOutputURL(ctx context.Context, jobID uint, ref string) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	url, err := controller.URLCache.GetReadURL(ctx, ref)
	if err == nil {
		return url
	}
	log.Printf("CACHE WARNING: Cache system failed for key '%s': %v. Triggering manual R2 fallback.", ref, err)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("failure_type", "cache_system")
		scope.SetExtra("objectKey", ref)
		sentry.CaptureException(err)
	})
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	fallbackUrl, fallbackErr := controller.AWSService.GetPresignedR2FileReadURL(ctx, bucketName, ref)
	if fallbackErr != nil {
		log.Printf("CRITICAL: Manual R2 fallback also failed for key '%s': %v", ref, fallbackErr)
		sentry.CaptureException(fallbackErr)
		return ""
	}
	return fallbackUrl
}

// populateJobResponses enriches raw jobs with presigned output URLs
// concurrently, one goroutine per job.
func (controller *JobsController) populateJobResponses(ctx context.Context, jobs []models.GenerationJob) []JobResponse {
	if len(jobs) == 0 {
		return []JobResponse{}
	}

	var wg sync.WaitGroup
	responses := make([]JobResponse, len(jobs))
	for i, jobItem := range jobs {
		wg.Add(1)
		go func(index int, job models.GenerationJob) {
			defer wg.Done()

			resp := JobResponse{
				ID:            job.ID,
				Status:        string(job.Status),
				QualityStatus: string(job.QualityStatus),
				Step:          job.CurrentStep.String(),
				Progress:      job.Progress,
				Cost:          job.Cost,
				RetryCount:    job.RetryCount,
				ErrorMessage:  job.ErrorMessage,
				RejectReason:  job.RejectReason,
				PreviewFrames: job.PreviewFrames,
				CreatedAt:     FormatTimestamp(job.CreatedAt),
				UpdatedAt:     FormatTimestamp(job.UpdatedAt),
			}
			if job.ImageKey != nil {
				if url := controller.resolveOutputURL(ctx, job.ID, *job.ImageKey); url != "" {
					resp.ImageURL = &url
				}
			}
			if job.VideoKey != nil {
				if url := controller.resolveOutputURL(ctx, job.ID, *job.VideoKey); url != "" {
					resp.VideoURL = &url
				}
			}
			responses[index] = resp
		}(i, jobItem)
	}

	wg.Wait()
	return responses
}

// stuck jobs are processing jobs that have not moved for this long
const stuckJobStaleness = 10 * time.Minute

func (controller *JobsController) ListJobs(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	filter := c.QueryParam("filter")
	limit := 20
	offset := 0
	echo.QueryParamsBinder(c).Int("limit", &limit).Int("offset", &offset)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := db.Where("owner_id = ?", user.ID)
	switch filter {
	case "", "all":
	case "processing":
		query = query.Where("status = ?", models.JobProcessing)
	case "failed":
		query = query.Where("status = ?", models.JobFailed)
	case "qc_required":
		query = query.Where("status = ? AND quality_status = ?", models.JobCompleted, models.QualityPending)
	case "stuck":
		query = query.Where("status = ? AND updated_at < ?", models.JobProcessing, time.Now().Add(-stuckJobStaleness))
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Unknown filter: " + filter})
	}

	// one extra row decides has_more
	var jobs []models.GenerationJob
	if err := query.Order("created_at DESC").Limit(limit + 1).Offset(offset).Find(&jobs).Error; err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch jobs"})
	}
	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}

	return c.JSON(http.StatusOK, JobListResponse{
		Jobs:    controller.populateJobResponses(c.Request().Context(), jobs),
		HasMore: hasMore,
	})
}

func (controller *JobsController) GetJob(c echo.Context) error {
	user, ok := c.Get("currentUser").(models.UserAccount)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}
	var jobId uint
	if err := echo.PathParamsBinder(c).Uint("jobId", &jobId).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
	}

	var job models.GenerationJob
	result := db.Where("id = ? AND owner_id = ?", jobId, user.ID).Take(&job)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}
	if result.Error != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch job"})
	}

	responses := controller.populateJobResponses(c.Request().Context(), []models.GenerationJob{job})
	return c.JSON(http.StatusOK, responses[0])
}

func (controller *JobsController) QueueStats(c echo.Context) error {
	asynqInspector, ok := c.Get("__asynqinspector").(*asynq.Inspector)
	if !ok || asynqInspector == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Queue inspector is not available"})
	}
	info, err := asynqInspector.GetQueueInfo("generate")
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to fetch queue info"})
	}
	return c.JSON(http.StatusOK, QueueStatsResponse{
		Pending:   info.Pending,
		Active:    info.Active,
		Retry:     info.Retry,
		Scheduled: info.Scheduled,
	})
}
