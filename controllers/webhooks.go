package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"natakapi/models"
	"natakapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhooksController receives provider callbacks for queued video
// requests. The endpoint is unauthenticated at the JWT layer and guarded
// by a shared bearer token instead.
type WebhooksController struct {
	AWSService  services.AWSServiceProvider
	FirebaseApp *firebase.App
}

func (controller *WebhooksController) SetupRoutes(g *echo.Group) {
	g.POST("/fal-generation", controller.FalGeneration)
}

func (controller *WebhooksController) FalGeneration(c echo.Context) error {
	authHeader := c.Request().Header.Get("Authorization")
	expected := "Bearer " + os.Getenv("FAL_WEBHOOK_TOKEN")
	if os.Getenv("FAL_WEBHOOK_TOKEN") == "" || authHeader != expected {
		fmt.Printf("[Webhook] Rejected callback, ip: %v agent: %v\n", c.RealIP(), c.Request().UserAgent())
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}

	var jobId uint
	if err := echo.QueryParamsBinder(c).Uint("jobId", &jobId).BindError(); err != nil || jobId == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing or invalid jobId"})
	}

	var payload services.FalWebhookPayload
	if err := c.Bind(&payload); err != nil {
		fmt.Printf("[Job: %v] Malformed webhook payload: %v\n", jobId, err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Malformed payload"})
	}

	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	var completedJob models.GenerationJob
	err := db.Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&job, jobId)
		if result.Error != nil {
			return result.Error
		}

		// provider retries deliver the same callback more than once; a job
		// already settled is acknowledged without touching anything
		if job.Status.Terminal() {
			fmt.Printf("[Job: %v] Duplicate webhook, job already %s\n", job.ID, job.Status)
			return nil
		}

		if payload.Status == "ERROR" {
			message := "Provider reported an error"
			if payload.Error != nil && *payload.Error != "" {
				message = *payload.Error
			}
			fmt.Printf("[Job: %v] Provider failure: %v\n", job.ID, message)
			job.Status = models.JobFailed
			job.ErrorMessage = &message
			return tx.Save(&job).Error
		}

		outputURL := payload.OutputURL()
		if outputURL == "" {
			return errEmptyWebhookOutput
		}

		outputRef := controller.mirrorWebhookOutput(c, &job, outputURL)
		if job.WithVideo {
			job.VideoKey = &outputRef
		} else {
			job.ImageKey = &outputRef
		}

		job.CurrentStep = models.StepFinalRender
		job.Cost = models.CostThroughStep(models.StepFinalRender, job.WithVideo)
		job.Progress = 100
		job.Status = models.JobCompleted
		job.QualityStatus = models.QualityPending
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		completedJob = job
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
		}
		if errors.Is(err, errEmptyWebhookOutput) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Payload has no output media"})
		}
		sentry.CaptureException(fmt.Errorf("[Job: %v] webhook processing failed: %v", jobId, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to process callback"})
	}

	if completedJob.ID != 0 {
		fmt.Printf("[Job: %v] Completed via webhook\n", completedJob.ID)
		services.SendNotification(controller.FirebaseApp, db, completedJob.OwnerID,
			"Generation completed", "Your media is ready for review",
			map[string]string{"job_id": fmt.Sprintf("%d", completedJob.ID), "type": "job_completed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "received"})
}

var errEmptyWebhookOutput = errors.New("webhook payload has no output")

// mirrorWebhookOutput stores a durable copy of the provider result,
// falling back to the ephemeral URL when the mirror fails.
func (controller *WebhooksController) mirrorWebhookOutput(c echo.Context, job *models.GenerationJob, sourceURL string) string {
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	ext := path.Ext(sourceURL)
	if idx := strings.Index(ext, "?"); idx >= 0 {
		ext = ext[:idx]
	}
	if ext == "" || len(ext) > 5 {
		if job.WithVideo {
			ext = ".mp4"
		} else {
			ext = ".png"
		}
	}
	key := fmt.Sprintf("outputs/%d/%s%s", job.ID, uuid.NewString(), ext)
	if err := services.MirrorFromURL(c.Request().Context(), controller.AWSService, bucketName, key, sourceURL); err != nil {
		fmt.Printf("[Job: %v] Mirror to R2 failed, keeping ephemeral URL: %v\n", job.ID, err)
		sentry.CaptureException(fmt.Errorf("[Job: %v] webhook mirror failed for %s: %v", job.ID, sourceURL, err))
		return sourceURL
	}
	return key
}
