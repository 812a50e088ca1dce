package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"natakapi/models"
	"natakapi/services"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"
)

type GenerationJobPayload struct {
	JobID uint `json:"job_id"`
}

func NewGenerationJobTask(jobID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(GenerationJobPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask("generate:job", payload), nil
}

func NewStuckJobSweepTask() *asynq.Task {
	return asynq.NewTask("ops:stuck_sweep", []byte{})
}

// webhook callback the provider calls for queued video requests
func jobWebhookURL(jobID uint) string {
	base := services.GetEnv("PUBLIC_BASE_URL", "https://api.natak.io")
	return fmt.Sprintf("%s/webhooks/fal-generation?jobId=%d", base, jobID)
}

func outputKey(jobID uint, sourceURL string) string {
	ext := path.Ext(sourceURL)
	if ext == "" || len(ext) > 5 {
		ext = ".png"
	}
	return fmt.Sprintf("outputs/%d/%s%s", jobID, uuid.NewString(), ext)
}

// mirrorOutput stores a durable copy of a provider result. Returns the
// object key, or the ephemeral URL itself when mirroring fails.
func mirrorOutput(ctx context.Context, awsService services.AWSServiceProvider, job *models.GenerationJob, sourceURL string) string {
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	key := outputKey(job.ID, sourceURL)
	if err := services.MirrorFromURL(ctx, awsService, bucketName, key, sourceURL); err != nil {
		fmt.Printf("[Job: %v] Mirror to R2 failed, keeping ephemeral URL: %v\n", job.ID, err)
		sentry.CaptureException(fmt.Errorf("[Job: %v] mirror failed for %s: %v", job.ID, sourceURL, err))
		return sourceURL
	}
	return key
}

func saveJobFail(db *gorm.DB, job *models.GenerationJob, message string) error {
	job.Status = models.JobFailed
	job.ErrorMessage = &message
	tx := db.Save(job)
	if tx.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Fail Job %v] Error on saving job for failed status", job.ID))
		return tx.Error
	}
	return nil
}

// advanceJobStep records a finished step: current step, table progress and
// the accumulated cost through that step.
func advanceJobStep(db *gorm.DB, job *models.GenerationJob, step models.PipelineStep) error {
	job.CurrentStep = step
	job.Progress = models.ProgressForStep(step)
	job.Cost = models.CostThroughStep(step, job.WithVideo)
	return db.Save(job).Error
}

// HandleGenerationJobTask drives a queued job through the image steps
// synchronously, and hands off to the provider queue for the video step.
// Video jobs stay in processing until the webhook receiver finishes them.
func HandleGenerationJobTask(
	ctx context.Context, t *asynq.Task, db *gorm.DB,
	fal services.FalServiceProvider, awsService services.AWSServiceProvider, fbApp *firebase.App) error {
	var payload GenerationJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	fmt.Printf("[Job: %v] Start generation\n", payload.JobID)

	var job models.GenerationJob
	res := db.Joins("Character").First(&job, payload.JobID)
	if res.Error != nil {
		sentry.CaptureException(fmt.Errorf("[QUEUE] Error on retrieving job for generation %v", payload.JobID))
		return res.Error
	}
	if job.Status.Terminal() {
		fmt.Printf("[Job: %v] Already %s, skipping\n", job.ID, job.Status)
		return nil
	}
	job.Status = models.JobProcessing
	if err := db.Save(&job).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Job: %v] Error on marking job processing: %v", job.ID, err))
		return err
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	var characterRefURL string
	if job.Character.RefImageKey != nil {
		url, err := awsService.GetPresignedR2FileReadURL(ctx, bucketName, *job.Character.RefImageKey)
		if err != nil {
			sentry.CaptureException(fmt.Errorf("[Job: %v] Error presigning character reference %s: %v", job.ID, *job.Character.RefImageKey, err))
			saveJobFail(db, &job, "Could not read character reference image")
			return nil
		}
		characterRefURL = url
	}

	var clothRefURL *string
	if job.ClothImageKey != nil {
		url, err := awsService.GetPresignedR2FileReadURL(ctx, bucketName, *job.ClothImageKey)
		if err != nil {
			sentry.CaptureException(fmt.Errorf("[Job: %v] Error presigning cloth reference %s: %v", job.ID, *job.ClothImageKey, err))
		} else {
			clothRefURL = &url
		}
	}

	// latest image output feeding the next step; starts from the character
	// reference, or from the last completed step's output when resuming a
	// retried job mid-pipeline
	currentImageURL := characterRefURL
	if job.CurrentStep > models.StepNone && job.ImageKey != nil {
		if strings.HasPrefix(*job.ImageKey, "http") {
			currentImageURL = *job.ImageKey
		} else if url, err := awsService.GetPresignedR2FileReadURL(ctx, bucketName, *job.ImageKey); err != nil {
			sentry.CaptureException(fmt.Errorf("[Job: %v] Error presigning prior output %s, falling back to character reference: %v", job.ID, *job.ImageKey, err))
		} else {
			currentImageURL = url
		}
	}

	for step := job.CurrentStep.Next(job.WithVideo); step != models.StepNone; step = job.CurrentStep.Next(job.WithVideo) {
		fmt.Printf("[Job: %v] Running step %s\n", job.ID, step)

		if step == models.StepVideoGeneration {
			videoModel := "fal-ai/kling-video"
			if job.VideoModel != nil {
				videoModel = *job.VideoModel
			}
			requestId, err := fal.SubmitVideo(ctx, services.FalVideoRequest{
				Model:    videoModel,
				Prompt:   job.Prompt,
				ImageURL: currentImageURL,
			}, jobWebhookURL(job.ID))
			if err != nil {
				fmt.Printf("[Job: %v] Video submit failed: %v\n", job.ID, err)
				sentry.CaptureException(fmt.Errorf("[Job: %v] video submit failed: %v", job.ID, err))
				saveJobFail(db, &job, err.Error())
				return nil
			}
			job.ProviderRequestID = &requestId
			if err := db.Save(&job).Error; err != nil {
				sentry.CaptureException(fmt.Errorf("[Job: %v] Error saving provider request id: %v", job.ID, err))
				return err
			}
			fmt.Printf("[Job: %v] Video request %s submitted, awaiting webhook\n", job.ID, requestId)
			return nil
		}

		if step == models.StepVideoPrep {
			// local keyframe preparation, no provider call; accounted as a
			// regular step
			if err := advanceJobStep(db, &job, step); err != nil {
				sentry.CaptureException(fmt.Errorf("[Job: %v] Error saving step %s: %v", job.ID, step, err))
				return err
			}
			continue
		}

		result, err := fal.RunImageStep(ctx, step, services.FalImageRequest{
			Model:         job.ImageModel,
			Prompt:        job.Prompt,
			ImageURL:      currentImageURL,
			ClothImageURL: clothRefURL,
			AspectRatio:   job.AspectRatio,
			EnableNSFW:    job.NSFW,
		})
		if err != nil {
			fmt.Printf("[Job: %v] Step %s failed: %v\n", job.ID, step, err)
			sentry.CaptureException(fmt.Errorf("[Job: %v] step %s failed: %v", job.ID, step, err))
			// provider message preserved verbatim, step stays where it was
			saveJobFail(db, &job, err.Error())
			return nil
		}
		currentImageURL = result.URL

		mirrored := mirrorOutput(ctx, awsService, &job, result.URL)
		job.ImageKey = &mirrored
		job.PreviewFrames = append(job.PreviewFrames, mirrored)
		if err := advanceJobStep(db, &job, step); err != nil {
			sentry.CaptureException(fmt.Errorf("[Job: %v] Error saving step %s: %v", job.ID, step, err))
			return err
		}
	}

	job.Status = models.JobCompleted
	job.Progress = 100
	job.QualityStatus = models.QualityPending
	if err := db.Save(&job).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Job: %v] Error on completing job: %v", job.ID, err))
		return err
	}
	fmt.Printf("[Job: %v] Generation finished successfully\n", job.ID)
	services.SendNotification(fbApp, db, job.OwnerID, "Generation completed", "Your media is ready for review", map[string]string{"job_id": fmt.Sprintf("%d", job.ID), "type": "job_completed"})
	return nil
}

// stuck jobs are only detected and surfaced, never cancelled
const stuckJobThreshold = 10 * time.Minute

func HandleStuckJobSweepTask(ctx context.Context, t *asynq.Task, db *gorm.DB) error {
	cutoff := time.Now().Add(-stuckJobThreshold)
	var stuck []models.GenerationJob
	result := db.Where("status = ? AND updated_at < ?", models.JobProcessing, cutoff).Find(&stuck)
	if result.Error != nil {
		sentry.CaptureException(fmt.Errorf("[Sweep] Error fetching stuck jobs: %v", result.Error))
		return result.Error
	}
	if len(stuck) == 0 {
		fmt.Println("[Sweep] No stuck jobs")
		return nil
	}
	for _, job := range stuck {
		fmt.Printf("[Sweep] Job %v stuck in processing since %v (step %s)\n", job.ID, job.UpdatedAt, job.CurrentStep)
	}
	services.NotifyOps(fmt.Sprintf("⚠️ %d generation jobs stuck in processing for more than %v", len(stuck), stuckJobThreshold))
	return nil
}
