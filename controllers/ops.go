package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"natakapi/models"
	"natakapi/services"
	"natakapi/tasks"

	firebase "firebase.google.com/go/v4"
	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RejectJobIn struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// OpsController hosts the review console actions on jobs: quality
// approve/reject and failed-job retry. Routes mount on the jobs group.
type OpsController struct {
	FirebaseApp *firebase.App
}

func (controller *OpsController) OpsRoutes(g *echo.Group) {
	g.POST("/:jobId/approve", controller.ApproveJob)
	g.POST("/:jobId/reject", controller.RejectJob)
	g.POST("/:jobId/retry", controller.RetryJob)
}

// lockOwnedJob fetches the caller's job under a row lock inside tx.
func lockOwnedJob(tx *gorm.DB, jobId uint, ownerId uint) (*models.GenerationJob, error) {
	var job models.GenerationJob
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND owner_id = ?", jobId, ownerId).Take(&job)
	if result.Error != nil {
		return nil, result.Error
	}
	return &job, nil
}

func (controller *OpsController) ApproveJob(c echo.Context) error {
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

	err := db.Transaction(func(tx *gorm.DB) error {
		job, err := lockOwnedJob(tx, jobId, user.ID)
		if err != nil {
			return err
		}
		if job.Status != models.JobCompleted {
			return errInvalidTransition
		}
		if job.QualityStatus != models.QualityPending {
			return errAlreadyReviewed
		}
		job.QualityStatus = models.QualityApproved
		return tx.Save(job).Error
	})
	if err != nil {
		return opsTransitionError(c, jobId, err)
	}

	fmt.Printf("[Job: %v] Approved by user %v\n", jobId, user.ID)
	return c.JSON(http.StatusOK, map[string]string{"message": "Job approved"})
}

func (controller *OpsController) RejectJob(c echo.Context) error {
	var req RejectJobIn
	if err := c.Bind(&req); err != nil {
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
	var jobId uint
	if err := echo.PathParamsBinder(c).Uint("jobId", &jobId).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
	}

	var refundAmount int64
	err := db.Transaction(func(tx *gorm.DB) error {
		job, err := lockOwnedJob(tx, jobId, user.ID)
		if err != nil {
			return err
		}
		if job.Status != models.JobCompleted {
			return errInvalidTransition
		}
		if job.QualityStatus != models.QualityPending {
			return errAlreadyReviewed
		}
		job.QualityStatus = models.QualityRejected
		job.RejectReason = &req.Reason
		refundAmount = job.Cost
		return tx.Save(job).Error
	})
	if err != nil {
		return opsTransitionError(c, jobId, err)
	}

	// refund the actually accrued cost; a refund failure must not undo the
	// rejection, it gets surfaced to ops instead
	refunded := int64(0)
	if refundAmount > 0 {
		entry, refundErr := services.RefundCredits(db, user.ID, refundAmount,
			fmt.Sprintf("Refund for rejected job #%d", jobId), &jobId)
		if refundErr != nil {
			fmt.Printf("[Job: %v] Refund after reject failed: %v\n", jobId, refundErr)
			sentry.CaptureException(fmt.Errorf("[Job: %v] refund after reject failed: %v", jobId, refundErr))
			services.NotifyOps(fmt.Sprintf("🛑 Refund failed for rejected job %d, user %d, amount %d", jobId, user.ID, refundAmount))
		} else {
			refunded = entry.Amount
		}
	}

	fmt.Printf("[Job: %v] Rejected by user %v, refunded %v\n", jobId, user.ID, refunded)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":  "Job rejected",
		"refunded": refunded,
	})
}

func (controller *OpsController) RetryJob(c echo.Context) error {
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
	var jobId uint
	if err := echo.PathParamsBinder(c).Uint("jobId", &jobId).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
	}

	var retryCount int
	err := db.Transaction(func(tx *gorm.DB) error {
		job, err := lockOwnedJob(tx, jobId, user.ID)
		if err != nil {
			return err
		}
		if job.Status != models.JobFailed {
			return errInvalidTransition
		}
		// resumes from the last completed step, so only the error context
		// resets
		job.Status = models.JobQueued
		job.ErrorMessage = nil
		job.RetryCount += 1
		retryCount = job.RetryCount
		return tx.Save(job).Error
	})
	if err != nil {
		return opsTransitionError(c, jobId, err)
	}

	task, err := tasks.NewGenerationJobTask(jobId)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Sorry, could not restart generation, please try again"})
	}
	info, err := asynqClient.Enqueue(task, asynq.MaxRetry(3), asynq.Queue("generate"))
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Sorry, could not restart generation, please try again"})
	}
	fmt.Println("[Queue] Retry task submitted, Job ID: ", jobId, " Task ID: ", info.ID)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":     "Job queued for retry",
		"retry_count": retryCount,
	})
}

var (
	errInvalidTransition = errors.New("invalid state transition")
	errAlreadyReviewed   = errors.New("job already reviewed")
)

func opsTransitionError(c echo.Context, jobId uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}
	if errors.Is(err, errInvalidTransition) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid state transition"})
	}
	if errors.Is(err, errAlreadyReviewed) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Job already reviewed"})
	}
	sentry.CaptureException(fmt.Errorf("[Job: %v] ops transition failed: %v", jobId, err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to update job"})
}
