package models

import (
	"regexp"

	"github.com/go-playground/validator"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPaused     JobStatus = "paused"
)

func (s *JobStatus) Scan(value interface{}) error {
	*s = JobStatus(value.(string))
	return nil
}

func (s JobStatus) Value() (string, error) {
	return string(s), nil
}

// Terminal reports whether the status cannot change through the pipeline
// anymore (only ops retry can move a failed job).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type QualityStatus string

const (
	QualityPending  QualityStatus = "pending"
	QualityApproved QualityStatus = "approved"
	QualityRejected QualityStatus = "rejected"
)

func (q *QualityStatus) Scan(value interface{}) error {
	*q = QualityStatus(value.(string))
	return nil
}

func (q QualityStatus) Value() (string, error) {
	return string(q), nil
}

func ValidateAspectRatio(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	matched, _ := regexp.MatchString(`^1:1|2:3|3:2|9:16|16:9$`, value)
	return matched
}
