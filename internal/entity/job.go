package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/mkalnins/einvoice-dispatch/constants"
)

// Job represents a delivery job for data transfer between layers.
type Job struct {
	ID             uuid.UUID          `json:"id"`
	ContentHash    string             `json:"content_hash"`
	SourcePath     string             `json:"source_path"`
	Sender         string             `json:"sender"`
	Receiver       string             `json:"receiver"`
	Profile        string             `json:"profile"`
	State          constants.JobState `json:"state"`
	TransmissionID string             `json:"transmission_id,omitempty"`
	AttemptCount   int                `json:"attempt_count"`
	LastError      string             `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time         `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
