package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookRetry  JobType = "webhook_retry"
	JobTypeStuckRecovery JobType = "webhook_stuck_recovery"
	JobTypePaymentExpiry JobType = "payment_expiry"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Result      map[string]interface{} `json:"result,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// WebhookRetryJobPayload scopes a retry sweep to one bot; nil sweeps all bots.
type WebhookRetryJobPayload struct {
	BotID *uint `json:"bot_id,omitempty"`
}

// ToMap converts the payload to a map for storage
func (p WebhookRetryJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if p.BotID != nil {
		m["bot_id"] = *p.BotID
	}
	return m
}

func WebhookRetryJobPayloadFromMap(data map[string]interface{}) (*WebhookRetryJobPayload, error) {
	var payload WebhookRetryJobPayload
	err := decodeMap(data, &payload)
	return &payload, err
}

// PaymentExpiryJobPayload overrides the configured pending TTL when set.
type PaymentExpiryJobPayload struct {
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

func (p PaymentExpiryJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{}
	if p.TTLSeconds > 0 {
		m["ttl_seconds"] = p.TTLSeconds
	}
	return m
}

func PaymentExpiryJobPayloadFromMap(data map[string]interface{}) (*PaymentExpiryJobPayload, error) {
	var payload PaymentExpiryJobPayload
	err := decodeMap(data, &payload)
	return &payload, err
}

func decodeMap(data map[string]interface{}, dst interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, dst)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
