package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueCompliance is the queue carrying compliance purge notifications.
	QueueCompliance = "compliance"
	// TaskTypeGDPRPurge signals that personal data for an identity must be
	// purged by every compliance-bound subscriber.
	TaskTypeGDPRPurge = "gdpr:purge"
)

// GDPRPurgePayload identifies the account whose personal data must go.
type GDPRPurgePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// NewGDPRPurgeTask constructs an Asynq task.
func NewGDPRPurgeTask(payload GDPRPurgePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGDPRPurge, data), nil
}

// GDPRPurgeJob processes TaskTypeGDPRPurge tasks. It is the integration
// point for downstream compliance systems; today it records the purge
// request so operators have an auditable trail.
type GDPRPurgeJob struct {
	logger *slog.Logger
}

// NewGDPRPurgeJob constructs the purge job handler.
func NewGDPRPurgeJob(logger *slog.Logger) *GDPRPurgeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &GDPRPurgeJob{logger: logger}
}

// Handle processes a single purge task.
func (j *GDPRPurgeJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload GDPRPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	j.logger.Info("personal data purge requested", slog.String("user_id", payload.UserID.String()))
	return nil
}
