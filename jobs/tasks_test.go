package jobs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestNewGDPRPurgeTaskCarriesUserID(t *testing.T) {
	id := uuid.New()
	task, err := NewGDPRPurgeTask(GDPRPurgePayload{UserID: id})
	require.NoError(t, err)
	require.Equal(t, TaskTypeGDPRPurge, task.Type())
	require.Contains(t, string(task.Payload()), id.String())
}

func TestGDPRPurgeJobHandle(t *testing.T) {
	job := NewGDPRPurgeJob(nil)

	task, err := NewGDPRPurgeTask(GDPRPurgePayload{UserID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}

func TestGDPRPurgeJobSkipsRetryOnGarbage(t *testing.T) {
	job := NewGDPRPurgeJob(nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskTypeGDPRPurge, []byte("{broken")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
