package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/service"
)

// PersistWorker re-attempts saving results whose inline persistence failed.
// asynq retries the task on error until its retry budget runs out.
type PersistWorker struct {
	store service.ResultStore
}

// NewPersistWorker creates a new persist worker
func NewPersistWorker(store service.ResultStore) *PersistWorker {
	return &PersistWorker{store: store}
}

// ProcessTask handles persistence reconciliation tasks
func (w *PersistWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload struct {
		JobID   string          `json:"jobId"`
		Payload json.RawMessage `json:"payload"`
	}

	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	var payload service.PersistPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal persist payload: %v: %w", err, asynq.SkipRetry)
	}

	jobID := taskPayload.JobID
	if jobID == "" || payload.CustomerID == "" {
		return fmt.Errorf("persist task without job or customer: %w", asynq.SkipRetry)
	}

	if err := w.store.SaveItemResults(ctx, payload.CustomerID, jobID, payload.Results); err != nil {
		zap.S().Warnf("job %s: reconciling %d results failed: %v", jobID, len(payload.Results), err)
		return err
	}

	zap.S().Infof("job %s: reconciled %d results", jobID, len(payload.Results))
	return nil
}
