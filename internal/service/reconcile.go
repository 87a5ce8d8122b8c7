package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cloudsentry/api/internal/model"
)

const (
	TaskTypePersist = "inspection:persist"
	QueuePersist    = "persist"
)

// PersistPayload is the body of a persistence reconciliation task
type PersistPayload struct {
	CustomerID string             `json:"customerId"`
	Results    []model.ItemResult `json:"results"`
}

// AsynqReconcileQueue hands results whose inline persistence failed to the worker queue
type AsynqReconcileQueue struct {
	client *asynq.Client
}

func NewAsynqReconcileQueue(client *asynq.Client) *AsynqReconcileQueue {
	return &AsynqReconcileQueue{client: client}
}

func (q *AsynqReconcileQueue) EnqueuePersist(ctx context.Context, customerID, jobID string, results []model.ItemResult) error {
	payloadBytes, err := json.Marshal(PersistPayload{CustomerID: customerID, Results: results})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	task, err := newPersistTask(jobID, payloadBytes)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueuePersist),
		asynq.MaxRetry(5),
		asynq.TaskID("persist:"+jobID),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func newPersistTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(map[string]interface{}{
		"jobId":   jobID,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePersist, data), nil
}
