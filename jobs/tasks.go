package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeDocumentDeliver sends an accepted document to its customer.
	TaskTypeDocumentDeliver = "document:deliver"
	// TaskTypeOverdueScan flags accepted documents past their due date.
	TaskTypeOverdueScan = "document:overdue_scan"
)

// DocumentDeliveryPayload identifies the document to deliver.
type DocumentDeliveryPayload struct {
	DocumentID string `json:"document_id"`
}

// NewDocumentDeliveryTask constructs an Asynq task.
func NewDocumentDeliveryTask(payload DocumentDeliveryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDocumentDeliver, data), nil
}

// NewOverdueScanTask constructs the cron-scheduled overdue scan task.
func NewOverdueScanTask() *asynq.Task {
	return asynq.NewTask(TaskTypeOverdueScan, nil)
}

// HandleDocumentDeliveryTask is the fallback handler used when no delivery
// job is registered. It only acknowledges the task.
func HandleDocumentDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload DocumentDeliveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	fmt.Printf("[jobs] deliver document id=%s\n", payload.DocumentID)
	return nil
}
