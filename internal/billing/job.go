package billing

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fakturo/fakturo/jobs"
)

// Sender delivers a finished document to its customer.
type Sender interface {
	Send(ctx context.Context, doc *Document) error
}

// DeliveryJob processes document delivery tasks.
type DeliveryJob struct {
	service *Service
	sender  Sender
	logger  *slog.Logger
}

// NewDeliveryJob constructs a job handler.
func NewDeliveryJob(service *Service, sender Sender, logger *slog.Logger) *DeliveryJob {
	return &DeliveryJob{service: service, sender: sender, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *DeliveryJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.DocumentDeliveryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	docID, err := uuid.Parse(payload.DocumentID)
	if err != nil {
		return asynq.SkipRetry
	}

	doc, err := j.service.Get(ctx, docID)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("document delivery", slog.String("document_id", payload.DocumentID), slog.Any("error", err))
		}
		return err
	}
	// Documents removed or reopened between enqueue and processing are
	// acknowledged without delivery.
	if doc.Deleted || !documentReady(doc) {
		if j.logger != nil {
			j.logger.Info("skipping delivery for non-final document", slog.String("document_id", payload.DocumentID))
		}
		return nil
	}

	if err := j.sender.Send(ctx, doc); err != nil {
		if j.logger != nil {
			j.logger.Error("send document", slog.String("number", doc.Number), slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("document delivered", slog.String("number", doc.Number), slog.String("customer", doc.Customer.Email))
	}
	return nil
}
