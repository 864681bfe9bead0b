/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package treasury

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/internal/request"
	"github.com/blnkfinance/treasury/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

// Worker holds the asynq task handlers. Handlers return nil for business outcomes and an
// error only when a retry can help.
type Worker struct {
	treasury *Treasury
	client   *http.Client
	audit    config.AuditConfig
}

func NewWorker(t *Treasury, client *http.Client) *Worker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{treasury: t, client: client, audit: t.config.Audit}
}

// WorkerQueues returns the queue priorities the worker server listens on.
func WorkerQueues(cnf config.QueueConfig) map[string]int {
	return map[string]int{
		cnf.DisbursementQueue: 6,
		cnf.StatusPollQueue:   3,
		cnf.AuditQueue:        1,
	}
}

func (w *Worker) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskDisbursementRequested, w.ProcessDisbursementRequested)
	mux.HandleFunc(TaskStatusPoll, w.ProcessStatusPoll)
	mux.HandleFunc(TaskAuditForward, w.ForwardAuditEvent)
}

func (w *Worker) ProcessDisbursementRequested(ctx context.Context, task *asynq.Task) error {
	ctx, span := otel.Tracer("treasury.worker").Start(ctx, "Process disbursement request from queue")
	defer span.End()

	var evt model.LoanDisbursementRequested
	if err := json.Unmarshal(task.Payload(), &evt); err != nil {
		logrus.WithError(err).Error("discarding unreadable disbursement request")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	outcome, err := w.treasury.HandleDisbursementRequested(ctx, evt)
	if err != nil {
		if apierror.IsCode(err, apierror.ErrInvalidInput) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		span.RecordError(err)
		logrus.WithError(err).WithField("disbursement_id", evt.DisbursementID).Warn("disbursement request pushed back for retry")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"disbursement_id": outcome.DisbursementID,
		"status":          outcome.Status,
		"duplicate":       outcome.Duplicate,
	}).Info("disbursement request processed")
	return nil
}

func (w *Worker) ProcessStatusPoll(ctx context.Context, task *asynq.Task) error {
	ctx, span := otel.Tracer("treasury.worker").Start(ctx, "Process status poll from queue")
	defer span.End()

	var payload StatusPollPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("discarding unreadable status poll")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	outcome, err := w.treasury.PollExecutionStatus(ctx, payload.DisbursementID, payload.Attempt)
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{
		"disbursement_id": outcome.DisbursementID,
		"status":          outcome.Status,
		"attempt":         payload.Attempt,
	}).Info("status poll processed")
	return nil
}

// ForwardAuditEvent posts a queued audit event to the audit sink. A non-2xx answer is
// returned so the task is retried.
func (w *Worker) ForwardAuditEvent(ctx context.Context, task *asynq.Task) error {
	if w.audit.SinkURL == "" {
		return nil
	}
	var event model.AuditEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		logrus.WithError(err).Error("discarding unreadable audit event")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	headers := map[string]string{"X-Correlation-ID": event.CorrelationID}
	for k, v := range w.audit.Headers {
		headers[k] = v
	}
	if _, err := request.PostJSON(ctx, w.client, w.audit.SinkURL, headers, event, nil); err != nil {
		logrus.WithError(err).WithField("event_id", event.EventID).Warn("audit sink rejected event")
		return err
	}
	return nil
}
