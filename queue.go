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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/config"
	redis_db "github.com/blnkfinance/treasury/internal/redis-db"
	"github.com/blnkfinance/treasury/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Task types.
const (
	TaskDisbursementRequested = "disbursement:requested"
	TaskStatusPoll            = "disbursement:status_poll"
	TaskAuditForward          = "audit:forward"
)

// Queue represents the asynq queues the engine publishes to.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	config    config.QueueConfig
}

// StatusPollPayload is the body of a status poll task.
type StatusPollPayload struct {
	DisbursementID string `json:"disbursement_id"`
	Attempt        int    `json:"attempt"`
}

// NewQueue connects a Queue to the configured Redis.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
// - error: An error if the Redis DNS cannot be parsed.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return NewQueueWithRedisOpt(opt, conf.Queue), nil
}

func NewQueueWithRedisOpt(opt asynq.RedisConnOpt, cnf config.QueueConfig) *Queue {
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		config:    cnf,
	}
}

// EnqueueDisbursementRequested publishes a disbursement request. The task id is the
// disbursement id, so a transport duplicate is dropped by the queue itself.
func (q *Queue) EnqueueDisbursementRequested(ctx context.Context, evt model.LoanDisbursementRequested) error {
	ctx, span := tracer.Start(ctx, "Enqueuing disbursement request")
	defer span.End()

	if evt.DisbursementID == "" {
		return invalidInput("disbursement id is required")
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskDisbursementRequested, payload,
		asynq.TaskID(evt.DisbursementID),
		asynq.Queue(q.config.DisbursementQueue),
		asynq.MaxRetry(q.config.MaxRetry),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			logrus.WithField("disbursement_id", evt.DisbursementID).Info("disbursement request already queued")
			return nil
		}
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{"disbursement_id": evt.DisbursementID, "task_id": info.ID, "queue": info.Queue}).
		Info("enqueued disbursement request")
	return nil
}

// ScheduleStatusPoll enqueues a status check for disbursementID to run after delay. Each
// attempt has its own task id.
func (q *Queue) ScheduleStatusPoll(ctx context.Context, disbursementID string, attempt int, delay time.Duration) error {
	payload, err := json.Marshal(StatusPollPayload{DisbursementID: disbursementID, Attempt: attempt})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskStatusPoll, payload,
		asynq.TaskID(statusPollTaskID(disbursementID, attempt)),
		asynq.Queue(q.config.StatusPollQueue),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(q.config.MaxRetry),
	)
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	logrus.WithFields(logrus.Fields{"disbursement_id": disbursementID, "attempt": attempt, "delay": delay.String()}).
		Info("scheduled status check")
	return nil
}

func statusPollTaskID(disbursementID string, attempt int) string {
	return fmt.Sprintf("%s-poll-%d", disbursementID, attempt)
}

// PublishAuditEvent queues an audit event for forwarding to the audit sink.
func (q *Queue) PublishAuditEvent(ctx context.Context, event model.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskAuditForward, payload,
		asynq.TaskID(event.EventID),
		asynq.Queue(q.config.AuditQueue),
		asynq.MaxRetry(q.config.MaxRetry),
	)
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}
	return nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}
