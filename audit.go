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
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/internal/notification"
	"github.com/blnkfinance/treasury/model"
	"github.com/sirupsen/logrus"
)

// AuditTrail records one event per decision. Forwarding is best effort: a publisher
// failure alerts operators and never fails the operation being audited.
type AuditTrail struct {
	publisher AuditPublisher
}

func NewAuditTrail(publisher AuditPublisher) *AuditTrail {
	return &AuditTrail{publisher: publisher}
}

// Record builds, logs and forwards an audit event, returning the event that was emitted.
func (a *AuditTrail) Record(ctx context.Context, action, actor, entityType, entityID, correlationID string, data map[string]interface{}) model.AuditEvent {
	if actor == "" {
		actor = actorSystem
	}
	event := model.AuditEvent{
		EventID:       model.GenerateUUIDWithSuffix("audit"),
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		CorrelationID: correlationID,
		EventData:     data,
	}

	logrus.WithFields(logrus.Fields{
		"audit_action":   action,
		"actor":          actor,
		"entity_type":    entityType,
		"entity_id":      entityID,
		"correlation_id": correlationID,
	}).Info("audit")

	if a.publisher == nil {
		return event
	}
	if err := a.publisher.PublishAuditEvent(ctx, event); err != nil {
		logrus.WithError(err).WithField("event_id", event.EventID).Error("failed to forward audit event")
		notification.NotifyError(fmt.Errorf("audit event %s (%s) was not forwarded: %w", event.EventID, action, err))
	}
	return event
}

func (t *Treasury) auditDisbursement(ctx context.Context, action string, disb *model.Disbursement, actor string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["status"] = disb.Status
	t.Audit.Record(ctx, action, actor, model.EntityDisbursement, disb.DisbursementID, disb.CorrelationID, data)
}
