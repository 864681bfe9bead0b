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

package model

import "time"

// Audit actions.
const (
	AuditDisbursementRequested = "DisbursementRequested"
	AuditDisbursementValidated = "DisbursementValidated"
	AuditFundingValidated      = "FundingValidated"
	AuditDisbursementApproved  = "DisbursementApproved"
	AuditDisbursementRejected  = "DisbursementRejected"
	AuditDisbursementExecuted  = "DisbursementExecuted"
	AuditExecutionFailed       = "ExecutionFailed"
	AuditBalanceChanged        = "BalanceChanged"
	AuditDuplicateDetected     = "DuplicateDetected"
	AuditStateChanged          = "StateChanged"
	AuditBatchCreated          = "BatchCreated"
	AuditEntriesIngested       = "EntriesIngested"
	AuditEntryMatched          = "EntryMatched"
	AuditBatchCompleted        = "BatchCompleted"
)

// Audited entity types.
const (
	EntityDisbursement        = "Disbursement"
	EntityBranchFloat         = "BranchFloat"
	EntityReconciliationBatch = "ReconciliationBatch"
	EntityReconciliationEntry = "ReconciliationEntry"
)

type AuditEvent struct {
	EventID       string                 `json:"event_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Actor         string                 `json:"actor"`
	Action        string                 `json:"action"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	EventData     map[string]interface{} `json:"event_data,omitempty"`
}
