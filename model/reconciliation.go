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

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	BatchStatusPending    = "PENDING"
	BatchStatusIngested   = "INGESTED"
	BatchStatusInProgress = "IN_PROGRESS"
	BatchStatusCompleted  = "COMPLETED"
	BatchStatusFailed     = "FAILED"
	BatchStatusSuperseded = "SUPERSEDED"
)

const (
	EntryUnmatched = "UNMATCHED"
	EntryMatched   = "MATCHED"
)

const (
	MatchMethodExact  = "exact"
	MatchMethodFuzzy  = "fuzzy"
	MatchMethodManual = "manual"
)

type ReconciliationBatch struct {
	ID               int64      `json:"-"`
	BatchID          string     `json:"batch_id"`
	BatchType        string     `json:"batch_type"`
	SourceID         string     `json:"source_id"`
	TotalEntries     int        `json:"total_entries"`
	ProcessedEntries int        `json:"processed_entries"`
	MatchedEntries   int        `json:"matched_entries"`
	UnmatchedEntries int        `json:"unmatched_entries"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ReconciliationEntry is one external statement line. MatchedTransactionID and
// MatchConfidence are only ever written together.
type ReconciliationEntry struct {
	ID                   int64           `json:"-"`
	EntryID              string          `json:"entry_id"`
	BatchID              string          `json:"batch_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Reference            string          `json:"reference"`
	Description          string          `json:"description"`
	TransactionDate      time.Time       `json:"transaction_date"`
	MatchStatus          string          `json:"match_status"`
	MatchedTransactionID string          `json:"matched_transaction_id,omitempty"`
	MatchConfidence      int             `json:"match_confidence"`
	MatchMethod          string          `json:"match_method,omitempty"`
	MatchedAt            *time.Time      `json:"matched_at,omitempty"`
}

// StatementLine is a parsed line of an external bank statement.
type StatementLine struct {
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reference       string          `json:"reference"`
	Description     string          `json:"description"`
	TransactionDate time.Time       `json:"date"`
}
