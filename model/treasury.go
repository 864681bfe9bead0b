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
	TransactionTypeDisbursement  = "DISBURSEMENT"
	TransactionTypeReversal      = "REVERSAL"
	TransactionTypeReplenishment = "REPLENISHMENT"
)

const (
	TransactionStatusPending              = "PENDING"
	TransactionStatusAwaitingConfirmation = "AWAITING_CONFIRMATION"
	TransactionStatusCompleted            = "COMPLETED"
	TransactionStatusFailed               = "FAILED"
)

// TreasuryTransaction is the execution side of a disbursement.
type TreasuryTransaction struct {
	ID                    int64           `json:"-"`
	TransactionID         string          `json:"transaction_id"`
	DisbursementID        string          `json:"disbursement_id"`
	Type                  string          `json:"type"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	CorrelationID         string          `json:"correlation_id"`
	Reference             string          `json:"reference"`
	Description           string          `json:"description"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
	BankReference         string          `json:"bank_reference,omitempty"`
	ErrorDetail           string          `json:"error_detail,omitempty"`
	Reconciled            bool            `json:"reconciled"`
	CreatedAt             time.Time       `json:"created_at"`
	ProcessedAt           *time.Time      `json:"processed_at,omitempty"`
}

// IsOpen reports whether the transaction can still be claimed by a reconciliation entry.
func (t *TreasuryTransaction) IsOpen() bool {
	return t.Status == TransactionStatusCompleted && !t.Reconciled
}
