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
	FloatStatusActive = "ACTIVE"
	FloatStatusLow    = "LOW"
	FloatStatusHigh   = "HIGH"
)

// BranchFloat is the pre-funded balance held by a branch. The central pool uses the same shape.
type BranchFloat struct {
	ID             int64           `json:"-"`
	BranchID       string          `json:"branch_id"`
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	LowThreshold   decimal.Decimal `json:"low_threshold"`
	HighThreshold  decimal.Decimal `json:"high_threshold"`
	Status         string          `json:"status"`
	Version        int64           `json:"version"`
	LastUpdatedBy  string          `json:"last_updated_by"`
	LastUpdatedAt  time.Time       `json:"last_updated_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DeriveStatus returns the status a float holding balance should carry.
// A zero threshold disables that side of the check.
func (f *BranchFloat) DeriveStatus(balance decimal.Decimal) string {
	if f.LowThreshold.IsPositive() && balance.LessThan(f.LowThreshold) {
		return FloatStatusLow
	}
	if f.HighThreshold.IsPositive() && balance.GreaterThan(f.HighThreshold) {
		return FloatStatusHigh
	}
	return FloatStatusActive
}

// BranchFloatTransaction is an immutable line in a branch float's history.
// Amount is signed: debits are negative.
type BranchFloatTransaction struct {
	ID            int64           `json:"-"`
	TransactionID string          `json:"transaction_id"`
	BranchID      string          `json:"branch_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reference     string          `json:"reference"`
	Reason        string          `json:"reason"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// FloatMovement is a request to change a float balance by a signed amount.
// CorrelationID is carried into audit events and is not persisted.
type FloatMovement struct {
	BranchID      string
	Amount        decimal.Decimal
	Reference     string
	Reason        string
	Actor         string
	CorrelationID string
}
