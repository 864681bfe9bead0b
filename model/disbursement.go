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
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// Disbursement statuses.
const (
	StatusReceived         = "RECEIVED"
	StatusValidated        = "VALIDATED"
	StatusFundingConfirmed = "FUNDING_CONFIRMED"
	StatusApproved         = "APPROVED"
	StatusExecuting        = "EXECUTING"
	StatusExecuted         = "EXECUTED"
	StatusRejected         = "REJECTED"
	StatusFailed           = "FAILED"
)

// Approval decisions.
const (
	DecisionApprove      = "APPROVE"
	DecisionReject       = "REJECT"
	DecisionAutoReceived = "AUTO_RECEIVED"
	DecisionAutoApproved = "AUTO_APPROVED"
)

var (
	currencyPattern      = regexp.MustCompile(`^[A-Z]{3}$`)
	accountNumberPattern = regexp.MustCompile(`^[0-9]{6,34}$`)
)

// LoanDisbursementRequested is the inbound event published by loan origination.
// DisbursementID is the idempotency anchor.
type LoanDisbursementRequested struct {
	DisbursementID    string          `json:"disbursementId"`
	LoanID            string          `json:"loanId"`
	ClientID          string          `json:"clientId"`
	ClientName        string          `json:"clientName"`
	BranchID          string          `json:"branchId,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	BankAccountNumber string          `json:"bankAccountNumber"`
	BankCode          string          `json:"bankCode"`
	RequestedAt       time.Time       `json:"requestedAt"`
	RequestedBy       string          `json:"requestedBy"`
	CorrelationID     string          `json:"correlationId"`
}

func (e LoanDisbursementRequested) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.DisbursementID, validation.Required),
		validation.Field(&e.LoanID, validation.Required),
		validation.Field(&e.ClientID, validation.Required),
		validation.Field(&e.Amount, validation.By(positiveAmount)),
		validation.Field(&e.Currency, validation.Required, validation.Match(currencyPattern)),
		validation.Field(&e.BankAccountNumber, validation.Required, validation.Match(accountNumberPattern)),
		validation.Field(&e.BankCode, validation.Required),
		validation.Field(&e.RequestedAt, validation.Required),
	)
}

func positiveAmount(value interface{}) error {
	amount, ok := value.(decimal.Decimal)
	if !ok || !amount.IsPositive() {
		return validation.NewError("validation_amount_positive", "must be greater than zero")
	}
	return nil
}

// Disbursement is the durable record of a disbursement request. Rows are never deleted.
type Disbursement struct {
	ID                int64           `json:"-"`
	DisbursementID    string          `json:"disbursement_id"`
	LoanID            string          `json:"loan_id"`
	ClientID          string          `json:"client_id"`
	ClientName        string          `json:"client_name"`
	BranchID          string          `json:"branch_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	BankCode          string          `json:"bank_code"`
	BankAccountNumber string          `json:"bank_account_number"`
	Status            string          `json:"status"`
	FundingSource     string          `json:"funding_source,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	RequestedBy       string          `json:"requested_by"`
	ProcessedBy       string          `json:"processed_by,omitempty"`
	CorrelationID     string          `json:"correlation_id"`
	IdempotencyKey    string          `json:"idempotency_key"`
	RequestedAt       time.Time       `json:"requested_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// StatusUpdate describes a compare-and-set move of a disbursement from one status to another.
type StatusUpdate struct {
	DisbursementID string
	From           string
	To             string
	ProcessedBy    string
	FailureReason  string
	FundingSource  string
	ProcessedAt    *time.Time
}

type DisbursementApproval struct {
	ID             int64     `json:"-"`
	ApprovalID     string    `json:"approval_id"`
	DisbursementID string    `json:"disbursement_id"`
	Approver       string    `json:"approver"`
	Level          int       `json:"level"`
	Decision       string    `json:"decision"`
	Comments       string    `json:"comments,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApprovalDecision is a human decision on a disbursement awaiting approval.
type ApprovalDecision struct {
	DisbursementID string `json:"disbursement_id"`
	Approver       string `json:"approver"`
	Level          int    `json:"level"`
	Decision       string `json:"decision"`
	Comments       string `json:"comments"`
}

func (d ApprovalDecision) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.DisbursementID, validation.Required),
		validation.Field(&d.Approver, validation.Required),
		validation.Field(&d.Level, validation.Required, validation.Min(1)),
		validation.Field(&d.Decision, validation.Required, validation.In(DecisionApprove, DecisionReject)),
	)
}
