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
	"errors"
	"regexp"
	"strings"

	"github.com/blnkfinance/treasury/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type CreateBranchFloat struct {
	BranchID       string          `json:"branch_id"`
	Name           string          `json:"name"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	LowThreshold   decimal.Decimal `json:"low_threshold"`
	HighThreshold  decimal.Decimal `json:"high_threshold"`
	CreatedBy      string          `json:"created_by"`
}

type ReplenishFloat struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Actor     string          `json:"actor"`
}

type RecordApproval struct {
	Approver string `json:"approver"`
	Level    int    `json:"level"`
	Decision string `json:"decision"`
	Comments string `json:"comments"`
}

type ManualMatch struct {
	TransactionID string `json:"transaction_id"`
	Confidence    *int   `json:"confidence"`
}

func positive(value interface{}) error {
	amount, _ := value.(decimal.Decimal)
	if !amount.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}

func nonNegative(value interface{}) error {
	amount, _ := value.(decimal.Decimal)
	if amount.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func (f *CreateBranchFloat) ValidateCreateBranchFloat() error {
	f.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))
	return validation.ValidateStruct(f,
		validation.Field(&f.BranchID, validation.Required),
		validation.Field(&f.Currency, validation.Required, validation.Match(currencyPattern)),
		validation.Field(&f.OpeningBalance, validation.By(nonNegative)),
		validation.Field(&f.LowThreshold, validation.By(nonNegative)),
		validation.Field(&f.HighThreshold, validation.By(nonNegative), validation.By(func(value interface{}) error {
			high, _ := value.(decimal.Decimal)
			if high.IsPositive() && high.LessThan(f.LowThreshold) {
				return errors.New("must not be below the low threshold")
			}
			return nil
		})),
	)
}

func (f *CreateBranchFloat) ToBranchFloat() *model.BranchFloat {
	return &model.BranchFloat{
		BranchID:       f.BranchID,
		Name:           f.Name,
		Currency:       f.Currency,
		CurrentBalance: f.OpeningBalance,
		LowThreshold:   f.LowThreshold,
		HighThreshold:  f.HighThreshold,
	}
}

func (r *ReplenishFloat) ValidateReplenishFloat() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Amount, validation.By(positive)),
		validation.Field(&r.Reference, validation.Required),
		validation.Field(&r.Actor, validation.Required),
	)
}

func (a *RecordApproval) ValidateRecordApproval() error {
	a.Decision = strings.ToUpper(strings.TrimSpace(a.Decision))
	return validation.ValidateStruct(a,
		validation.Field(&a.Approver, validation.Required),
		validation.Field(&a.Level, validation.Required, validation.Min(1)),
		validation.Field(&a.Decision, validation.Required, validation.In(model.DecisionApprove, model.DecisionReject)),
	)
}

func (a *RecordApproval) ToApprovalDecision(disbursementID string) model.ApprovalDecision {
	return model.ApprovalDecision{
		DisbursementID: disbursementID,
		Approver:       a.Approver,
		Level:          a.Level,
		Decision:       a.Decision,
		Comments:       a.Comments,
	}
}

func (m *ManualMatch) ValidateManualMatch() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.TransactionID, validation.Required),
		validation.Field(&m.Confidence, validation.Min(0), validation.Max(100)),
	)
}

// MatchConfidence is the confidence recorded for a manual match. An operator match is
// certain unless they say otherwise.
func (m *ManualMatch) MatchConfidence() int {
	if m.Confidence == nil {
		return 100
	}
	return *m.Confidence
}
