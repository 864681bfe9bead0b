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
	"strings"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/database"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
)

// Funding sources.
const (
	SourceBranchFloat    = "BranchFloat"
	SourceCentralAccount = "CentralAccount"
)

// FundingResult describes which account, if any, can fund a disbursement.
type FundingResult struct {
	IsValid         bool            `json:"is_valid"`
	SelectedSource  string          `json:"selected_source,omitempty"`
	SourceAccountID string          `json:"source_account_id,omitempty"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
	Error           string          `json:"error,omitempty"`
}

type FundingValidator struct {
	floats     *FloatLedger
	datasource database.IDataSource
	config     config.FundingConfig
}

func NewFundingValidator(floats *FloatLedger, ds database.IDataSource, cnf config.FundingConfig) *FundingValidator {
	return &FundingValidator{floats: floats, datasource: ds, config: cnf}
}

// ResolveBranch returns branchID, or the configured default branch when it is empty.
func (v *FundingValidator) ResolveBranch(branchID string) string {
	if branchID == "" {
		return v.config.DefaultBranchID
	}
	return branchID
}

// ValidateFunding checks the preferred source and then the other one for at least required
// in currency. The branch must exist and hold currency; the central pool is optional and
// counts as empty when it has not been opened.
func (v *FundingValidator) ValidateFunding(ctx context.Context, branchID string, required decimal.Decimal, currency, preferred string) (FundingResult, error) {
	branchID = v.ResolveBranch(branchID)
	if branchID == "" {
		return FundingResult{Error: "no branch to fund from"}, invalidInput("branch id is required")
	}
	if !required.IsPositive() {
		return FundingResult{Error: "amount must be greater than zero"}, invalidInput("amount must be greater than zero")
	}

	branch, err := v.floats.GetBranchFloat(ctx, branchID)
	if err != nil {
		if notFound(err) {
			return FundingResult{Error: fmt.Sprintf("unknown branch %s", branchID)}, invalidInput("unknown branch %s", branchID)
		}
		return FundingResult{}, err
	}
	if !strings.EqualFold(branch.Currency, currency) {
		msg := fmt.Sprintf("currency %s does not match branch %s float currency %s", currency, branchID, branch.Currency)
		return FundingResult{Error: msg}, invalidInput(msg)
	}

	var shortfalls []string
	for _, source := range v.sourceOrder(preferred) {
		accountID, available, err := v.available(ctx, source, branch, currency)
		if err != nil {
			return FundingResult{}, err
		}
		if available.GreaterThanOrEqual(required) {
			return FundingResult{
				IsValid:         true,
				SelectedSource:  source,
				SourceAccountID: accountID,
				AvailableAmount: available,
			}, nil
		}
		shortfalls = append(shortfalls, fmt.Sprintf("%s %s has %s of %s required", source, accountID, available.String(), required.String()))
	}

	msg := "insufficient funds: " + strings.Join(shortfalls, "; ")
	return FundingResult{Error: msg, AvailableAmount: branch.CurrentBalance},
		apierror.NewAPIError(apierror.ErrInsufficientFunds, msg, nil)
}

func (v *FundingValidator) sourceOrder(preferred string) []string {
	if preferred == "" {
		preferred = v.config.PreferredSource
	}
	if preferred == SourceCentralAccount {
		return []string{SourceCentralAccount, SourceBranchFloat}
	}
	return []string{SourceBranchFloat, SourceCentralAccount}
}

func (v *FundingValidator) available(ctx context.Context, source string, branch *model.BranchFloat, currency string) (string, decimal.Decimal, error) {
	if source == SourceBranchFloat {
		return branch.BranchID, branch.CurrentBalance, nil
	}

	central, err := v.floats.GetBranchFloat(ctx, v.config.CentralPoolID)
	if err != nil {
		if notFound(err) {
			return v.config.CentralPoolID, decimal.Zero, nil
		}
		return "", decimal.Zero, err
	}
	if !strings.EqualFold(central.Currency, currency) {
		return central.BranchID, decimal.Zero, nil
	}
	return central.BranchID, central.CurrentBalance, nil
}

// SourceAccount maps a funding source to the float it draws on.
func (v *FundingValidator) SourceAccount(branchID, source string) string {
	if source == SourceCentralAccount {
		return v.config.CentralPoolID
	}
	return v.ResolveBranch(branchID)
}

// UpdateBalanceAfterDisbursement debits the source account of a funded disbursement.
// A concurrent debit that drained the account in the meantime fails with
// ErrInsufficientFunds.
func (v *FundingValidator) UpdateBalanceAfterDisbursement(ctx context.Context, branchID, source string, amount decimal.Decimal, reference, correlationID string) (*model.BranchFloat, error) {
	return v.floats.Debit(ctx, model.FloatMovement{
		BranchID:      v.SourceAccount(branchID, source),
		Amount:        amount,
		Reference:     reference,
		Reason:        ReasonDisbursement,
		Actor:         actorSystem,
		CorrelationID: correlationID,
	})
}

// ReverseDisbursementDebit credits back a debit made by UpdateBalanceAfterDisbursement.
func (v *FundingValidator) ReverseDisbursementDebit(ctx context.Context, branchID, source string, amount decimal.Decimal, reference, correlationID string) (*model.BranchFloat, error) {
	return v.floats.Credit(ctx, model.FloatMovement{
		BranchID:      v.SourceAccount(branchID, source),
		Amount:        amount,
		Reference:     reference,
		Reason:        ReasonReversal,
		Actor:         actorSystem,
		CorrelationID: correlationID,
	})
}
