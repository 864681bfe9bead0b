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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/database"
	"github.com/blnkfinance/treasury/internal/cache"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const floatCachePrefix = "branch_float_"

// Float movement reasons.
const (
	ReasonDisbursement  = "DISBURSEMENT"
	ReasonReversal      = "REVERSAL"
	ReasonReplenishment = "REPLENISHMENT"
	ReasonOpening       = "OPENING_BALANCE"
)

// FloatLedger owns branch balances. Every change goes through the datasource's
// ApplyFloatMovement, which appends exactly one history line per change.
type FloatLedger struct {
	datasource database.IDataSource
	cache      cache.Cache
	ttl        time.Duration
	audit      *AuditTrail
}

func NewFloatLedger(ds database.IDataSource, c cache.Cache, ttl time.Duration, audit *AuditTrail) *FloatLedger {
	return &FloatLedger{datasource: ds, cache: c, ttl: ttl, audit: audit}
}

// FloatReplay is the result of rebuilding a balance from its history.
type FloatReplay struct {
	BranchID        string          `json:"branch_id"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance"`
	Lines           int             `json:"lines"`
	FirstMismatch   string          `json:"first_mismatch,omitempty"`
	Consistent      bool            `json:"consistent"`
}

// GetBranchFloat reads a float from the cache, falling back to the datasource on a miss or
// a cache failure.
func (l *FloatLedger) GetBranchFloat(ctx context.Context, branchID string) (*model.BranchFloat, error) {
	key := floatCachePrefix + branchID
	if l.cache != nil {
		var float model.BranchFloat
		err := l.cache.Get(ctx, key, &float)
		if err == nil {
			return &float, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logrus.WithError(err).WithField("branch_id", branchID).Warn("branch float cache read failed")
		}
	}

	float, err := l.datasource.GetBranchFloat(ctx, branchID)
	if err != nil {
		return nil, err
	}
	l.refreshCache(ctx, float)
	return float, nil
}

// CreateBranchFloat opens a float at zero. A non-zero CurrentBalance on float is applied as
// an opening credit so the history always replays to the balance.
func (l *FloatLedger) CreateBranchFloat(ctx context.Context, float *model.BranchFloat, actor string) (*model.BranchFloat, error) {
	if float.BranchID == "" || float.Currency == "" {
		return nil, invalidInput("branch id and currency are required")
	}
	opening := float.CurrentBalance
	if opening.IsNegative() {
		return nil, invalidInput("opening balance cannot be negative")
	}

	float.CurrentBalance = decimal.Zero
	float.Status = float.DeriveStatus(decimal.Zero)
	float.LastUpdatedBy = actor
	if err := l.datasource.CreateBranchFloat(ctx, float); err != nil {
		return nil, err
	}
	if !opening.IsPositive() {
		l.refreshCache(ctx, float)
		return float, nil
	}

	return l.apply(ctx, model.FloatMovement{
		BranchID:  float.BranchID,
		Amount:    opening,
		Reference: "OPEN-" + float.BranchID,
		Reason:    ReasonOpening,
		Actor:     actor,
	})
}

// Debit takes movement.Amount, which must be positive, out of the float.
func (l *FloatLedger) Debit(ctx context.Context, movement model.FloatMovement) (*model.BranchFloat, error) {
	if !movement.Amount.IsPositive() {
		return nil, invalidInput("debit amount must be greater than zero")
	}
	movement.Amount = movement.Amount.Neg()
	return l.apply(ctx, movement)
}

// Credit adds movement.Amount, which must be positive, to the float.
func (l *FloatLedger) Credit(ctx context.Context, movement model.FloatMovement) (*model.BranchFloat, error) {
	if !movement.Amount.IsPositive() {
		return nil, invalidInput("credit amount must be greater than zero")
	}
	return l.apply(ctx, movement)
}

// Replenish funds a branch and records the REPLENISHMENT treasury transaction that a bank
// statement line will later be reconciled against.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - branchID string: The float to credit.
// - amount decimal.Decimal: The positive amount received.
// - reference string: The funding reference, as it will appear on the statement.
// - actor string: Who requested the replenishment.
//
// Returns:
// - *model.BranchFloat: The float after the credit.
// - error: ErrInvalidInput for a non-positive amount, ErrNotFound for an unknown branch.
func (l *FloatLedger) Replenish(ctx context.Context, branchID string, amount decimal.Decimal, reference, actor string) (*model.BranchFloat, error) {
	if reference == "" {
		reference = "REPL-" + model.GenerateUUIDWithSuffix(branchID)
	}
	current, err := l.datasource.GetBranchFloat(ctx, branchID)
	if err != nil {
		return nil, err
	}

	float, err := l.Credit(ctx, model.FloatMovement{
		BranchID:      branchID,
		Amount:        amount,
		Reference:     reference,
		Reason:        ReasonReplenishment,
		Actor:         actor,
		CorrelationID: reference,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txn := &model.TreasuryTransaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		Type:          model.TransactionTypeReplenishment,
		Amount:        amount,
		Currency:      current.Currency,
		Status:        model.TransactionStatusCompleted,
		CorrelationID: reference,
		Reference:     reference,
		Description:   fmt.Sprintf("Float replenishment for %s", branchID),
		ProcessedAt:   &now,
	}
	if err := l.datasource.RecordTreasuryTransaction(ctx, txn); err != nil {
		logrus.WithError(err).WithField("branch_id", branchID).Error("replenishment applied but its treasury transaction was not recorded")
		return float, err
	}
	return float, nil
}

func (l *FloatLedger) apply(ctx context.Context, movement model.FloatMovement) (*model.BranchFloat, error) {
	float, line, err := l.datasource.ApplyFloatMovement(ctx, movement)
	if err != nil {
		// The write may have raced on the version; the cached copy can no longer be trusted.
		l.invalidateCache(ctx, movement.BranchID)
		return nil, err
	}
	l.refreshCache(ctx, float)

	logger := logrus.WithFields(logrus.Fields{
		"branch_id":      float.BranchID,
		"amount":         line.Amount.String(),
		"balance_after":  line.BalanceAfter.String(),
		"correlation_id": movement.CorrelationID,
	})
	if previous := float.DeriveStatus(line.BalanceBefore); previous != float.Status && float.Status != model.FloatStatusActive {
		logger.WithField("status", float.Status).Warn("branch float crossed a threshold")
	}

	if l.audit != nil {
		l.audit.Record(ctx, model.AuditBalanceChanged, movement.Actor, model.EntityBranchFloat, float.BranchID, movement.CorrelationID,
			map[string]interface{}{
				"float_transaction_id": line.TransactionID,
				"amount":               line.Amount.String(),
				"balance_before":       line.BalanceBefore.String(),
				"balance_after":        line.BalanceAfter.String(),
				"reason":               line.Reason,
				"reference":            line.Reference,
				"float_status":         float.Status,
			})
	}
	return float, nil
}

// VerifyFloatHistory replays a branch's history from zero and compares every line and the
// final sum with the current balance.
func (l *FloatLedger) VerifyFloatHistory(ctx context.Context, branchID string) (*FloatReplay, error) {
	float, err := l.datasource.GetBranchFloat(ctx, branchID)
	if err != nil {
		return nil, err
	}
	lines, err := l.datasource.GetBranchFloatTransactions(ctx, branchID)
	if err != nil {
		return nil, err
	}

	replay := &FloatReplay{BranchID: branchID, CurrentBalance: float.CurrentBalance, ReplayedBalance: decimal.Zero, Lines: len(lines)}
	for _, line := range lines {
		if !line.BalanceBefore.Equal(replay.ReplayedBalance) && replay.FirstMismatch == "" {
			replay.FirstMismatch = line.TransactionID
		}
		replay.ReplayedBalance = replay.ReplayedBalance.Add(line.Amount)
		if !line.BalanceAfter.Equal(replay.ReplayedBalance) && replay.FirstMismatch == "" {
			replay.FirstMismatch = line.TransactionID
		}
	}
	replay.Consistent = replay.FirstMismatch == "" && replay.ReplayedBalance.Equal(float.CurrentBalance)
	if !replay.Consistent {
		logrus.WithFields(logrus.Fields{
			"branch_id":        branchID,
			"current_balance":  float.CurrentBalance.String(),
			"replayed_balance": replay.ReplayedBalance.String(),
			"first_mismatch":   replay.FirstMismatch,
		}).Error("branch float history does not replay to its balance")
	}
	return replay, nil
}

func (l *FloatLedger) refreshCache(ctx context.Context, float *model.BranchFloat) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Set(ctx, floatCachePrefix+float.BranchID, float, l.ttl); err != nil {
		logrus.WithError(err).WithField("branch_id", float.BranchID).Warn("branch float cache write failed")
	}
}

func (l *FloatLedger) invalidateCache(ctx context.Context, branchID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, floatCachePrefix+branchID); err != nil {
		logrus.WithError(err).WithField("branch_id", branchID).Warn("branch float cache delete failed")
	}
}
