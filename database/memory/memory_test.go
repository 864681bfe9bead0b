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

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFloatMovement_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateBranchFloat(ctx, &model.BranchFloat{BranchID: "BR1", Currency: "MWK"}))
	_, _, err := s.ApplyFloatMovement(ctx, model.FloatMovement{BranchID: "BR1", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.ApplyFloatMovement(ctx, model.FloatMovement{BranchID: "BR1", Amount: decimal.NewFromInt(-100)}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.True(t, apierror.IsCode(err, apierror.ErrInsufficientFunds))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	f, err := s.GetBranchFloat(ctx, "BR1")
	require.NoError(t, err)
	assert.True(t, f.CurrentBalance.IsZero())

	history, err := s.GetBranchFloatTransactions(ctx, "BR1")
	require.NoError(t, err)
	assert.Len(t, history, 11)
	sum := decimal.Zero
	for _, line := range history {
		sum = sum.Add(line.Amount)
		assert.True(t, line.BalanceAfter.Equal(sum))
	}
}

func TestUpdateDisbursementStatus_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateDisbursement(ctx, &model.Disbursement{DisbursementID: "d1", Status: model.StatusReceived}))

	require.NoError(t, s.UpdateDisbursementStatus(ctx, model.StatusUpdate{DisbursementID: "d1", From: model.StatusReceived, To: model.StatusValidated}))
	err := s.UpdateDisbursementStatus(ctx, model.StatusUpdate{DisbursementID: "d1", From: model.StatusReceived, To: model.StatusRejected})
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	d, err := s.GetDisbursement(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, d.Status)
}

func TestRecordApproval_Monotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RecordApproval(ctx, &model.DisbursementApproval{DisbursementID: "d1", Level: 0, Decision: model.DecisionAutoReceived}))
	require.NoError(t, s.RecordApproval(ctx, &model.DisbursementApproval{DisbursementID: "d1", Level: 1, Decision: model.DecisionApprove}))

	err := s.RecordApproval(ctx, &model.DisbursementApproval{DisbursementID: "d1", Level: 1, Decision: model.DecisionApprove})
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidTransition))

	require.NoError(t, s.RecordApproval(ctx, &model.DisbursementApproval{DisbursementID: "d1", Level: 2, Decision: model.DecisionReject}))
	err = s.RecordApproval(ctx, &model.DisbursementApproval{DisbursementID: "d1", Level: 3, Decision: model.DecisionApprove})
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidTransition))
}

func TestIdempotency_ClaimOnceAndForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := New()

	claimed, err := s.ClaimIdempotencyKey(ctx, &model.IdempotencyRecord{Key: "k", Status: model.IdempotencyProcessing})
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.ClaimIdempotencyKey(ctx, &model.IdempotencyRecord{Key: "k", Status: model.IdempotencyProcessing})
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.FinalizeIdempotencyKey(ctx, "k", model.IdempotencyCompleted, "txn_1", ""))
	err = s.FinalizeIdempotencyKey(ctx, "k", model.IdempotencyFailed, "txn_1", "late")
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	r, err := s.GetIdempotencyRecord(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyCompleted, r.Status)
}

func TestReconciliationBatch_SourceUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateReconciliationBatch(ctx, &model.ReconciliationBatch{BatchID: "b1", BatchType: "bank_statement", SourceID: "a.csv"}))
	err := s.CreateReconciliationBatch(ctx, &model.ReconciliationBatch{BatchID: "b2", BatchType: "bank_statement", SourceID: "a.csv"})
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	b1, err := s.GetReconciliationBatch(ctx, "b1")
	require.NoError(t, err)
	b1.Status = model.BatchStatusSuperseded
	require.NoError(t, s.UpdateReconciliationBatch(ctx, b1))
	require.NoError(t, s.CreateReconciliationBatch(ctx, &model.ReconciliationBatch{BatchID: "b2", BatchType: "bank_statement", SourceID: "a.csv"}))

	active, err := s.GetActiveBatchBySource(ctx, "bank_statement", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, "b2", active.BatchID)
}

func completedTxn(id string) *model.TreasuryTransaction {
	return &model.TreasuryTransaction{TransactionID: id, Type: model.TransactionTypeReplenishment, Status: model.TransactionStatusCompleted}
}

func TestMatchReconciliationEntry_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RecordTreasuryTransaction(ctx, completedTxn("txn_1")))
	require.NoError(t, s.RecordTreasuryTransaction(ctx, completedTxn("txn_2")))
	require.NoError(t, s.RecordReconciliationEntries(ctx, []*model.ReconciliationEntry{
		{EntryID: "e1", BatchID: "b1", MatchStatus: model.EntryUnmatched},
		{EntryID: "e2", BatchID: "b1", MatchStatus: model.EntryUnmatched},
	}))

	require.NoError(t, s.MatchReconciliationEntry(ctx, "e1", "txn_1", model.MatchMethodExact, 100))
	err := s.MatchReconciliationEntry(ctx, "e1", "txn_2", model.MatchMethodFuzzy, 80)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	unmatched, err := s.GetUnmatchedEntries(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, "e2", unmatched[0].EntryID)

	e1, err := s.GetReconciliationEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "txn_1", e1.MatchedTransactionID)
	assert.Equal(t, 100, e1.MatchConfidence)
	assert.NotNil(t, e1.MatchedAt)

	// The failed second attempt left txn_2 open.
	txn2, err := s.GetTreasuryTransaction(ctx, "txn_2")
	require.NoError(t, err)
	assert.False(t, txn2.Reconciled)
}

func TestMatchReconciliationEntry_TransactionClaimedOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RecordTreasuryTransaction(ctx, completedTxn("txn_1")))
	require.NoError(t, s.RecordReconciliationEntries(ctx, []*model.ReconciliationEntry{
		{EntryID: "e1", BatchID: "b1", MatchStatus: model.EntryUnmatched},
		{EntryID: "e2", BatchID: "b1", MatchStatus: model.EntryUnmatched},
	}))

	require.NoError(t, s.MatchReconciliationEntry(ctx, "e1", "txn_1", model.MatchMethodExact, 100))
	err := s.MatchReconciliationEntry(ctx, "e2", "txn_1", model.MatchMethodFuzzy, 80)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	e2, err := s.GetReconciliationEntry(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, model.EntryUnmatched, e2.MatchStatus)
	assert.Empty(t, e2.MatchedTransactionID)

	txn, err := s.GetTreasuryTransaction(ctx, "txn_1")
	require.NoError(t, err)
	assert.True(t, txn.Reconciled)

	err = s.MatchReconciliationEntry(ctx, "e2", "txn_missing", model.MatchMethodManual, 50)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
}

func TestTreasuryTransaction_FinalIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := New()
	txn := &model.TreasuryTransaction{TransactionID: "t1", DisbursementID: "d1", Type: model.TransactionTypeDisbursement, Status: model.TransactionStatusPending}
	require.NoError(t, s.RecordTreasuryTransaction(ctx, txn))

	dup := &model.TreasuryTransaction{TransactionID: "t2", DisbursementID: "d1", Type: model.TransactionTypeDisbursement}
	assert.True(t, apierror.IsCode(s.RecordTreasuryTransaction(ctx, dup), apierror.ErrConflict))

	txn.Status = model.TransactionStatusCompleted
	require.NoError(t, s.UpdateTreasuryTransaction(ctx, txn))
	txn.Status = model.TransactionStatusFailed
	assert.True(t, apierror.IsCode(s.UpdateTreasuryTransaction(ctx, txn), apierror.ErrConflict))

	open, err := s.GetOpenTreasuryTransactions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, s.RecordReconciliationEntries(ctx, []*model.ReconciliationEntry{{EntryID: "e1", BatchID: "b1", MatchStatus: model.EntryUnmatched}}))
	require.NoError(t, s.MatchReconciliationEntry(ctx, "e1", "t1", model.MatchMethodManual, 90))
	open, err = s.GetOpenTreasuryTransactions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
}
