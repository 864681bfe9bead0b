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

package database

import (
	"context"

	"github.com/blnkfinance/treasury/model"
)

// IDataSource is the durable store behind the treasury engine.
type IDataSource interface {
	disbursement
	treasuryTransaction
	branchFloat
	idempotency
	reconciliation
}

type disbursement interface {
	CreateDisbursement(ctx context.Context, d *model.Disbursement) error
	GetDisbursement(ctx context.Context, disbursementID string) (*model.Disbursement, error)
	// UpdateDisbursementStatus applies the update only if the row is still in update.From.
	UpdateDisbursementStatus(ctx context.Context, update model.StatusUpdate) error
	RecordApproval(ctx context.Context, approval *model.DisbursementApproval) error
	GetApprovals(ctx context.Context, disbursementID string) ([]model.DisbursementApproval, error)
}

type treasuryTransaction interface {
	RecordTreasuryTransaction(ctx context.Context, txn *model.TreasuryTransaction) error
	GetTreasuryTransaction(ctx context.Context, transactionID string) (*model.TreasuryTransaction, error)
	GetDisbursementTransaction(ctx context.Context, disbursementID string) (*model.TreasuryTransaction, error)
	UpdateTreasuryTransaction(ctx context.Context, txn *model.TreasuryTransaction) error
	GetOpenTreasuryTransactions(ctx context.Context, limit, offset int) ([]*model.TreasuryTransaction, error)
}

type branchFloat interface {
	CreateBranchFloat(ctx context.Context, float *model.BranchFloat) error
	GetBranchFloat(ctx context.Context, branchID string) (*model.BranchFloat, error)
	// ApplyFloatMovement is the only writer of branch balances.
	ApplyFloatMovement(ctx context.Context, movement model.FloatMovement) (*model.BranchFloat, *model.BranchFloatTransaction, error)
	GetBranchFloatTransactions(ctx context.Context, branchID string) ([]model.BranchFloatTransaction, error)
}

type idempotency interface {
	// ClaimIdempotencyKey inserts a PROCESSING record and reports false if the key exists.
	ClaimIdempotencyKey(ctx context.Context, record *model.IdempotencyRecord) (bool, error)
	GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	FinalizeIdempotencyKey(ctx context.Context, key, status, transactionID, errMsg string) error
}

type reconciliation interface {
	CreateReconciliationBatch(ctx context.Context, batch *model.ReconciliationBatch) error
	GetReconciliationBatch(ctx context.Context, batchID string) (*model.ReconciliationBatch, error)
	GetActiveBatchBySource(ctx context.Context, batchType, sourceID string) (*model.ReconciliationBatch, error)
	UpdateReconciliationBatch(ctx context.Context, batch *model.ReconciliationBatch) error
	RecordReconciliationEntries(ctx context.Context, entries []*model.ReconciliationEntry) error
	GetReconciliationEntry(ctx context.Context, entryID string) (*model.ReconciliationEntry, error)
	GetReconciliationEntries(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error)
	GetUnmatchedEntries(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error)
	// MatchReconciliationEntry marks the transaction reconciled and the entry matched atomically.
	// Either both writes land or neither does.
	MatchReconciliationEntry(ctx context.Context, entryID, transactionID, method string, confidence int) error
}
