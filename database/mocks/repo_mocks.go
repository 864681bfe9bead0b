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

package mocks

import (
	"context"

	"github.com/blnkfinance/treasury/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Disbursement methods

func (m *MockDataSource) CreateDisbursement(ctx context.Context, d *model.Disbursement) error {
	args := m.Called(ctx, d)
	return args.Error(0)
}

func (m *MockDataSource) GetDisbursement(ctx context.Context, disbursementID string) (*model.Disbursement, error) {
	args := m.Called(ctx, disbursementID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Disbursement), args.Error(1)
}

func (m *MockDataSource) UpdateDisbursementStatus(ctx context.Context, update model.StatusUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

func (m *MockDataSource) RecordApproval(ctx context.Context, approval *model.DisbursementApproval) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

func (m *MockDataSource) GetApprovals(ctx context.Context, disbursementID string) ([]model.DisbursementApproval, error) {
	args := m.Called(ctx, disbursementID)
	return args.Get(0).([]model.DisbursementApproval), args.Error(1)
}

// Treasury transaction methods

func (m *MockDataSource) RecordTreasuryTransaction(ctx context.Context, txn *model.TreasuryTransaction) error {
	args := m.Called(ctx, txn)
	return args.Error(0)
}

func (m *MockDataSource) GetTreasuryTransaction(ctx context.Context, transactionID string) (*model.TreasuryTransaction, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TreasuryTransaction), args.Error(1)
}

func (m *MockDataSource) GetDisbursementTransaction(ctx context.Context, disbursementID string) (*model.TreasuryTransaction, error) {
	args := m.Called(ctx, disbursementID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TreasuryTransaction), args.Error(1)
}

func (m *MockDataSource) UpdateTreasuryTransaction(ctx context.Context, txn *model.TreasuryTransaction) error {
	args := m.Called(ctx, txn)
	return args.Error(0)
}

func (m *MockDataSource) GetOpenTreasuryTransactions(ctx context.Context, limit, offset int) ([]*model.TreasuryTransaction, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]*model.TreasuryTransaction), args.Error(1)
}

// Branch float methods

func (m *MockDataSource) CreateBranchFloat(ctx context.Context, float *model.BranchFloat) error {
	args := m.Called(ctx, float)
	return args.Error(0)
}

func (m *MockDataSource) GetBranchFloat(ctx context.Context, branchID string) (*model.BranchFloat, error) {
	args := m.Called(ctx, branchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BranchFloat), args.Error(1)
}

func (m *MockDataSource) ApplyFloatMovement(ctx context.Context, movement model.FloatMovement) (*model.BranchFloat, *model.BranchFloatTransaction, error) {
	args := m.Called(ctx, movement)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*model.BranchFloat), args.Get(1).(*model.BranchFloatTransaction), args.Error(2)
}

func (m *MockDataSource) GetBranchFloatTransactions(ctx context.Context, branchID string) ([]model.BranchFloatTransaction, error) {
	args := m.Called(ctx, branchID)
	return args.Get(0).([]model.BranchFloatTransaction), args.Error(1)
}

// Idempotency methods

func (m *MockDataSource) ClaimIdempotencyKey(ctx context.Context, record *model.IdempotencyRecord) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IdempotencyRecord), args.Error(1)
}

func (m *MockDataSource) FinalizeIdempotencyKey(ctx context.Context, key, status, transactionID, errMsg string) error {
	args := m.Called(ctx, key, status, transactionID, errMsg)
	return args.Error(0)
}

// Reconciliation methods

func (m *MockDataSource) CreateReconciliationBatch(ctx context.Context, batch *model.ReconciliationBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockDataSource) GetReconciliationBatch(ctx context.Context, batchID string) (*model.ReconciliationBatch, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReconciliationBatch), args.Error(1)
}

func (m *MockDataSource) GetActiveBatchBySource(ctx context.Context, batchType, sourceID string) (*model.ReconciliationBatch, error) {
	args := m.Called(ctx, batchType, sourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReconciliationBatch), args.Error(1)
}

func (m *MockDataSource) UpdateReconciliationBatch(ctx context.Context, batch *model.ReconciliationBatch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockDataSource) RecordReconciliationEntries(ctx context.Context, entries []*model.ReconciliationEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockDataSource) GetReconciliationEntry(ctx context.Context, entryID string) (*model.ReconciliationEntry, error) {
	args := m.Called(ctx, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReconciliationEntry), args.Error(1)
}

func (m *MockDataSource) GetReconciliationEntries(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	args := m.Called(ctx, batchID)
	return args.Get(0).([]*model.ReconciliationEntry), args.Error(1)
}

func (m *MockDataSource) GetUnmatchedEntries(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	args := m.Called(ctx, batchID)
	return args.Get(0).([]*model.ReconciliationEntry), args.Error(1)
}

func (m *MockDataSource) MatchReconciliationEntry(ctx context.Context, entryID, transactionID, method string, confidence int) error {
	args := m.Called(ctx, entryID, transactionID, method, confidence)
	return args.Error(0)
}
