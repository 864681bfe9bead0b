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

// Package memory is an in-process data source with the same write semantics as the
// Postgres datasource. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
)

type Store struct {
	mu sync.Mutex

	seq           int64
	disbursements map[string]*model.Disbursement
	approvals     map[string][]model.DisbursementApproval
	transactions  map[string]*model.TreasuryTransaction
	floats        map[string]*model.BranchFloat
	floatHistory  map[string][]model.BranchFloatTransaction
	idempotency   map[string]*model.IdempotencyRecord
	batches       map[string]*model.ReconciliationBatch
	entries       map[string]*model.ReconciliationEntry
}

func New() *Store {
	return &Store{
		disbursements: make(map[string]*model.Disbursement),
		approvals:     make(map[string][]model.DisbursementApproval),
		transactions:  make(map[string]*model.TreasuryTransaction),
		floats:        make(map[string]*model.BranchFloat),
		floatHistory:  make(map[string][]model.BranchFloatTransaction),
		idempotency:   make(map[string]*model.IdempotencyRecord),
		batches:       make(map[string]*model.ReconciliationBatch),
		entries:       make(map[string]*model.ReconciliationEntry),
	}
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func now() time.Time {
	return time.Now().UTC()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *Store) CreateDisbursement(_ context.Context, d *model.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.disbursements[d.DisbursementID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "disbursement already exists", nil)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	d.ID = s.nextID()
	c := *d
	c.ProcessedAt = copyTime(d.ProcessedAt)
	s.disbursements[d.DisbursementID] = &c
	return nil
}

func (s *Store) GetDisbursement(_ context.Context, disbursementID string) (*model.Disbursement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disbursements[disbursementID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("disbursement with ID '%s' not found", disbursementID), nil)
	}
	c := *d
	c.ProcessedAt = copyTime(d.ProcessedAt)
	return &c, nil
}

func (s *Store) UpdateDisbursementStatus(_ context.Context, update model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disbursements[update.DisbursementID]
	if !ok || d.Status != update.From {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("disbursement %s is no longer in status %s", update.DisbursementID, update.From), nil)
	}
	d.Status = update.To
	if update.ProcessedBy != "" {
		d.ProcessedBy = update.ProcessedBy
	}
	if update.FailureReason != "" {
		d.FailureReason = update.FailureReason
	}
	if update.FundingSource != "" {
		d.FundingSource = update.FundingSource
	}
	if update.ProcessedAt != nil {
		d.ProcessedAt = copyTime(update.ProcessedAt)
	}
	return nil
}

func (s *Store) RecordApproval(_ context.Context, approval *model.DisbursementApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.approvals[approval.DisbursementID] {
		if a.Level >= approval.Level || a.Decision == model.DecisionReject {
			return apierror.NewAPIError(apierror.ErrInvalidTransition,
				fmt.Sprintf("approval level %d does not follow the recorded approvals", approval.Level), nil)
		}
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = now()
	}
	approval.ID = s.nextID()
	s.approvals[approval.DisbursementID] = append(s.approvals[approval.DisbursementID], *approval)
	return nil
}

func (s *Store) GetApprovals(_ context.Context, disbursementID string) ([]model.DisbursementApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals := append([]model.DisbursementApproval(nil), s.approvals[disbursementID]...)
	sort.SliceStable(approvals, func(i, j int) bool { return approvals[i].Level < approvals[j].Level })
	return approvals, nil
}

func copyTransaction(t *model.TreasuryTransaction) *model.TreasuryTransaction {
	c := *t
	c.ProcessedAt = copyTime(t.ProcessedAt)
	return &c
}

func (s *Store) RecordTreasuryTransaction(_ context.Context, txn *model.TreasuryTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txn.TransactionID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "treasury transaction already exists", nil)
	}
	if txn.DisbursementID != "" {
		for _, existing := range s.transactions {
			if existing.DisbursementID == txn.DisbursementID && existing.Type == txn.Type {
				return apierror.NewAPIError(apierror.ErrConflict, "treasury transaction already exists", nil)
			}
		}
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now()
	}
	txn.ID = s.nextID()
	s.transactions[txn.TransactionID] = copyTransaction(txn)
	return nil
}

func (s *Store) GetTreasuryTransaction(_ context.Context, transactionID string) (*model.TreasuryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("treasury transaction '%s' not found", transactionID), nil)
	}
	return copyTransaction(t), nil
}

func (s *Store) GetDisbursementTransaction(_ context.Context, disbursementID string) (*model.TreasuryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.transactions {
		if t.DisbursementID == disbursementID && t.Type == model.TransactionTypeDisbursement {
			return copyTransaction(t), nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no transaction for disbursement '%s'", disbursementID), nil)
}

func (s *Store) UpdateTreasuryTransaction(_ context.Context, txn *model.TreasuryTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[txn.TransactionID]
	if !ok || t.Status == model.TransactionStatusCompleted || t.Status == model.TransactionStatusFailed {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("treasury transaction %s is already final", txn.TransactionID), nil)
	}
	t.Status = txn.Status
	t.ExternalTransactionID = txn.ExternalTransactionID
	t.BankReference = txn.BankReference
	t.ErrorDetail = txn.ErrorDetail
	t.ProcessedAt = copyTime(txn.ProcessedAt)
	return nil
}

func (s *Store) GetOpenTreasuryTransactions(_ context.Context, limit, offset int) ([]*model.TreasuryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*model.TreasuryTransaction
	for _, t := range s.transactions {
		if t.IsOpen() {
			open = append(open, copyTransaction(t))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	if offset >= len(open) {
		return nil, nil
	}
	open = open[offset:]
	if limit > 0 && limit < len(open) {
		open = open[:limit]
	}
	return open, nil
}

func (s *Store) CreateBranchFloat(_ context.Context, float *model.BranchFloat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.floats[float.BranchID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("branch float '%s' already exists", float.BranchID), nil)
	}
	ts := now()
	if float.CreatedAt.IsZero() {
		float.CreatedAt = ts
	}
	float.LastUpdatedAt = ts
	float.Status = float.DeriveStatus(float.CurrentBalance)
	float.ID = s.nextID()
	c := *float
	s.floats[float.BranchID] = &c
	return nil
}

func (s *Store) GetBranchFloat(_ context.Context, branchID string) (*model.BranchFloat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.floats[branchID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("branch float '%s' not found", branchID), nil)
	}
	c := *f
	return &c, nil
}

// ApplyFloatMovement holds the store lock for the whole read-modify-write, which stands in
// for the row lock taken by the Postgres datasource.
func (s *Store) ApplyFloatMovement(_ context.Context, movement model.FloatMovement) (*model.BranchFloat, *model.BranchFloatTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.floats[movement.BranchID]
	if !ok {
		return nil, nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("branch float '%s' not found", movement.BranchID), nil)
	}
	before := f.CurrentBalance
	after := before.Add(movement.Amount)
	if after.IsNegative() {
		return nil, nil, apierror.NewAPIError(apierror.ErrInsufficientFunds,
			fmt.Sprintf("branch float %s has %s, cannot apply %s", movement.BranchID, before.String(), movement.Amount.String()), nil)
	}

	ts := now()
	f.CurrentBalance = after
	f.Status = f.DeriveStatus(after)
	f.Version++
	f.LastUpdatedBy = movement.Actor
	f.LastUpdatedAt = ts

	line := model.BranchFloatTransaction{
		ID:            s.nextID(),
		TransactionID: model.GenerateUUIDWithSuffix("bft"),
		BranchID:      movement.BranchID,
		Amount:        movement.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     movement.Reference,
		Reason:        movement.Reason,
		CreatedBy:     movement.Actor,
		CreatedAt:     ts,
	}
	s.floatHistory[movement.BranchID] = append(s.floatHistory[movement.BranchID], line)

	c := *f
	return &c, &line, nil
}

func (s *Store) GetBranchFloatTransactions(_ context.Context, branchID string) ([]model.BranchFloatTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]model.BranchFloatTransaction(nil), s.floatHistory[branchID]...), nil
}

func (s *Store) ClaimIdempotencyKey(_ context.Context, record *model.IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idempotency[record.Key]; ok {
		return false, nil
	}
	ts := now()
	record.CreatedAt, record.UpdatedAt = ts, ts
	c := *record
	s.idempotency[record.Key] = &c
	return true, nil
}

func (s *Store) GetIdempotencyRecord(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.idempotency[key]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "idempotency key not found", nil)
	}
	c := *r
	return &c, nil
}

func (s *Store) FinalizeIdempotencyKey(_ context.Context, key, status, transactionID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != model.IdempotencyCompleted && status != model.IdempotencyFailed {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("%s is not a final idempotency status", status), nil)
	}
	r, ok := s.idempotency[key]
	if !ok || r.Status != model.IdempotencyProcessing {
		return apierror.NewAPIError(apierror.ErrConflict, "idempotency key is not processing", nil)
	}
	r.Status = status
	r.TransactionID = transactionID
	r.Error = errMsg
	r.UpdatedAt = now()
	return nil
}

func copyBatch(b *model.ReconciliationBatch) *model.ReconciliationBatch {
	c := *b
	c.StartedAt = copyTime(b.StartedAt)
	c.CompletedAt = copyTime(b.CompletedAt)
	return &c
}

func (s *Store) CreateReconciliationBatch(_ context.Context, batch *model.ReconciliationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.BatchID]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("batch %s already exists", batch.BatchID), nil)
	}
	for _, b := range s.batches {
		if b.BatchType == batch.BatchType && b.SourceID == batch.SourceID && b.Status != model.BatchStatusSuperseded {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("source %s was already ingested", batch.SourceID), nil)
		}
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now()
	}
	batch.ID = s.nextID()
	s.batches[batch.BatchID] = copyBatch(batch)
	return nil
}

func (s *Store) GetReconciliationBatch(_ context.Context, batchID string) (*model.ReconciliationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation batch '%s' not found", batchID), nil)
	}
	return copyBatch(b), nil
}

func (s *Store) GetActiveBatchBySource(_ context.Context, batchType, sourceID string) (*model.ReconciliationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *model.ReconciliationBatch
	for _, b := range s.batches {
		if b.BatchType != batchType || b.SourceID != sourceID || b.Status == model.BatchStatusSuperseded {
			continue
		}
		if found == nil || b.ID > found.ID {
			found = b
		}
	}
	if found == nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "no batch for source", nil)
	}
	return copyBatch(found), nil
}

func (s *Store) UpdateReconciliationBatch(_ context.Context, batch *model.ReconciliationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batch.BatchID]
	if !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation batch '%s' not found", batch.BatchID), nil)
	}
	id, createdAt := b.ID, b.CreatedAt
	updated := copyBatch(batch)
	updated.ID, updated.CreatedAt = id, createdAt
	s.batches[batch.BatchID] = updated
	return nil
}

func (s *Store) RecordReconciliationEntries(_ context.Context, entries []*model.ReconciliationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.entries[e.EntryID]; ok {
			return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("failed to save entry %s", e.EntryID), nil)
		}
	}
	for _, e := range entries {
		e.ID = s.nextID()
		c := *e
		c.MatchedAt = copyTime(e.MatchedAt)
		s.entries[e.EntryID] = &c
	}
	return nil
}

func copyEntry(e *model.ReconciliationEntry) *model.ReconciliationEntry {
	c := *e
	c.MatchedAt = copyTime(e.MatchedAt)
	return &c
}

func (s *Store) GetReconciliationEntry(_ context.Context, entryID string) (*model.ReconciliationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation entry '%s' not found", entryID), nil)
	}
	return copyEntry(e), nil
}

func (s *Store) GetReconciliationEntries(_ context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	return s.filterEntries(batchID, func(*model.ReconciliationEntry) bool { return true }), nil
}

func (s *Store) GetUnmatchedEntries(_ context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	return s.filterEntries(batchID, func(e *model.ReconciliationEntry) bool {
		return strings.EqualFold(e.MatchStatus, model.EntryUnmatched)
	}), nil
}

func (s *Store) filterEntries(batchID string, keep func(*model.ReconciliationEntry) bool) []*model.ReconciliationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.ReconciliationEntry
	for _, e := range s.entries {
		if e.BatchID == batchID && keep(e) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) MatchReconciliationEntry(_ context.Context, entryID, transactionID, method string, confidence int) error {
	if confidence < 0 || confidence > 100 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "match confidence must be between 0 and 100", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok || !t.IsOpen() {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("transaction %s is not open for reconciliation", transactionID), nil)
	}
	e, ok := s.entries[entryID]
	if !ok || e.MatchStatus != model.EntryUnmatched {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("entry %s is missing or already matched", entryID), nil)
	}
	ts := now()
	t.Reconciled = true
	e.MatchStatus = model.EntryMatched
	e.MatchedTransactionID = transactionID
	e.MatchMethod = method
	e.MatchConfidence = confidence
	e.MatchedAt = &ts
	return nil
}
