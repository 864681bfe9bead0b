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
	"time"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/database"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/internal/cache"
	redlock "github.com/blnkfinance/treasury/internal/lock"
	"github.com/blnkfinance/treasury/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const openTransactionPageSize = 500

// BatchTypeBankStatement is the batch type of ingested bank statements.
const BatchTypeBankStatement = "BANK_STATEMENT"

// Reconciler ingests external statements and matches their lines against completed
// treasury transactions.
type Reconciler struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	cache      cache.Cache
	audit      *AuditTrail
	config     config.ReconciliationConfig
	matchers   []Matcher
	pageSize   int
}

// NewReconciler builds a Reconciler. c may be nil; when set, cached transactions are evicted
// as they are reconciled.
func NewReconciler(ds database.IDataSource, client redis.UniversalClient, c cache.Cache, audit *AuditTrail, cnf config.ReconciliationConfig) *Reconciler {
	return &Reconciler{
		datasource: ds,
		redis:      client,
		cache:      c,
		audit:      audit,
		config:     cnf,
		matchers:   DefaultMatchers(cnf),
		pageSize:   openTransactionPageSize,
	}
}

func (r *Reconciler) record(ctx context.Context, action, entityType, entityID string, data map[string]interface{}) {
	if r.audit == nil {
		return
	}
	r.audit.Record(ctx, action, actorSystem, entityType, entityID, "", data)
}

// CreateBatch opens a batch for sourceID. A source already held by a live batch is a
// conflict unless force is set, in which case the old batch is superseded.
func (r *Reconciler) CreateBatch(ctx context.Context, batchType, sourceID string, totalEntries int, force bool) (*model.ReconciliationBatch, error) {
	if batchType == "" || sourceID == "" {
		return nil, invalidInput("batch type and source id are required")
	}

	existing, err := r.datasource.GetActiveBatchBySource(ctx, batchType, sourceID)
	switch {
	case err == nil && !force:
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("source %s was already ingested as batch %s", sourceID, existing.BatchID), nil)
	case err == nil:
		existing.Status = model.BatchStatusSuperseded
		if err := r.datasource.UpdateReconciliationBatch(ctx, existing); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{"batch_id": existing.BatchID, "source_id": sourceID}).Info("reconciliation batch superseded")
	case !notFound(err):
		return nil, err
	}

	batch := &model.ReconciliationBatch{
		BatchID:      model.GenerateUUIDWithSuffix("batch"),
		BatchType:    batchType,
		SourceID:     sourceID,
		TotalEntries: totalEntries,
		Status:       model.BatchStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.datasource.CreateReconciliationBatch(ctx, batch); err != nil {
		return nil, err
	}
	data := map[string]interface{}{"batch_type": batchType, "source_id": sourceID, "total_entries": totalEntries}
	if existing != nil {
		data["supersedes"] = existing.BatchID
	}
	r.record(ctx, model.AuditBatchCreated, model.EntityReconciliationBatch, batch.BatchID, data)
	return batch, nil
}

// Ingest stores lines as the UNMATCHED entries of a PENDING batch.
func (r *Reconciler) Ingest(ctx context.Context, batchID string, lines []model.StatementLine) ([]*model.ReconciliationEntry, error) {
	batch, err := r.datasource.GetReconciliationBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != model.BatchStatusPending {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("batch %s is %s and cannot take entries", batchID, batch.Status), nil)
	}

	entries := make([]*model.ReconciliationEntry, 0, len(lines))
	for i, line := range lines {
		if line.TransactionDate.IsZero() {
			return nil, invalidInput("statement line %d has no date", i+1)
		}
		entries = append(entries, &model.ReconciliationEntry{
			EntryID:         model.GenerateUUIDWithSuffix("re"),
			BatchID:         batchID,
			Amount:          line.Amount,
			Currency:        strings.ToUpper(line.Currency),
			Reference:       strings.TrimSpace(line.Reference),
			Description:     line.Description,
			TransactionDate: line.TransactionDate,
			MatchStatus:     model.EntryUnmatched,
		})
	}
	if err := r.datasource.RecordReconciliationEntries(ctx, entries); err != nil {
		return nil, err
	}

	batch.TotalEntries = len(entries)
	batch.UnmatchedEntries = len(entries)
	batch.Status = model.BatchStatusIngested
	if err := r.datasource.UpdateReconciliationBatch(ctx, batch); err != nil {
		return nil, err
	}
	r.record(ctx, model.AuditEntriesIngested, model.EntityReconciliationBatch, batchID, map[string]interface{}{"entries": len(entries)})
	return entries, nil
}

// MatchEntry pairs an entry with an open treasury transaction. The method is recorded as
// given, so manual matches carry "manual".
func (r *Reconciler) MatchEntry(ctx context.Context, entryID, transactionID, method string, confidence int) error {
	if confidence < 0 || confidence > 100 {
		return invalidInput("match confidence must be between 0 and 100")
	}
	if method == "" {
		method = model.MatchMethodManual
	}
	txn, err := r.datasource.GetTreasuryTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if !txn.IsOpen() {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("transaction %s is not open for reconciliation", transactionID), nil)
	}
	return r.match(ctx, entryID, MatchResult{TransactionID: transactionID, Method: method, Confidence: confidence})
}

func (r *Reconciler) match(ctx context.Context, entryID string, result MatchResult) error {
	if err := r.datasource.MatchReconciliationEntry(ctx, entryID, result.TransactionID, result.Method, result.Confidence); err != nil {
		return err
	}
	r.evictTransaction(ctx, result.TransactionID)
	r.record(ctx, model.AuditEntryMatched, model.EntityReconciliationEntry, entryID, map[string]interface{}{
		"transaction_id": result.TransactionID,
		"method":         result.Method,
		"confidence":     result.Confidence,
	})
	return nil
}

func (r *Reconciler) evictTransaction(ctx context.Context, transactionID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, transactionCachePrefix+transactionID); err != nil {
		logrus.WithError(err).WithField("transaction_id", transactionID).Warn("transaction cache eviction failed")
	}
}

func (r *Reconciler) GetUnmatched(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	if _, err := r.datasource.GetReconciliationBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return r.datasource.GetUnmatchedEntries(ctx, batchID)
}

// RunMatching matches the unmatched entries of a batch against open treasury transactions
// and completes the batch with its counts. Only one process matches a batch at a time.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - batchID string: The ingested batch to match.
//
// Returns:
// - *model.ReconciliationBatch: The completed batch.
// - error: redlock.ErrLockHeld if another process is matching the batch.
func (r *Reconciler) RunMatching(ctx context.Context, batchID string) (*model.ReconciliationBatch, error) {
	ctx, span := tracer.Start(ctx, "Running reconciliation matching", trace.WithAttributes(attribute.String("batch.id", batchID)))
	defer span.End()

	if r.redis != nil {
		locker := redlock.NewLocker(r.redis, redlock.BatchLockKey(batchID), model.GenerateUUIDWithSuffix("matcher"))
		if err := locker.Lock(ctx, time.Duration(r.config.LockTimeoutSeconds)*time.Second); err != nil {
			return nil, err
		}
		defer func() {
			if err := locker.Unlock(context.Background()); err != nil {
				logrus.WithError(err).WithField("batch_id", batchID).Warn("failed to release batch lock")
			}
		}()
	}

	batch, err := r.datasource.GetReconciliationBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case model.BatchStatusIngested, model.BatchStatusInProgress, model.BatchStatusCompleted:
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("batch %s is %s and cannot be matched", batchID, batch.Status), nil)
	}

	batch.Status = model.BatchStatusInProgress
	if batch.StartedAt == nil {
		batch.StartedAt = ptr.Time(time.Now().UTC())
	}
	if err := r.datasource.UpdateReconciliationBatch(ctx, batch); err != nil {
		return nil, err
	}

	if err := r.matchBatch(ctx, batchID); err != nil {
		span.RecordError(err)
		batch.Status = model.BatchStatusFailed
		if updateErr := r.datasource.UpdateReconciliationBatch(ctx, batch); updateErr != nil {
			logrus.WithError(updateErr).WithField("batch_id", batchID).Error("failed to mark batch failed")
		}
		return nil, err
	}

	entries, err := r.datasource.GetReconciliationEntries(ctx, batchID)
	if err != nil {
		return nil, err
	}
	batch.ProcessedEntries = len(entries)
	batch.MatchedEntries, batch.UnmatchedEntries = 0, 0
	for _, e := range entries {
		if e.MatchStatus == model.EntryMatched {
			batch.MatchedEntries++
		} else {
			batch.UnmatchedEntries++
		}
	}
	batch.Status = model.BatchStatusCompleted
	batch.CompletedAt = ptr.Time(time.Now().UTC())
	if err := r.datasource.UpdateReconciliationBatch(ctx, batch); err != nil {
		return nil, err
	}

	r.record(ctx, model.AuditBatchCompleted, model.EntityReconciliationBatch, batchID, map[string]interface{}{
		"processed_entries": batch.ProcessedEntries,
		"matched_entries":   batch.MatchedEntries,
		"unmatched_entries": batch.UnmatchedEntries,
	})
	logrus.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"matched":   batch.MatchedEntries,
		"unmatched": batch.UnmatchedEntries,
	}).Info("reconciliation batch completed")
	return batch, nil
}

func (r *Reconciler) matchBatch(ctx context.Context, batchID string) error {
	unmatched, err := r.datasource.GetUnmatchedEntries(ctx, batchID)
	if err != nil {
		return err
	}
	if len(unmatched) == 0 {
		return nil
	}
	candidates, err := r.openTransactions(ctx)
	if err != nil {
		return err
	}

	// Each matcher runs over every remaining entry before the next one starts, so a fuzzy
	// guess never takes a transaction another entry references exactly.
	claimed := make(map[string]bool)
	pending := unmatched
	for _, matcher := range r.matchers {
		rest := make([]*model.ReconciliationEntry, 0, len(pending))
		for _, entry := range pending {
			available := make([]*model.TreasuryTransaction, 0, len(candidates))
			for _, txn := range candidates {
				if !claimed[txn.TransactionID] {
					available = append(available, txn)
				}
			}

			result, ok := matcher.Match(entry, available)
			if !ok {
				rest = append(rest, entry)
				continue
			}
			err := r.match(ctx, entry.EntryID, result)
			if err != nil && !apierror.IsCode(err, apierror.ErrConflict) {
				return err
			}
			// A conflict means another writer took the entry or the transaction first.
			claimed[result.TransactionID] = true
			if err != nil {
				rest = append(rest, entry)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pending = rest
	}
	return nil
}

func (r *Reconciler) openTransactions(ctx context.Context) ([]*model.TreasuryTransaction, error) {
	var all []*model.TreasuryTransaction
	for offset := 0; ; offset += r.pageSize {
		page, err := r.datasource.GetOpenTreasuryTransactions(ctx, r.pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < r.pageSize {
			return all, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
