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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
	"go.opentelemetry.io/otel"
)

const batchColumns = `id, batch_id, batch_type, source_id, total_entries, processed_entries, matched_entries,
	unmatched_entries, status, created_at, started_at, completed_at`

const entryColumns = `id, entry_id, batch_id, amount, currency, reference, COALESCE(description, ''), transaction_date,
	match_status, COALESCE(matched_transaction_id, ''), match_confidence, COALESCE(match_method, ''), matched_at`

func scanBatch(row rowScanner) (*model.ReconciliationBatch, error) {
	b := &model.ReconciliationBatch{}
	err := row.Scan(&b.ID, &b.BatchID, &b.BatchType, &b.SourceID, &b.TotalEntries, &b.ProcessedEntries, &b.MatchedEntries,
		&b.UnmatchedEntries, &b.Status, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	return b, err
}

func scanEntry(row rowScanner) (*model.ReconciliationEntry, error) {
	e := &model.ReconciliationEntry{}
	err := row.Scan(&e.ID, &e.EntryID, &e.BatchID, &e.Amount, &e.Currency, &e.Reference, &e.Description, &e.TransactionDate,
		&e.MatchStatus, &e.MatchedTransactionID, &e.MatchConfidence, &e.MatchMethod, &e.MatchedAt)
	return e, err
}

func (d Datasource) CreateReconciliationBatch(ctx context.Context, batch *model.ReconciliationBatch) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Saving reconciliation batch")
	defer span.End()

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO blnk.reconciliation_batches (
			batch_id, batch_type, source_id, total_entries, processed_entries, matched_entries,
			unmatched_entries, status, created_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		batch.BatchID, batch.BatchType, batch.SourceID, batch.TotalEntries, batch.ProcessedEntries, batch.MatchedEntries,
		batch.UnmatchedEntries, batch.Status, batch.CreatedAt, batch.StartedAt, batch.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("source %s was already ingested", batch.SourceID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to save reconciliation batch", err)
	}
	return nil
}

func (d Datasource) GetReconciliationBatch(ctx context.Context, batchID string) (*model.ReconciliationBatch, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching reconciliation batch")
	defer span.End()

	b, err := scanBatch(d.Conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM blnk.reconciliation_batches WHERE batch_id = $1`, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation batch '%s' not found", batchID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve reconciliation batch", err)
	}
	return b, nil
}

// GetActiveBatchBySource returns the batch that currently owns a source file, ignoring
// superseded batches.
func (d Datasource) GetActiveBatchBySource(ctx context.Context, batchType, sourceID string) (*model.ReconciliationBatch, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching reconciliation batch by source")
	defer span.End()

	b, err := scanBatch(d.Conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM blnk.reconciliation_batches
		WHERE batch_type = $1 AND source_id = $2 AND status <> $3
		ORDER BY created_at DESC LIMIT 1`, batchType, sourceID, model.BatchStatusSuperseded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "no batch for source", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve reconciliation batch", err)
	}
	return b, nil
}

func (d Datasource) UpdateReconciliationBatch(ctx context.Context, batch *model.ReconciliationBatch) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Updating reconciliation batch")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE blnk.reconciliation_batches
		SET total_entries = $2, processed_entries = $3, matched_entries = $4, unmatched_entries = $5,
			status = $6, started_at = $7, completed_at = $8
		WHERE batch_id = $1`,
		batch.BatchID, batch.TotalEntries, batch.ProcessedEntries, batch.MatchedEntries, batch.UnmatchedEntries,
		batch.Status, batch.StartedAt, batch.CompletedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update reconciliation batch", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation batch '%s' not found", batch.BatchID), nil)
	}
	return nil
}

// RecordReconciliationEntries stores a parsed statement in one transaction so a batch is
// never left half ingested.
func (d Datasource) RecordReconciliationEntries(ctx context.Context, entries []*model.ReconciliationEntry) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Saving reconciliation entries")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blnk.reconciliation_entries (
			entry_id, batch_id, amount, currency, reference, description, transaction_date, match_status, match_confidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to prepare entry insert", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.EntryID, e.BatchID, e.Amount, e.Currency, e.Reference, e.Description,
			e.TransactionDate, e.MatchStatus, e.MatchConfidence); err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("failed to save entry %s", e.EntryID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return nil
}

func (d Datasource) GetReconciliationEntry(ctx context.Context, entryID string) (*model.ReconciliationEntry, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching reconciliation entry")
	defer span.End()

	e, err := scanEntry(d.Conn.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM blnk.reconciliation_entries WHERE entry_id = $1`, entryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("reconciliation entry '%s' not found", entryID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve reconciliation entry", err)
	}
	return e, nil
}

func (d Datasource) GetReconciliationEntries(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	return d.queryEntries(ctx, `SELECT `+entryColumns+` FROM blnk.reconciliation_entries WHERE batch_id = $1 ORDER BY id ASC`, batchID)
}

func (d Datasource) GetUnmatchedEntries(ctx context.Context, batchID string) ([]*model.ReconciliationEntry, error) {
	return d.queryEntries(ctx, `SELECT `+entryColumns+` FROM blnk.reconciliation_entries
		WHERE batch_id = $1 AND match_status = $2 ORDER BY id ASC`, batchID, model.EntryUnmatched)
}

func (d Datasource) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*model.ReconciliationEntry, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching reconciliation entries")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve reconciliation entries", err)
	}
	defer rows.Close()

	var entries []*model.ReconciliationEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan reconciliation entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to iterate reconciliation entries", err)
	}
	return entries, nil
}

// MatchReconciliationEntry claims the transaction and matches the entry in one transaction. The
// transaction is claimed first so two entries can never both point at it.
func (d Datasource) MatchReconciliationEntry(ctx context.Context, entryID, transactionID, method string, confidence int) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Matching reconciliation entry")
	defer span.End()

	if confidence < 0 || confidence > 100 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "match confidence must be between 0 and 100", nil)
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE blnk.treasury_transactions SET reconciled = true
		WHERE transaction_id = $1 AND status = $2 AND reconciled = false`,
		transactionID, model.TransactionStatusCompleted,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to mark transaction reconciled", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("transaction %s is not open for reconciliation", transactionID), nil)
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE blnk.reconciliation_entries
		SET match_status = $2, matched_transaction_id = $3, match_method = $4, match_confidence = $5, matched_at = $6
		WHERE entry_id = $1 AND match_status = $7`,
		entryID, model.EntryMatched, transactionID, method, confidence, time.Now().UTC(), model.EntryUnmatched,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to match reconciliation entry", err)
	}
	rowsAffected, err = result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("entry %s is missing or already matched", entryID), nil)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return nil
}
