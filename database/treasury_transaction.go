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

const treasuryTransactionColumns = `id, transaction_id, COALESCE(disbursement_id, ''), type, amount, currency, status,
	correlation_id, reference, COALESCE(description, ''), COALESCE(external_transaction_id, ''),
	COALESCE(bank_reference, ''), COALESCE(error_detail, ''), reconciled, created_at, processed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTreasuryTransaction(row rowScanner) (*model.TreasuryTransaction, error) {
	txn := &model.TreasuryTransaction{}
	err := row.Scan(
		&txn.ID, &txn.TransactionID, &txn.DisbursementID, &txn.Type, &txn.Amount, &txn.Currency, &txn.Status,
		&txn.CorrelationID, &txn.Reference, &txn.Description, &txn.ExternalTransactionID,
		&txn.BankReference, &txn.ErrorDetail, &txn.Reconciled, &txn.CreatedAt, &txn.ProcessedAt,
	)
	return txn, err
}

// RecordTreasuryTransaction inserts txn. The (disbursement_id, type) unique index keeps a
// disbursement to a single DISBURSEMENT transaction.
func (d Datasource) RecordTreasuryTransaction(ctx context.Context, txn *model.TreasuryTransaction) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Saving treasury transaction")
	defer span.End()

	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO blnk.treasury_transactions (
			transaction_id, disbursement_id, type, amount, currency, status, correlation_id, reference,
			description, external_transaction_id, bank_reference, error_detail, reconciled, created_at, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.TransactionID, nullString(txn.DisbursementID), txn.Type, txn.Amount, txn.Currency, txn.Status, txn.CorrelationID, txn.Reference,
		txn.Description, nullString(txn.ExternalTransactionID), nullString(txn.BankReference), nullString(txn.ErrorDetail),
		txn.Reconciled, txn.CreatedAt, txn.ProcessedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "treasury transaction already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to save treasury transaction", err)
	}
	return nil
}

func (d Datasource) GetTreasuryTransaction(ctx context.Context, transactionID string) (*model.TreasuryTransaction, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching treasury transaction")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+treasuryTransactionColumns+` FROM blnk.treasury_transactions WHERE transaction_id = $1`, transactionID)
	txn, err := scanTreasuryTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("treasury transaction '%s' not found", transactionID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve treasury transaction", err)
	}
	return txn, nil
}

func (d Datasource) GetDisbursementTransaction(ctx context.Context, disbursementID string) (*model.TreasuryTransaction, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching disbursement transaction")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+treasuryTransactionColumns+` FROM blnk.treasury_transactions
		WHERE disbursement_id = $1 AND type = $2`, disbursementID, model.TransactionTypeDisbursement)
	txn, err := scanTreasuryTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("no transaction for disbursement '%s'", disbursementID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve disbursement transaction", err)
	}
	return txn, nil
}

// UpdateTreasuryTransaction writes the execution outcome. Completed and failed
// transactions are final and are never rewritten.
func (d Datasource) UpdateTreasuryTransaction(ctx context.Context, txn *model.TreasuryTransaction) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Updating treasury transaction")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE blnk.treasury_transactions
		SET status = $2, external_transaction_id = $3, bank_reference = $4, error_detail = $5, processed_at = $6
		WHERE transaction_id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		txn.TransactionID, txn.Status, nullString(txn.ExternalTransactionID), nullString(txn.BankReference),
		nullString(txn.ErrorDetail), txn.ProcessedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update treasury transaction", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("treasury transaction %s is already final", txn.TransactionID), nil)
	}
	return nil
}

// GetOpenTreasuryTransactions returns completed transactions that no statement line has claimed yet.
func (d Datasource) GetOpenTreasuryTransactions(ctx context.Context, limit, offset int) ([]*model.TreasuryTransaction, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching open treasury transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+treasuryTransactionColumns+` FROM blnk.treasury_transactions
		WHERE status = $1 AND reconciled = false
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`, model.TransactionStatusCompleted, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve open transactions", err)
	}
	defer rows.Close()

	var txns []*model.TreasuryTransaction
	for rows.Next() {
		txn, err := scanTreasuryTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan treasury transaction", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to iterate treasury transactions", err)
	}
	return txns, nil
}
