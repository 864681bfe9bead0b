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

const disbursementColumns = `disbursement_id, loan_id, client_id, client_name, branch_id, amount, currency,
	bank_code, bank_account_number, status, COALESCE(funding_source, ''), COALESCE(failure_reason, ''),
	requested_by, COALESCE(processed_by, ''), correlation_id, idempotency_key, requested_at, processed_at, created_at`

func (d Datasource) CreateDisbursement(ctx context.Context, disb *model.Disbursement) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Saving disbursement to db")
	defer span.End()

	if disb.CreatedAt.IsZero() {
		disb.CreatedAt = time.Now().UTC()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO blnk.disbursements (
			disbursement_id, loan_id, client_id, client_name, branch_id, amount, currency,
			bank_code, bank_account_number, status, funding_source, failure_reason,
			requested_by, processed_by, correlation_id, idempotency_key, requested_at, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		disb.DisbursementID, disb.LoanID, disb.ClientID, disb.ClientName, disb.BranchID, disb.Amount, disb.Currency,
		disb.BankCode, disb.BankAccountNumber, disb.Status, nullString(disb.FundingSource), nullString(disb.FailureReason),
		disb.RequestedBy, nullString(disb.ProcessedBy), disb.CorrelationID, disb.IdempotencyKey, disb.RequestedAt, disb.ProcessedAt, disb.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "disbursement already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to save disbursement", err)
	}
	return nil
}

func (d Datasource) GetDisbursement(ctx context.Context, disbursementID string) (*model.Disbursement, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching disbursement from db")
	defer span.End()

	disb := &model.Disbursement{}
	err := d.Conn.QueryRowContext(ctx, `SELECT id, `+disbursementColumns+` FROM blnk.disbursements WHERE disbursement_id = $1`,
		disbursementID).Scan(
		&disb.ID, &disb.DisbursementID, &disb.LoanID, &disb.ClientID, &disb.ClientName, &disb.BranchID, &disb.Amount, &disb.Currency,
		&disb.BankCode, &disb.BankAccountNumber, &disb.Status, &disb.FundingSource, &disb.FailureReason,
		&disb.RequestedBy, &disb.ProcessedBy, &disb.CorrelationID, &disb.IdempotencyKey, &disb.RequestedAt, &disb.ProcessedAt, &disb.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("disbursement with ID '%s' not found", disbursementID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve disbursement", err)
	}
	return disb, nil
}

// UpdateDisbursementStatus is a compare-and-set on the current status. A row that has moved
// on since it was read yields ErrConflict.
func (d Datasource) UpdateDisbursementStatus(ctx context.Context, update model.StatusUpdate) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Updating disbursement status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE blnk.disbursements
		SET status = $3,
			processed_by = COALESCE($4, processed_by),
			failure_reason = COALESCE($5, failure_reason),
			funding_source = COALESCE($6, funding_source),
			processed_at = COALESCE($7, processed_at)
		WHERE disbursement_id = $1 AND status = $2`,
		update.DisbursementID, update.From, update.To,
		nullString(update.ProcessedBy), nullString(update.FailureReason), nullString(update.FundingSource), update.ProcessedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to update disbursement status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("disbursement %s is no longer in status %s", update.DisbursementID, update.From), nil)
	}
	return nil
}

// RecordApproval appends an approval under a row lock on the disbursement, so two approvers
// racing on the same request are checked against each other's decisions.
func (d Datasource) RecordApproval(ctx context.Context, approval *model.DisbursementApproval) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Saving disbursement approval")
	defer span.End()

	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = time.Now().UTC()
	}

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT disbursement_id FROM blnk.disbursements WHERE disbursement_id = $1 FOR UPDATE`,
		approval.DisbursementID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("disbursement '%s' not found", approval.DisbursementID), nil)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to lock disbursement", err)
	}

	// Only a level above every recorded level is accepted, and nothing after a REJECT.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO blnk.disbursement_approvals (approval_id, disbursement_id, approver, level, decision, comments, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (
			SELECT 1 FROM blnk.disbursement_approvals
			WHERE disbursement_id = $2 AND (level >= $4 OR decision = 'REJECT')
		)`,
		approval.ApprovalID, approval.DisbursementID, approval.Approver, approval.Level, approval.Decision, approval.Comments, approval.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "approval level already recorded", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to save approval", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("approval level %d does not follow the recorded approvals", approval.Level), nil)
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}
	return nil
}

func (d Datasource) GetApprovals(ctx context.Context, disbursementID string) ([]model.DisbursementApproval, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching disbursement approvals")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, approval_id, disbursement_id, approver, level, decision, COALESCE(comments, ''), created_at
		FROM blnk.disbursement_approvals
		WHERE disbursement_id = $1
		ORDER BY level ASC`, disbursementID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve approvals", err)
	}
	defer rows.Close()

	var approvals []model.DisbursementApproval
	for rows.Next() {
		var a model.DisbursementApproval
		if err := rows.Scan(&a.ID, &a.ApprovalID, &a.DisbursementID, &a.Approver, &a.Level, &a.Decision, &a.Comments, &a.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan approval", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to iterate approvals", err)
	}
	return approvals, nil
}
