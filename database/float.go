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

const branchFloatColumns = `id, branch_id, name, currency, current_balance, low_threshold, high_threshold, status,
	version, COALESCE(last_updated_by, ''), last_updated_at, created_at`

func scanBranchFloat(row rowScanner) (*model.BranchFloat, error) {
	f := &model.BranchFloat{}
	err := row.Scan(&f.ID, &f.BranchID, &f.Name, &f.Currency, &f.CurrentBalance, &f.LowThreshold, &f.HighThreshold,
		&f.Status, &f.Version, &f.LastUpdatedBy, &f.LastUpdatedAt, &f.CreatedAt)
	return f, err
}

func (d Datasource) CreateBranchFloat(ctx context.Context, float *model.BranchFloat) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Saving branch float")
	defer span.End()

	now := time.Now().UTC()
	float.CreatedAt, float.LastUpdatedAt = now, now
	float.Status = float.DeriveStatus(float.CurrentBalance)

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO blnk.branch_floats (
			branch_id, name, currency, current_balance, low_threshold, high_threshold, status,
			version, last_updated_by, last_updated_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		float.BranchID, float.Name, float.Currency, float.CurrentBalance, float.LowThreshold, float.HighThreshold,
		float.Status, float.Version, nullString(float.LastUpdatedBy), float.LastUpdatedAt, float.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("branch float %s already exists", float.BranchID), err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to save branch float", err)
	}
	return nil
}

func (d Datasource) GetBranchFloat(ctx context.Context, branchID string) (*model.BranchFloat, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching branch float")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+branchFloatColumns+` FROM blnk.branch_floats WHERE branch_id = $1`, branchID)
	f, err := scanBranchFloat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("branch float '%s' not found", branchID), nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve branch float", err)
	}
	return f, nil
}

// ApplyFloatMovement moves a branch balance by movement.Amount. The row lock serializes
// writers on the same branch. The version check catches writers that bypass the lock.
// Exactly one history line is appended, and its balance_after is the new balance.
func (d Datasource) ApplyFloatMovement(ctx context.Context, movement model.FloatMovement) (*model.BranchFloat, *model.BranchFloatTransaction, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Applying branch float movement")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	row := tx.QueryRowContext(ctx, `SELECT `+branchFloatColumns+` FROM blnk.branch_floats WHERE branch_id = $1 FOR UPDATE`, movement.BranchID)
	float, err := scanBranchFloat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("branch float '%s' not found", movement.BranchID), nil)
		}
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to lock branch float", err)
	}

	before := float.CurrentBalance
	after := before.Add(movement.Amount)
	if after.IsNegative() {
		return nil, nil, apierror.NewAPIError(apierror.ErrInsufficientFunds,
			fmt.Sprintf("branch float %s has %s, cannot apply %s", movement.BranchID, before.String(), movement.Amount.String()), nil)
	}

	now := time.Now().UTC()
	status := float.DeriveStatus(after)
	result, err := tx.ExecContext(ctx, `
		UPDATE blnk.branch_floats
		SET current_balance = $2, status = $3, last_updated_by = $4, last_updated_at = $5, version = version + 1
		WHERE branch_id = $1 AND version = $6`,
		movement.BranchID, after, status, nullString(movement.Actor), now, float.Version,
	)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to update branch float", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return nil, nil, apierror.NewAPIError(apierror.ErrConflict, "branch float was modified concurrently", nil)
	}

	line := &model.BranchFloatTransaction{
		TransactionID: model.GenerateUUIDWithSuffix("bft"),
		BranchID:      movement.BranchID,
		Amount:        movement.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     movement.Reference,
		Reason:        movement.Reason,
		CreatedBy:     movement.Actor,
		CreatedAt:     now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blnk.branch_float_transactions (
			transaction_id, branch_id, amount, balance_before, balance_after, reference, reason, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		line.TransactionID, line.BranchID, line.Amount, line.BalanceBefore, line.BalanceAfter,
		line.Reference, line.Reason, line.CreatedBy, line.CreatedAt,
	)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to record branch float transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to commit transaction", err)
	}

	float.CurrentBalance = after
	float.Status = status
	float.Version++
	float.LastUpdatedBy = movement.Actor
	float.LastUpdatedAt = now
	return float, line, nil
}

// GetBranchFloatTransactions returns the full history of a branch in the order it was written.
func (d Datasource) GetBranchFloatTransactions(ctx context.Context, branchID string) ([]model.BranchFloatTransaction, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching branch float transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, transaction_id, branch_id, amount, balance_before, balance_after, reference, reason, created_by, created_at
		FROM blnk.branch_float_transactions
		WHERE branch_id = $1
		ORDER BY id ASC`, branchID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve branch float transactions", err)
	}
	defer rows.Close()

	var lines []model.BranchFloatTransaction
	for rows.Next() {
		var l model.BranchFloatTransaction
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.BranchID, &l.Amount, &l.BalanceBefore, &l.BalanceAfter,
			&l.Reference, &l.Reason, &l.CreatedBy, &l.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to scan branch float transaction", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to iterate branch float transactions", err)
	}
	return lines, nil
}
