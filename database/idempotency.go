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

// ClaimIdempotencyKey is the atomic check-then-act for intake. It returns false, without an
// error, when another delivery already holds the key.
func (d Datasource) ClaimIdempotencyKey(ctx context.Context, record *model.IdempotencyRecord) (bool, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Claiming idempotency key")
	defer span.End()

	now := time.Now().UTC()
	record.CreatedAt, record.UpdatedAt = now, now

	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO blnk.idempotency_keys (key, status, transaction_id, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO NOTHING`,
		record.Key, record.Status, record.TransactionID, nullString(record.Error), record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to claim idempotency key", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

func (d Datasource) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Fetching idempotency record")
	defer span.End()

	r := &model.IdempotencyRecord{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT key, status, transaction_id, COALESCE(error, ''), created_at, updated_at
		FROM blnk.idempotency_keys WHERE key = $1`, key).
		Scan(&r.Key, &r.Status, &r.TransactionID, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "idempotency key not found", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "failed to retrieve idempotency record", err)
	}
	return r, nil
}

// FinalizeIdempotencyKey moves a PROCESSING key to COMPLETED or FAILED. Keys never move backwards.
func (d Datasource) FinalizeIdempotencyKey(ctx context.Context, key, status, transactionID, errMsg string) error {
	ctx, span := otel.Tracer("treasury.database").Start(ctx, "Finalizing idempotency key")
	defer span.End()

	if status != model.IdempotencyCompleted && status != model.IdempotencyFailed {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("%s is not a final idempotency status", status), nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE blnk.idempotency_keys
		SET status = $2, transaction_id = $3, error = $4, updated_at = $5
		WHERE key = $1 AND status = $6`,
		key, status, transactionID, nullString(errMsg), time.Now().UTC(), model.IdempotencyProcessing,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to finalize idempotency key", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, "idempotency key is not processing", nil)
	}
	return nil
}
