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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueViolation() error {
	return &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func TestClaimIdempotencyKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec(`INSERT INTO blnk.idempotency_keys (.+) ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("k1", model.IdempotencyProcessing, "disb-1", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO blnk.idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := ds.ClaimIdempotencyKey(context.Background(), &model.IdempotencyRecord{Key: "k1", Status: model.IdempotencyProcessing, TransactionID: "disb-1"})
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = ds.ClaimIdempotencyKey(context.Background(), &model.IdempotencyRecord{Key: "k1", Status: model.IdempotencyProcessing, TransactionID: "disb-1"})
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIdempotencyRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM blnk.idempotency_keys WHERE key = \\$1").
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "status", "transaction_id", "error", "created_at", "updated_at"}).
			AddRow("k1", model.IdempotencyCompleted, "txn_1", "", now, now))
	mock.ExpectQuery("SELECT (.+) FROM blnk.idempotency_keys WHERE key = \\$1").
		WithArgs("k2").
		WillReturnRows(sqlmock.NewRows([]string{"key", "status", "transaction_id", "error", "created_at", "updated_at"}))

	rec, err := ds.GetIdempotencyRecord(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyCompleted, rec.Status)
	assert.Equal(t, "txn_1", rec.TransactionID)

	_, err = ds.GetIdempotencyRecord(context.Background(), "k2")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}

func TestFinalizeIdempotencyKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE blnk.idempotency_keys").
		WithArgs("k1", model.IdempotencyCompleted, "txn_1", nil, sqlmock.AnyArg(), model.IdempotencyProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE blnk.idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ds.FinalizeIdempotencyKey(context.Background(), "k1", model.IdempotencyCompleted, "txn_1", ""))

	err = ds.FinalizeIdempotencyKey(context.Background(), "k1", model.IdempotencyFailed, "txn_1", "late failure")
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))

	err = ds.FinalizeIdempotencyKey(context.Background(), "k1", model.IdempotencyProcessing, "txn_1", "")
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))
	assert.NoError(t, mock.ExpectationsWereMet())
}
