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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var floatRowColumns = []string{"id", "branch_id", "name", "currency", "current_balance", "low_threshold", "high_threshold",
	"status", "version", "last_updated_by", "last_updated_at", "created_at"}

func floatRow(balance string, version int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(floatRowColumns).
		AddRow(1, "BR1", "Lilongwe", "MWK", balance, "1000", "0", model.FloatStatusActive, version, "system", now, now)
}

func TestApplyFloatMovement_Debit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM blnk.branch_floats WHERE branch_id = \$1 FOR UPDATE`).
		WithArgs("BR1").
		WillReturnRows(floatRow("10000", 3))
	mock.ExpectExec("UPDATE blnk.branch_floats").
		WithArgs("BR1", sqlmock.AnyArg(), model.FloatStatusActive, "orchestrator", sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO blnk.branch_float_transactions").
		WithArgs(sqlmock.AnyArg(), "BR1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "corr-1", "disbursement", "orchestrator", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	float, line, err := ds.ApplyFloatMovement(context.Background(), model.FloatMovement{
		BranchID: "BR1", Amount: decimal.NewFromInt(-5000), Reference: "corr-1", Reason: "disbursement", Actor: "orchestrator",
	})
	require.NoError(t, err)
	assert.True(t, float.CurrentBalance.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, int64(4), float.Version)
	assert.True(t, line.BalanceBefore.Equal(decimal.NewFromInt(10000)))
	assert.True(t, line.BalanceAfter.Equal(float.CurrentBalance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFloatMovement_InsufficientFunds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM blnk.branch_floats WHERE branch_id = \$1 FOR UPDATE`).
		WithArgs("BR1").
		WillReturnRows(floatRow("100", 1))
	mock.ExpectRollback()

	_, _, err = ds.ApplyFloatMovement(context.Background(), model.FloatMovement{BranchID: "BR1", Amount: decimal.NewFromInt(-150)})
	assert.True(t, apierror.IsCode(err, apierror.ErrInsufficientFunds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFloatMovement_VersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM blnk.branch_floats WHERE branch_id = \$1 FOR UPDATE`).
		WithArgs("BR1").
		WillReturnRows(floatRow("10000", 7))
	mock.ExpectExec("UPDATE blnk.branch_floats").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err = ds.ApplyFloatMovement(context.Background(), model.FloatMovement{BranchID: "BR1", Amount: decimal.NewFromInt(-10)})
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyFloatMovement_LedgerInsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM blnk.branch_floats`).WithArgs("BR1").WillReturnRows(floatRow("500", 1))
	mock.ExpectExec("UPDATE blnk.branch_floats").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO blnk.branch_float_transactions").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err = ds.ApplyFloatMovement(context.Background(), model.FloatMovement{BranchID: "BR1", Amount: decimal.NewFromInt(250)})
	assert.True(t, apierror.IsCode(err, apierror.ErrInternalServer))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBranchFloat_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectQuery(`SELECT (.+) FROM blnk.branch_floats WHERE branch_id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(floatRowColumns))

	_, err = ds.GetBranchFloat(context.Background(), "missing")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}

func TestGetBranchFloatTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "transaction_id", "branch_id", "amount", "balance_before", "balance_after", "reference", "reason", "created_by", "created_at"}).
		AddRow(1, "bft_1", "BR1", "10000", "0", "10000", "seed", "replenishment", "ops", now).
		AddRow(2, "bft_2", "BR1", "-5000", "10000", "5000", "corr-1", "disbursement", "orchestrator", now)
	mock.ExpectQuery("SELECT (.+) FROM blnk.branch_float_transactions").WithArgs("BR1").WillReturnRows(rows)

	lines, err := ds.GetBranchFloatTransactions(context.Background(), "BR1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, lines[1].Amount.Equal(decimal.NewFromInt(-5000)))
	assert.True(t, lines[1].BalanceAfter.Equal(decimal.NewFromInt(5000)))
}

func TestCreateBranchFloat_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO blnk.branch_floats").WillReturnError(uniqueViolation())

	err = ds.CreateBranchFloat(context.Background(), &model.BranchFloat{BranchID: "BR1", Currency: "MWK"})
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
}
