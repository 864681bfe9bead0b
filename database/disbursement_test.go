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
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDisbursement() *model.Disbursement {
	return &model.Disbursement{
		DisbursementID:    gofakeit.UUID(),
		LoanID:            gofakeit.UUID(),
		ClientID:          gofakeit.UUID(),
		ClientName:        gofakeit.Name(),
		BranchID:          "BR1",
		Amount:            decimal.NewFromInt(5000),
		Currency:          "MWK",
		BankCode:          "NBM",
		BankAccountNumber: gofakeit.Numerify("##########"),
		Status:            model.StatusReceived,
		RequestedBy:       gofakeit.Username(),
		CorrelationID:     gofakeit.UUID(),
		IdempotencyKey:    gofakeit.LetterN(64),
		RequestedAt:       time.Now(),
	}
}

func TestCreateDisbursement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	disb := fakeDisbursement()
	mock.ExpectExec("INSERT INTO blnk.disbursements").
		WithArgs(disb.DisbursementID, disb.LoanID, disb.ClientID, disb.ClientName, disb.BranchID, sqlmock.AnyArg(), disb.Currency,
			disb.BankCode, disb.BankAccountNumber, model.StatusReceived, nil, nil,
			disb.RequestedBy, nil, disb.CorrelationID, disb.IdempotencyKey, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, ds.CreateDisbursement(context.Background(), disb))
	assert.False(t, disb.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDisbursement_Duplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO blnk.disbursements").WillReturnError(uniqueViolation())

	err = ds.CreateDisbursement(context.Background(), fakeDisbursement())
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
}

func TestGetDisbursement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	now := time.Now()
	columns := []string{"id", "disbursement_id", "loan_id", "client_id", "client_name", "branch_id", "amount", "currency",
		"bank_code", "bank_account_number", "status", "funding_source", "failure_reason", "requested_by", "processed_by",
		"correlation_id", "idempotency_key", "requested_at", "processed_at", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM blnk.disbursements WHERE disbursement_id = \\$1").
		WithArgs("disb-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(1, "disb-1", "L1", "C1", "Jane", "BR1", "5000", "MWK", "NBM", "1002003004",
			model.StatusExecuted, "BranchFloat", "", "officer", "system", "corr-1", "key", now, now, now))
	mock.ExpectQuery("SELECT (.+) FROM blnk.disbursements WHERE disbursement_id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))

	disb, err := ds.GetDisbursement(context.Background(), "disb-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, disb.Status)
	assert.True(t, disb.Amount.Equal(decimal.NewFromInt(5000)))
	require.NotNil(t, disb.ProcessedAt)

	_, err = ds.GetDisbursement(context.Background(), "missing")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDisbursementStatus_CompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE blnk.disbursements").
		WithArgs("disb-1", model.StatusReceived, model.StatusValidated, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE blnk.disbursements").
		WithArgs("disb-1", model.StatusReceived, model.StatusValidated, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	update := model.StatusUpdate{DisbursementID: "disb-1", From: model.StatusReceived, To: model.StatusValidated}
	require.NoError(t, ds.UpdateDisbursementStatus(context.Background(), update))

	err = ds.UpdateDisbursementStatus(context.Background(), update)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordApproval_RejectsLowerLevel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	approval := &model.DisbursementApproval{ApprovalID: "appr_1", DisbursementID: "disb-1", Approver: "manager", Level: 1, Decision: model.DecisionApprove}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT disbursement_id FROM blnk.disbursements WHERE disbursement_id = \$1 FOR UPDATE`).
		WithArgs("disb-1").
		WillReturnRows(sqlmock.NewRows([]string{"disbursement_id"}).AddRow("disb-1"))
	mock.ExpectExec("INSERT INTO blnk.disbursement_approvals").
		WithArgs("appr_1", "disb-1", "manager", 1, model.DecisionApprove, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT disbursement_id FROM blnk.disbursements WHERE disbursement_id = \$1 FOR UPDATE`).
		WithArgs("disb-1").
		WillReturnRows(sqlmock.NewRows([]string{"disbursement_id"}).AddRow("disb-1"))
	mock.ExpectExec("INSERT INTO blnk.disbursement_approvals").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, ds.RecordApproval(context.Background(), approval))

	err = ds.RecordApproval(context.Background(), approval)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordApproval_UnknownDisbursement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT disbursement_id FROM blnk.disbursements").
		WithArgs("disb-404").
		WillReturnRows(sqlmock.NewRows([]string{"disbursement_id"}))
	mock.ExpectRollback()

	err = ds.RecordApproval(context.Background(), &model.DisbursementApproval{ApprovalID: "appr_1", DisbursementID: "disb-404", Level: 1, Decision: model.DecisionApprove})
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetApprovals(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM blnk.disbursement_approvals").
		WithArgs("disb-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "approval_id", "disbursement_id", "approver", "level", "decision", "comments", "created_at"}).
			AddRow(1, "appr_0", "disb-1", "system", 0, model.DecisionAutoReceived, "", now).
			AddRow(2, "appr_1", "disb-1", "manager", 1, model.DecisionApprove, "ok", now))

	approvals, err := ds.GetApprovals(context.Background(), "disb-1")
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, 1, approvals[1].Level)
	assert.Equal(t, "ok", approvals[1].Comments)
}

func TestUpdateTreasuryTransaction_FinalIsImmutable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE blnk.treasury_transactions").
		WithArgs("txn_1", model.TransactionStatusCompleted, "gw-1", "BNK-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE blnk.treasury_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	txn := &model.TreasuryTransaction{TransactionID: "txn_1", Status: model.TransactionStatusCompleted,
		ExternalTransactionID: "gw-1", BankReference: "BNK-1", ProcessedAt: &now}
	require.NoError(t, ds.UpdateTreasuryTransaction(context.Background(), txn))

	txn.Status = model.TransactionStatusFailed
	err = ds.UpdateTreasuryTransaction(context.Background(), txn)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTreasuryTransaction_OnePerDisbursement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO blnk.treasury_transactions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO blnk.treasury_transactions").WillReturnError(uniqueViolation())

	txn := &model.TreasuryTransaction{TransactionID: "txn_1", DisbursementID: "disb-1", Type: model.TransactionTypeDisbursement,
		Amount: decimal.NewFromInt(5000), Currency: "MWK", Status: model.TransactionStatusPending}
	require.NoError(t, ds.RecordTreasuryTransaction(context.Background(), txn))

	err = ds.RecordTreasuryTransaction(context.Background(), txn)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
}
