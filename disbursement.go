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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/internal/gateway"
	"github.com/blnkfinance/treasury/internal/notification"
	"github.com/blnkfinance/treasury/model"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DisbursementOutcome is what a caller learns about a disbursement after one step of
// processing. Business failures are outcomes, not errors.
type DisbursementOutcome struct {
	DisbursementID string `json:"disbursement_id"`
	Status         string `json:"status"`
	Duplicate      bool   `json:"duplicate"`
	Reason         string `json:"reason,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

// DisbursementStatus is the full view of a disbursement for status queries.
type DisbursementStatus struct {
	Disbursement *model.Disbursement         `json:"disbursement"`
	Approvals    []model.DisbursementApproval `json:"approvals"`
	Transaction  *model.TreasuryTransaction   `json:"transaction,omitempty"`
}

func outcomeOf(disb *model.Disbursement) *DisbursementOutcome {
	return &DisbursementOutcome{DisbursementID: disb.DisbursementID, Status: disb.Status, Reason: disb.FailureReason}
}

// HandleDisbursementRequested drives a disbursement request from intake as far as it can
// go without a human: validation, funding, auto approval and execution. Re-deliveries of
// the same request are answered with a duplicate outcome and change nothing.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - evt model.LoanDisbursementRequested: The inbound request.
//
// Returns:
// - *DisbursementOutcome: Where the disbursement ended up.
// - error: Infrastructure failures only. Validation, funding and bank failures are outcomes.
func (t *Treasury) HandleDisbursementRequested(ctx context.Context, evt model.LoanDisbursementRequested) (*DisbursementOutcome, error) {
	ctx, span := tracer.Start(ctx, "Handling disbursement request", trace.WithAttributes(
		attribute.String("disbursement.id", evt.DisbursementID),
		attribute.String("branch.id", evt.BranchID),
	))
	defer span.End()

	if evt.DisbursementID == "" {
		return nil, invalidInput("disbursement id is required")
	}

	key := IdempotencyKey(evt)
	check, err := t.Idempotency.Check(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if check.IsDuplicate {
		return t.duplicate(ctx, evt, check.Status)
	}

	_, err = t.datasource.GetDisbursement(ctx, evt.DisbursementID)
	if err == nil {
		return t.duplicate(ctx, evt, "")
	}
	if !notFound(err) {
		span.RecordError(err)
		return nil, err
	}

	if err := t.Idempotency.MarkProcessing(ctx, key, model.GenerateUUIDWithSuffix("txn")); err != nil {
		if apierror.IsCode(err, apierror.ErrDuplicate) {
			return t.duplicate(ctx, evt, model.IdempotencyProcessing)
		}
		span.RecordError(err)
		return nil, err
	}

	correlationID := evt.CorrelationID
	if correlationID == "" {
		correlationID = model.GenerateUUIDWithSuffix("corr")
	}
	requestedAt := evt.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	disb := &model.Disbursement{
		DisbursementID:    evt.DisbursementID,
		LoanID:            evt.LoanID,
		ClientID:          evt.ClientID,
		ClientName:        evt.ClientName,
		BranchID:          t.Funding.ResolveBranch(evt.BranchID),
		Amount:            evt.Amount,
		Currency:          evt.Currency,
		BankCode:          evt.BankCode,
		BankAccountNumber: evt.BankAccountNumber,
		Status:            model.StatusReceived,
		RequestedBy:       evt.RequestedBy,
		CorrelationID:     correlationID,
		IdempotencyKey:    key,
		RequestedAt:       requestedAt,
	}
	if err := t.datasource.CreateDisbursement(ctx, disb); err != nil {
		t.finishKey(ctx, disb, false, err)
		if apierror.IsCode(err, apierror.ErrConflict) {
			return t.duplicate(ctx, evt, "")
		}
		span.RecordError(err)
		return nil, err
	}

	if err := t.datasource.RecordApproval(ctx, &model.DisbursementApproval{
		ApprovalID:     model.GenerateUUIDWithSuffix("appr"),
		DisbursementID: disb.DisbursementID,
		Approver:       actorSystem,
		Level:          0,
		Decision:       model.DecisionAutoReceived,
	}); err != nil {
		return nil, t.fail(ctx, disb, "failed to record intake approval", err)
	}
	t.auditDisbursement(ctx, model.AuditDisbursementRequested, disb, evt.RequestedBy, map[string]interface{}{
		"loan_id":        disb.LoanID,
		"client_id":      disb.ClientID,
		"amount":         disb.Amount.String(),
		"currency":       disb.Currency,
		"branch_id":      disb.BranchID,
		"bank_code":      disb.BankCode,
		"account_number": model.MaskAccountNumber(disb.BankAccountNumber),
	})

	return t.process(ctx, disb, evt)
}

func (t *Treasury) process(ctx context.Context, disb *model.Disbursement, evt model.LoanDisbursementRequested) (*DisbursementOutcome, error) {
	if reason, err := t.validate(ctx, disb, evt); err != nil {
		return nil, t.fail(ctx, disb, "failed to validate disbursement", err)
	} else if reason != "" {
		return t.reject(ctx, disb, reason, actorSystem)
	}
	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusValidated}); err != nil {
		return nil, t.fail(ctx, disb, "failed to mark disbursement validated", err)
	}
	t.auditDisbursement(ctx, model.AuditDisbursementValidated, disb, actorSystem, nil)

	funding, err := t.Funding.ValidateFunding(ctx, disb.BranchID, disb.Amount, disb.Currency, "")
	if err != nil {
		switch {
		case apierror.IsCode(err, apierror.ErrInsufficientFunds):
			return t.insufficientFunds(ctx, disb, funding.Error)
		case apierror.IsCode(err, apierror.ErrInvalidInput):
			return t.reject(ctx, disb, funding.Error, actorSystem)
		}
		return nil, t.fail(ctx, disb, "failed to validate funding", err)
	}
	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusFundingConfirmed, FundingSource: funding.SelectedSource}); err != nil {
		return nil, t.fail(ctx, disb, "failed to confirm funding", err)
	}
	t.auditDisbursement(ctx, model.AuditFundingValidated, disb, actorSystem, map[string]interface{}{
		"source":            funding.SelectedSource,
		"source_account_id": funding.SourceAccountID,
		"available_amount":  funding.AvailableAmount.String(),
	})

	limit := t.config.Approval.AutoApproveLimit
	if !limit.IsPositive() || disb.Amount.GreaterThan(limit) {
		logrus.WithFields(logrus.Fields{
			"disbursement_id": disb.DisbursementID,
			"amount":          disb.Amount.String(),
		}).Info("disbursement awaiting approval")
		return outcomeOf(disb), nil
	}

	if err := t.datasource.RecordApproval(ctx, &model.DisbursementApproval{
		ApprovalID:     model.GenerateUUIDWithSuffix("appr"),
		DisbursementID: disb.DisbursementID,
		Approver:       actorSystem,
		Level:          t.config.Approval.RequiredLevels,
		Decision:       model.DecisionAutoApproved,
		Comments:       fmt.Sprintf("amount within auto approval limit %s", limit.String()),
	}); err != nil {
		return nil, t.fail(ctx, disb, "failed to record auto approval", err)
	}
	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusApproved, ProcessedBy: actorSystem}); err != nil {
		return nil, t.fail(ctx, disb, "failed to approve disbursement", err)
	}
	t.auditDisbursement(ctx, model.AuditDisbursementApproved, disb, actorSystem, map[string]interface{}{
		"decision": model.DecisionAutoApproved,
		"level":    t.config.Approval.RequiredLevels,
	})

	return t.execute(ctx, disb)
}

// validate returns a rejection reason for a request that cannot be disbursed as asked.
func (t *Treasury) validate(ctx context.Context, disb *model.Disbursement, evt model.LoanDisbursementRequested) (string, error) {
	if err := evt.Validate(); err != nil {
		return err.Error(), nil
	}
	if disb.BranchID == "" {
		return "no branch to disburse from", nil
	}
	float, err := t.Floats.GetBranchFloat(ctx, disb.BranchID)
	if err != nil {
		if notFound(err) {
			return fmt.Sprintf("unknown branch %s", disb.BranchID), nil
		}
		return "", err
	}
	if float.Currency != disb.Currency {
		return fmt.Sprintf("currency %s does not match branch float currency %s", disb.Currency, float.Currency), nil
	}
	return "", nil
}

// Approve records a human decision on a disbursement resting in FUNDING_CONFIRMED. The
// approval that reaches the required level executes the disbursement.
func (t *Treasury) Approve(ctx context.Context, decision model.ApprovalDecision) (*DisbursementOutcome, error) {
	ctx, span := tracer.Start(ctx, "Approving disbursement")
	defer span.End()

	if err := decision.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	disb, err := t.datasource.GetDisbursement(ctx, decision.DisbursementID)
	if err != nil {
		return nil, err
	}
	if disb.Status != model.StatusFundingConfirmed {
		return nil, apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("disbursement %s is %s and cannot take approvals", disb.DisbursementID, disb.Status), nil)
	}

	if err := t.datasource.RecordApproval(ctx, &model.DisbursementApproval{
		ApprovalID:     model.GenerateUUIDWithSuffix("appr"),
		DisbursementID: disb.DisbursementID,
		Approver:       decision.Approver,
		Level:          decision.Level,
		Decision:       decision.Decision,
		Comments:       decision.Comments,
	}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if decision.Decision == model.DecisionReject {
		reason := fmt.Sprintf("rejected by %s at level %d", decision.Approver, decision.Level)
		if decision.Comments != "" {
			reason += ": " + decision.Comments
		}
		return t.reject(ctx, disb, reason, decision.Approver)
	}

	t.auditDisbursement(ctx, model.AuditDisbursementApproved, disb, decision.Approver, map[string]interface{}{
		"decision": decision.Decision,
		"level":    decision.Level,
		"comments": decision.Comments,
	})
	if decision.Level < t.config.Approval.RequiredLevels {
		return outcomeOf(disb), nil
	}

	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusApproved, ProcessedBy: decision.Approver}); err != nil {
		return nil, err
	}
	return t.execute(ctx, disb)
}

func (t *Treasury) execute(ctx context.Context, disb *model.Disbursement) (*DisbursementOutcome, error) {
	ctx, span := tracer.Start(ctx, "Executing disbursement")
	defer span.End()

	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusExecuting}); err != nil {
		return nil, t.fail(ctx, disb, "failed to start execution", err)
	}
	t.auditDisbursement(ctx, model.AuditStateChanged, disb, actorSystem, map[string]interface{}{"from": model.StatusApproved})

	txn := &model.TreasuryTransaction{
		TransactionID:  t.transactionIDFor(ctx, disb),
		DisbursementID: disb.DisbursementID,
		Type:           model.TransactionTypeDisbursement,
		Amount:         disb.Amount,
		Currency:       disb.Currency,
		Status:         model.TransactionStatusPending,
		CorrelationID:  disb.CorrelationID,
		Reference:      disb.DisbursementID,
		Description:    fmt.Sprintf("Loan %s disbursement to %s", disb.LoanID, disb.ClientID),
	}
	if err := t.datasource.RecordTreasuryTransaction(ctx, txn); err != nil {
		return nil, t.fail(ctx, disb, "failed to record treasury transaction", err)
	}
	t.cacheTransaction(ctx, txn)

	if _, err := t.Funding.UpdateBalanceAfterDisbursement(ctx, disb.BranchID, disb.FundingSource, disb.Amount, disb.DisbursementID, disb.CorrelationID); err != nil {
		t.closeTransaction(ctx, txn, model.TransactionStatusFailed, err.Error())
		if apierror.IsCode(err, apierror.ErrInsufficientFunds) {
			return t.insufficientFunds(ctx, disb, err.Error())
		}
		return nil, t.fail(ctx, disb, "failed to debit funding source", err)
	}

	logger := logrus.WithFields(logrus.Fields{
		"disbursement_id": disb.DisbursementID,
		"transaction_id":  txn.TransactionID,
		"correlation_id":  disb.CorrelationID,
		"account_number":  model.MaskAccountNumber(disb.BankAccountNumber),
	})
	result, err := t.gateway.ExecutePayment(ctx, gateway.PaymentRequest{
		BankCode:      disb.BankCode,
		AccountNumber: disb.BankAccountNumber,
		Amount:        disb.Amount,
		Currency:      disb.Currency,
		Reference:     disb.DisbursementID,
		CorrelationID: disb.CorrelationID,
	})
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrAmbiguous):
		logger.WithError(err).Warn("payment outcome unknown, scheduling status check")
		return t.awaitConfirmation(ctx, disb, txn, "")
	default:
		logger.WithError(err).Error("payment execution failed")
		span.RecordError(err)
		return t.failExecution(ctx, disb, txn, err.Error())
	}

	switch gateway.NormaliseStatus(result.Status) {
	case gateway.PaymentCompleted:
		return t.completeExecution(ctx, disb, txn, result.TransactionID, result.BankReference, nil)
	case gateway.PaymentFailed:
		return t.failExecution(ctx, disb, txn, fmt.Sprintf("bank reported payment %s", result.Status))
	default:
		logger.WithField("gateway_status", result.Status).Info("payment still processing at the bank")
		return t.awaitConfirmation(ctx, disb, txn, result.TransactionID)
	}
}

// awaitConfirmation parks an execution whose outcome the bank has not confirmed yet.
func (t *Treasury) awaitConfirmation(ctx context.Context, disb *model.Disbursement, txn *model.TreasuryTransaction, externalID string) (*DisbursementOutcome, error) {
	status := model.TransactionStatusAwaitingConfirmation
	if externalID != "" {
		status = model.TransactionStatusPending
	}
	txn.ExternalTransactionID = externalID
	t.closeTransaction(ctx, txn, status, "")
	t.auditDisbursement(ctx, model.AuditStateChanged, disb, actorSystem, map[string]interface{}{
		"transaction_id":     txn.TransactionID,
		"transaction_status": status,
	})

	outcome := outcomeOf(disb)
	outcome.TransactionID = txn.TransactionID
	if err := t.schedulePoll(ctx, disb, 1); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (t *Treasury) completeExecution(ctx context.Context, disb *model.Disbursement, txn *model.TreasuryTransaction, externalID, bankReference string, processedAt *time.Time) (*DisbursementOutcome, error) {
	if processedAt == nil {
		processedAt = ptr.Time(time.Now().UTC())
	}
	if externalID != "" {
		txn.ExternalTransactionID = externalID
	}
	txn.BankReference = bankReference
	txn.ProcessedAt = processedAt
	if err := t.closeTransaction(ctx, txn, model.TransactionStatusCompleted, ""); err != nil {
		return nil, err
	}

	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusExecuted, ProcessedAt: processedAt}); err != nil {
		return nil, err
	}
	t.auditDisbursement(ctx, model.AuditDisbursementExecuted, disb, actorSystem, map[string]interface{}{
		"transaction_id":          txn.TransactionID,
		"external_transaction_id": txn.ExternalTransactionID,
		"bank_reference":          bankReference,
		"amount":                  disb.Amount.String(),
	})
	t.finishKey(ctx, disb, true, nil)

	outcome := outcomeOf(disb)
	outcome.TransactionID = txn.TransactionID
	return outcome, nil
}

// failExecution closes a debited execution that the bank did not carry out and puts the
// money back on the source float. The request ends FAILED even when the credit back does
// not land; the failure reason and the FAILED reversal transaction then record what is owed.
func (t *Treasury) failExecution(ctx context.Context, disb *model.Disbursement, txn *model.TreasuryTransaction, reason string) (*DisbursementOutcome, error) {
	if err := t.closeTransaction(ctx, txn, model.TransactionStatusFailed, reason); err != nil {
		return nil, err
	}
	data := map[string]interface{}{
		"transaction_id": txn.TransactionID,
		"reason":         reason,
	}
	if err := t.reverse(ctx, disb); err != nil {
		data["reversal_error"] = err.Error()
		reason = fmt.Sprintf("%s; reversal not credited: %v", reason, err)
	}

	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusFailed, FailureReason: reason, ProcessedAt: ptr.Time(time.Now().UTC())}); err != nil {
		return nil, err
	}
	t.auditDisbursement(ctx, model.AuditExecutionFailed, disb, actorSystem, data)
	t.finishKey(ctx, disb, false, errors.New(reason))

	outcome := outcomeOf(disb)
	outcome.TransactionID = txn.TransactionID
	return outcome, nil
}

// reverse credits a disbursement's debit back. The REVERSAL transaction is unique per
// disbursement, so a repeated reversal is a no-op. It is written PENDING and closed once the
// credit lands, or FAILED with the credit error when it does not.
func (t *Treasury) reverse(ctx context.Context, disb *model.Disbursement) error {
	reversal := &model.TreasuryTransaction{
		TransactionID:  model.GenerateUUIDWithSuffix("txn"),
		DisbursementID: disb.DisbursementID,
		Type:           model.TransactionTypeReversal,
		Amount:         disb.Amount,
		Currency:       disb.Currency,
		Status:         model.TransactionStatusPending,
		CorrelationID:  disb.CorrelationID,
		Reference:      "REV-" + disb.DisbursementID,
		Description:    fmt.Sprintf("Reversal of disbursement %s", disb.DisbursementID),
		Reconciled:     true,
	}
	if err := t.datasource.RecordTreasuryTransaction(ctx, reversal); err != nil {
		if apierror.IsCode(err, apierror.ErrConflict) {
			logrus.WithField("disbursement_id", disb.DisbursementID).Info("disbursement already reversed")
			return nil
		}
		return err
	}

	reversal.ProcessedAt = ptr.Time(time.Now().UTC())
	if _, err := t.Funding.ReverseDisbursementDebit(ctx, disb.BranchID, disb.FundingSource, disb.Amount, reversal.Reference, disb.CorrelationID); err != nil {
		notification.NotifyError(fmt.Errorf("reversal %s of disbursement %s was recorded but not credited: %w",
			reversal.TransactionID, disb.DisbursementID, err))
		_ = t.closeTransaction(ctx, reversal, model.TransactionStatusFailed, err.Error())
		return err
	}
	// The money is back; a failed close only leaves the reversal row PENDING.
	_ = t.closeTransaction(ctx, reversal, model.TransactionStatusCompleted, "")
	return nil
}

// PollExecutionStatus asks the bank about an execution left in EXECUTING and settles it
// when the bank has an answer. Requests that are no longer executing are left alone.
func (t *Treasury) PollExecutionStatus(ctx context.Context, disbursementID string, attempt int) (*DisbursementOutcome, error) {
	ctx, span := tracer.Start(ctx, "Polling execution status", trace.WithAttributes(
		attribute.String("disbursement.id", disbursementID),
		attribute.Int("poll.attempt", attempt),
	))
	defer span.End()

	disb, err := t.datasource.GetDisbursement(ctx, disbursementID)
	if err != nil {
		return nil, err
	}
	if disb.Status != model.StatusExecuting {
		return outcomeOf(disb), nil
	}
	txn, err := t.datasource.GetDisbursementTransaction(ctx, disbursementID)
	if err != nil {
		return nil, err
	}

	lookupID := txn.ExternalTransactionID
	if lookupID == "" {
		lookupID = disb.CorrelationID
	}
	logger := logrus.WithFields(logrus.Fields{
		"disbursement_id": disbursementID,
		"transaction_id":  txn.TransactionID,
		"attempt":         attempt,
	})

	result, err := t.gateway.CheckStatus(ctx, lookupID, disb.CorrelationID)
	if err != nil {
		logger.WithError(err).Warn("status check failed")
		return t.reschedule(ctx, disb, txn, attempt)
	}

	switch gateway.NormaliseStatus(result.Status) {
	case gateway.PaymentCompleted:
		return t.completeExecution(ctx, disb, txn, result.TransactionID, result.BankReference, result.ProcessedAt)
	case gateway.PaymentFailed:
		reason := result.StatusMessage
		if reason == "" {
			reason = fmt.Sprintf("bank reported payment %s", result.Status)
		}
		return t.failExecution(ctx, disb, txn, reason)
	default:
		logger.WithField("gateway_status", result.Status).Info("payment still pending at the bank")
		return t.reschedule(ctx, disb, txn, attempt)
	}
}

func (t *Treasury) reschedule(ctx context.Context, disb *model.Disbursement, txn *model.TreasuryTransaction, attempt int) (*DisbursementOutcome, error) {
	outcome := outcomeOf(disb)
	outcome.TransactionID = txn.TransactionID
	if attempt >= t.config.StatusPoll.MaxAttempts {
		err := fmt.Errorf("disbursement %s is still unconfirmed after %d status checks", disb.DisbursementID, attempt)
		logrus.WithField("disbursement_id", disb.DisbursementID).Error(err)
		notification.NotifyError(err)
		return outcome, nil
	}
	return outcome, t.schedulePoll(ctx, disb, attempt+1)
}

func (t *Treasury) schedulePoll(ctx context.Context, disb *model.Disbursement, attempt int) error {
	if t.scheduler == nil {
		logrus.WithField("disbursement_id", disb.DisbursementID).Warn("no status poll scheduler configured")
		return nil
	}
	delay := time.Duration(t.config.StatusPoll.IntervalSeconds) * time.Second
	if err := t.scheduler.ScheduleStatusPoll(ctx, disb.DisbursementID, attempt, delay); err != nil {
		notification.NotifyError(fmt.Errorf("failed to schedule status check %d for disbursement %s: %w", attempt, disb.DisbursementID, err))
		return err
	}
	return nil
}

// GetDisbursementStatus returns a disbursement with its approvals and treasury transaction.
func (t *Treasury) GetDisbursementStatus(ctx context.Context, disbursementID string) (*DisbursementStatus, error) {
	disb, err := t.datasource.GetDisbursement(ctx, disbursementID)
	if err != nil {
		return nil, err
	}
	approvals, err := t.datasource.GetApprovals(ctx, disbursementID)
	if err != nil {
		return nil, err
	}
	status := &DisbursementStatus{Disbursement: disb, Approvals: approvals}

	txn, err := t.datasource.GetDisbursementTransaction(ctx, disbursementID)
	if err != nil && !notFound(err) {
		return nil, err
	}
	status.Transaction = txn
	return status, nil
}

func (t *Treasury) reject(ctx context.Context, disb *model.Disbursement, reason, actor string) (*DisbursementOutcome, error) {
	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusRejected, FailureReason: reason, ProcessedBy: actor}); err != nil {
		return nil, err
	}
	t.auditDisbursement(ctx, model.AuditDisbursementRejected, disb, actor, map[string]interface{}{"reason": reason})
	t.finishKey(ctx, disb, false, errors.New(reason))
	return outcomeOf(disb), nil
}

func (t *Treasury) insufficientFunds(ctx context.Context, disb *model.Disbursement, reason string) (*DisbursementOutcome, error) {
	from := disb.Status
	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusFailed, FailureReason: reason}); err != nil {
		return nil, err
	}
	t.auditDisbursement(ctx, model.AuditStateChanged, disb, actorSystem, map[string]interface{}{
		"from":   from,
		"reason": reason,
	})
	t.finishKey(ctx, disb, false, errors.New(reason))
	return outcomeOf(disb), nil
}

// fail moves a disbursement to FAILED after an unexpected error so a re-delivery cannot
// pick it up half done, then returns cause.
func (t *Treasury) fail(ctx context.Context, disb *model.Disbursement, msg string, cause error) error {
	logrus.WithError(cause).WithField("disbursement_id", disb.DisbursementID).Error(msg)
	if IsTerminal(disb.Status) {
		return cause
	}
	from := disb.Status
	if err := t.transition(ctx, disb, model.StatusUpdate{To: model.StatusFailed, FailureReason: msg}); err != nil {
		logrus.WithError(err).WithField("disbursement_id", disb.DisbursementID).Error("failed to mark disbursement failed")
		return cause
	}
	t.auditDisbursement(ctx, model.AuditStateChanged, disb, actorSystem, map[string]interface{}{
		"from":   from,
		"reason": msg,
	})
	t.finishKey(ctx, disb, false, cause)
	return cause
}

// transition moves disb from its current status to update.To, compare-and-set on the
// current status, and reflects the change on disb.
func (t *Treasury) transition(ctx context.Context, disb *model.Disbursement, update model.StatusUpdate) error {
	if !CanTransition(disb.Status, update.To) {
		return apierror.NewAPIError(apierror.ErrInvalidTransition,
			fmt.Sprintf("disbursement %s cannot move from %s to %s", disb.DisbursementID, disb.Status, update.To), nil)
	}
	update.DisbursementID = disb.DisbursementID
	update.From = disb.Status
	if err := t.datasource.UpdateDisbursementStatus(ctx, update); err != nil {
		return err
	}

	disb.Status = update.To
	if update.FailureReason != "" {
		disb.FailureReason = update.FailureReason
	}
	if update.FundingSource != "" {
		disb.FundingSource = update.FundingSource
	}
	if update.ProcessedBy != "" {
		disb.ProcessedBy = update.ProcessedBy
	}
	if update.ProcessedAt != nil {
		disb.ProcessedAt = update.ProcessedAt
	}
	return nil
}

func (t *Treasury) closeTransaction(ctx context.Context, txn *model.TreasuryTransaction, status, detail string) error {
	txn.Status = status
	txn.ErrorDetail = detail
	if err := t.datasource.UpdateTreasuryTransaction(ctx, txn); err != nil {
		logrus.WithError(err).WithField("transaction_id", txn.TransactionID).Error("failed to update treasury transaction")
		return err
	}
	t.cacheTransaction(ctx, txn)
	return nil
}

// transactionIDFor returns the transaction id reserved for disb at intake.
func (t *Treasury) transactionIDFor(ctx context.Context, disb *model.Disbursement) string {
	record, err := t.datasource.GetIdempotencyRecord(ctx, disb.IdempotencyKey)
	if err != nil || record.TransactionID == "" {
		return model.GenerateUUIDWithSuffix("txn")
	}
	return record.TransactionID
}

// finishKey finalizes the idempotency key of disb. A key that is already final stays as it is.
func (t *Treasury) finishKey(ctx context.Context, disb *model.Disbursement, completed bool, cause error) {
	txnID := t.transactionIDFor(ctx, disb)
	var err error
	if completed {
		err = t.Idempotency.MarkCompleted(ctx, disb.IdempotencyKey, txnID)
	} else {
		err = t.Idempotency.MarkFailed(ctx, disb.IdempotencyKey, txnID, cause)
	}
	if err != nil {
		logrus.WithError(err).WithField("disbursement_id", disb.DisbursementID).Warn("idempotency key not finalized")
	}
}

func (t *Treasury) duplicate(ctx context.Context, evt model.LoanDisbursementRequested, keyStatus string) (*DisbursementOutcome, error) {
	outcome := &DisbursementOutcome{DisbursementID: evt.DisbursementID, Duplicate: true, Status: keyStatus}
	if disb, err := t.datasource.GetDisbursement(ctx, evt.DisbursementID); err == nil {
		outcome.Status = disb.Status
		outcome.Reason = disb.FailureReason
	}

	logrus.WithFields(logrus.Fields{
		"disbursement_id": evt.DisbursementID,
		"loan_id":         evt.LoanID,
		"status":          outcome.Status,
	}).Info("duplicate disbursement request ignored")
	t.Audit.Record(ctx, model.AuditDuplicateDetected, actorSystem, model.EntityDisbursement, evt.DisbursementID, evt.CorrelationID,
		map[string]interface{}{"status": outcome.Status, "loan_id": evt.LoanID})
	return outcome, nil
}
