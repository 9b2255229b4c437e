package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school_billing_echo/internal/models"
)

type capturingMailer struct {
	receipts chan Receipt
	welcomes chan WelcomeEmail
}

func newCapturingMailer() *capturingMailer {
	return &capturingMailer{receipts: make(chan Receipt, 4), welcomes: make(chan WelcomeEmail, 4)}
}

func (m *capturingMailer) SendWelcomeEmail(_ context.Context, msg WelcomeEmail) error {
	m.welcomes <- msg
	return nil
}

func (m *capturingMailer) SendReceiptEmail(_ context.Context, r Receipt) error {
	m.receipts <- r
	return nil
}

func TestChargeInvoiceWithNewCard(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "alice", parentOpts{})
	inv := seedInvoice(t, env.ledger, parent.ID, 10000)

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{
		InvoiceID:   inv.ID,
		MethodID:    "pm_new",
		AmountMinor: 10000,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "pi_default", result.TransactionID)
	require.NotNil(t, result.Payment)
	assert.Equal(t, models.PaymentStatusSucceeded, result.Payment.Status)
	assert.Equal(t, "4242", result.Payment.PaymentMethod.Last4)

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, int64(10000), stored.PaidAmount)
	assert.Equal(t, "pi_default", stored.PaymentReference)

	customerID, err := env.vault.CustomerID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "cus_test_1", customerID)
	def, err := env.vault.GetDefaultMethod(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "pm_new", def.MethodID)

	require.Len(t, env.gateway.intents, 1)
	req := env.gateway.intents[0]
	assert.False(t, req.OffSession)
	assert.Equal(t, "cus_test_1", req.CustomerID)
	assert.Equal(t, fmt.Sprintf("https://school.test/dashboard/finance/invoice/%d/payment-done", inv.ID), req.ReturnURL)
	assert.True(t, strings.HasPrefix(req.IdempotencyKey, fmt.Sprintf("charge-%d-", inv.ID)))
	assert.Equal(t, inv.InvoiceNumber, req.Metadata["invoiceNumber"])
}

func TestChargeInvoicePartialAmount(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "bob", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 10000)

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 4000})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPending, stored.Status)
	assert.Equal(t, int64(4000), stored.PaidAmount)
	assert.Zero(t, env.gateway.customers, "an existing customer is reused")

	_, err = env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 7000})
	assert.True(t, IsKind(err, KindInvalidInput))
	assert.Equal(t, 1, env.gateway.intentCount())
}

func TestChargeInvoiceValidation(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ChargeRequest
		kind ErrorKind
	}{
		{"missing invoice", ChargeRequest{MethodID: "pm", AmountMinor: 1}, KindInvalidInput},
		{"missing method", ChargeRequest{InvoiceID: 1, AmountMinor: 1}, KindInvalidInput},
		{"zero amount", ChargeRequest{InvoiceID: 1, MethodID: "pm"}, KindInvalidInput},
		{"unknown invoice", ChargeRequest{InvoiceID: 404, MethodID: "pm", AmountMinor: 1}, KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, tt.req)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
	assert.Zero(t, env.gateway.intentCount())
}

func TestChargePaidInvoiceNeverReachesProcessor(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "carol", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 5000)
	_, _, err := env.ledger.ApplyPayment(ctx, inv.ID, 5000, testNow, "pi_earlier")
	require.NoError(t, err)

	_, err = env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
	assert.True(t, IsKind(err, KindConflict))
	assert.Zero(t, env.gateway.intentCount())
	assert.Zero(t, countRows(t, env.db, &models.Payment{}, ""))
}

func TestChargeDeclinedCard(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "dave", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 5000)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return nil, &GatewayError{
			Op:            "confirm_intent",
			Message:       "Your card was declined.",
			Code:          "card_declined",
			DeclineCode:   "insufficient_funds",
			HTTPStatus:    402,
			TransactionID: "pi_declined",
		}
	}

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindGateway))
	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "insufficient_funds", ge.DeclineCode)

	require.NotNil(t, result)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "Your card was declined.", result.Reason)
	assert.Equal(t, []string{"pi_declined"}, env.gateway.cancelled)

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPending, stored.Status)
	assert.Zero(t, stored.PaidAmount)

	failed, err := env.records.FindByTransaction(ctx, "pi_declined")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, failed.Status)
	assert.Equal(t, "Your card was declined.", failed.FailureReason)
}

func TestChargeUnsuccessfulIntentStatus(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "erin", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 5000)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return &IntentResult{Status: IntentFailed, TransactionID: "pi_rpm"}, nil
	}

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
	assert.True(t, IsKind(err, KindGateway))
	require.NotNil(t, result)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, env.gateway.cancelled)
	assert.Equal(t, models.InvoiceStatusPending, reloadInvoice(t, env.db, inv.ID).Status)
	assert.Equal(t, int64(1), countRows(t, env.db, &models.Payment{}, "status = ?", models.PaymentStatusFailed))
}

func TestChargeTimeoutCancelsIntentAndFlagsOrphan(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "frank", withDefaultCard())

	pastDue := testNow.AddDate(0, 0, -2)
	inv, err := env.ledger.CreateInvoice(ctx, CreateInvoiceInput{ParentID: parent.ID, TotalAmount: 8000, DueDate: &pastDue})
	require.NoError(t, err)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return nil, &GatewayError{Op: "confirm_intent", Message: "request timed out", Timeout: true, TransactionID: "pi_slow"}
	}
	env.gateway.cancel = func(context.Context, string) error {
		return &GatewayError{Op: "cancel_intent", Message: "still unreachable", Timeout: true}
	}

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 8000})
	assert.True(t, IsKind(err, KindGateway))
	require.NotNil(t, result)
	assert.Equal(t, "request timed out", result.Reason)
	assert.Equal(t, []string{"pi_slow"}, env.gateway.cancelled)
	assert.Equal(t, models.InvoiceStatusOverdue, reloadInvoice(t, env.db, inv.ID).Status)

	open, err := env.records.OpenReconciliations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ReconciliationOrphanIntent, open[0].Kind)
	assert.Equal(t, "pi_slow", open[0].TransactionID)
}

func TestChargeFailureBeforeIntentRecordsAttempt(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "gina", parentOpts{})
	inv := seedInvoice(t, env.ledger, parent.ID, 3000)

	env.gateway.createCustomer = func(context.Context, CustomerProfile) (string, error) {
		return "", &GatewayError{Op: "create_customer", Message: "invalid email", HTTPStatus: 400}
	}

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_new", AmountMinor: 3000})
	assert.True(t, IsKind(err, KindGateway))
	require.NotNil(t, result)
	require.NotNil(t, result.Payment)
	assert.Empty(t, result.Payment.ProcessorTransactionID)
	assert.Equal(t, "invalid email", result.Payment.FailureReason)
	assert.Empty(t, env.gateway.cancelled)
	assert.Zero(t, env.gateway.intentCount())
}

func TestChargeRequiresActionThenWebhookSettles(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "hank", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 6000)

	env.gateway.intent = func(_ context.Context, req IntentRequest) (*IntentResult, error) {
		return &IntentResult{Status: IntentRequiresAction, TransactionID: "pi_3ds", ClientSecret: "pi_3ds_secret", AmountMinor: req.AmountMinor}, nil
	}

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 6000})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresAction, result.Outcome)
	assert.True(t, result.RequiresAction)
	assert.Equal(t, "pi_3ds_secret", result.ClientSecret)
	assert.Zero(t, countRows(t, env.db, &models.Payment{}, ""))
	assert.Equal(t, int64(1), countRows(t, env.db, &models.PaymentSession{}, "transaction_id = ? AND is_active = ?", "pi_3ds", true))
	assert.Equal(t, models.InvoiceStatusPending, reloadInvoice(t, env.db, inv.ID).Status)

	settled, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_3ds", Status: IntentSucceeded, AmountMinor: 6000})
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.Equal(t, OutcomeSucceeded, settled.Outcome)
	assert.Equal(t, "4242", settled.Payment.PaymentMethod.Last4)
	assert.Equal(t, models.InvoiceStatusPaid, reloadInvoice(t, env.db, inv.ID).Status)
	assert.Zero(t, countRows(t, env.db, &models.PaymentSession{}, "is_active = ?", true))

	replay, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_3ds", Status: IntentSucceeded, AmountMinor: 6000})
	require.NoError(t, err)
	assert.Nil(t, replay)
	assert.Equal(t, int64(1), countRows(t, env.db, &models.Payment{}, ""))
}

func TestReconcileFailedIntent(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "ivy", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 6000)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return &IntentResult{Status: IntentRequiresAction, TransactionID: "pi_abandoned"}, nil
	}
	_, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 6000})
	require.NoError(t, err)

	pending, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_abandoned", Status: IntentProcessing})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, pending.Outcome)

	result, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_abandoned", Status: IntentFailed, FailureMessage: "authentication failed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "authentication failed", result.Reason)
	assert.Equal(t, models.InvoiceStatusPending, reloadInvoice(t, env.db, inv.ID).Status)

	unknown, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_not_ours", Status: IntentSucceeded})
	require.NoError(t, err)
	assert.Nil(t, unknown)

	_, err = env.orchestrator.ReconcileIntent(ctx, IntentEvent{})
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestChargeReplaysCachedResult(t *testing.T) {
	env := newBillingEnv(t)
	env.orchestrator.WithResponseCache(newMemoryCache())
	ctx := context.Background()
	parent := seedParent(t, env.db, "jack", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 2000)

	req := ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 2000, IdempotencyKey: "click-1"}
	first, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, req)
	require.NoError(t, err)

	second, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, env.gateway.intentCount())
	assert.Equal(t, fmt.Sprintf("charge-%d-click-1", inv.ID), env.gateway.intents[0].IdempotencyKey)
}

func TestConcurrentChargeOnSameInvoiceIsRejected(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "kate", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 5000)

	var innerErr error
	env.gateway.intent = func(ctx context.Context, req IntentRequest) (*IntentResult, error) {
		// a second request arrives while the first is waiting on the processor
		_, innerErr = env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
		return &IntentResult{Status: IntentSucceeded, TransactionID: "pi_first", AmountMinor: req.AmountMinor}, nil
	}

	result, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.True(t, IsKind(innerErr, KindConflict))
	assert.Equal(t, 1, env.gateway.intentCount())
	assert.Equal(t, int64(5000), reloadInvoice(t, env.db, inv.ID).PaidAmount)
}

func TestRacingChargesWithoutSharedLockFlagOverpayment(t *testing.T) {
	env := newBillingEnvWithLocker(t, openLocker{})
	ctx := context.Background()
	parent := seedParent(t, env.db, "liam", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 5000)

	var innerErr error
	env.gateway.intent = func(ctx context.Context, req IntentRequest) (*IntentResult, error) {
		if env.gateway.intentCount() == 1 {
			_, innerErr = env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
			return &IntentResult{Status: IntentSucceeded, TransactionID: "pi_outer", AmountMinor: req.AmountMinor}, nil
		}
		return &IntentResult{Status: IntentSucceeded, TransactionID: "pi_inner", AmountMinor: req.AmountMinor}, nil
	}

	_, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 5000})
	require.NoError(t, innerErr)
	assert.True(t, IsKind(err, KindConflict))

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, int64(5000), stored.PaidAmount)
	assert.Equal(t, "pi_inner", stored.PaymentReference)

	outer, err := env.records.FindByTransaction(ctx, "pi_outer")
	require.NoError(t, err)
	assert.Contains(t, outer.Description, "not applied")

	open, err := env.records.OpenReconciliations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ReconciliationOverpayment, open[0].Kind)
	assert.Equal(t, "pi_outer", open[0].TransactionID)
	require.NotNil(t, open[0].PaymentID)
	assert.Equal(t, outer.ID, *open[0].PaymentID)
}

func TestChargeSendsReceipt(t *testing.T) {
	env := newBillingEnv(t)
	mailer := newCapturingMailer()
	env.orchestrator.WithMailer(mailer)
	ctx := context.Background()
	parent := seedParent(t, env.db, "mia", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 1500)

	_, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 1500})
	require.NoError(t, err)

	select {
	case r := <-mailer.receipts:
		assert.Equal(t, "mia@example.com", r.To)
		assert.Equal(t, inv.InvoiceNumber, r.InvoiceNumber)
		assert.Equal(t, int64(1500), r.AmountMinor)
	case <-time.After(2 * time.Second):
		t.Fatal("receipt was not sent")
	}
}

func TestAutoChargeSkipsParentWithoutCard(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "noah", parentOpts{customerID: "cus_nocard"})
	inv := seedInvoice(t, env.ledger, parent.ID, 1000)

	result, err := env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{ParentID: parent.ID, InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "no payment method", result.Reason)
	assert.Zero(t, env.gateway.intentCount())
}

func TestAutoChargeCollectsOutstandingBalance(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "olga", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 9000)
	_, _, err := env.ledger.ApplyPayment(ctx, inv.ID, 3000, testNow, "pi_part")
	require.NoError(t, err)

	result, err := env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{ParentID: parent.ID, InvoiceID: inv.ID, IdempotencyKey: "auto-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)

	require.Len(t, env.gateway.intents, 1)
	req := env.gateway.intents[0]
	assert.True(t, req.OffSession)
	assert.Equal(t, int64(6000), req.AmountMinor)
	assert.Equal(t, "pm_saved", req.MethodID)
	assert.Equal(t, "cus_existing", req.CustomerID)
	assert.Equal(t, "auto-1", req.IdempotencyKey)
	assert.Equal(t, "Auto payment of pending invoice", req.Description)

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, int64(9000), stored.PaidAmount)

	again, err := env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{ParentID: parent.ID, InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, again.Outcome)
	assert.Equal(t, 1, env.gateway.intentCount())
}

func TestAutoChargeRejectsForeignInvoice(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	owner := seedParent(t, env.db, "pete", withDefaultCard())
	other := seedParent(t, env.db, "quinn", withDefaultCard())
	inv := seedInvoice(t, env.ledger, owner.ID, 1000)

	_, err := env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{ParentID: other.ID, InvoiceID: inv.ID})
	assert.True(t, IsKind(err, KindInvalidInput))
	assert.Zero(t, env.gateway.intentCount())
}

func TestAutoChargeStudentFeeWithoutInvoice(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "rosa", withDefaultCard())
	student := seedStudent(t, env.db, parent.ID, "sam", 2500)

	result, err := env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{
		ParentID:    parent.ID,
		StudentID:   &student.ID,
		AmountMinor: student.FeeAmount,
		Description: "Recurring payment for sam",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	require.NotNil(t, result.Payment)
	assert.Nil(t, result.Payment.InvoiceID)
	require.NotNil(t, result.Payment.StudentID)
	assert.Equal(t, student.ID, *result.Payment.StudentID)
	assert.Equal(t, "usd", result.Payment.Currency)
	assert.Equal(t, true, result.Payment.Metadata["off_session"])

	_, err = env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{ParentID: parent.ID})
	assert.True(t, IsKind(err, KindInvalidInput))
}

func TestAutoChargeNeedingAuthenticationOpensSession(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "tina", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 4000)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return &IntentResult{Status: IntentRequiresAction, TransactionID: "pi_offsession_3ds"}, nil
	}

	result, err := env.orchestrator.AutoChargeDefaultMethod(ctx, ChargeTarget{ParentID: parent.ID, InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresAction, result.Outcome)
	assert.Equal(t, int64(1), countRows(t, env.db, &models.PaymentSession{}, "transaction_id = ?", "pi_offsession_3ds"))
	assert.Equal(t, models.InvoiceStatusPending, reloadInvoice(t, env.db, inv.ID).Status)
}

func TestLateIntentOnPartlyPaidInvoiceFlagsExcess(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "mona", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 500)

	env.gateway.intent = func(_ context.Context, req IntentRequest) (*IntentResult, error) {
		if env.gateway.intentCount() == 1 {
			return &IntentResult{Status: IntentRequiresAction, TransactionID: "pi_3ds", ClientSecret: "s", AmountMinor: req.AmountMinor}, nil
		}
		return &IntentResult{Status: IntentSucceeded, TransactionID: "pi_direct", AmountMinor: req.AmountMinor}, nil
	}

	first, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 300})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresAction, first.Outcome)

	second, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 300})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, second.Outcome)
	assert.Equal(t, int64(300), reloadInvoice(t, env.db, inv.ID).PaidAmount)

	// the payer finishes authentication after the balance dropped to 200
	settled, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_3ds", Status: IntentSucceeded, AmountMinor: 300})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, settled.Outcome)
	assert.Equal(t, int64(300), settled.Payment.Amount)

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, int64(500), stored.PaidAmount)

	open, err := env.records.OpenReconciliations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ReconciliationOverpayment, open[0].Kind)
	assert.Equal(t, "pi_3ds", open[0].TransactionID)
	assert.Equal(t, int64(100), open[0].Amount)
	require.NotNil(t, open[0].PaymentID)
	assert.Equal(t, settled.Payment.ID, *open[0].PaymentID)
}

func TestChargeTimeoutWithoutIntentFlagsIdempotencyKey(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "nora", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 4000)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return nil, &GatewayError{Op: "create payment intent", Message: "payment processor timed out", Timeout: true}
	}

	_, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 4000, IdempotencyKey: "click-9"})
	assert.True(t, IsKind(err, KindGateway))
	assert.Empty(t, env.gateway.cancelled)

	open, err := env.records.OpenReconciliations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.ReconciliationOrphanIntent, open[0].Kind)
	assert.Equal(t, fmt.Sprintf("charge-%d-click-9", inv.ID), open[0].TransactionID)
	assert.Equal(t, int64(4000), open[0].Amount)
	require.NotNil(t, open[0].InvoiceID)
	assert.Equal(t, inv.ID, *open[0].InvoiceID)
}

func TestReconcileIntentWithoutSessionUsesMetadata(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	parent := seedParent(t, env.db, "otto", withDefaultCard())
	inv := seedInvoice(t, env.ledger, parent.ID, 4000)

	env.gateway.intent = func(context.Context, IntentRequest) (*IntentResult, error) {
		return nil, &GatewayError{Op: "create payment intent", Message: "payment processor timed out", Timeout: true}
	}
	_, err := env.orchestrator.ChargeInvoiceWithMethod(ctx, ChargeRequest{InvoiceID: inv.ID, MethodID: "pm_saved", AmountMinor: 4000})
	require.Error(t, err)
	require.Equal(t, 1, env.gateway.intentCount())
	meta := env.gateway.intents[0].Metadata

	// the intent was created and captured after all; only its webhook tells us
	ev := IntentEvent{TransactionID: "pi_lost", Status: IntentSucceeded, AmountMinor: 4000, Currency: "usd", MethodID: "pm_saved", Metadata: meta}
	result, err := env.orchestrator.ReconcileIntent(ctx, ev)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "1111", result.Payment.PaymentMethod.Last4)
	require.NotNil(t, result.Payment.InvoiceID)
	assert.Equal(t, inv.ID, *result.Payment.InvoiceID)

	stored := reloadInvoice(t, env.db, inv.ID)
	assert.Equal(t, models.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, "pi_lost", stored.PaymentReference)
	assert.Equal(t, "pm_saved", stored.PaymentMethodID)

	replay, err := env.orchestrator.ReconcileIntent(ctx, ev)
	require.NoError(t, err)
	assert.Nil(t, replay)
	assert.Equal(t, int64(1), countRows(t, env.db, &models.Payment{}, "status = ?", models.PaymentStatusSucceeded))

	failed, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{TransactionID: "pi_other", Status: IntentFailed, Metadata: meta})
	require.NoError(t, err)
	assert.Nil(t, failed)
}

func TestReconcileIntentWithoutSessionRejectsForeignInvoice(t *testing.T) {
	env := newBillingEnv(t)
	ctx := context.Background()
	owner := seedParent(t, env.db, "pia", withDefaultCard())
	other := seedParent(t, env.db, "quin", withDefaultCard())
	inv := seedInvoice(t, env.ledger, owner.ID, 1000)

	_, err := env.orchestrator.ReconcileIntent(ctx, IntentEvent{
		TransactionID: "pi_mixed",
		Status:        IntentSucceeded,
		AmountMinor:   1000,
		Metadata:      map[string]string{"parentId": fmt.Sprint(other.ID), "invoiceId": fmt.Sprint(inv.ID)},
	})
	assert.True(t, IsKind(err, KindInvalidInput))
	assert.Equal(t, models.InvoiceStatusPending, reloadInvoice(t, env.db, inv.ID).Status)
	assert.Zero(t, countRows(t, env.db, &models.Payment{}, ""))
}

func TestLockOutlivesGatewayCalls(t *testing.T) {
	env := newBillingEnv(t)

	defaults := NewPaymentOrchestrator(env.db, env.vault, env.ledger, env.records, env.gateway, nil, OrchestratorConfig{})
	assert.Equal(t, 110*time.Second, defaults.lockTTL)

	quick := NewPaymentOrchestrator(env.db, env.vault, env.ledger, env.records, env.gateway, nil, OrchestratorConfig{GatewayTimeout: 5 * time.Second})
	assert.Equal(t, 35*time.Second, quick.lockTTL)
	assert.Greater(t, quick.lockTTL, 4*5*time.Second+cancelTimeout)

	pinned := NewPaymentOrchestrator(env.db, env.vault, env.ledger, env.records, env.gateway, nil, OrchestratorConfig{GatewayTimeout: time.Minute, LockTTL: 3 * time.Minute})
	assert.Equal(t, 3*time.Minute, pinned.lockTTL)
}
