package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
)

// ChargeOutcome is where a single charge attempt ended up
type ChargeOutcome string

const (
	OutcomeSucceeded      ChargeOutcome = "succeeded"
	OutcomeRequiresAction ChargeOutcome = "requires_action"
	OutcomeProcessing     ChargeOutcome = "processing"
	OutcomeFailed         ChargeOutcome = "failed"
	OutcomeSkipped        ChargeOutcome = "skipped"
)

const (
	// DefaultGatewayTimeout bounds one processor call when no timeout is configured
	DefaultGatewayTimeout = 20 * time.Second

	cancelTimeout       = 10 * time.Second
	idempotencyCacheTTL = 24 * time.Hour
	// a charge makes at most this many sequential processor calls before its cancel
	gatewayCallsPerCharge = 5
)

// ChargeRequest is an interactive charge of an invoice with a card the payer just supplied
type ChargeRequest struct {
	InvoiceID      uint
	MethodID       string
	AmountMinor    int64
	Card           *CardData
	IdempotencyKey string
}

// ChargeTarget is an unattended charge against the parent's default card.
// InvoiceID set means "collect what is left on that invoice"; otherwise AmountMinor is charged.
type ChargeTarget struct {
	ParentID       uint
	StudentID      *uint
	InvoiceID      uint
	AmountMinor    int64
	Currency       string
	Description    string
	IdempotencyKey string
}

// ChargeResult is returned for every attempt that reached a decision
type ChargeResult struct {
	Outcome        ChargeOutcome   `json:"status"`
	Payment        *models.Payment `json:"payment,omitempty"`
	Invoice        *models.Invoice `json:"invoice,omitempty"`
	RequiresAction bool            `json:"requiresAction,omitempty"`
	ClientSecret   string          `json:"clientSecret,omitempty"`
	TransactionID  string          `json:"paymentIntentId,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// IntentEvent is a final processor status delivered out of band
type IntentEvent struct {
	TransactionID  string
	Status         IntentStatus
	AmountMinor    int64
	Currency       string
	MethodID       string
	FailureMessage string
	// Metadata is what the engine attached to the intent (parentId, invoiceId, studentId)
	Metadata       map[string]string
}

// Receipt is sent to the parent after a successful charge
type Receipt struct {
	To            string
	ParentName    string
	InvoiceNumber string
	Description   string
	AmountMinor   int64
	Currency      string
	PaidAt        time.Time
	TransactionID string
}

// WelcomeEmail greets a newly onboarded account
type WelcomeEmail struct {
	To   string
	Name string
	Role models.UserType
}

// Mailer delivers transactional email
type Mailer interface {
	SendWelcomeEmail(ctx context.Context, msg WelcomeEmail) error
	SendReceiptEmail(ctx context.Context, r Receipt) error
}

// OrchestratorConfig tunes the orchestrator
type OrchestratorConfig struct {
	// AppBaseURL prefixes the page the payer returns to after 3-D Secure
	AppBaseURL     string
	// GatewayTimeout is the per-call processor timeout; the invoice lock outlives a whole charge
	GatewayTimeout time.Duration
	LockTTL        time.Duration
}

// PaymentOrchestrator drives the processor and keeps the ledger and payment records in step
type PaymentOrchestrator struct {
	db      *gorm.DB
	vault   *CardVault
	ledger  *InvoiceLedger
	records *PaymentRecords
	gateway PaymentGateway
	locker  Locker
	cache   ResponseCache
	mailer  Mailer

	now        func() time.Time
	appBaseURL string
	lockTTL    time.Duration
}

func NewPaymentOrchestrator(db *gorm.DB, vault *CardVault, ledger *InvoiceLedger, records *PaymentRecords, gateway PaymentGateway, locker Locker, cfg OrchestratorConfig) *PaymentOrchestrator {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultGatewayTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lockTTLFor(cfg.GatewayTimeout)
	}
	return &PaymentOrchestrator{
		db:         db,
		vault:      vault,
		ledger:     ledger,
		records:    records,
		gateway:    gateway,
		locker:     locker,
		now:        time.Now,
		appBaseURL: cfg.AppBaseURL,
		lockTTL:    cfg.LockTTL,
	}
}

// WithResponseCache enables replay of finished charges by idempotency key
func (o *PaymentOrchestrator) WithResponseCache(c ResponseCache) *PaymentOrchestrator {
	o.cache = c
	return o
}

// WithMailer enables receipt emails
func (o *PaymentOrchestrator) WithMailer(m Mailer) *PaymentOrchestrator {
	o.mailer = m
	return o
}

// lockTTLFor covers every processor call of one charge plus the cancel that may follow
func lockTTLFor(gatewayTimeout time.Duration) time.Duration {
	return gatewayCallsPerCharge*gatewayTimeout + cancelTimeout
}

// chargeContext is everything settle needs to book one attempt
type chargeContext struct {
	parent         *models.Parent
	invoice        *models.Invoice
	studentID      *uint
	method         models.PaymentMethodSnapshot
	amount         int64
	currency       string
	description    string
	offSession     bool
	// idempotencyKey is the key sent with the intent; it names the intent before the processor answers
	idempotencyKey string
}

func (cc *chargeContext) invoiceID() *uint {
	if cc.invoice == nil {
		return nil
	}
	id := cc.invoice.ID
	return &id
}

func (cc *chargeContext) invoiceNumber() string {
	if cc.invoice == nil {
		return ""
	}
	return cc.invoice.InvoiceNumber
}

func invoiceLockKey(invoiceID uint) string {
	return fmt.Sprintf("invoice:%d", invoiceID)
}

// ChargeInvoiceWithMethod charges an invoice with a card supplied by the payer, who is present
// to complete extra authentication if the processor asks for it.
func (o *PaymentOrchestrator) ChargeInvoiceWithMethod(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.InvoiceID == 0 {
		return nil, invalidInput("invoice id is required")
	}
	if req.MethodID == "" {
		return nil, invalidInput("payment method id is required")
	}
	if req.AmountMinor <= 0 {
		return nil, invalidInput("amount must be greater than zero")
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	cacheKey := fmt.Sprintf("charge:%d:%s", req.InvoiceID, key)
	if o.cache != nil && req.IdempotencyKey != "" {
		var cached ChargeResult
		if err := o.cache.Get(ctx, cacheKey, &cached); err == nil {
			log.Infof("Replaying charge %s for invoice %d", key, req.InvoiceID)
			return &cached, nil
		}
	}

	release, ok, err := o.locker.Acquire(ctx, invoiceLockKey(req.InvoiceID), o.lockTTL)
	if err != nil {
		return nil, internal("failed to lock invoice", err)
	}
	if !ok {
		return nil, conflict("a charge for invoice %d is already in progress", req.InvoiceID)
	}
	defer release()

	invoice, err := o.ledger.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !invoice.IsPayable() {
		return nil, conflict("invoice %s is already %s", invoice.InvoiceNumber, invoice.Status)
	}
	if req.AmountMinor > invoice.Outstanding() {
		return nil, invalidInput("amount %d exceeds the outstanding balance %d", req.AmountMinor, invoice.Outstanding())
	}

	parent, err := o.loadParent(ctx, invoice.ParentID)
	if err != nil {
		return nil, err
	}

	cc := &chargeContext{
		parent:      parent,
		invoice:     invoice,
		studentID:   invoice.StudentID,
		method:      models.PaymentMethodSnapshot{MethodID: req.MethodID},
		amount:      req.AmountMinor,
		currency:    invoice.Currency,
		description: fmt.Sprintf("Payment for invoice %s", invoice.InvoiceNumber),
	}
	if req.Card != nil {
		cc.method.Brand = req.Card.Brand
		cc.method.Last4 = req.Card.Last4
		cc.method.ExpMonth = req.Card.ExpMonth
		cc.method.ExpYear = req.Card.ExpYear
	}

	customerID, err := o.ensureCustomer(ctx, parent)
	if err != nil {
		return o.failAttempt(ctx, cc, "", err)
	}

	card, err := o.gateway.AttachMethod(ctx, customerID, req.MethodID)
	if err != nil {
		return o.failAttempt(ctx, cc, "", err)
	}
	if err := o.gateway.SetDefaultMethod(ctx, customerID, req.MethodID); err != nil {
		return o.failAttempt(ctx, cc, "", err)
	}
	if card != nil && card.Last4 != "" {
		cc.method = models.PaymentMethodSnapshot{
			MethodID: req.MethodID,
			Brand:    card.Brand,
			Last4:    card.Last4,
			ExpMonth: card.ExpMonth,
			ExpYear:  card.ExpYear,
		}
	}
	if _, err := o.vault.AddCard(ctx, parent.ID, CardData{
		MethodID:  req.MethodID,
		Brand:     cc.method.Brand,
		Last4:     cc.method.Last4,
		ExpMonth:  cc.method.ExpMonth,
		ExpYear:   cc.method.ExpYear,
		IsDefault: true,
	}); err != nil {
		return nil, err
	}

	cc.idempotencyKey = fmt.Sprintf("charge-%d-%s", invoice.ID, key)
	intent, err := o.gateway.CreateAndConfirmPaymentIntent(ctx, IntentRequest{
		CustomerID:     customerID,
		MethodID:       req.MethodID,
		AmountMinor:    req.AmountMinor,
		Currency:       invoice.Currency,
		Description:    cc.description,
		Metadata:       o.intentMetadata(cc),
		ReturnURL:      fmt.Sprintf("%s/dashboard/finance/invoice/%d/payment-done", o.appBaseURL, invoice.ID),
		IdempotencyKey: cc.idempotencyKey,
	})
	if err != nil {
		return o.failAttempt(ctx, cc, transactionOf(err), err)
	}

	result, err := o.settle(ctx, cc, intent)
	if err == nil && o.cache != nil && req.IdempotencyKey != "" {
		if cerr := o.cache.Set(ctx, cacheKey, result, idempotencyCacheTTL); cerr != nil {
			log.Warnf("Failed to cache charge result %s: %v", key, cerr)
		}
	}
	return result, err
}

// AutoChargeDefaultMethod charges the parent's default card with nobody present.
// A parent without a default card is skipped, which is not an error.
func (o *PaymentOrchestrator) AutoChargeDefaultMethod(ctx context.Context, target ChargeTarget) (*ChargeResult, error) {
	parent, err := o.loadParent(ctx, target.ParentID)
	if err != nil {
		return nil, err
	}

	method := parent.DefaultMethod()
	if method == nil {
		return &ChargeResult{Outcome: OutcomeSkipped, Reason: "no payment method"}, nil
	}
	if parent.CardDetail.StripeCustomerID == "" {
		return &ChargeResult{Outcome: OutcomeSkipped, Reason: "no processor customer"}, nil
	}

	cc := &chargeContext{
		parent:      parent,
		studentID:   target.StudentID,
		method:      models.SnapshotOf(*method),
		amount:      target.AmountMinor,
		currency:    target.Currency,
		description: target.Description,
		offSession:  true,
	}

	if target.InvoiceID != 0 {
		release, ok, err := o.locker.Acquire(ctx, invoiceLockKey(target.InvoiceID), o.lockTTL)
		if err != nil {
			return nil, internal("failed to lock invoice", err)
		}
		if !ok {
			return &ChargeResult{Outcome: OutcomeSkipped, Reason: "charge already in progress"}, nil
		}
		defer release()

		invoice, err := o.ledger.GetInvoice(ctx, target.InvoiceID)
		if err != nil {
			return nil, err
		}
		if invoice.ParentID != parent.ID {
			return nil, invalidInput("invoice %d does not belong to parent %d", invoice.ID, parent.ID)
		}
		if !invoice.IsPayable() || invoice.Outstanding() <= 0 {
			return &ChargeResult{Outcome: OutcomeSkipped, Reason: "invoice already settled", Invoice: invoice}, nil
		}
		cc.invoice = invoice
		cc.studentID = invoice.StudentID
		cc.amount = invoice.Outstanding()
		cc.currency = invoice.Currency
		if cc.description == "" {
			cc.description = "Auto payment of pending invoice"
		}
	}
	if cc.amount <= 0 {
		return nil, invalidInput("amount must be greater than zero")
	}
	if cc.currency == "" {
		cc.currency = o.ledger.defaultCurrency
	}

	key := target.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	cc.idempotencyKey = key

	intent, err := o.gateway.CreateAndConfirmPaymentIntent(ctx, IntentRequest{
		CustomerID:     parent.CardDetail.StripeCustomerID,
		MethodID:       method.MethodID,
		AmountMinor:    cc.amount,
		Currency:       cc.currency,
		Description:    cc.description,
		Metadata:       o.intentMetadata(cc),
		OffSession:     true,
		IdempotencyKey: key,
	})
	if err != nil {
		return o.failAttempt(ctx, cc, transactionOf(err), err)
	}
	return o.settle(ctx, cc, intent)
}

// ReconcileIntent books the final status of an intent that was left waiting for the payer.
// Intents the engine is not waiting on are ignored and return a nil result.
func (o *PaymentOrchestrator) ReconcileIntent(ctx context.Context, ev IntentEvent) (*ChargeResult, error) {
	if ev.TransactionID == "" {
		return nil, invalidInput("transaction id is required")
	}

	var session models.PaymentSession
	err := o.db.WithContext(ctx).
		Where("transaction_id = ? AND is_active = ?", ev.TransactionID, true).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return o.reconcileUntracked(ctx, ev)
	}
	if err != nil {
		return nil, internal("failed to load payment session", err)
	}

	release, ok, err := o.locker.Acquire(ctx, invoiceLockKey(session.InvoiceID), o.lockTTL)
	if err != nil {
		return nil, internal("failed to lock invoice", err)
	}
	if !ok {
		return nil, conflict("a charge for invoice %d is already in progress", session.InvoiceID)
	}
	defer release()

	parent, err := o.loadParent(ctx, session.ParentID)
	if err != nil {
		return nil, err
	}
	invoice, err := o.ledger.GetInvoice(ctx, session.InvoiceID)
	if err != nil {
		return nil, err
	}

	amount := session.AmountMinor
	if ev.AmountMinor > 0 {
		amount = ev.AmountMinor
	}
	cc := &chargeContext{
		parent:      parent,
		invoice:     invoice,
		studentID:   invoice.StudentID,
		method:      models.PaymentMethodSnapshot{MethodID: session.MethodID},
		amount:      amount,
		currency:    session.Currency,
		description: fmt.Sprintf("Payment for invoice %s", invoice.InvoiceNumber),
	}
	for _, m := range parent.CardDetail.PaymentMethods {
		if m.MethodID == session.MethodID {
			cc.method = models.SnapshotOf(m)
		}
	}

	var result *ChargeResult
	switch ev.Status {
	case IntentSucceeded:
		result, err = o.applyAndRecord(ctx, cc, ev.TransactionID)
	case IntentRequiresAction, IntentProcessing:
		return &ChargeResult{Outcome: OutcomeProcessing, TransactionID: ev.TransactionID}, nil
	default:
		reason := ev.FailureMessage
		if reason == "" {
			reason = fmt.Sprintf("payment %s", ev.Status)
		}
		result, err = o.recordFailure(ctx, cc, ev.TransactionID, reason)
	}

	if uerr := o.db.WithContext(ctx).Model(&session).Update("is_active", false).Error; uerr != nil {
		log.Errorf("Failed to close payment session %d: %v", session.ID, uerr)
	}
	return result, err
}

// reconcileUntracked books a succeeded intent that has no open session, which happens
// when the create call timed out and the engine never saw the intent id. The intent
// metadata names the parent and invoice. Events already booked are ignored.
func (o *PaymentOrchestrator) reconcileUntracked(ctx context.Context, ev IntentEvent) (*ChargeResult, error) {
	if ev.Status != IntentSucceeded || ev.Metadata == nil {
		return nil, nil
	}
	parentID, err := strconv.ParseUint(ev.Metadata["parentId"], 10, 64)
	if err != nil || parentID == 0 {
		return nil, nil
	}
	var invoiceID uint64
	if raw := ev.Metadata["invoiceId"]; raw != "" {
		if invoiceID, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, invalidInput("intent %s carries a malformed invoiceId %q", ev.TransactionID, raw)
		}
	}

	if invoiceID != 0 {
		release, ok, err := o.locker.Acquire(ctx, invoiceLockKey(uint(invoiceID)), o.lockTTL)
		if err != nil {
			return nil, internal("failed to lock invoice", err)
		}
		if !ok {
			return nil, conflict("a charge for invoice %d is already in progress", invoiceID)
		}
		defer release()
	}

	if _, err := o.records.FindByTransaction(ctx, ev.TransactionID); err == nil {
		return nil, nil
	} else if !IsKind(err, KindNotFound) {
		return nil, err
	}

	parent, err := o.loadParent(ctx, uint(parentID))
	if err != nil {
		return nil, err
	}
	cc := &chargeContext{
		parent:      parent,
		method:      models.PaymentMethodSnapshot{MethodID: ev.MethodID},
		amount:      ev.AmountMinor,
		currency:    ev.Currency,
		description: "Payment recovered from processor",
	}
	if invoiceID != 0 {
		invoice, err := o.ledger.GetInvoice(ctx, uint(invoiceID))
		if err != nil {
			return nil, err
		}
		if invoice.ParentID != parent.ID {
			return nil, invalidInput("intent %s names invoice %d of another parent", ev.TransactionID, invoiceID)
		}
		cc.invoice = invoice
		cc.studentID = invoice.StudentID
		cc.description = fmt.Sprintf("Payment for invoice %s", invoice.InvoiceNumber)
		if cc.currency == "" {
			cc.currency = invoice.Currency
		}
	}
	if cc.currency == "" {
		cc.currency = o.ledger.defaultCurrency
	}
	for _, m := range parent.CardDetail.PaymentMethods {
		if m.MethodID == ev.MethodID {
			cc.method = models.SnapshotOf(m)
		}
	}

	log.Warnf("Booking intent %s for parent %d without a payment session", ev.TransactionID, parentID)
	return o.applyAndRecord(ctx, cc, ev.TransactionID)
}

// settle branches on the processor's answer
func (o *PaymentOrchestrator) settle(ctx context.Context, cc *chargeContext, intent *IntentResult) (*ChargeResult, error) {
	switch intent.Status {
	case IntentSucceeded:
		return o.applyAndRecord(ctx, cc, intent.TransactionID)

	case IntentRequiresAction, IntentProcessing:
		if cc.invoice != nil {
			o.openSession(ctx, cc, intent)
		}
		outcome := OutcomeRequiresAction
		if intent.Status == IntentProcessing {
			outcome = OutcomeProcessing
		}
		log.Infoj(log.JSON{
			"event":          "charge_pending",
			"status":         intent.Status,
			"invoice_number": cc.invoiceNumber(),
			"parent_id":      cc.parent.ID,
			"transaction_id": intent.TransactionID,
		})
		return &ChargeResult{
			Outcome:        outcome,
			Invoice:        cc.invoice,
			RequiresAction: intent.Status == IntentRequiresAction,
			ClientSecret:   intent.ClientSecret,
			TransactionID:  intent.TransactionID,
		}, nil

	default:
		reason := fmt.Sprintf("Payment failed: %s", intent.Status)
		result, err := o.recordFailure(ctx, cc, intent.TransactionID, reason)
		if err != nil {
			return result, err
		}
		return result, gatewayFailure(reason, nil)
	}
}

// applyAndRecord books a successful charge: ledger first, then the payment row.
// If the ledger refuses (invoice settled by a racing charge) the money is still recorded
// and flagged for review.
func (o *PaymentOrchestrator) applyAndRecord(ctx context.Context, cc *chargeContext, transactionID string) (*ChargeResult, error) {
	paidAt := o.now()
	payment := o.newPayment(cc, models.PaymentStatusSucceeded, transactionID, paidAt)

	var excess int64
	if cc.invoice != nil {
		applied, err := o.ledger.ApplyCharge(ctx, PaymentApplication{
			InvoiceID: cc.invoice.ID,
			Amount:    cc.amount,
			PaidAt:    paidAt,
			Reference: transactionID,
			MethodID:  cc.method.MethodID,
		})
		if err != nil {
			payment.Description = fmt.Sprintf("%s (not applied: %v)", payment.Description, err)
			recorded, _, rerr := o.records.Record(ctx, payment)
			if rerr != nil {
				log.Errorf("Failed to record unapplied payment %s: %v", transactionID, rerr)
			}
			o.flagForReview(ctx, cc, recorded, transactionID, models.ReconciliationOverpayment, cc.amount, err.Error())
			if IsKind(err, KindConflict) {
				return nil, conflict("invoice %s was settled by another payment; charge %s flagged for review", cc.invoiceNumber(), transactionID)
			}
			return nil, err
		}
		cc.invoice = applied.Invoice
		excess = applied.Excess
	}

	recorded, _, err := o.records.Record(ctx, payment)
	if err != nil {
		log.Errorf("Payment %s applied to the ledger but not recorded: %v", transactionID, err)
		return nil, internal("payment succeeded but could not be recorded", err)
	}
	if excess > 0 {
		o.flagForReview(ctx, cc, recorded, transactionID, models.ReconciliationOverpayment, excess,
			fmt.Sprintf("captured %d but only %d was outstanding", cc.amount, cc.amount-excess))
	}

	log.Infoj(log.JSON{
		"event":          "charge_succeeded",
		"invoice_number": cc.invoiceNumber(),
		"parent_id":      cc.parent.ID,
		"amount":         cc.amount,
		"currency":       cc.currency,
		"transaction_id": transactionID,
		"off_session":    cc.offSession,
	})
	o.sendReceipt(cc, recorded)

	return &ChargeResult{
		Outcome:       OutcomeSucceeded,
		Payment:       recorded,
		Invoice:       cc.invoice,
		TransactionID: transactionID,
	}, nil
}

// failAttempt is the error path once any gateway call has failed: cancel whatever intent
// exists, put the invoice back to pending/overdue and record the failure
func (o *PaymentOrchestrator) failAttempt(ctx context.Context, cc *chargeContext, transactionID string, cause error) (*ChargeResult, error) {
	// the request context may be the thing that expired
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if transactionID != "" {
		if err := o.gateway.CancelPaymentIntent(cleanupCtx, transactionID); err != nil {
			log.Warnf("Failed to cancel payment intent %s: %v", transactionID, err)
			o.flagForReview(cleanupCtx, cc, nil, transactionID, models.ReconciliationOrphanIntent, cc.amount, fmt.Sprintf("cancel after error failed: %v", err))
		}
	}

	reason := cause.Error()
	var ge *GatewayError
	if errors.As(cause, &ge) {
		reason = ge.Message
		// the processor may have created and captured an intent we never heard about;
		// its webhook is matched back through the intent metadata
		if ge.Timeout && transactionID == "" && cc.idempotencyKey != "" {
			o.flagForReview(cleanupCtx, cc, nil, cc.idempotencyKey, models.ReconciliationOrphanIntent, cc.amount,
				"processor timed out before returning an intent; idempotency key "+cc.idempotencyKey)
		}
	}

	result, err := o.recordFailure(cleanupCtx, cc, transactionID, reason)
	if err != nil {
		return result, err
	}
	return result, gatewayFailure("payment processing error: "+reason, cause)
}

// recordFailure marks the invoice attempt failed and appends a failed payment row
func (o *PaymentOrchestrator) recordFailure(ctx context.Context, cc *chargeContext, transactionID, reason string) (*ChargeResult, error) {
	if cc.invoice != nil {
		invoice, err := o.ledger.MarkFailedAttempt(ctx, cc.invoice.ID, transactionID)
		if err != nil {
			log.Errorf("Failed to mark invoice %s attempt failed: %v", cc.invoiceNumber(), err)
		} else {
			cc.invoice = invoice
		}
	}

	payment := o.newPayment(cc, models.PaymentStatusFailed, transactionID, o.now())
	payment.FailureReason = reason
	recorded, _, err := o.records.Record(ctx, payment)
	if err != nil {
		log.Errorf("Failed to record failed payment for parent %d: %v", cc.parent.ID, err)
	}

	log.Warnj(log.JSON{
		"event":          "charge_failed",
		"invoice_number": cc.invoiceNumber(),
		"parent_id":      cc.parent.ID,
		"amount":         cc.amount,
		"transaction_id": transactionID,
		"reason":         reason,
		"off_session":    cc.offSession,
	})

	return &ChargeResult{
		Outcome:       OutcomeFailed,
		Payment:       recorded,
		Invoice:       cc.invoice,
		TransactionID: transactionID,
		Reason:        reason,
	}, nil
}

func (o *PaymentOrchestrator) newPayment(cc *chargeContext, status models.PaymentStatus, transactionID string, at time.Time) *models.Payment {
	return &models.Payment{
		ParentID:               cc.parent.ID,
		StudentID:              cc.studentID,
		InvoiceID:              cc.invoiceID(),
		InvoiceNumber:          cc.invoiceNumber(),
		Amount:                 cc.amount,
		Currency:               cc.currency,
		PaymentMethod:          cc.method,
		ProcessorTransactionID: transactionID,
		PaymentGateway:         models.PaymentGatewayStripe,
		Status:                 status,
		PaymentDate:            at,
		Description:            cc.description,
		Metadata: map[string]interface{}{
			"off_session": cc.offSession,
		},
	}
}

func (o *PaymentOrchestrator) flagForReview(ctx context.Context, cc *chargeContext, payment *models.Payment, transactionID string, kind models.ReconciliationKind, amount int64, note string) {
	rec := &models.Reconciliation{
		Kind:          kind,
		ParentID:      cc.parent.ID,
		InvoiceID:     cc.invoiceID(),
		TransactionID: transactionID,
		Amount:        amount,
		Currency:      cc.currency,
		Note:          note,
	}
	if payment != nil {
		id := payment.ID
		rec.PaymentID = &id
	}
	if err := o.records.FlagForReview(ctx, rec); err != nil {
		log.Errorf("Failed to flag transaction %s for review: %v", transactionID, err)
		return
	}
	log.Warnj(log.JSON{
		"event":          "reconciliation_flagged",
		"kind":           kind,
		"transaction_id": transactionID,
		"invoice_number": cc.invoiceNumber(),
		"note":           note,
	})
}

func (o *PaymentOrchestrator) openSession(ctx context.Context, cc *chargeContext, intent *IntentResult) {
	reqMeta, _ := json.Marshal(map[string]interface{}{
		"amount":      cc.amount,
		"currency":    cc.currency,
		"method_id":   cc.method.MethodID,
		"off_session": cc.offSession,
	})
	respMeta, _ := json.Marshal(map[string]interface{}{
		"status":         intent.Status,
		"transaction_id": intent.TransactionID,
		"amount":         intent.AmountMinor,
	})

	session := models.PaymentSession{
		InvoiceID:        cc.invoice.ID,
		ParentID:         cc.parent.ID,
		PaymentGateway:   models.PaymentGatewayStripe,
		TransactionID:    intent.TransactionID,
		MethodID:         cc.method.MethodID,
		AmountMinor:      cc.amount,
		Currency:         cc.currency,
		IsActive:         true,
		RequestMetadata:  reqMeta,
		ResponseMetadata: respMeta,
	}
	if err := o.db.WithContext(ctx).Create(&session).Error; err != nil {
		log.Errorf("Failed to record payment session %s: %v", intent.TransactionID, err)
	}
}

// ensureCustomer returns the parent's processor customer, creating it on first use
func (o *PaymentOrchestrator) ensureCustomer(ctx context.Context, parent *models.Parent) (string, error) {
	if parent.CardDetail.StripeCustomerID != "" {
		return parent.CardDetail.StripeCustomerID, nil
	}

	customerID, err := o.gateway.CreateCustomer(ctx, CustomerProfile{
		Name:    parent.FullName,
		Email:   parent.Email,
		Phone:   parent.Phone,
		Address: parent.Address,
		Metadata: map[string]string{
			"parentId":       strconv.FormatUint(uint64(parent.ID), 10),
			"identityNumber": parent.IdentityNumber,
		},
	})
	if err != nil {
		return "", err
	}
	if err := o.vault.SetCustomerID(ctx, parent.ID, customerID); err != nil {
		return "", err
	}
	parent.CardDetail.StripeCustomerID = customerID
	return customerID, nil
}

func (o *PaymentOrchestrator) intentMetadata(cc *chargeContext) map[string]string {
	meta := map[string]string{
		"parentId":   strconv.FormatUint(uint64(cc.parent.ID), 10),
		"parentName": cc.parent.FullName,
	}
	if cc.invoice != nil {
		meta["invoiceId"] = strconv.FormatUint(uint64(cc.invoice.ID), 10)
		meta["invoiceNumber"] = cc.invoice.InvoiceNumber
	}
	if cc.studentID != nil {
		meta["studentId"] = strconv.FormatUint(uint64(*cc.studentID), 10)
	}
	return meta
}

func (o *PaymentOrchestrator) sendReceipt(cc *chargeContext, payment *models.Payment) {
	if o.mailer == nil || cc.parent.Email == "" {
		return
	}
	receipt := Receipt{
		To:            cc.parent.Email,
		ParentName:    cc.parent.FullName,
		InvoiceNumber: cc.invoiceNumber(),
		Description:   payment.Description,
		AmountMinor:   payment.Amount,
		Currency:      payment.Currency,
		PaidAt:        payment.PaymentDate,
		TransactionID: payment.ProcessorTransactionID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.mailer.SendReceiptEmail(ctx, receipt); err != nil {
			log.Warnf("Failed to send receipt for %s: %v", receipt.TransactionID, err)
		}
	}()
}

func (o *PaymentOrchestrator) loadParent(ctx context.Context, parentID uint) (*models.Parent, error) {
	return o.vault.loadParent(ctx, parentID)
}

func transactionOf(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.TransactionID
	}
	return ""
}
