package services

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"
	"gorm.io/gorm"

	"school_billing_echo/internal/models"
)

// SweepSummary counts what one sweep did
type SweepSummary struct {
	Sweep          string `json:"sweep"`
	Processed      int    `json:"processed"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	RequiresAction int    `json:"requires_action"`
	Advanced       int    `json:"schedules_advanced,omitempty"`
}

func (s *SweepSummary) count(result *ChargeResult, err error) {
	s.Processed++
	switch {
	case err != nil:
		s.Failed++
	case result == nil:
		s.Failed++
	case result.Outcome == OutcomeSucceeded:
		s.Succeeded++
	case result.Outcome == OutcomeSkipped:
		s.Skipped++
	case result.Outcome == OutcomeRequiresAction, result.Outcome == OutcomeProcessing:
		s.RequiresAction++
	default:
		s.Failed++
	}
}

// Map renders the summary for task history
func (s SweepSummary) Map() map[string]interface{} {
	return map[string]interface{}{
		"sweep":              s.Sweep,
		"processed":          s.Processed,
		"succeeded":          s.Succeeded,
		"failed":             s.Failed,
		"skipped":            s.Skipped,
		"requires_action":    s.RequiresAction,
		"schedules_advanced": s.Advanced,
	}
}

// Charger is the part of the orchestrator the scheduler uses
type Charger interface {
	AutoChargeDefaultMethod(ctx context.Context, target ChargeTarget) (*ChargeResult, error)
}

// BillingScheduler runs the daily collection sweeps
type BillingScheduler struct {
	db      *gorm.DB
	ledger  *InvoiceLedger
	charger Charger
	clock   func() time.Time
}

func NewBillingScheduler(db *gorm.DB, ledger *InvoiceLedger, charger Charger, clock func() time.Time) *BillingScheduler {
	if clock == nil {
		clock = time.Now
	}
	return &BillingScheduler{db: db, ledger: ledger, charger: charger, clock: clock}
}

// SweepPendingInvoices tries the default card of every pending invoice's parent.
// Each invoice is isolated: a failure is logged and counted, never returned.
func (s *BillingScheduler) SweepPendingInvoices(ctx context.Context) SweepSummary {
	summary := SweepSummary{Sweep: "pending_invoices"}

	invoices, err := s.ledger.PendingInvoices(ctx)
	if err != nil {
		log.Errorf("Pending sweep could not load invoices: %v", err)
		return summary
	}

	day := s.clock().UTC().Format("2006-01-02")
	for _, inv := range invoices {
		if ctx.Err() != nil {
			log.Warn("Pending sweep interrupted")
			break
		}

		result, err := s.safeCharge(ctx, ChargeTarget{
			ParentID:    inv.ParentID,
			StudentID:   inv.StudentID,
			InvoiceID:   inv.ID,
			Description: "Auto payment of pending invoice",
			// a re-run on the same day reuses the processor-side intent
			IdempotencyKey: fmt.Sprintf("auto-invoice-%d-%s", inv.ID, day),
		})
		summary.count(result, err)
		if err != nil {
			log.Errorf("Auto charge of invoice %s failed: %v", inv.InvoiceNumber, err)
		}
	}

	log.Infoj(log.JSON{"event": "sweep_finished", "summary": summary.Map()})
	return summary
}

// SweepRecurringSchedules charges every enrolled student's fee for parents whose schedule is due,
// then moves each parent's next payment date one cadence step forward whatever the outcome.
func (s *BillingScheduler) SweepRecurringSchedules(ctx context.Context) SweepSummary {
	summary := SweepSummary{Sweep: "recurring_schedules"}
	now := s.clock()

	var parents []models.Parent
	err := s.db.WithContext(ctx).
		Preload("Students").
		Where("recurring_enabled = ? AND recurring_next_payment_date IS NOT NULL AND recurring_next_payment_date <= ?", true, now).
		Order("id asc").
		Find(&parents).Error
	if err != nil {
		log.Errorf("Recurring sweep could not load parents: %v", err)
		return summary
	}

	for _, parent := range parents {
		if ctx.Err() != nil {
			log.Warn("Recurring sweep interrupted")
			break
		}

		scheduled := *parent.RecurringPayment.NextPaymentDate
		for _, student := range parent.Students {
			if student.FeeAmount <= 0 {
				continue
			}
			studentID := student.ID
			result, err := s.safeCharge(ctx, ChargeTarget{
				ParentID:       parent.ID,
				StudentID:      &studentID,
				AmountMinor:    student.FeeAmount,
				Description:    fmt.Sprintf("Recurring payment for %s", student.StudentName),
				IdempotencyKey: fmt.Sprintf("recurring-%d-%d-%s", parent.ID, student.ID, scheduled.UTC().Format("2006-01-02")),
			})
			summary.count(result, err)
			if err != nil {
				log.Errorf("Recurring charge for student %d of parent %d failed: %v", student.ID, parent.ID, err)
			}
		}

		if err := s.advanceSchedule(ctx, parent, scheduled); err != nil {
			log.Errorf("Failed to advance recurring schedule of parent %d: %v", parent.ID, err)
			continue
		}
		summary.Advanced++
	}

	log.Infoj(log.JSON{"event": "sweep_finished", "summary": summary.Map()})
	return summary
}

// advanceSchedule moves the next payment date only if nobody else moved it first
func (s *BillingScheduler) advanceSchedule(ctx context.Context, parent models.Parent, scheduled time.Time) error {
	freq := parent.RecurringPayment.Frequency
	if !freq.Valid() {
		freq = models.FrequencyMonthly
	}
	next := freq.Advance(scheduled)

	res := s.db.WithContext(ctx).Model(&models.Parent{}).
		Where("id = ? AND recurring_next_payment_date = ?", parent.ID, scheduled).
		Update("recurring_next_payment_date", next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Warnf("Recurring schedule of parent %d already advanced", parent.ID)
	}
	return nil
}

// MarkOverdue flips past-due pending invoices to overdue
func (s *BillingScheduler) MarkOverdue(ctx context.Context) (int64, error) {
	n, err := s.ledger.MarkOverdueInvoices(ctx)
	if err != nil {
		return 0, err
	}
	log.Infoj(log.JSON{"event": "overdue_marked", "count": n})
	return n, nil
}

// safeCharge keeps one item's panic from taking down the whole sweep
func (s *BillingScheduler) safeCharge(ctx context.Context, target ChargeTarget) (result *ChargeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("charge panicked: %v", r)
		}
	}()
	return s.charger.AutoChargeDefaultMethod(ctx, target)
}
