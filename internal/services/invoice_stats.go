package services

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"school_billing_echo/internal/models"
)

// PeriodTotal is the unpaid balance of invoices due in one month
type PeriodTotal struct {
	Period   string `json:"period"` // YYYY-MM
	Unpaid   int64  `json:"unpaid"`
	Invoices int    `json:"invoices"`
}

// MonthlyStat splits one month's billing into paid and unpaid amounts
type MonthlyStat struct {
	Month  int   `json:"month"`
	Paid   int64 `json:"paid"`
	Unpaid int64 `json:"unpaid"`
}

// InvoiceStats summarizes a year of invoices
type InvoiceStats struct {
	Year          int           `json:"year"`
	TotalInvoices int           `json:"total_invoices"`
	TotalBilled   int64         `json:"total_billed"`
	TotalPaid     int64         `json:"total_paid"`
	TotalUnpaid   int64         `json:"total_unpaid"`
	PendingCount  int           `json:"pending_count"`
	OverdueCount  int           `json:"overdue_count"`
	PaidCount     int           `json:"paid_count"`
	Monthly       []MonthlyStat `json:"monthly"`
}

func (l *InvoiceLedger) invoicesDueIn(ctx context.Context, year int) ([]models.Invoice, error) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	var invoices []models.Invoice
	err := l.db.WithContext(ctx).
		Where("due_date >= ? AND due_date < ?", start, end).
		Find(&invoices).Error
	if err != nil {
		return nil, internal("failed to load invoices", err)
	}
	return invoices, nil
}

// UnpaidTotalsByPeriod groups outstanding balances by due month
func (l *InvoiceLedger) UnpaidTotalsByPeriod(ctx context.Context, year int) ([]PeriodTotal, error) {
	invoices, err := l.invoicesDueIn(ctx, year)
	if err != nil {
		return nil, err
	}

	unpaid := lo.Filter(invoices, func(i models.Invoice, _ int) bool { return i.IsPayable() })
	grouped := lo.GroupBy(unpaid, func(i models.Invoice) string { return i.DueDate.UTC().Format("2006-01") })

	totals := make([]PeriodTotal, 0, len(grouped))
	for period, items := range grouped {
		totals = append(totals, PeriodTotal{
			Period:   period,
			Unpaid:   lo.SumBy(items, func(i models.Invoice) int64 { return i.Outstanding() }),
			Invoices: len(items),
		})
	}
	sort.Slice(totals, func(a, b int) bool { return totals[a].Period < totals[b].Period })
	return totals, nil
}

// Stats returns yearly totals plus a month-by-month paid/unpaid split
func (l *InvoiceLedger) Stats(ctx context.Context, year int) (*InvoiceStats, error) {
	invoices, err := l.invoicesDueIn(ctx, year)
	if err != nil {
		return nil, err
	}

	stats := &InvoiceStats{Year: year, TotalInvoices: len(invoices), Monthly: make([]MonthlyStat, 12)}
	for m := range stats.Monthly {
		stats.Monthly[m].Month = m + 1
	}

	for _, inv := range invoices {
		stats.TotalBilled += inv.TotalAmount
		stats.TotalPaid += inv.PaidAmount
		stats.TotalUnpaid += inv.Outstanding()

		switch inv.Status {
		case models.InvoiceStatusPaid:
			stats.PaidCount++
		case models.InvoiceStatusOverdue:
			stats.OverdueCount++
		default:
			stats.PendingCount++
		}

		m := int(inv.DueDate.UTC().Month()) - 1
		stats.Monthly[m].Paid += inv.PaidAmount
		stats.Monthly[m].Unpaid += inv.Outstanding()
	}
	return stats, nil
}
