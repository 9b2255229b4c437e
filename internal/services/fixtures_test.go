package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"school_billing_echo/internal/models"
)

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// every query must see the same in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

// fakeGateway records calls and answers with whatever the test wired in
type fakeGateway struct {
	mu sync.Mutex

	createCustomer func(ctx context.Context, profile CustomerProfile) (string, error)
	attach         func(ctx context.Context, customerID, methodID string) (*CardSnapshot, error)
	setDefault     func(ctx context.Context, customerID, methodID string) error
	intent         func(ctx context.Context, req IntentRequest) (*IntentResult, error)
	cancel         func(ctx context.Context, transactionID string) error
	deleteCustomer func(ctx context.Context, customerID string) error

	intents   []IntentRequest
	cancelled []string
	deleted   []string
	customers int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{}
}

// succeedWith makes every intent succeed under a fresh transaction id
func (g *fakeGateway) succeedWith(prefix string) *fakeGateway {
	g.intent = func(_ context.Context, req IntentRequest) (*IntentResult, error) {
		g.mu.Lock()
		n := len(g.intents)
		g.mu.Unlock()
		return &IntentResult{Status: IntentSucceeded, TransactionID: fmt.Sprintf("%s_%d", prefix, n), AmountMinor: req.AmountMinor}, nil
	}
	return g
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, profile CustomerProfile) (string, error) {
	g.mu.Lock()
	g.customers++
	n := g.customers
	g.mu.Unlock()
	if g.createCustomer != nil {
		return g.createCustomer(ctx, profile)
	}
	return fmt.Sprintf("cus_test_%d", n), nil
}

func (g *fakeGateway) AttachMethod(ctx context.Context, customerID, methodID string) (*CardSnapshot, error) {
	if g.attach != nil {
		return g.attach(ctx, customerID, methodID)
	}
	return &CardSnapshot{MethodID: methodID, Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030}, nil
}

func (g *fakeGateway) SetDefaultMethod(ctx context.Context, customerID, methodID string) error {
	if g.setDefault != nil {
		return g.setDefault(ctx, customerID, methodID)
	}
	return nil
}

func (g *fakeGateway) CreateAndConfirmPaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	g.mu.Lock()
	g.intents = append(g.intents, req)
	g.mu.Unlock()
	if g.intent != nil {
		return g.intent(ctx, req)
	}
	return &IntentResult{Status: IntentSucceeded, TransactionID: "pi_default", AmountMinor: req.AmountMinor}, nil
}

func (g *fakeGateway) CancelPaymentIntent(ctx context.Context, transactionID string) error {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, transactionID)
	g.mu.Unlock()
	if g.cancel != nil {
		return g.cancel(ctx, transactionID)
	}
	return nil
}

func (g *fakeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	g.mu.Lock()
	g.deleted = append(g.deleted, customerID)
	g.mu.Unlock()
	if g.deleteCustomer != nil {
		return g.deleteCustomer(ctx, customerID)
	}
	return nil
}

func (g *fakeGateway) intentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intents)
}

// openLocker grants every lock, simulating two instances that do not share a lock store
type openLocker struct{}

func (openLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// memoryCache is a ResponseCache backed by a map
type memoryCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: map[string][]byte{}}
}

func (c *memoryCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.items[key]
	if !ok {
		return fmt.Errorf("cache miss: %s", key)
	}
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items[key] = raw
	c.mu.Unlock()
	return nil
}

type billingEnv struct {
	db           *gorm.DB
	gateway      *fakeGateway
	vault        *CardVault
	ledger       *InvoiceLedger
	records      *PaymentRecords
	orchestrator *PaymentOrchestrator
}

func newBillingEnv(t *testing.T) *billingEnv {
	return newBillingEnvWithLocker(t, NewLocalLocker())
}

func newBillingEnvWithLocker(t *testing.T, locker Locker) *billingEnv {
	t.Helper()
	db := newTestDB(t)
	gw := newFakeGateway()

	vault := NewCardVault(db)
	vault.now = fixedClock
	ledger := NewInvoiceLedger(db, "usd")
	ledger.now = fixedClock
	records := NewPaymentRecords(db)
	orch := NewPaymentOrchestrator(db, vault, ledger, records, gw, locker, OrchestratorConfig{AppBaseURL: "https://school.test"})
	orch.now = fixedClock

	return &billingEnv{db: db, gateway: gw, vault: vault, ledger: ledger, records: records, orchestrator: orch}
}

type parentOpts struct {
	customerID string
	cards      []models.StoredPaymentMethod
	recurring  models.RecurringPayment
}

func withDefaultCard() parentOpts {
	return parentOpts{
		customerID: "cus_existing",
		cards: []models.StoredPaymentMethod{{
			MethodID: "pm_saved", Brand: "visa", Last4: "1111", ExpMonth: 1, ExpYear: 2031, IsDefault: true, AddedAt: testNow,
		}},
	}
}

func seedParent(t *testing.T, db *gorm.DB, name string, opts parentOpts) *models.Parent {
	t.Helper()
	p := &models.Parent{
		FullName: name,
		Email:    fmt.Sprintf("%s@example.com", name),
		CardDetail: models.CardDetail{
			StripeCustomerID: opts.customerID,
			PaymentMethods:   opts.cards,
		},
		RecurringPayment: opts.recurring,
	}
	if def := p.DefaultMethod(); def != nil {
		p.CardDetail.DefaultPaymentMethodID = def.MethodID
	}
	if p.RecurringPayment.Frequency == "" {
		p.RecurringPayment.Frequency = models.FrequencyMonthly
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func seedStudent(t *testing.T, db *gorm.DB, parentID uint, name string, fee int64) *models.Student {
	t.Helper()
	s := &models.Student{ParentID: parentID, StudentName: name, Email: name + "@students.example.com", FeeAmount: fee}
	require.NoError(t, db.Create(s).Error)
	return s
}

func seedInvoice(t *testing.T, ledger *InvoiceLedger, parentID uint, total int64) *models.Invoice {
	t.Helper()
	inv, err := ledger.CreateInvoice(context.Background(), CreateInvoiceInput{
		ParentID: parentID,
		Items:    []models.InvoiceItem{{Description: "Tuition", UnitAmount: total, Quantity: 1}},
	})
	require.NoError(t, err)
	return inv
}

func reloadInvoice(t *testing.T, db *gorm.DB, id uint) models.Invoice {
	t.Helper()
	var inv models.Invoice
	require.NoError(t, db.First(&inv, id).Error)
	return inv
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func reloadParent(t *testing.T, db *gorm.DB, id uint) models.Parent {
	t.Helper()
	var p models.Parent
	require.NoError(t, db.First(&p, id).Error)
	return p
}
