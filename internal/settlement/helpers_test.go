package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/models"
	"coaching_settlement/internal/store"
)

var errGatewayDown = errors.New("gateway unavailable")

type fakeGateway struct {
	mu sync.Mutex

	charges     map[string]*Charge
	transfers   map[string]*Transfer
	byGroup     map[string]string
	refunds     []GatewayRefundRequest
	transferReq []TransferRequest
	reversals   []decimal.Decimal

	refundStatus string
	refundErr    error
	transferErr  error
	reverseErr   error

	// runs once, before the next transfer is recorded
	beforeTransfer func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		charges:      map[string]*Charge{},
		transfers:    map[string]*Transfer{},
		byGroup:      map[string]string{},
		refundStatus: RefundStatusSucceeded,
	}
}

func (g *fakeGateway) setFee(chargeID string, fee string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[chargeID] = &Charge{
		ID:                   chargeID,
		Fee:                  decimal.RequireFromString(fee),
		Currency:             "CHF",
		BalanceTransactionID: "txn_" + chargeID,
	}
}

func (g *fakeGateway) addTransfer(t *Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers[t.ID] = t
}

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transferReq)
}

func (g *fakeGateway) RetrieveCharge(_ context.Context, chargeID string) (*Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[chargeID]
	if !ok {
		return nil, ErrFeeNotAvailable
	}
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, req GatewayRefundRequest) (*GatewayRefund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	return &GatewayRefund{ID: fmt.Sprintf("re_%d", len(g.refunds)), Status: g.refundStatus}, nil
}

func (g *fakeGateway) CreateTransfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	g.mu.Lock()
	hook := g.beforeTransfer
	g.beforeTransfer = nil
	g.mu.Unlock()
	if hook != nil {
		hook()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	g.transferReq = append(g.transferReq, req)
	t := &Transfer{
		ID:             fmt.Sprintf("tr_%d", len(g.transferReq)),
		Amount:         req.Amount,
		AmountReversed: decimal.Zero,
		Currency:       req.Currency,
		Destination:    req.Destination,
		Metadata:       req.Metadata,
	}
	g.transfers[t.ID] = t
	g.byGroup[req.TransferGroup] = t.ID
	cp := *t
	return &cp, nil
}

func (g *fakeGateway) FindTransfer(_ context.Context, group string) (*Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byGroup[group]
	if !ok {
		return nil, nil
	}
	cp := *g.transfers[id]
	return &cp, nil
}

func (g *fakeGateway) GetTransfer(_ context.Context, id string) (*Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.transfers[id]
	if !ok {
		return nil, fmt.Errorf("no such transfer: %s", id)
	}
	cp := *t
	return &cp, nil
}

func (g *fakeGateway) ReverseTransfer(_ context.Context, id string, amount decimal.Decimal, _ map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reverseErr != nil {
		return "", g.reverseErr
	}
	t := g.transfers[id]
	t.AmountReversed = t.AmountReversed.Add(amount)
	t.Reversed = t.AmountReversed.GreaterThanOrEqual(t.Amount)
	g.reversals = append(g.reversals, amount)
	return fmt.Sprintf("trr_%d", len(g.reversals)), nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	alerts []Alert
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		names = append(names, e.Name)
	}
	return names
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	cfg      config.Settlement
	ledger   *store.LedgerStore
	db       *gorm.DB
	gateway  *fakeGateway
	rec      *recorder
	clock    *clock
	fees     *FeeReconciler
	payouts  *PayoutOrchestrator
	refunds  *RefundService
	sweeper  *StaleLockSweeper
	confirms *PayoutConfirmer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Recipient{}, &models.Payment{}, &models.Transaction{}, &models.ReconciliationIssue{}))

	h := &harness{
		cfg:     config.DefaultSettlement(),
		ledger:  store.NewLedgerStore(db),
		db:      db,
		gateway: newFakeGateway(),
		rec:     &recorder{},
		clock:   &clock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
	}
	log := zap.NewNop()
	h.fees = NewFeeReconciler(h.cfg, h.ledger, h.gateway, log)
	h.payouts = NewPayoutOrchestrator(h.cfg, h.ledger, h.gateway, h.rec, h.rec, log)
	h.payouts.now = h.clock.Now
	h.refunds = NewRefundService(h.cfg, h.ledger, h.gateway, h.rec, h.rec, log)
	h.refunds.now = h.clock.Now
	h.sweeper = NewStaleLockSweeper(h.cfg, h.ledger, log)
	h.sweeper.now = h.clock.Now
	h.confirms = NewPayoutConfirmer(h.cfg, h.ledger, h.gateway, log)
	h.confirms.now = h.clock.Now
	return h
}

func (h *harness) recipient(t *testing.T, account string, taxRate string) *models.Recipient {
	t.Helper()
	r := &models.Recipient{
		Name:             "Coach",
		Email:            "coach-" + uuid.NewString() + "@example.com",
		GatewayAccountID: account,
		TaxRate:          decimal.Zero,
	}
	if taxRate != "" {
		r.TaxRegistered = true
		r.TaxRate = decimal.RequireFromString(taxRate)
	}
	require.NoError(t, h.ledger.CreateRecipient(context.Background(), r))
	return r
}

type paymentFixture struct {
	total, platformFee, vat string
	processorFee            string
	payoutStatus            models.PayoutStatus
	transferID              string
}

// duePayment stores a completed charge whose payout is due now. A non-empty
// processorFee is recorded as its fee transaction.
func (h *harness) duePayment(t *testing.T, r *models.Recipient, s paymentFixture) *models.Payment {
	t.Helper()
	ctx := context.Background()
	due := h.clock.Now()
	status := s.payoutStatus
	if status == "" {
		status = models.PayoutStatusPending
	}
	p := &models.Payment{
		PayerID:         "payer-1",
		RecipientID:     r.ID,
		PaymentIntentID: "pi_" + uuid.NewString(),
		Type:            models.PaymentTypeCharge,
		Status:          models.PaymentStatusCompleted,
		Amount: models.Amount{
			Total:       decimal.RequireFromString(s.total),
			PlatformFee: decimal.RequireFromString(s.platformFee),
			VAT:         models.VAT{Amount: decimal.RequireFromString(s.vat)},
			Captured:    decimal.RequireFromString(s.total),
			Currency:    "chf",
		},
		PayoutStatus:        status,
		NextPayoutAttemptAt: &due,
		StripeTransferID:    s.transferID,
	}
	p.ChargeID = "ch_" + p.PaymentIntentID
	require.NoError(t, h.ledger.CreatePayment(ctx, p))

	if s.processorFee != "" {
		_, err := h.ledger.RecordFeeOnce(ctx, p.ID, models.Money{Value: decimal.RequireFromString(s.processorFee), Currency: "chf"}, "txn", nil)
		require.NoError(t, err)
	}
	return p
}

func (h *harness) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := h.ledger.GetPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
