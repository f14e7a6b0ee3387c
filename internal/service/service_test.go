package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/metroshop/internal/assignment"
	"github.com/mmeshcher/metroshop/internal/ledger"
	"github.com/mmeshcher/metroshop/internal/model"
	"github.com/mmeshcher/metroshop/internal/notify"
	"github.com/mmeshcher/metroshop/internal/repository"
	"github.com/mmeshcher/metroshop/internal/session"
)

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Send(ns ...notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ns...)
}

func (r *recorder) to(userID int64) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []notify.Notification
	for _, n := range r.got {
		if n.UserID == userID {
			res = append(res, n)
		}
	}
	return res
}

type fixture struct {
	store *repository.MemoryStore
	svc   *Service
	sent  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repository.NewMemoryStore()
	rec := &recorder{}
	svc := NewService(store, Deps{
		Ledger:   ledger.New(7000, 500),
		Pool:     assignment.NewPool(3),
		Notifier: rec,
	})
	return &fixture{store: store, svc: svc, sent: rec}
}

func (f *fixture) user(t *testing.T, externalID int64, referrer *int64) int64 {
	t.Helper()
	u, created, err := f.svc.RegisterUser(context.Background(), externalID, "", referrer)
	require.NoError(t, err)
	require.True(t, created)
	return u.ID
}

func (f *fixture) product(t *testing.T, price int64) int64 {
	t.Helper()
	p, err := f.svc.CreateProduct(context.Background(), "Доставка", "", price)
	require.NoError(t, err)
	return p.ID
}

func (f *fixture) promoLeft(t *testing.T, code string) int {
	t.Helper()
	promos, err := f.svc.ListPromocodes(context.Background())
	require.NoError(t, err)
	for _, p := range promos {
		if p.Code == code {
			return p.ActivationsLeft
		}
	}
	t.Fatalf("promocode %s not found", code)
	return 0
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	u, err := f.svc.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func (f *fixture) status(t *testing.T, orderID int64) model.OrderStatus {
	t.Helper()
	o, err := f.svc.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

// orderWithPromo создаёт заказ покупателя с балансом 5000 на товар за 10000 с промокодом 10%.
func (f *fixture) orderWithPromo(t *testing.T) (buyer, referrer int64, order *model.Order) {
	t.Helper()
	ctx := context.Background()

	refExt := int64(100)
	referrer = f.user(t, refExt, nil)
	buyer = f.user(t, 200, &refExt)
	require.NoError(t, f.store.SetBalance(buyer, 5000))

	productID := f.product(t, 10000)
	_, err := f.svc.CreatePromocode(ctx, "sale10", 10, 5)
	require.NoError(t, err)

	st, err := f.svc.ActivatePromo(ctx, session.State{}, buyer, "SALE10")
	require.NoError(t, err)
	require.NotNil(t, st.ActivePromo)

	order, st, err = f.svc.CreateOrder(ctx, st, buyer, productID)
	require.NoError(t, err)
	assert.Nil(t, st.ActivePromo)
	assert.Equal(t, order.ID, st.AwaitingEvidence)
	return buyer, referrer, order
}

func TestOrder_ConfirmAppliesEffectsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer, referrer, order := f.orderWithPromo(t)

	assert.Equal(t, int64(1000), order.DiscountAmount)
	assert.Equal(t, int64(5000), order.BalanceApplied)
	assert.Equal(t, int64(4000), order.AmountDue)
	assert.Equal(t, order.BasePrice-order.DiscountAmount-order.BalanceApplied, order.AmountDue)
	assert.Equal(t, model.OrderStatusAwaitingPayment, order.Status)
	assert.Equal(t, int64(0), f.balance(t, buyer))
	assert.Equal(t, 5, f.promoLeft(t, "SALE10"), "promocode is consumed only on confirmation")

	st, err := f.svc.SubmitPaymentEvidence(ctx, session.State{AwaitingEvidence: order.ID}, buyer, order.ID)
	require.NoError(t, err)
	assert.Zero(t, st.AwaitingEvidence)

	changed, err := f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.ConfirmPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, model.OrderStatusPaid, f.status(t, order.ID))
	assert.Equal(t, 4, f.promoLeft(t, "SALE10"))
	assert.Equal(t, int64(200), f.balance(t, referrer))

	_, err = f.svc.ActivatePromo(ctx, session.State{}, buyer, "SALE10")
	assert.ErrorIs(t, err, model.ErrPromoAlreadyUsed)

	assert.Len(t, f.sent.to(referrer), 2, "registration and bonus notifications")
	assert.NotEmpty(t, f.sent.to(notify.StaffChat))
}

func TestOrder_RejectRefundsBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer, referrer, order := f.orderWithPromo(t)

	changed, err := f.svc.RejectPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(5000), f.balance(t, buyer))

	changed, err = f.svc.RejectPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(5000), f.balance(t, buyer), "refund happens once")

	assert.Equal(t, 5, f.promoLeft(t, "SALE10"))
	assert.Equal(t, int64(0), f.balance(t, referrer))

	_, err = f.svc.ActivatePromo(ctx, session.State{}, buyer, "SALE10")
	assert.NoError(t, err, "promocode stays usable after rejection")

	_, err = f.svc.ConfirmPayment(ctx, order.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = f.svc.ConfirmExternalPayment(ctx, order.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestOrder_RejectAfterPaidIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, order := f.orderWithPromo(t)
	_, err := f.svc.ConfirmExternalPayment(ctx, order.ID)
	require.NoError(t, err)

	_, err = f.svc.RejectPayment(ctx, order.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.OrderStatusPaid, f.status(t, order.ID))
}

func TestConfirmPayment_RequiresEvidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, order := f.orderWithPromo(t)

	_, err := f.svc.ConfirmPayment(ctx, order.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, model.OrderStatusAwaitingPayment, f.status(t, order.ID))

	changed, err := f.svc.ConfirmExternalPayment(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.OrderStatusPaid, f.status(t, order.ID))
}

func TestCreateOrder_PaidFromBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer := f.user(t, 1, nil)
	require.NoError(t, f.store.SetBalance(buyer, 15000))
	productID := f.product(t, 10000)

	order, st, err := f.svc.CreateOrder(ctx, session.State{}, buyer, productID)
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPendingVerification, order.Status)
	assert.Equal(t, int64(10000), order.BalanceApplied)
	assert.Zero(t, order.AmountDue)
	assert.Zero(t, st.AwaitingEvidence)
	assert.Equal(t, int64(5000), f.balance(t, buyer))

	staff := f.sent.to(notify.StaffChat)
	require.Len(t, staff, 1)
	assert.Equal(t, "confirm:1", staff[0].Action)
}

func TestCreateOrder_Failures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer := f.user(t, 1, nil)
	require.NoError(t, f.store.SetBalance(buyer, 300))
	productID := f.product(t, 1000)

	_, _, err := f.svc.CreateOrder(ctx, session.State{}, buyer, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)

	st := session.State{}.WithPromo("GHOST", 50)
	_, _, err = f.svc.CreateOrder(ctx, st, buyer, productID)
	assert.ErrorIs(t, err, model.ErrPromoUnknown)
	assert.Equal(t, int64(300), f.balance(t, buyer), "failed order must not debit balance")

	orders, err := f.svc.ListOrdersByBuyer(ctx, buyer, 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestFinalizePromo_ConcurrentConfirmations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	productID := f.product(t, 1000)
	_, err := f.svc.CreatePromocode(ctx, "ONCE", 20, 1)
	require.NoError(t, err)

	var orderIDs []int64
	for _, ext := range []int64{1, 2} {
		buyer := f.user(t, ext, nil)
		st, err := f.svc.ActivatePromo(ctx, session.State{}, buyer, "ONCE")
		require.NoError(t, err)
		order, _, err := f.svc.CreateOrder(ctx, st, buyer, productID)
		require.NoError(t, err)
		_, err = f.svc.SubmitPaymentEvidence(ctx, session.State{}, buyer, order.ID)
		require.NoError(t, err)
		orderIDs = append(orderIDs, order.ID)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(orderIDs))
	)
	for i, id := range orderIDs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.svc.ConfirmPayment(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrPromoExhausted):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 0, f.promoLeft(t, "ONCE"))

	var paid, pending int
	for _, id := range orderIDs {
		switch f.status(t, id) {
		case model.OrderStatusPaid:
			paid++
		case model.OrderStatusPendingVerification:
			pending++
		}
	}
	assert.Equal(t, 1, paid)
	assert.Equal(t, 1, pending, "failed confirmation leaves the order untouched")
}

func TestAdvance_DonePaysWorkersOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer := f.user(t, 1, nil)
	productID := f.product(t, 30000)
	order, _, err := f.svc.CreateOrder(ctx, session.State{}, buyer, productID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmExternalPayment(ctx, order.ID)
	require.NoError(t, err)

	workers := []int64{f.user(t, 11, nil), f.user(t, 12, nil), f.user(t, 13, nil)}
	for _, w := range workers {
		require.NoError(t, f.svc.Take(ctx, order.ID, w))
	}
	assert.ErrorIs(t, f.svc.Take(ctx, order.ID, f.user(t, 14, nil)), model.ErrCapacityExceeded)

	assert.ErrorIs(t, f.svc.Advance(ctx, order.ID, model.OrderStatusDelivering), model.ErrInvalidTransition, "cannot skip IN_PROGRESS")
	assert.ErrorIs(t, f.svc.Advance(ctx, order.ID, model.OrderStatusPaid), model.ErrInvalidTransition)

	require.NoError(t, f.svc.Advance(ctx, order.ID, model.OrderStatusInProgress))
	require.NoError(t, f.svc.Advance(ctx, order.ID, model.OrderStatusDelivering))
	require.NoError(t, f.svc.Advance(ctx, order.ID, model.OrderStatusDone))
	assert.ErrorIs(t, f.svc.Advance(ctx, order.ID, model.OrderStatusDone), model.ErrInvalidTransition)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.DoneAt)

	payouts, err := f.svc.ListPayouts(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 3)
	for _, p := range payouts {
		assert.Equal(t, int64(7000), p.Amount)
	}

	stats, err := f.svc.WorkerStats(ctx, workers[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Taken)
	assert.Equal(t, int64(7000), stats.Earned)

	assert.ErrorIs(t, f.svc.Take(ctx, order.ID, workers[0]), model.ErrInvalidTransition, "done order is not assignable")
}

func TestAdvance_ConcurrentDone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer := f.user(t, 1, nil)
	productID := f.product(t, 1000)
	order, _, err := f.svc.CreateOrder(ctx, session.State{}, buyer, productID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmExternalPayment(ctx, order.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Take(ctx, order.ID, buyer))
	require.NoError(t, f.svc.Advance(ctx, order.ID, model.OrderStatusInProgress))
	require.NoError(t, f.svc.Advance(ctx, order.ID, model.OrderStatusDelivering))

	const racers = 5
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.Advance(ctx, order.ID, model.OrderStatusDone) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	payouts, err := f.svc.ListPayouts(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	refExt := int64(10)
	referrer := f.user(t, refExt, nil)

	u, created, err := f.svc.RegisterUser(ctx, 20, "buyer", &refExt)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, u.ReferrerID)
	assert.Equal(t, referrer, *u.ReferrerID)

	other := int64(30)
	f.user(t, other, nil)
	again, created, err := f.svc.RegisterUser(ctx, 20, "buyer", &other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, referrer, *again.ReferrerID, "referrer is immutable")

	ref, err := f.svc.GetUser(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.ReferredCount)

	self := int64(40)
	_, _, err = f.svc.RegisterUser(ctx, 40, "", &self)
	assert.ErrorIs(t, err, model.ErrReferrerInvalid)

	missing := int64(999)
	_, _, err = f.svc.RegisterUser(ctx, 50, "", &missing)
	assert.ErrorIs(t, err, model.ErrReferrerInvalid)
}

func TestSubmitPaymentEvidence_ForeignOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	buyer, _, order := f.orderWithPromo(t)
	stranger := f.user(t, 300, nil)

	_, err := f.svc.SubmitPaymentEvidence(ctx, session.State{}, stranger, order.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.SubmitPaymentEvidence(ctx, session.State{}, buyer, order.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitPaymentEvidence(ctx, session.State{}, buyer, order.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCreatePromocode_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreatePromocode(ctx, "bad code!", 10, 1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.svc.CreatePromocode(ctx, "OK", 0, 1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = f.svc.CreatePromocode(ctx, "OK", 10, 1)
	require.NoError(t, err)
	_, err = f.svc.CreatePromocode(ctx, "ok", 20, 1)
	assert.ErrorIs(t, err, model.ErrPromoExists)

	_, err = f.svc.CreateProduct(ctx, "  ", "", 100)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.svc.CreateProduct(ctx, "Товар", "", 0)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRunPaymentReconciliation_NoClient(t *testing.T) {
	svc := NewService(repository.NewMemoryStore(), Deps{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = svc.RunPaymentReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("RunPaymentReconciliation did not return without client")
	}
}
