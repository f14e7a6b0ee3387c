package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/assignment"
	"github.com/mmeshcher/metroshop/internal/ledger"
	"github.com/mmeshcher/metroshop/internal/model"
	"github.com/mmeshcher/metroshop/internal/notify"
	"github.com/mmeshcher/metroshop/internal/repository"
	"github.com/mmeshcher/metroshop/internal/service"
	"github.com/mmeshcher/metroshop/internal/session"
)

const testSecret = "callback-secret"

type stubConfirmer struct {
	mu         sync.Mutex
	orders     map[string]int64
	confirmErr error
	confirmed  []int64
}

func (s *stubConfirmer) ResolvePaymentReference(_ context.Context, reference string) (int64, error) {
	id, ok := s.orders[reference]
	if !ok {
		return 0, model.ErrNotFound
	}
	return id, nil
}

func (s *stubConfirmer) ConfirmExternalPayment(_ context.Context, orderID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return false, s.confirmErr
	}
	s.confirmed = append(s.confirmed, orderID)
	return true, nil
}

func signedRequest(t *testing.T, body, signature string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/payments/callback", bytes.NewBufferString(body))
	if signature != "" {
		r.Header.Set(SignatureHeader, signature)
	}
	return r
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(testSecret)
	payload := []byte(`{"reference":"abc","status":"PAID"}`)

	sig := v.Sign(payload)
	assert.NoError(t, v.Verify(payload, sig))

	raw := v.mac(payload)
	assert.NoError(t, v.Verify(payload, base64.StdEncoding.EncodeToString(raw)))

	assert.ErrorIs(t, v.Verify(append(payload, ' '), sig), model.ErrSignatureInvalid)
	assert.ErrorIs(t, v.Verify(payload, ""), model.ErrSignatureInvalid)
	assert.ErrorIs(t, v.Verify(payload, "zz-not-a-signature"), model.ErrSignatureInvalid)
	assert.ErrorIs(t, NewVerifier("").Verify(payload, sig), model.ErrSignatureInvalid)
}

func TestCallbackHandler_Responses(t *testing.T) {
	v := NewVerifier(testSecret)

	tests := []struct {
		name       string
		body       string
		signature  func(body string) string
		confirmErr error
		wantStatus int
		wantCalls  int
	}{
		{
			name:       "paid",
			body:       `{"reference":"ref-1","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "bad signature",
			body:       `{"reference":"ref-1","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b + "x")) },
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing signature",
			body:       `{"reference":"ref-1","status":"PAID"}`,
			signature:  func(string) string { return "" },
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unknown reference",
			body:       `{"reference":"nope","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "malformed body",
			body:       `{"reference":`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty reference",
			body:       `{"reference":"","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non paid status is ignored",
			body:       `{"reference":"ref-1","status":"CANCELED"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "order already rejected",
			body:       `{"reference":"ref-1","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			confirmErr: model.ErrInvalidTransition,
			wantStatus: http.StatusOK,
		},
		{
			name:       "promo exhausted after payment",
			body:       `{"reference":"ref-1","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			confirmErr: fmt.Errorf("%w: %w", model.ErrPaymentHeld, model.ErrPromoExhausted),
			wantStatus: http.StatusOK,
		},
		{
			name:       "storage failure",
			body:       `{"reference":"ref-1","status":"PAID"}`,
			signature:  func(b string) string { return v.Sign([]byte(b)) },
			confirmErr: context.DeadlineExceeded,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &stubConfirmer{orders: map[string]int64{"ref-1": 7}, confirmErr: tt.confirmErr}
			h := NewCallbackHandler(v, c, nil, zap.NewNop(), nil)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, signedRequest(t, tt.body, tt.signature(tt.body)))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Len(t, c.confirmed, tt.wantCalls)
		})
	}
}

func TestCallbackHandler_GuardShortCircuitsDuplicates(t *testing.T) {
	v := NewVerifier(testSecret)
	guard, err := NewMemoryDeliveryGuard(16)
	require.NoError(t, err)

	c := &stubConfirmer{orders: map[string]int64{"ref-1": 7}}
	h := NewCallbackHandler(v, c, guard, zap.NewNop(), nil)

	body := `{"reference":"ref-1","status":"PAID"}`
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, v.Sign([]byte(body))))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Len(t, c.confirmed, 1)
}

func TestCallbackHandler_DuplicateDeliveriesApplyOnce(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := service.NewService(store, service.Deps{
		Ledger: ledger.New(7000, 500),
		Pool:   assignment.NewPool(3),
	})

	refExt := int64(1)
	referrer, _, err := svc.RegisterUser(ctx, refExt, "", nil)
	require.NoError(t, err)
	buyer, _, err := svc.RegisterUser(ctx, 2, "", &refExt)
	require.NoError(t, err)
	product, err := svc.CreateProduct(ctx, "Товар", "", 4000)
	require.NoError(t, err)
	order, _, err := svc.CreateOrder(ctx, session.State{}, buyer.ID, product.ID)
	require.NoError(t, err)

	v := NewVerifier(testSecret)
	h := NewCallbackHandler(v, svc, nil, zap.NewNop(), nil)
	body := `{"reference":"` + order.PaymentReference + `","status":"PAID"}`

	var wg sync.WaitGroup
	codes := make([]int, 5)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.ServeHTTP(w, signedRequest(t, body, v.Sign([]byte(body))))
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, got.Status)

	ref, err := svc.GetUser(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), ref.Balance, "bonus credited exactly once")
}

func TestCallbackHandler_BodyTooLarge(t *testing.T) {
	v := NewVerifier(testSecret)
	c := &stubConfirmer{orders: map[string]int64{"ref-1": 7}}
	h := NewCallbackHandler(v, c, nil, zap.NewNop(), nil)

	body := `{"reference":"ref-1","status":"PAID","pad":"` + strings.Repeat("x", maxCallbackBody) + `"}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, body, v.Sign([]byte(body))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, c.confirmed)
}

type staffRecorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *staffRecorder) Send(ns ...notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range ns {
		if n.UserID == notify.StaffChat {
			r.got = append(r.got, n)
		}
	}
}

func TestCallbackHandler_PromoExhaustedByAnotherBuyer(t *testing.T) {
	ctx := context.Background()
	staff := &staffRecorder{}
	svc := service.NewService(repository.NewMemoryStore(), service.Deps{
		Ledger:   ledger.New(7000, 500),
		Pool:     assignment.NewPool(3),
		Notifier: staff,
	})

	product, err := svc.CreateProduct(ctx, "Товар", "", 1000)
	require.NoError(t, err)
	_, err = svc.CreatePromocode(ctx, "LAST", 10, 1)
	require.NoError(t, err)

	var orders []*model.Order
	for _, ext := range []int64{1, 2} {
		buyer, _, err := svc.RegisterUser(ctx, ext, "", nil)
		require.NoError(t, err)
		order, _, err := svc.CreateOrder(ctx, session.State{}.WithPromo("LAST", 10), buyer.ID, product.ID)
		require.NoError(t, err)
		orders = append(orders, order)
	}

	v := NewVerifier(testSecret)
	h := NewCallbackHandler(v, svc, nil, zap.NewNop(), nil)
	deliver := func(o *model.Order) int {
		body := `{"reference":"` + o.PaymentReference + `","status":"PAID"}`
		w := httptest.NewRecorder()
		h.ServeHTTP(w, signedRequest(t, body, v.Sign([]byte(body))))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, deliver(orders[0]))
	assert.Equal(t, http.StatusOK, deliver(orders[1]))
	assert.Equal(t, http.StatusOK, deliver(orders[1]), "redelivery is not an error either")

	first, err := svc.GetOrder(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, first.Status)

	second, err := svc.GetOrder(ctx, orders[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPendingVerification, second.Status)

	promos, err := svc.ListPromocodes(ctx)
	require.NoError(t, err)
	require.Len(t, promos, 1)
	assert.Equal(t, 0, promos[0].ActivationsLeft)

	staff.mu.Lock()
	defer staff.mu.Unlock()
	var held int
	for _, n := range staff.got {
		if n.Action == fmt.Sprintf("reject:%d", orders[1].ID) {
			held++
		}
	}
	assert.Equal(t, 1, held)
}

func TestRedisDeliveryGuard(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	g := NewRedisDeliveryGuard(rdb, time.Minute)
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	defer rdb.Del(ctx, deliveryKey(key))

	seen, err := g.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, g.Mark(ctx, key))

	seen, err = g.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}
