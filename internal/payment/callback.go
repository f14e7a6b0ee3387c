package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/metrics"
	"github.com/mmeshcher/metroshop/internal/model"
)

const (
	maxCallbackBody = 64 << 10
	statusPaid      = "PAID"
)

// Confirmer подтверждает оплату заказа по внешнему идентификатору платежа.
type Confirmer interface {
	ResolvePaymentReference(ctx context.Context, reference string) (int64, error)
	ConfirmExternalPayment(ctx context.Context, orderID int64) (bool, error)
}

// Callback описывает тело уведомления платёжной системы.
type Callback struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// CallbackHandler принимает уведомления платёжной системы. Подпись проверяется по сырому телу
// до разбора, поэтому обработчик монтируется без распаковки gzip. Тело больше 64 КиБ
// отклоняется с 413. Оплата только подтверждается, откатить изменения отсюда нельзя.
type CallbackHandler struct {
	verifier  *Verifier
	confirmer Confirmer
	guard     DeliveryGuard
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewCallbackHandler создаёт обработчик уведомлений. guard и m могут быть nil.
func NewCallbackHandler(v *Verifier, c Confirmer, guard DeliveryGuard, logger *zap.Logger, m *metrics.Metrics) *CallbackHandler {
	return &CallbackHandler{
		verifier:  v,
		confirmer: c,
		guard:     guard,
		logger:    logger,
		metrics:   m,
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reply(w, http.StatusRequestEntityTooLarge, "too_large")
			return
		}
		h.reply(w, http.StatusBadRequest, "unreadable")
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.Warn("payment callback signature mismatch", zap.String("remote", r.RemoteAddr))
		h.reply(w, http.StatusForbidden, "bad_signature")
		return
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil || strings.TrimSpace(cb.Reference) == "" {
		h.reply(w, http.StatusBadRequest, "malformed")
		return
	}

	if !strings.EqualFold(cb.Status, statusPaid) {
		h.logger.Info("payment callback ignored",
			zap.String("reference", cb.Reference),
			zap.String("status", cb.Status),
		)
		h.reply(w, http.StatusOK, "ignored")
		return
	}

	ctx := r.Context()
	key := cb.Reference + ":" + statusPaid

	if h.guard != nil {
		seen, err := h.guard.Seen(ctx, key)
		if err != nil {
			h.logger.Warn("delivery guard lookup failed", zap.Error(err))
		} else if seen {
			h.reply(w, http.StatusOK, "duplicate")
			return
		}
	}

	orderID, err := h.confirmer.ResolvePaymentReference(ctx, cb.Reference)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.logger.Warn("payment callback for unknown reference", zap.String("reference", cb.Reference))
			h.reply(w, http.StatusNotFound, "unknown_order")
			return
		}
		h.logger.Error("resolve payment reference", zap.String("reference", cb.Reference), zap.Error(err))
		h.reply(w, http.StatusInternalServerError, "error")
		return
	}

	changed, err := h.confirmer.ConfirmExternalPayment(ctx, orderID)
	switch {
	case errors.Is(err, model.ErrInvalidTransition):
		h.logger.Error("paid callback for order that cannot be confirmed",
			zap.Int64("orderID", orderID),
			zap.Error(err),
		)
		h.reply(w, http.StatusOK, "not_confirmable")
		return
	case errors.Is(err, model.ErrPaymentHeld):
		h.logger.Error("paid callback held for manual review",
			zap.Int64("orderID", orderID),
			zap.Error(err),
		)
		h.markDelivered(ctx, key)
		h.reply(w, http.StatusOK, "held")
		return
	case err != nil:
		h.logger.Error("confirm external payment", zap.Int64("orderID", orderID), zap.Error(err))
		h.reply(w, http.StatusInternalServerError, "error")
		return
	}

	h.markDelivered(ctx, key)

	if changed {
		h.reply(w, http.StatusOK, "confirmed")
		return
	}
	h.reply(w, http.StatusOK, "already_confirmed")
}

func (h *CallbackHandler) markDelivered(ctx context.Context, key string) {
	if h.guard == nil {
		return
	}
	if err := h.guard.Mark(ctx, key); err != nil {
		h.logger.Warn("delivery guard mark failed", zap.Error(err))
	}
}

func (h *CallbackHandler) reply(w http.ResponseWriter, status int, result string) {
	h.metrics.PaymentCallback(result)
	if status == http.StatusOK {
		w.WriteHeader(status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}
