package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/model"
	"github.com/mmeshcher/metroshop/internal/processor"
)

const reconciliationBatch = 100

// CreateInvoice выставляет счёт платёжной системы на неоплаченный остаток заказа покупателя.
// Ошибки платёжной системы возвращаются как model.ErrUpstreamUnavailable без повторов.
func (s *Service) CreateInvoice(ctx context.Context, buyerID, orderID int64) (*processor.Invoice, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, model.ErrNotFound
	}
	if order.Status != model.OrderStatusAwaitingPayment {
		return nil, fmt.Errorf("%w: invoice for order in status %s", model.ErrInvalidTransition, order.Status)
	}
	if s.payments == nil {
		return nil, fmt.Errorf("%w: payment system not configured", model.ErrUpstreamUnavailable)
	}

	inv, err := s.payments.CreateInvoice(ctx, order.PaymentReference, order.AmountDue)
	if err != nil {
		s.logger.Warn("create invoice failed", zap.Int64("orderID", orderID), zap.Error(err))
		if !errors.Is(err, model.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return inv, nil
}

// RunPaymentReconciliation периодически опрашивает платёжную систему о состоянии счетов
// неоплаченных заказов и подтверждает оплаченные. Работает до отмены ctx.
func (s *Service) RunPaymentReconciliation(ctx context.Context) error {
	if s.payments == nil {
		return nil
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.processReconciliationBatch(ctx)
		}
	}
}

func (s *Service) processReconciliationBatch(ctx context.Context) {
	orders, err := s.repo.ListOrdersForReconciliation(ctx, reconciliationBatch)
	if err != nil {
		s.logger.Error("list orders for reconciliation", zap.Error(err))
		return
	}

	for _, o := range orders {
		if s.isHeld(o.ID) {
			continue
		}

		inv, statusCode, retryAfter, err := s.payments.GetInvoice(ctx, o.PaymentReference)
		if err != nil {
			s.logger.Warn("get invoice failed", zap.Int64("orderID", o.ID), zap.Error(err))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if inv == nil || inv.Status != processor.InvoiceStatusPaid {
			continue
		}

		if _, err := s.ConfirmExternalPayment(ctx, o.ID); err != nil {
			if errors.Is(err, model.ErrPaymentHeld) {
				s.logger.Error("reconciled payment held for manual review",
					zap.Int64("orderID", o.ID),
					zap.String("reference", o.PaymentReference),
					zap.Error(err),
				)
				continue
			}
			s.logger.Error("confirm reconciled payment",
				zap.Int64("orderID", o.ID),
				zap.String("reference", o.PaymentReference),
				zap.Error(err),
			)
		}
	}
}
