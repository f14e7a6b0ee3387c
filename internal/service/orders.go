package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/assignment"
	"github.com/mmeshcher/metroshop/internal/ledger"
	"github.com/mmeshcher/metroshop/internal/model"
	"github.com/mmeshcher/metroshop/internal/notify"
	"github.com/mmeshcher/metroshop/internal/repository"
	"github.com/mmeshcher/metroshop/internal/session"
)

// CreateOrder оформляет покупку товара. Промокод берётся из состояния диалога и проверяется
// повторно, но не списывается. С баланса покупателя списывается столько, сколько покрывает
// цену после скидки. Списание и создание заказа выполняются в одной транзакции.
// Возвращённое состояние больше не содержит промокода и ждёт подтверждения оплаты,
// если к оплате осталась ненулевая сумма.
func (s *Service) CreateOrder(ctx context.Context, st session.State, buyerID, productID int64) (*model.Order, session.State, error) {
	var (
		order *model.Order
		out   []notify.Notification
	)

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		out = nil

		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return fmt.Errorf("load product: %w", err)
		}
		buyer, err := tx.LockUser(ctx, buyerID)
		if err != nil {
			return fmt.Errorf("load buyer: %w", err)
		}

		o := &model.Order{
			BuyerID:          buyer.ID,
			ProductID:        product.ID,
			BasePrice:        product.Price,
			PaymentReference: uuid.NewString(),
			CreatedAt:        s.now(),
		}

		if st.ActivePromo != nil {
			percent, err := s.ledger.ValidatePromo(ctx, tx, buyer.ID, st.ActivePromo.Code)
			if err != nil {
				return err
			}
			o.PromoCode = st.ActivePromo.Code
			o.DiscountAmount = ledger.Discount(o.BasePrice, percent)
		}

		remaining := o.BasePrice - o.DiscountAmount
		o.BalanceApplied = min(buyer.Balance, remaining)
		if err := s.ledger.DebitBalance(ctx, tx, buyer.ID, o.BalanceApplied); err != nil {
			return err
		}
		o.AmountDue = remaining - o.BalanceApplied

		o.Status = model.OrderStatusAwaitingPayment
		if o.AmountDue == 0 {
			o.Status = model.OrderStatusPendingVerification
		}

		id, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		o.ID = id

		if o.Status == model.OrderStatusPendingVerification {
			out = append(out,
				notify.Notification{
					UserID:  o.BuyerID,
					Message: fmt.Sprintf("Заказ №%d оплачен с баланса и ожидает подтверждения", o.ID),
				},
				staffReviewNotification(o),
			)
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, st, err
	}

	s.metrics.OrderTransition(string(order.Status))
	s.notifier.Send(out...)

	next := st
	next.ActivePromo = nil
	next.AwaitingEvidence = 0
	if order.Status == model.OrderStatusAwaitingPayment {
		next.AwaitingEvidence = order.ID
	}
	return order, next, nil
}

// SubmitPaymentEvidence отмечает, что покупатель сообщил об оплате заказа.
// При orderID == 0 используется заказ, который ждёт подтверждения в состоянии диалога.
// Чужой заказ считается несуществующим.
func (s *Service) SubmitPaymentEvidence(ctx context.Context, st session.State, buyerID, orderID int64) (session.State, error) {
	if orderID == 0 {
		orderID = st.AwaitingEvidence
	}
	if orderID == 0 {
		return st, fmt.Errorf("%w: no order awaits payment evidence", model.ErrInvalidArgument)
	}

	var out []notify.Notification

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		out = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != buyerID {
			return model.ErrNotFound
		}
		if err := s.transition(ctx, tx, order, model.OrderStatusPendingVerification); err != nil {
			return err
		}
		out = append(out, staffReviewNotification(order))
		return nil
	})
	if err != nil {
		return st, err
	}

	s.metrics.OrderTransition(string(model.OrderStatusPendingVerification))
	s.notifier.Send(out...)

	if st.AwaitingEvidence == orderID {
		st.AwaitingEvidence = 0
	}
	return st, nil
}

// ConfirmPayment подтверждает оплату заказа в статусе PENDING_VERIFICATION. Для уже оплаченного
// заказа ничего не делает и возвращает changed=false: промокод и реферальный бонус
// применяются ровно один раз.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64) (bool, error) {
	return s.confirm(ctx, orderID, false)
}

// ConfirmExternalPayment подтверждает оплату по сигналу платёжной системы. Заказ в статусе
// AWAITING_PAYMENT проходит через PENDING_VERIFICATION в PAID в одной транзакции.
//
// Деньги уже получены, поэтому исчерпанный или использованный промокод не откатывает
// подтверждение в ожидание: заказ остаётся в PENDING_VERIFICATION для ручного решения
// персонала, а вызывающий получает model.ErrPaymentHeld.
func (s *Service) ConfirmExternalPayment(ctx context.Context, orderID int64) (bool, error) {
	changed, err := s.confirm(ctx, orderID, true)
	if errors.Is(err, model.ErrPromoExhausted) || errors.Is(err, model.ErrPromoAlreadyUsed) {
		return false, s.holdForReview(ctx, orderID, err)
	}
	return changed, err
}

// holdForReview переводит заказ в PENDING_VERIFICATION и один раз сообщает персоналу,
// что оплату нельзя подтвердить автоматически.
func (s *Service) holdForReview(ctx context.Context, orderID int64, cause error) error {
	var moved bool

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		moved = false

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusAwaitingPayment {
			return nil
		}
		if err := s.transition(ctx, tx, order, model.OrderStatusPendingVerification); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("hold order %d: %w", orderID, err)
	}

	if moved {
		s.metrics.OrderTransition(string(model.OrderStatusPendingVerification))
	}
	if _, seen := s.held.LoadOrStore(orderID, struct{}{}); !seen {
		s.notifier.Send(notify.Notification{
			UserID: notify.StaffChat,
			Message: fmt.Sprintf("Оплата заказа №%d получена, но промокод недоступен (%v). Требуется решение",
				orderID, cause),
			Action: fmt.Sprintf("reject:%d", orderID),
		})
	}
	return fmt.Errorf("%w: %w", model.ErrPaymentHeld, cause)
}

// isHeld сообщает, ждёт ли заказ ручного решения после неудачного подтверждения оплаты.
func (s *Service) isHeld(orderID int64) bool {
	_, ok := s.held.Load(orderID)
	return ok
}

func (s *Service) confirm(ctx context.Context, orderID int64, external bool) (bool, error) {
	var (
		changed bool
		out     []notify.Notification
	)

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		out = nil
		changed = false

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsPaid() {
			return nil
		}

		if external && order.Status == model.OrderStatusAwaitingPayment {
			if err := s.transition(ctx, tx, order, model.OrderStatusPendingVerification); err != nil {
				return err
			}
		}
		if err := s.transition(ctx, tx, order, model.OrderStatusPaid); err != nil {
			return err
		}

		if order.PromoCode != "" {
			if err := s.ledger.FinalizePromo(ctx, tx, order.BuyerID, order.PromoCode); err != nil {
				return err
			}
		}

		bonus, err := s.ledger.CreditReferralBonus(ctx, tx, order.BuyerID, order.AmountDue)
		if err != nil {
			return fmt.Errorf("credit referral bonus: %w", err)
		}

		out = append(out,
			notify.Notification{
				UserID:  order.BuyerID,
				Message: fmt.Sprintf("Оплата заказа №%d подтверждена", order.ID),
			},
			notify.Notification{
				UserID:  notify.StaffChat,
				Message: fmt.Sprintf("Заказ №%d оплачен и ждёт исполнителей", order.ID),
				Action:  fmt.Sprintf("take:%d", order.ID),
			},
		)
		if bonus != nil {
			out = append(out, notify.Notification{
				UserID:  bonus.ReferrerID,
				Message: fmt.Sprintf("Вам начислен реферальный бонус %s", formatAmount(bonus.Amount)),
			})
		}

		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		s.metrics.OrderTransition(string(model.OrderStatusPaid))
		s.notifier.Send(out...)
	}
	return changed, nil
}

// RejectPayment отклоняет оплату заказа и возвращает покупателю списанный баланс.
// Повторный вызов для уже отклонённого заказа ничего не делает и возвращает changed=false.
func (s *Service) RejectPayment(ctx context.Context, orderID int64) (bool, error) {
	var (
		changed bool
		out     []notify.Notification
	)

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		out = nil
		changed = false

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == model.OrderStatusRejected {
			return nil
		}
		if err := s.transition(ctx, tx, order, model.OrderStatusRejected); err != nil {
			return err
		}
		if err := s.ledger.CreditBalance(ctx, tx, order.BuyerID, order.BalanceApplied); err != nil {
			return fmt.Errorf("refund balance: %w", err)
		}

		msg := fmt.Sprintf("Оплата заказа №%d отклонена", order.ID)
		if order.BalanceApplied > 0 {
			msg += fmt.Sprintf(", на баланс возвращено %s", formatAmount(order.BalanceApplied))
		}
		out = append(out, notify.Notification{UserID: order.BuyerID, Message: msg})

		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		s.metrics.OrderTransition(string(model.OrderStatusRejected))
		s.notifier.Send(out...)
	}
	return changed, nil
}

// Advance переводит оплаченный заказ на следующий рабочий статус. При переходе в DONE
// создаются выплаты исполнителям. Выплаты создаются один раз: повторный переход в DONE
// невозможен.
func (s *Service) Advance(ctx context.Context, orderID int64, target model.OrderStatus) error {
	switch target {
	case model.OrderStatusInProgress, model.OrderStatusDelivering, model.OrderStatusDone:
	default:
		return fmt.Errorf("%w: %s cannot be set directly", model.ErrInvalidTransition, target)
	}

	var out []notify.Notification

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		out = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := s.transition(ctx, tx, order, target); err != nil {
			return err
		}

		buyerMsg := notify.Notification{
			UserID:  order.BuyerID,
			Message: fmt.Sprintf("Статус заказа №%d: %s", order.ID, statusTitle(target)),
		}
		if target == model.OrderStatusDone {
			buyerMsg.Action = fmt.Sprintf("review:%d", order.ID)
		}
		out = append(out, buyerMsg)

		if target != model.OrderStatusDone {
			return nil
		}

		assignments, err := tx.ListAssignments(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}
		for _, p := range s.ledger.ComputePayouts(*order, assignments, s.now()) {
			if err := tx.InsertPayout(ctx, p); err != nil {
				return fmt.Errorf("insert payout: %w", err)
			}
			out = append(out, notify.Notification{
				UserID:  p.WorkerID,
				Message: fmt.Sprintf("За заказ №%d начислено %s", order.ID, formatAmount(p.Amount)),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.OrderTransition(string(target))
	s.notifier.Send(out...)
	return nil
}

// Take назначает сотрудника workerID исполнителем заказа.
func (s *Service) Take(ctx context.Context, orderID, workerID int64) error {
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		return s.pool.Take(ctx, tx, orderID, workerID)
	})

	switch {
	case err == nil:
		s.metrics.Assignment("taken")
	case errors.Is(err, model.ErrCapacityExceeded):
		s.metrics.Assignment("capacity_exceeded")
	case errors.Is(err, model.ErrAlreadyAssigned):
		s.metrics.Assignment("already_assigned")
	}
	return err
}

// Leave снимает сотрудника workerID с заказа.
func (s *Service) Leave(ctx context.Context, orderID, workerID int64) (assignment.LeaveResult, error) {
	var res assignment.LeaveResult
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		var err error
		res, err = s.pool.Leave(ctx, tx, orderID, workerID)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.Assignment(res.String())
	return res, nil
}

// LeaveReview сохраняет отзыв покупателя об исполнителе выполненного заказа.
// При workerID == 0 отзыв относится к первому взявшему заказ исполнителю.
// Об исполнителе, не назначенном на заказ, оставить отзыв нельзя. На каждую пару
// заказ и исполнитель допускается один отзыв.
func (s *Service) LeaveReview(ctx context.Context, buyerID, orderID, workerID int64, rating int, text string) (*model.Review, error) {
	if rating < model.MinRating || rating > model.MaxRating {
		return nil, fmt.Errorf("%w: rating must be between %d and %d", model.ErrInvalidArgument, model.MinRating, model.MaxRating)
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > maxReviewText {
		return nil, fmt.Errorf("%w: review text is too long", model.ErrInvalidArgument)
	}

	var review *model.Review

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != buyerID {
			return model.ErrNotFound
		}
		if order.Status != model.OrderStatusDone {
			return fmt.Errorf("%w: review for order in status %s", model.ErrInvalidTransition, order.Status)
		}

		assignments, err := tx.ListAssignments(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}
		target, ok := reviewTarget(assignments, workerID)
		if !ok {
			return fmt.Errorf("%w: worker %d is not assigned to order %d", model.ErrNotFound, workerID, order.ID)
		}

		r := model.Review{
			OrderID:   order.ID,
			BuyerID:   buyerID,
			WorkerID:  target,
			Rating:    rating,
			Text:      text,
			CreatedAt: s.now(),
		}
		if err := tx.InsertReview(ctx, r); err != nil {
			return err
		}
		review = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Send(notify.Notification{
		UserID:  review.WorkerID,
		Message: fmt.Sprintf("Новый отзыв по заказу №%d: %d из %d", review.OrderID, review.Rating, model.MaxRating),
	})
	return review, nil
}

func reviewTarget(assignments []model.WorkerAssignment, workerID int64) (int64, bool) {
	if len(assignments) == 0 {
		return 0, false
	}
	if workerID == 0 {
		return assignments[0].WorkerID, true
	}
	for _, a := range assignments {
		if a.WorkerID == workerID {
			return workerID, true
		}
	}
	return 0, false
}

// transition переводит заказ в статус to условным обновлением. Если статус заказа
// успел измениться, возвращает model.ErrInvalidTransition.
func (s *Service) transition(ctx context.Context, tx repository.Tx, order *model.Order, to model.OrderStatus) error {
	if !model.CanTransition(order.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, order.Status, to)
	}

	ok, err := tx.UpdateOrderStatus(ctx, order.ID, order.Status, to, s.now())
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: order %d changed concurrently", model.ErrInvalidTransition, order.ID)
	}

	s.logger.Debug("order status transition",
		zap.Int64("orderID", order.ID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(to)),
	)
	order.Status = to
	return nil
}

func staffReviewNotification(o *model.Order) notify.Notification {
	return notify.Notification{
		UserID:  notify.StaffChat,
		Message: fmt.Sprintf("Заказ №%d ожидает проверки оплаты (%s)", o.ID, formatAmount(o.AmountDue)),
		Action:  fmt.Sprintf("confirm:%d", o.ID),
	}
}

const maxReviewText = 1000

func formatAmount(kopecks int64) string {
	return fmt.Sprintf("%d.%02d ₽", kopecks/100, kopecks%100)
}

func statusTitle(st model.OrderStatus) string {
	switch st {
	case model.OrderStatusInProgress:
		return "в работе"
	case model.OrderStatusDelivering:
		return "передаётся"
	case model.OrderStatusDone:
		return "выполнен"
	}
	return string(st)
}
