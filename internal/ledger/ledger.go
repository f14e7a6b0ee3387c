// Package ledger реализует денежные операции: баланс, промокоды, реферальные бонусы и выплаты исполнителям.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/metroshop/internal/model"
)

// BasisPoints — знаменатель для процентов, заданных в базисных пунктах (10000 = 100%).
const BasisPoints = 10000

// Store описывает операции хранилища, которые леджер выполняет внутри транзакции вызывающего.
type Store interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	AdjustBalance(ctx context.Context, userID, delta int64) (int64, error)
	InsertPromocode(ctx context.Context, p model.Promocode) error
	GetPromocode(ctx context.Context, code string) (*model.Promocode, error)
	IsPromoUsed(ctx context.Context, userID int64, code string) (bool, error)
	InsertUsedPromo(ctx context.Context, userID int64, code string) error
	DecrementPromoActivations(ctx context.Context, code string) error
}

// Ledger содержит денежную логику над состоянием счетов.
// Ни один метод не открывает транзакцию сам: атомарность обеспечивает вызывающий.
type Ledger struct {
	workerBP   int64
	referralBP int64
}

// New создаёт леджер с долями исполнителей и реферала в базисных пунктах.
func New(workerBP, referralBP int64) *Ledger {
	return &Ledger{workerBP: workerBP, referralBP: referralBP}
}

// DebitBalance списывает amount с баланса пользователя.
func (l *Ledger) DebitBalance(ctx context.Context, st Store, userID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit amount must not be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if _, err := st.AdjustBalance(ctx, userID, -amount); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	return nil
}

// CreditBalance зачисляет amount на баланс пользователя.
func (l *Ledger) CreditBalance(ctx context.Context, st Store, userID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount must not be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}
	if _, err := st.AdjustBalance(ctx, userID, amount); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// CreatePromocode создаёт промокод. Код должен быть уже нормализован.
func (l *Ledger) CreatePromocode(ctx context.Context, st Store, code string, percent, activations int) error {
	if percent < 1 || percent > 100 {
		return fmt.Errorf("%w: discount percent out of range: %d", model.ErrInvalidArgument, percent)
	}
	if activations < 0 {
		return fmt.Errorf("%w: activations must not be negative: %d", model.ErrInvalidArgument, activations)
	}
	return st.InsertPromocode(ctx, model.Promocode{
		Code:            code,
		DiscountPercent: percent,
		ActivationsLeft: activations,
	})
}

// ValidatePromo проверяет, что пользователь может применить промокод, и возвращает процент скидки.
// Состояние не меняется: активация списывается только в FinalizePromo.
func (l *Ledger) ValidatePromo(ctx context.Context, st Store, userID int64, code string) (int, error) {
	p, err := st.GetPromocode(ctx, code)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return 0, model.ErrPromoUnknown
		}
		return 0, err
	}
	if p.ActivationsLeft <= 0 {
		return 0, model.ErrPromoExhausted
	}

	used, err := st.IsPromoUsed(ctx, userID, code)
	if err != nil {
		return 0, err
	}
	if used {
		return 0, model.ErrPromoAlreadyUsed
	}
	return p.DiscountPercent, nil
}

// FinalizePromo фиксирует использование промокода и уменьшает остаток активаций.
// Ошибка должна прерывать транзакцию вызывающего.
func (l *Ledger) FinalizePromo(ctx context.Context, st Store, userID int64, code string) error {
	if err := st.DecrementPromoActivations(ctx, code); err != nil {
		return fmt.Errorf("finalize promocode %s: %w", code, err)
	}
	if err := st.InsertUsedPromo(ctx, userID, code); err != nil {
		return fmt.Errorf("finalize promocode %s: %w", code, err)
	}
	return nil
}

// ReferralBonus описывает начисленный реферальный бонус.
type ReferralBonus struct {
	ReferrerID int64
	Amount     int64
}

// CreditReferralBonus начисляет пригласившему пользователю долю от оплаченной суммы.
// Возвращает nil, если пригласившего нет или бонус округлился до нуля.
func (l *Ledger) CreditReferralBonus(ctx context.Context, st Store, userID, paidAmount int64) (*ReferralBonus, error) {
	u, err := st.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load buyer: %w", err)
	}
	if u.ReferrerID == nil {
		return nil, nil
	}

	bonus := Share(paidAmount, l.referralBP)
	if bonus <= 0 {
		return nil, nil
	}
	if err := l.CreditBalance(ctx, st, *u.ReferrerID, bonus); err != nil {
		return nil, err
	}
	return &ReferralBonus{ReferrerID: *u.ReferrerID, Amount: bonus}, nil
}

// ComputePayouts делит долю исполнителей от базовой цены заказа поровну между назначенными.
// Остаток от деления целиком получает исполнитель, взявший заказ первым.
// assignments должны быть упорядочены по времени взятия.
func (l *Ledger) ComputePayouts(order model.Order, assignments []model.WorkerAssignment, at time.Time) []model.Payout {
	n := int64(len(assignments))
	if n == 0 {
		return nil
	}

	total := Share(order.BasePrice, l.workerBP)
	each := total / n
	remainder := total % n

	payouts := make([]model.Payout, 0, n)
	for i, a := range assignments {
		amount := each
		if i == 0 {
			amount += remainder
		}
		payouts = append(payouts, model.Payout{
			OrderID:   order.ID,
			WorkerID:  a.WorkerID,
			Amount:    amount,
			CreatedAt: at,
		})
	}
	return payouts
}

// Discount возвращает скидку в копейках, округлённую вниз.
func Discount(price int64, percent int) int64 {
	return price * int64(percent) / 100
}

// Share возвращает долю amount в базисных пунктах, округлённую вниз.
func Share(amount, bp int64) int64 {
	return amount * bp / BasisPoints
}
