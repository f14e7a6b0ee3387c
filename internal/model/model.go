// Package model содержит доменные сущности сервиса заказов.
package model

import "time"

// User представляет покупателя или сотрудника, пришедшего из чат-интерфейса.
type User struct {
	ID            int64
	ExternalID    int64
	Username      string
	Balance       int64
	ReferrerID    *int64
	ReferredCount int64
	CreatedAt     time.Time
}

// Product описывает позицию каталога. Цена хранится в копейках.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       int64
	CreatedAt   time.Time
}

// OrderStatus описывает статус заказа в жизненном цикле.
type OrderStatus string

const (
	OrderStatusAwaitingPayment     OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPendingVerification OrderStatus = "PENDING_VERIFICATION"
	OrderStatusPaid                OrderStatus = "PAID"
	OrderStatusInProgress          OrderStatus = "IN_PROGRESS"
	OrderStatusDelivering          OrderStatus = "DELIVERING"
	OrderStatusDone                OrderStatus = "DONE"
	OrderStatusRejected            OrderStatus = "REJECTED"
)

var statusRank = map[OrderStatus]int{
	OrderStatusAwaitingPayment:     1,
	OrderStatusPendingVerification: 2,
	OrderStatusPaid:                3,
	OrderStatusInProgress:          4,
	OrderStatusDelivering:          5,
	OrderStatusDone:                6,
}

// ParseOrderStatus возвращает статус по строке и признак того, что такой статус существует.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	if st == OrderStatusRejected {
		return st, true
	}
	_, ok := statusRank[st]
	return st, ok
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDone || s == OrderStatusRejected
}

// IsPaid сообщает, что оплата по заказу уже подтверждена (PAID или дальше).
func (s OrderStatus) IsPaid() bool {
	return statusRank[s] >= statusRank[OrderStatusPaid]
}

// IsAssignable сообщает, можно ли в этом статусе брать заказ в работу или сниматься с него.
func (s OrderStatus) IsAssignable() bool {
	switch s {
	case OrderStatusPaid, OrderStatusInProgress, OrderStatusDelivering:
		return true
	}
	return false
}

// CanTransition проверяет, разрешён ли переход from → to.
// Допустим только переход на следующий статус цепочки и отклонение из двух статусов ожидания оплаты.
func CanTransition(from, to OrderStatus) bool {
	if to == OrderStatusRejected {
		return from == OrderStatusAwaitingPayment || from == OrderStatusPendingVerification
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr == fr+1
}

// Order описывает заказ покупателя и его финансовую раскладку.
type Order struct {
	ID               int64
	BuyerID          int64
	ProductID        int64
	BasePrice        int64
	DiscountAmount   int64
	BalanceApplied   int64
	AmountDue        int64
	Status           OrderStatus
	PromoCode        string
	PaymentReference string
	CreatedAt        time.Time
	StartedAt        *time.Time
	DoneAt           *time.Time
}

// WorkerAssignment описывает исполнителя, взявшего заказ.
type WorkerAssignment struct {
	OrderID  int64
	WorkerID int64
	TakenAt  time.Time
}

// Promocode описывает промокод и остаток его активаций.
type Promocode struct {
	Code            string
	DiscountPercent int
	ActivationsLeft int
}

// Payout описывает выплату исполнителю за выполненный заказ.
type Payout struct {
	OrderID   int64
	WorkerID  int64
	Amount    int64
	CreatedAt time.Time
}

// Review описывает оценку исполнителя покупателем выполненного заказа.
type Review struct {
	OrderID   int64
	BuyerID   int64
	WorkerID  int64
	Rating    int
	Text      string
	CreatedAt time.Time
}

// MinRating и MaxRating ограничивают оценку в отзыве.
const (
	MinRating = 1
	MaxRating = 5
)

// WorkerStats содержит статистику исполнителя.
type WorkerStats struct {
	WorkerID      int64
	Taken         int64
	Earned        int64
	Reviews       int64
	AverageRating float64
}
