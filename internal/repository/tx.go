package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/metroshop/internal/model"
)

// Tx описывает операции, выполняемые внутри одной атомарной единицы работы хранилища.
// Методы Lock* блокируют строку до конца транзакции.
type Tx interface {
	InsertUser(ctx context.Context, u *model.User) (int64, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error)
	LockUser(ctx context.Context, id int64) (*model.User, error)
	IncrementReferredCount(ctx context.Context, userID int64) error
	// AdjustBalance атомарно изменяет баланс на delta и возвращает новый баланс.
	// Если баланс стал бы отрицательным, возвращает model.ErrInsufficientBalance.
	AdjustBalance(ctx context.Context, userID, delta int64) (int64, error)

	InsertProduct(ctx context.Context, p *model.Product) (int64, error)
	// GetProduct возвращает только не удалённый товар.
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	// DeleteProduct скрывает товар из каталога. Созданные заказы продолжают ссылаться на него.
	DeleteProduct(ctx context.Context, id int64, at time.Time) (bool, error)

	InsertPromocode(ctx context.Context, p model.Promocode) error
	GetPromocode(ctx context.Context, code string) (*model.Promocode, error)
	IsPromoUsed(ctx context.Context, userID int64, code string) (bool, error)
	InsertUsedPromo(ctx context.Context, userID int64, code string) error
	DecrementPromoActivations(ctx context.Context, code string) error

	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	// UpdateOrderStatus переводит заказ из from в to, только если текущий статус равен from.
	// Возвращает false, если условие не выполнилось.
	UpdateOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time) (bool, error)

	ListAssignments(ctx context.Context, orderID int64) ([]model.WorkerAssignment, error)
	InsertAssignment(ctx context.Context, a model.WorkerAssignment) error
	DeleteAssignment(ctx context.Context, orderID, workerID int64) (bool, error)

	InsertPayout(ctx context.Context, p model.Payout) error

	// InsertReview возвращает model.ErrReviewExists, если отзыв об исполнителе по заказу уже есть.
	InsertReview(ctx context.Context, r model.Review) error
}

// OrderForReconciliation описывает заказ, ожидающий подтверждения оплаты от платёжной системы.
type OrderForReconciliation struct {
	ID               int64
	PaymentReference string
	Status           model.OrderStatus
}

var (
	_ Tx = (*queries)(nil)
	_ Tx = (*memTx)(nil)
)
