// Package assignment управляет исполнителями, взявшими заказ, с ограничением на их число.
package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/metroshop/internal/model"
)

// Store описывает операции хранилища, нужные пулу. Вызывается внутри транзакции.
type Store interface {
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	ListAssignments(ctx context.Context, orderID int64) ([]model.WorkerAssignment, error)
	InsertAssignment(ctx context.Context, a model.WorkerAssignment) error
	DeleteAssignment(ctx context.Context, orderID, workerID int64) (bool, error)
}

// LeaveResult сообщает, изменил ли Leave что-нибудь.
type LeaveResult int

const (
	// Left означает, что исполнитель снят с заказа.
	Left LeaveResult = iota + 1
	// NotAssigned означает, что исполнитель не был назначен и ничего не изменилось.
	NotAssigned
)

func (r LeaveResult) String() string {
	switch r {
	case Left:
		return "left"
	case NotAssigned:
		return "not_assigned"
	}
	return "unknown"
}

// Pool ограничивает число одновременных исполнителей заказа.
type Pool struct {
	maxWorkers int
	now        func() time.Time
}

// NewPool создаёт пул с лимитом maxWorkers исполнителей на заказ.
func NewPool(maxWorkers int) *Pool {
	return &Pool{maxWorkers: maxWorkers, now: time.Now}
}

// MaxWorkers возвращает лимит исполнителей на заказ.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// Take назначает исполнителя на заказ. Строка заказа блокируется до конца транзакции,
// поэтому подсчёт и вставка не пересекаются с конкурирующими вызовами.
func (p *Pool) Take(ctx context.Context, st Store, orderID, workerID int64) error {
	order, err := st.LockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.IsAssignable() {
		return fmt.Errorf("%w: cannot take order in status %s", model.ErrInvalidTransition, order.Status)
	}

	current, err := st.ListAssignments(ctx, orderID)
	if err != nil {
		return err
	}
	for _, a := range current {
		if a.WorkerID == workerID {
			return model.ErrAlreadyAssigned
		}
	}
	if len(current) >= p.maxWorkers {
		return model.ErrCapacityExceeded
	}

	return st.InsertAssignment(ctx, model.WorkerAssignment{
		OrderID:  orderID,
		WorkerID: workerID,
		TakenAt:  p.now(),
	})
}

// Leave снимает исполнителя с заказа. Отсутствие назначения не ошибка, а результат NotAssigned.
func (p *Pool) Leave(ctx context.Context, st Store, orderID, workerID int64) (LeaveResult, error) {
	order, err := st.LockOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if !order.Status.IsAssignable() {
		return 0, fmt.Errorf("%w: cannot leave order in status %s", model.ErrInvalidTransition, order.Status)
	}

	removed, err := st.DeleteAssignment(ctx, orderID, workerID)
	if err != nil {
		return 0, err
	}
	if !removed {
		return NotAssigned, nil
	}
	return Left, nil
}
