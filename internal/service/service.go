// Package service реализует жизненный цикл заказа и связанные с ним денежные операции.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/assignment"
	"github.com/mmeshcher/metroshop/internal/ledger"
	"github.com/mmeshcher/metroshop/internal/metrics"
	"github.com/mmeshcher/metroshop/internal/model"
	"github.com/mmeshcher/metroshop/internal/notify"
	"github.com/mmeshcher/metroshop/internal/processor"
	"github.com/mmeshcher/metroshop/internal/repository"
	"github.com/mmeshcher/metroshop/internal/session"
	"github.com/mmeshcher/metroshop/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Все изменения выполняются через InTx, чтения вне транзакции.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error

	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	ListPromocodes(ctx context.Context) ([]model.Promocode, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderIDByPaymentReference(ctx context.Context, reference string) (int64, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]model.Order, error)
	ListRecentOrders(ctx context.Context, limit int) ([]model.Order, error)
	ListOrdersForReconciliation(ctx context.Context, limit int) ([]repository.OrderForReconciliation, error)
	ListAssignments(ctx context.Context, orderID int64) ([]model.WorkerAssignment, error)
	ListPayouts(ctx context.Context, orderID int64) ([]model.Payout, error)
	GetWorkerStats(ctx context.Context, workerID int64) (*model.WorkerStats, error)
	ListReviewsByWorker(ctx context.Context, workerID int64, limit int) ([]model.Review, error)
}

// PaymentClient описывает обращения к платёжной системе.
type PaymentClient interface {
	CreateInvoice(ctx context.Context, reference string, amount int64) (*processor.Invoice, error)
	GetInvoice(ctx context.Context, reference string) (*processor.Invoice, int, time.Duration, error)
}

// Notifier принимает уведомления к асинхронной отправке. Send не должен блокировать.
type Notifier interface {
	Send(ns ...notify.Notification)
}

// Deps содержит зависимости сервиса. Payments, Notifier, Metrics и Logger необязательны.
type Deps struct {
	Ledger       *ledger.Ledger
	Pool         *assignment.Pool
	Payments     PaymentClient
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Service содержит бизнес-логику жизненного цикла заказа.
type Service struct {
	repo         Repository
	ledger       *ledger.Ledger
	pool         *assignment.Pool
	payments     PaymentClient
	notifier     Notifier
	metrics      *metrics.Metrics
	logger       *zap.Logger
	pollInterval time.Duration
	now          func() time.Time

	// held содержит заказы, переданные на ручную проверку после неудачного подтверждения оплаты.
	held sync.Map
}

type discardNotifier struct{}

func (discardNotifier) Send(...notify.Notification) {}

// NewService создаёт новый сервис с указанным репозиторием и зависимостями.
func NewService(repo Repository, d Deps) *Service {
	s := &Service{
		repo:         repo,
		ledger:       d.Ledger,
		pool:         d.Pool,
		payments:     d.Payments,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		logger:       d.Logger,
		pollInterval: d.PollInterval,
		now:          time.Now,
	}
	if s.notifier == nil {
		s.notifier = discardNotifier{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует пользователя чат-платформы. Повторная регистрация возвращает
// существующего пользователя и created=false, пригласивший при этом не меняется.
func (s *Service) RegisterUser(ctx context.Context, externalID int64, username string, referrerExternalID *int64) (*model.User, bool, error) {
	var (
		user    *model.User
		created bool
		out     []notify.Notification
	)

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		out = nil
		created = false

		existing, err := tx.GetUserByExternalID(ctx, externalID)
		if err == nil {
			user = existing
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		var referrerID *int64
		if referrerExternalID != nil {
			if *referrerExternalID == externalID {
				return fmt.Errorf("%w: user cannot refer themselves", model.ErrReferrerInvalid)
			}
			ref, err := tx.GetUserByExternalID(ctx, *referrerExternalID)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("%w: referrer %d not registered", model.ErrReferrerInvalid, *referrerExternalID)
				}
				return err
			}
			referrerID = &ref.ID
		}

		u := &model.User{
			ExternalID: externalID,
			Username:   username,
			ReferrerID: referrerID,
			CreatedAt:  s.now(),
		}
		id, err := tx.InsertUser(ctx, u)
		if err != nil {
			return err
		}
		u.ID = id

		if referrerID != nil {
			if err := tx.IncrementReferredCount(ctx, *referrerID); err != nil {
				return fmt.Errorf("increment referred count: %w", err)
			}
			out = append(out, notify.Notification{
				UserID:  *referrerID,
				Message: "По вашей ссылке зарегистрировался новый пользователь",
			})
		}
		user = u
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrUserExists) {
			existing, getErr := s.repo.GetUserByExternalID(ctx, externalID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	s.notifier.Send(out...)
	return user, created, nil
}

// GetUser возвращает пользователя по внутреннему идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUser(ctx, id)
}

// GetUserByExternalID возвращает пользователя по идентификатору чат-платформы.
func (s *Service) GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error) {
	return s.repo.GetUserByExternalID(ctx, externalID)
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, name, description string, price int64) (*model.Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: product name is empty", model.ErrInvalidArgument)
	}
	if !validation.IsValidPrice(price) {
		return nil, fmt.Errorf("%w: price must be positive", model.ErrInvalidArgument)
	}

	p := &model.Product{Name: name, Description: description, Price: price, CreatedAt: s.now()}
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		id, err := tx.InsertProduct(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProduct убирает товар из каталога. Существующие заказы на него не меняются.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.InTx(ctx, func(tx repository.Tx) error {
		ok, err := tx.DeleteProduct(ctx, id, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrNotFound
		}
		return nil
	})
}

// GetProduct возвращает товар каталога.
func (s *Service) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts возвращает каталог.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// CreatePromocode создаёт промокод на percent процентов с activations активациями.
func (s *Service) CreatePromocode(ctx context.Context, code string, percent, activations int) (*model.Promocode, error) {
	normalized, ok := validation.NormalizePromoCode(code)
	if !ok {
		return nil, fmt.Errorf("%w: bad promocode %q", model.ErrInvalidArgument, code)
	}

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		return s.ledger.CreatePromocode(ctx, tx, normalized, percent, activations)
	})
	if err != nil {
		return nil, err
	}
	return &model.Promocode{Code: normalized, DiscountPercent: percent, ActivationsLeft: activations}, nil
}

// ListPromocodes возвращает все промокоды.
func (s *Service) ListPromocodes(ctx context.Context) ([]model.Promocode, error) {
	return s.repo.ListPromocodes(ctx)
}

// ActivatePromo проверяет промокод для пользователя и запоминает его в состоянии диалога.
// Активация промокода списывается только при подтверждении оплаты заказа.
func (s *Service) ActivatePromo(ctx context.Context, st session.State, userID int64, code string) (session.State, error) {
	normalized, ok := validation.NormalizePromoCode(code)
	if !ok {
		return st, model.ErrPromoUnknown
	}

	var percent int
	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		var err error
		percent, err = s.ledger.ValidatePromo(ctx, tx, userID, normalized)
		return err
	})
	if err != nil {
		return st, err
	}
	return st.WithPromo(normalized, percent), nil
}

// GetOrder возвращает заказ.
func (s *Service) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrdersByBuyer возвращает последние заказы покупателя.
func (s *Service) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]model.Order, error) {
	return s.repo.ListOrdersByBuyer(ctx, buyerID, limit)
}

// ListRecentOrders возвращает последние заказы всех покупателей.
func (s *Service) ListRecentOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.repo.ListRecentOrders(ctx, limit)
}

// ListAssignments возвращает исполнителей заказа.
func (s *Service) ListAssignments(ctx context.Context, orderID int64) ([]model.WorkerAssignment, error) {
	return s.repo.ListAssignments(ctx, orderID)
}

// ListPayouts возвращает выплаты по заказу.
func (s *Service) ListPayouts(ctx context.Context, orderID int64) ([]model.Payout, error) {
	return s.repo.ListPayouts(ctx, orderID)
}

// WorkerStats возвращает статистику исполнителя.
func (s *Service) WorkerStats(ctx context.Context, workerID int64) (*model.WorkerStats, error) {
	return s.repo.GetWorkerStats(ctx, workerID)
}

// ListWorkerReviews возвращает последние отзывы об исполнителе.
func (s *Service) ListWorkerReviews(ctx context.Context, workerID int64, limit int) ([]model.Review, error) {
	return s.repo.ListReviewsByWorker(ctx, workerID, limit)
}

// ResolvePaymentReference сопоставляет внешний идентификатор платежа заказу.
func (s *Service) ResolvePaymentReference(ctx context.Context, reference string) (int64, error) {
	return s.repo.GetOrderIDByPaymentReference(ctx, reference)
}
