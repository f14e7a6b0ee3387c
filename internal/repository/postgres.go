// Package repository содержит реализации хранилища заказов и леджера.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/metroshop/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	q    *queries
}

// NewPostgresRepository создаёт новый репозиторий и применяет версионированные миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, q: &queries{db: pool}}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// InTx выполняет fn в одной транзакции. При конфликте сериализации или дедлоке
// транзакция повторяется целиком, поэтому fn не должна иметь внешних побочных эффектов.
// Остальные ошибки, включая потерю соединения, возвращаются вызывающему.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&queries{db: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isRetryable сообщает, что сервер отклонил транзакцию до фиксации и её можно повторить.
// Ошибки соединения не повторяются: при обрыве во время COMMIT транзакция могла
// уже зафиксироваться.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return r.q.GetUser(ctx, id)
}

// GetUserByExternalID возвращает пользователя по идентификатору чат-платформы.
func (r *PostgresRepository) GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error) {
	return r.q.GetUserByExternalID(ctx, externalID)
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return r.q.GetProduct(ctx, id)
}

// ListProducts возвращает каталог, новые товары первыми.
func (r *PostgresRepository) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price, created_at FROM products WHERE deleted_at IS NULL ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListPromocodes возвращает все промокоды.
func (r *PostgresRepository) ListPromocodes(ctx context.Context) ([]model.Promocode, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT code, discount_percent, activations_left FROM promocodes ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("select promocodes: %w", err)
	}
	defer rows.Close()

	var res []model.Promocode
	for rows.Next() {
		var p model.Promocode
		if err := rows.Scan(&p.Code, &p.DiscountPercent, &p.ActivationsLeft); err != nil {
			return nil, fmt.Errorf("scan promocode: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetOrder возвращает заказ без блокировки.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetOrderIDByPaymentReference сопоставляет внешний идентификатор платежа заказу.
func (r *PostgresRepository) GetOrderIDByPaymentReference(ctx context.Context, reference string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM orders WHERE payment_reference = $1`, reference).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.ErrNotFound
		}
		return 0, fmt.Errorf("select order by reference: %w", err)
	}
	return id, nil
}

// ListOrdersByBuyer возвращает последние заказы покупателя.
func (r *PostgresRepository) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 ORDER BY id DESC LIMIT $2`,
		buyerID, limit,
	)
}

// ListRecentOrders возвращает последние заказы всех покупателей.
func (r *PostgresRepository) ListRecentOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return r.listOrders(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY id DESC LIMIT $1`,
		limit,
	)
}

func (r *PostgresRepository) listOrders(ctx context.Context, sql string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

// ListOrdersForReconciliation возвращает заказы, по которым ещё ждут подтверждения оплаты.
func (r *PostgresRepository) ListOrdersForReconciliation(ctx context.Context, limit int) ([]OrderForReconciliation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_reference, status
		 FROM orders
		 WHERE status IN ($1, $2) AND amount_due > 0
		 ORDER BY created_at
		 LIMIT $3`,
		string(model.OrderStatusAwaitingPayment),
		string(model.OrderStatusPendingVerification),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for reconciliation: %w", err)
	}
	defer rows.Close()

	var res []OrderForReconciliation
	for rows.Next() {
		var (
			o      OrderForReconciliation
			status string
		)
		if err := rows.Scan(&o.ID, &o.PaymentReference, &status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListAssignments возвращает исполнителей заказа в порядке взятия.
func (r *PostgresRepository) ListAssignments(ctx context.Context, orderID int64) ([]model.WorkerAssignment, error) {
	return r.q.ListAssignments(ctx, orderID)
}

// ListPayouts возвращает выплаты по заказу.
func (r *PostgresRepository) ListPayouts(ctx context.Context, orderID int64) ([]model.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, worker_id, amount, created_at FROM worker_payouts WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payouts: %w", err)
	}
	defer rows.Close()

	var res []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := rows.Scan(&p.OrderID, &p.WorkerID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetWorkerStats возвращает число взятых заказов и сумму выплат исполнителя.
func (r *PostgresRepository) GetWorkerStats(ctx context.Context, workerID int64) (*model.WorkerStats, error) {
	stats := &model.WorkerStats{WorkerID: workerID}
	err := r.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM order_workers WHERE worker_id = $1),
		   (SELECT COALESCE(SUM(amount), 0) FROM worker_payouts WHERE worker_id = $1),
		   (SELECT COUNT(*) FROM reviews WHERE worker_id = $1),
		   (SELECT COALESCE(AVG(rating), 0)::float8 FROM reviews WHERE worker_id = $1)`,
		workerID,
	).Scan(&stats.Taken, &stats.Earned, &stats.Reviews, &stats.AverageRating)
	if err != nil {
		return nil, fmt.Errorf("select worker stats: %w", err)
	}
	return stats, nil
}

// ListReviewsByWorker возвращает последние отзывы об исполнителе.
func (r *PostgresRepository) ListReviewsByWorker(ctx context.Context, workerID int64, limit int) ([]model.Review, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, buyer_id, worker_id, rating, text, created_at
		 FROM reviews
		 WHERE worker_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select reviews: %w", err)
	}
	defer rows.Close()

	var res []model.Review
	for rows.Next() {
		var rv model.Review
		if err := rows.Scan(&rv.OrderID, &rv.BuyerID, &rv.WorkerID, &rv.Rating, &rv.Text, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		res = append(res, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
