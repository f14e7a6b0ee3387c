package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/metroshop/internal/model"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries реализует Tx поверх пула или открытой транзакции pgx.
type queries struct {
	db querier
}

const userColumns = `id, external_id, username, balance, referrer_id, referred_count, created_at`

const orderColumns = `id, buyer_id, product_id, base_price, discount_amount, balance_applied,
	amount_due, status, COALESCE(promo_code, ''), payment_reference, created_at, started_at, done_at`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.Balance, &u.ReferrerID, &u.ReferredCount, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.ProductID, &o.BasePrice, &o.DiscountAmount, &o.BalanceApplied,
		&o.AmountDue, &status, &o.PromoCode, &o.PaymentReference, &o.CreatedAt, &o.StartedAt, &o.DoneAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (q *queries) InsertUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO users (external_id, username, referrer_id) VALUES ($1, $2, $3) RETURNING id`,
		u.ExternalID, u.Username, u.ReferrerID,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %d", model.ErrUserExists, u.ExternalID)
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (q *queries) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (q *queries) GetUserByExternalID(ctx context.Context, externalID int64) (*model.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
}

func (q *queries) LockUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (q *queries) IncrementReferredCount(ctx context.Context, userID int64) error {
	tag, err := q.db.Exec(ctx, `UPDATE users SET referred_count = referred_count + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment referred count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (q *queries) AdjustBalance(ctx context.Context, userID, delta int64) (int64, error) {
	var balance int64
	err := q.db.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 AND balance + $2 >= 0 RETURNING balance`,
		userID, delta,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}

	if _, err := q.GetUser(ctx, userID); err != nil {
		return 0, err
	}
	return 0, model.ErrInsufficientBalance
}

func (q *queries) InsertProduct(ctx context.Context, p *model.Product) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO products (name, description, price) VALUES ($1, $2, $3) RETURNING id`,
		p.Name, p.Description, p.Price,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}

func (q *queries) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	err := q.db.QueryRow(ctx,
		`SELECT id, name, description, price, created_at FROM products WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return &p, nil
}

func (q *queries) DeleteProduct(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE products SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("delete product: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) InsertPromocode(ctx context.Context, p model.Promocode) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO promocodes (code, discount_percent, activations_left) VALUES ($1, $2, $3)`,
		p.Code, p.DiscountPercent, p.ActivationsLeft,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", model.ErrPromoExists, p.Code)
		}
		return fmt.Errorf("insert promocode: %w", err)
	}
	return nil
}

func (q *queries) GetPromocode(ctx context.Context, code string) (*model.Promocode, error) {
	var p model.Promocode
	err := q.db.QueryRow(ctx,
		`SELECT code, discount_percent, activations_left FROM promocodes WHERE code = $1`, code,
	).Scan(&p.Code, &p.DiscountPercent, &p.ActivationsLeft)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select promocode: %w", err)
	}
	return &p, nil
}

func (q *queries) IsPromoUsed(ctx context.Context, userID int64, code string) (bool, error) {
	var used bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM used_promocodes WHERE user_id = $1 AND code = $2)`,
		userID, code,
	).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("select used promocode: %w", err)
	}
	return used, nil
}

func (q *queries) InsertUsedPromo(ctx context.Context, userID int64, code string) error {
	tag, err := q.db.Exec(ctx,
		`INSERT INTO used_promocodes (user_id, code) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, code,
	)
	if err != nil {
		return fmt.Errorf("insert used promocode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrPromoAlreadyUsed
	}
	return nil
}

func (q *queries) DecrementPromoActivations(ctx context.Context, code string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE promocodes SET activations_left = activations_left - 1 WHERE code = $1 AND activations_left > 0`,
		code,
	)
	if err != nil {
		return fmt.Errorf("decrement promocode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.GetPromocode(ctx, code); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return model.ErrPromoUnknown
			}
			return err
		}
		return model.ErrPromoExhausted
	}
	return nil
}

func (q *queries) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	var promo *string
	if o.PromoCode != "" {
		promo = &o.PromoCode
	}

	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO orders (buyer_id, product_id, base_price, discount_amount, balance_applied,
		                     amount_due, status, promo_code, payment_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		o.BuyerID, o.ProductID, o.BasePrice, o.DiscountAmount, o.BalanceApplied,
		o.AmountDue, string(o.Status), promo, o.PaymentReference, o.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

func (q *queries) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	return scanOrder(q.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (q *queries) UpdateOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch to {
	case model.OrderStatusInProgress:
		tag, err = q.db.Exec(ctx,
			`UPDATE orders SET status = $3, started_at = COALESCE(started_at, $4) WHERE id = $1 AND status = $2`,
			id, string(from), string(to), at,
		)
	case model.OrderStatusDone:
		tag, err = q.db.Exec(ctx,
			`UPDATE orders SET status = $3, done_at = $4 WHERE id = $1 AND status = $2`,
			id, string(from), string(to), at,
		)
	default:
		tag, err = q.db.Exec(ctx,
			`UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`,
			id, string(from), string(to),
		)
	}
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) ListAssignments(ctx context.Context, orderID int64) ([]model.WorkerAssignment, error) {
	rows, err := q.db.Query(ctx,
		`SELECT order_id, worker_id, taken_at FROM order_workers WHERE order_id = $1 ORDER BY taken_at, worker_id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select assignments: %w", err)
	}
	defer rows.Close()

	var res []model.WorkerAssignment
	for rows.Next() {
		var a model.WorkerAssignment
		if err := rows.Scan(&a.OrderID, &a.WorkerID, &a.TakenAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (q *queries) InsertAssignment(ctx context.Context, a model.WorkerAssignment) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO order_workers (order_id, worker_id, taken_at) VALUES ($1, $2, $3)`,
		a.OrderID, a.WorkerID, a.TakenAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrAlreadyAssigned
		}
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

func (q *queries) DeleteAssignment(ctx context.Context, orderID, workerID int64) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM order_workers WHERE order_id = $1 AND worker_id = $2`,
		orderID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) InsertPayout(ctx context.Context, p model.Payout) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO worker_payouts (order_id, worker_id, amount, created_at) VALUES ($1, $2, $3, $4)`,
		p.OrderID, p.WorkerID, p.Amount, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (q *queries) InsertReview(ctx context.Context, r model.Review) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO reviews (order_id, buyer_id, worker_id, rating, text, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.OrderID, r.BuyerID, r.WorkerID, r.Rating, r.Text, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrReviewExists
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}
