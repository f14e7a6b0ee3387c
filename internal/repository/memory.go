package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/metroshop/internal/model"
)

// MemoryStore хранит данные в памяти процесса. Транзакции сериализуются одним мьютексом,
// при ошибке состояние откатывается к снимку, сделанному в начале транзакции.
// Используется в тестах и при запуске без DATABASE_URI.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type assignmentKey struct {
	orderID  int64
	workerID int64
}

type usedPromoKey struct {
	userID int64
	code   string
}

type memData struct {
	users       map[int64]model.User
	products    map[int64]model.Product
	orders      map[int64]model.Order
	promocodes  map[string]model.Promocode
	usedPromos  map[usedPromoKey]struct{}
	assignments map[assignmentKey]model.WorkerAssignment
	payouts     []model.Payout
	reviews     []model.Review
	deleted     map[int64]time.Time

	nextUserID    int64
	nextProductID int64
	nextOrderID   int64
}

// NewMemoryStore создаёт пустое хранилище в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		users:       make(map[int64]model.User),
		products:    make(map[int64]model.Product),
		orders:      make(map[int64]model.Order),
		promocodes:  make(map[string]model.Promocode),
		usedPromos:  make(map[usedPromoKey]struct{}),
		assignments: make(map[assignmentKey]model.WorkerAssignment),
		deleted:     make(map[int64]time.Time),
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		users:         make(map[int64]model.User, len(d.users)),
		products:      make(map[int64]model.Product, len(d.products)),
		orders:        make(map[int64]model.Order, len(d.orders)),
		promocodes:    make(map[string]model.Promocode, len(d.promocodes)),
		usedPromos:    make(map[usedPromoKey]struct{}, len(d.usedPromos)),
		assignments:   make(map[assignmentKey]model.WorkerAssignment, len(d.assignments)),
		payouts:       append([]model.Payout(nil), d.payouts...),
		reviews:       append([]model.Review(nil), d.reviews...),
		deleted:       make(map[int64]time.Time, len(d.deleted)),
		nextUserID:    d.nextUserID,
		nextProductID: d.nextProductID,
		nextOrderID:   d.nextOrderID,
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.promocodes {
		c.promocodes[k] = v
	}
	for k := range d.usedPromos {
		c.usedPromos[k] = struct{}{}
	}
	for k, v := range d.assignments {
		c.assignments[k] = v
	}
	for k, v := range d.deleted {
		c.deleted[k] = v
	}
	return c
}

// InTx выполняет fn атомарно относительно всех остальных операций хранилища.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{d: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) read(fn func(tx *memTx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&memTx{d: s.data})
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (s *MemoryStore) Close() error { return nil }

// GetUser возвращает пользователя по идентификатору.
func (s *MemoryStore) GetUser(ctx context.Context, id int64) (u *model.User, err error) {
	s.read(func(tx *memTx) { u, err = tx.GetUser(ctx, id) })
	return u, err
}

// GetUserByExternalID возвращает пользователя по идентификатору чат-платформы.
func (s *MemoryStore) GetUserByExternalID(ctx context.Context, externalID int64) (u *model.User, err error) {
	s.read(func(tx *memTx) { u, err = tx.GetUserByExternalID(ctx, externalID) })
	return u, err
}

// GetProduct возвращает товар по идентификатору.
func (s *MemoryStore) GetProduct(ctx context.Context, id int64) (p *model.Product, err error) {
	s.read(func(tx *memTx) { p, err = tx.GetProduct(ctx, id) })
	return p, err
}

// ListProducts возвращает каталог, новые товары первыми.
func (s *MemoryStore) ListProducts(_ context.Context) ([]model.Product, error) {
	var res []model.Product
	s.read(func(tx *memTx) {
		for _, p := range tx.d.products {
			if _, gone := tx.d.deleted[p.ID]; gone {
				continue
			}
			res = append(res, p)
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

// ListPromocodes возвращает все промокоды.
func (s *MemoryStore) ListPromocodes(_ context.Context) ([]model.Promocode, error) {
	var res []model.Promocode
	s.read(func(tx *memTx) {
		for _, p := range tx.d.promocodes {
			res = append(res, p)
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

// GetOrder возвращает заказ.
func (s *MemoryStore) GetOrder(ctx context.Context, id int64) (o *model.Order, err error) {
	s.read(func(tx *memTx) { o, err = tx.LockOrder(ctx, id) })
	return o, err
}

// GetOrderIDByPaymentReference сопоставляет внешний идентификатор платежа заказу.
func (s *MemoryStore) GetOrderIDByPaymentReference(_ context.Context, reference string) (int64, error) {
	var id int64
	s.read(func(tx *memTx) {
		for _, o := range tx.d.orders {
			if o.PaymentReference == reference {
				id = o.ID
				return
			}
		}
	})
	if id == 0 {
		return 0, model.ErrNotFound
	}
	return id, nil
}

// ListOrdersByBuyer возвращает последние заказы покупателя.
func (s *MemoryStore) ListOrdersByBuyer(_ context.Context, buyerID int64, limit int) ([]model.Order, error) {
	return s.listOrders(limit, func(o model.Order) bool { return o.BuyerID == buyerID }), nil
}

// ListRecentOrders возвращает последние заказы всех покупателей.
func (s *MemoryStore) ListRecentOrders(_ context.Context, limit int) ([]model.Order, error) {
	return s.listOrders(limit, func(model.Order) bool { return true }), nil
}

func (s *MemoryStore) listOrders(limit int, match func(model.Order) bool) []model.Order {
	var res []model.Order
	s.read(func(tx *memTx) {
		for _, o := range tx.d.orders {
			if match(o) {
				res = append(res, o)
			}
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// ListOrdersForReconciliation возвращает заказы, по которым ещё ждут подтверждения оплаты.
func (s *MemoryStore) ListOrdersForReconciliation(_ context.Context, limit int) ([]OrderForReconciliation, error) {
	var res []OrderForReconciliation
	s.read(func(tx *memTx) {
		for _, o := range tx.d.orders {
			if o.AmountDue > 0 && (o.Status == model.OrderStatusAwaitingPayment || o.Status == model.OrderStatusPendingVerification) {
				res = append(res, OrderForReconciliation{ID: o.ID, PaymentReference: o.PaymentReference, Status: o.Status})
			}
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListAssignments возвращает исполнителей заказа в порядке взятия.
func (s *MemoryStore) ListAssignments(ctx context.Context, orderID int64) (res []model.WorkerAssignment, err error) {
	s.read(func(tx *memTx) { res, err = tx.ListAssignments(ctx, orderID) })
	return res, err
}

// ListPayouts возвращает выплаты по заказу.
func (s *MemoryStore) ListPayouts(_ context.Context, orderID int64) ([]model.Payout, error) {
	var res []model.Payout
	s.read(func(tx *memTx) {
		for _, p := range tx.d.payouts {
			if p.OrderID == orderID {
				res = append(res, p)
			}
		}
	})
	return res, nil
}

// GetWorkerStats возвращает число взятых заказов и сумму выплат исполнителя.
func (s *MemoryStore) GetWorkerStats(_ context.Context, workerID int64) (*model.WorkerStats, error) {
	stats := &model.WorkerStats{WorkerID: workerID}
	s.read(func(tx *memTx) {
		for k := range tx.d.assignments {
			if k.workerID == workerID {
				stats.Taken++
			}
		}
		for _, p := range tx.d.payouts {
			if p.WorkerID == workerID {
				stats.Earned += p.Amount
			}
		}
		var ratingSum int
		for _, r := range tx.d.reviews {
			if r.WorkerID == workerID {
				stats.Reviews++
				ratingSum += r.Rating
			}
		}
		if stats.Reviews > 0 {
			stats.AverageRating = float64(ratingSum) / float64(stats.Reviews)
		}
	})
	return stats, nil
}

// ListReviewsByWorker возвращает последние отзывы об исполнителе.
func (s *MemoryStore) ListReviewsByWorker(_ context.Context, workerID int64, limit int) ([]model.Review, error) {
	var res []model.Review
	s.read(func(tx *memTx) {
		for i := len(tx.d.reviews) - 1; i >= 0 && len(res) < limit; i-- {
			if tx.d.reviews[i].WorkerID == workerID {
				res = append(res, tx.d.reviews[i])
			}
		}
	})
	return res, nil
}

// memTx реализует Tx над данными MemoryStore. Блокировки строк не нужны: вся транзакция
// выполняется под мьютексом хранилища.
type memTx struct {
	d *memData
}

func (t *memTx) InsertUser(_ context.Context, u *model.User) (int64, error) {
	for _, existing := range t.d.users {
		if existing.ExternalID == u.ExternalID {
			return 0, fmt.Errorf("%w: %d", model.ErrUserExists, u.ExternalID)
		}
	}
	t.d.nextUserID++
	stored := *u
	stored.ID = t.d.nextUserID
	stored.Balance = 0
	stored.ReferredCount = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	t.d.users[stored.ID] = stored
	return stored.ID, nil
}

func (t *memTx) GetUser(_ context.Context, id int64) (*model.User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &u, nil
}

func (t *memTx) GetUserByExternalID(_ context.Context, externalID int64) (*model.User, error) {
	for _, u := range t.d.users {
		if u.ExternalID == externalID {
			return &u, nil
		}
	}
	return nil, model.ErrNotFound
}

func (t *memTx) LockUser(ctx context.Context, id int64) (*model.User, error) {
	return t.GetUser(ctx, id)
}

func (t *memTx) IncrementReferredCount(_ context.Context, userID int64) error {
	u, ok := t.d.users[userID]
	if !ok {
		return model.ErrNotFound
	}
	u.ReferredCount++
	t.d.users[userID] = u
	return nil
}

func (t *memTx) AdjustBalance(_ context.Context, userID, delta int64) (int64, error) {
	u, ok := t.d.users[userID]
	if !ok {
		return 0, model.ErrNotFound
	}
	if u.Balance+delta < 0 {
		return 0, model.ErrInsufficientBalance
	}
	u.Balance += delta
	t.d.users[userID] = u
	return u.Balance, nil
}

// SetBalance задаёт баланс напрямую. Нужен для подготовки данных в тестах.
func (s *MemoryStore) SetBalance(userID, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[userID]
	if !ok {
		return model.ErrNotFound
	}
	u.Balance = balance
	s.data.users[userID] = u
	return nil
}

func (t *memTx) InsertProduct(_ context.Context, p *model.Product) (int64, error) {
	t.d.nextProductID++
	stored := *p
	stored.ID = t.d.nextProductID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	t.d.products[stored.ID] = stored
	return stored.ID, nil
}

func (t *memTx) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	p, ok := t.d.products[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if _, gone := t.d.deleted[id]; gone {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) DeleteProduct(_ context.Context, id int64, at time.Time) (bool, error) {
	if _, ok := t.d.products[id]; !ok {
		return false, nil
	}
	if _, gone := t.d.deleted[id]; gone {
		return false, nil
	}
	t.d.deleted[id] = at
	return true, nil
}

func (t *memTx) InsertPromocode(_ context.Context, p model.Promocode) error {
	if _, ok := t.d.promocodes[p.Code]; ok {
		return fmt.Errorf("%w: %s", model.ErrPromoExists, p.Code)
	}
	t.d.promocodes[p.Code] = p
	return nil
}

func (t *memTx) GetPromocode(_ context.Context, code string) (*model.Promocode, error) {
	p, ok := t.d.promocodes[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) IsPromoUsed(_ context.Context, userID int64, code string) (bool, error) {
	_, ok := t.d.usedPromos[usedPromoKey{userID: userID, code: code}]
	return ok, nil
}

func (t *memTx) InsertUsedPromo(_ context.Context, userID int64, code string) error {
	key := usedPromoKey{userID: userID, code: code}
	if _, ok := t.d.usedPromos[key]; ok {
		return model.ErrPromoAlreadyUsed
	}
	t.d.usedPromos[key] = struct{}{}
	return nil
}

func (t *memTx) DecrementPromoActivations(_ context.Context, code string) error {
	p, ok := t.d.promocodes[code]
	if !ok {
		return model.ErrPromoUnknown
	}
	if p.ActivationsLeft <= 0 {
		return model.ErrPromoExhausted
	}
	p.ActivationsLeft--
	t.d.promocodes[code] = p
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) (int64, error) {
	for _, existing := range t.d.orders {
		if existing.PaymentReference == o.PaymentReference {
			return 0, fmt.Errorf("insert order: duplicate payment reference %s", o.PaymentReference)
		}
	}
	t.d.nextOrderID++
	stored := *o
	stored.ID = t.d.nextOrderID
	t.d.orders[stored.ID] = stored
	return stored.ID, nil
}

func (t *memTx) LockOrder(_ context.Context, id int64) (*model.Order, error) {
	o, ok := t.d.orders[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &o, nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, id int64, from, to model.OrderStatus, at time.Time) (bool, error) {
	o, ok := t.d.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	switch to {
	case model.OrderStatusInProgress:
		if o.StartedAt == nil {
			started := at
			o.StartedAt = &started
		}
	case model.OrderStatusDone:
		done := at
		o.DoneAt = &done
	}
	t.d.orders[id] = o
	return true, nil
}

func (t *memTx) ListAssignments(_ context.Context, orderID int64) ([]model.WorkerAssignment, error) {
	var res []model.WorkerAssignment
	for k, a := range t.d.assignments {
		if k.orderID == orderID {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].TakenAt.Equal(res[j].TakenAt) {
			return res[i].WorkerID < res[j].WorkerID
		}
		return res[i].TakenAt.Before(res[j].TakenAt)
	})
	return res, nil
}

func (t *memTx) InsertAssignment(_ context.Context, a model.WorkerAssignment) error {
	key := assignmentKey{orderID: a.OrderID, workerID: a.WorkerID}
	if _, ok := t.d.assignments[key]; ok {
		return model.ErrAlreadyAssigned
	}
	t.d.assignments[key] = a
	return nil
}

func (t *memTx) DeleteAssignment(_ context.Context, orderID, workerID int64) (bool, error) {
	key := assignmentKey{orderID: orderID, workerID: workerID}
	if _, ok := t.d.assignments[key]; !ok {
		return false, nil
	}
	delete(t.d.assignments, key)
	return true, nil
}

func (t *memTx) InsertPayout(_ context.Context, p model.Payout) error {
	for _, existing := range t.d.payouts {
		if existing.OrderID == p.OrderID && existing.WorkerID == p.WorkerID {
			return fmt.Errorf("insert payout: duplicate payout for order %d worker %d", p.OrderID, p.WorkerID)
		}
	}
	t.d.payouts = append(t.d.payouts, p)
	return nil
}

func (t *memTx) InsertReview(_ context.Context, r model.Review) error {
	for _, existing := range t.d.reviews {
		if existing.OrderID == r.OrderID && existing.WorkerID == r.WorkerID {
			return model.ErrReviewExists
		}
	}
	t.d.reviews = append(t.d.reviews, r)
	return nil
}
