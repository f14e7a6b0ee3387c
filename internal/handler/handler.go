// Package handler содержит HTTP-обработчики API сервиса для чат-фронтенда и сотрудников.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/command"
	"github.com/mmeshcher/metroshop/internal/middleware"
	"github.com/mmeshcher/metroshop/internal/model"
	"github.com/mmeshcher/metroshop/internal/payment"
	"github.com/mmeshcher/metroshop/internal/processor"
	"github.com/mmeshcher/metroshop/internal/service"
	"github.com/mmeshcher/metroshop/internal/session"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxRegisterBody  = 4 << 10
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, externalID int64, username string, referrerExternalID *int64) (*model.User, bool, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	CreateProduct(ctx context.Context, name, description string, price int64) (*model.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context) ([]model.Product, error)
	CreatePromocode(ctx context.Context, code string, percent, activations int) (*model.Promocode, error)
	ListPromocodes(ctx context.Context) ([]model.Promocode, error)
	ActivatePromo(ctx context.Context, st session.State, userID int64, code string) (session.State, error)
	CreateOrder(ctx context.Context, st session.State, buyerID, productID int64) (*model.Order, session.State, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]model.Order, error)
	SubmitPaymentEvidence(ctx context.Context, st session.State, buyerID, orderID int64) (session.State, error)
	CreateInvoice(ctx context.Context, buyerID, orderID int64) (*processor.Invoice, error)
	Execute(ctx context.Context, actorID int64, cmd command.Command) (service.Outcome, error)
	ListRecentOrders(ctx context.Context, limit int) ([]model.Order, error)
	WorkerStats(ctx context.Context, workerID int64) (*model.WorkerStats, error)
	LeaveReview(ctx context.Context, buyerID, orderID, workerID int64, rating int, text string) (*model.Review, error)
	ListWorkerReviews(ctx context.Context, workerID int64, limit int) ([]model.Review, error)
}

var _ Service = (*service.Service)(nil)

// Deps содержит зависимости обработчиков. PaymentCallback и Metrics монтируются как есть.
// Frontend проверяет подпись запросов регистрации от чат-фронтенда.
type Deps struct {
	Auth            *middleware.AuthMiddleware
	Staff           *middleware.StaffMiddleware
	Frontend        *payment.Verifier
	Sessions        *session.Store
	PaymentCallback http.Handler
	Metrics         http.Handler
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	service         Service
	logger          *zap.Logger
	authMiddleware  *middleware.AuthMiddleware
	staffMiddleware *middleware.StaffMiddleware
	frontend        *payment.Verifier
	sessions        *session.Store
	paymentCallback http.Handler
	metrics         http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, d Deps) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		authMiddleware:  d.Auth,
		staffMiddleware: d.Staff,
		frontend:        d.Frontend,
		sessions:        d.Sessions,
		paymentCallback: d.PaymentCallback,
		metrics:         d.Metrics,
	}
}

type registerRequest struct {
	ExternalID         int64  `json:"external_id"`
	Username           string `json:"username"`
	ReferrerExternalID *int64 `json:"referrer_external_id,omitempty"`
}

type registerResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// Register регистрирует пользователя чат-платформы и выдаёт токен. Запрос принимается только
// с подписью чат-фронтенда в заголовке X-Signature: HMAC-SHA256 тела на общем секрете.
// Повторная регистрация возвращает 200 и токен существующего пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRegisterBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.frontend == nil {
		h.writeError(w, model.ErrSignatureInvalid, "register user")
		return
	}
	if err := h.frontend.Verify(body, r.Header.Get(payment.SignatureHeader)); err != nil {
		h.logger.Warn("unsigned registration rejected", zap.String("remote", r.RemoteAddr))
		h.writeError(w, err, "register user")
		return
	}

	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ExternalID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, created, err := h.service.RegisterUser(r.Context(), req.ExternalID, req.Username, req.ReferrerExternalID)
	if err != nil {
		h.writeError(w, err, "register user", zap.Int64("externalID", req.ExternalID))
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, registerResponse{ID: u.ID, Token: h.authMiddleware.IssueToken(u.ID)})
}

type userResponse struct {
	ID            int64  `json:"id"`
	ExternalID    int64  `json:"external_id"`
	Username      string `json:"username,omitempty"`
	Balance       int64  `json:"balance"`
	ReferredCount int64  `json:"referred_count"`
	HasReferrer   bool   `json:"has_referrer"`
}

// Me возвращает профиль текущего пользователя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	u, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get user", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:            u.ID,
		ExternalID:    u.ExternalID,
		Username:      u.Username,
		Balance:       u.Balance,
		ReferredCount: u.ReferredCount,
		HasReferrer:   u.ReferrerID != nil,
	})
}

type productRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

type productResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
}

// ListProducts возвращает каталог.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, err, "list products")
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{ID: p.ID, Name: p.Name, Description: p.Description, Price: p.Price})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteProduct убирает товар из каталога.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		h.writeError(w, err, "delete product", zap.Int64("productID", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateProduct добавляет товар в каталог.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreateProduct(r.Context(), req.Name, req.Description, req.Price)
	if err != nil {
		h.writeError(w, err, "create product")
		return
	}

	writeJSON(w, http.StatusCreated, productResponse{ID: p.ID, Name: p.Name, Description: p.Description, Price: p.Price})
}

type promoRequest struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent"`
	Activations     int    `json:"activations"`
}

type promoResponse struct {
	Code            string `json:"code"`
	DiscountPercent int    `json:"discount_percent"`
	ActivationsLeft *int   `json:"activations_left,omitempty"`
}

// ActivatePromo запоминает промокод в состоянии диалога для следующего заказа.
func (h *Handler) ActivatePromo(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	st, err := h.service.ActivatePromo(r.Context(), h.sessions.Get(userID), userID, req.Code)
	if err != nil {
		h.writeError(w, err, "activate promocode", zap.Int64("userID", userID))
		return
	}
	h.sessions.Put(userID, st)

	writeJSON(w, http.StatusOK, promoResponse{Code: st.ActivePromo.Code, DiscountPercent: st.ActivePromo.Percent})
}

// CreatePromocode создаёт промокод.
func (h *Handler) CreatePromocode(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreatePromocode(r.Context(), req.Code, req.DiscountPercent, req.Activations)
	if err != nil {
		h.writeError(w, err, "create promocode")
		return
	}

	left := p.ActivationsLeft
	writeJSON(w, http.StatusCreated, promoResponse{Code: p.Code, DiscountPercent: p.DiscountPercent, ActivationsLeft: &left})
}

// ListPromocodes возвращает все промокоды.
func (h *Handler) ListPromocodes(w http.ResponseWriter, r *http.Request) {
	promos, err := h.service.ListPromocodes(r.Context())
	if err != nil {
		h.writeError(w, err, "list promocodes")
		return
	}

	if len(promos) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]promoResponse, 0, len(promos))
	for _, p := range promos {
		left := p.ActivationsLeft
		resp = append(resp, promoResponse{Code: p.Code, DiscountPercent: p.DiscountPercent, ActivationsLeft: &left})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createOrderRequest struct {
	ProductID int64 `json:"product_id"`
}

type orderResponse struct {
	ID               int64  `json:"id"`
	BuyerID          int64  `json:"buyer_id"`
	ProductID        int64  `json:"product_id"`
	BasePrice        int64  `json:"base_price"`
	DiscountAmount   int64  `json:"discount_amount"`
	BalanceApplied   int64  `json:"balance_applied"`
	AmountDue        int64  `json:"amount_due"`
	Status           string `json:"status"`
	PromoCode        string `json:"promo_code,omitempty"`
	PaymentReference string `json:"payment_reference"`
	CreatedAt        string `json:"created_at"`
	StartedAt        string `json:"started_at,omitempty"`
	DoneAt           string `json:"done_at,omitempty"`
}

func toOrderResponse(o model.Order) orderResponse {
	resp := orderResponse{
		ID:               o.ID,
		BuyerID:          o.BuyerID,
		ProductID:        o.ProductID,
		BasePrice:        o.BasePrice,
		DiscountAmount:   o.DiscountAmount,
		BalanceApplied:   o.BalanceApplied,
		AmountDue:        o.AmountDue,
		Status:           string(o.Status),
		PromoCode:        o.PromoCode,
		PaymentReference: o.PaymentReference,
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
	}
	if o.StartedAt != nil {
		resp.StartedAt = o.StartedAt.Format(time.RFC3339)
	}
	if o.DoneAt != nil {
		resp.DoneAt = o.DoneAt.Format(time.RFC3339)
	}
	return resp
}

// CreateOrder оформляет покупку товара с промокодом из состояния диалога.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProductID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, st, err := h.service.CreateOrder(r.Context(), h.sessions.Get(userID), userID, req.ProductID)
	if err != nil {
		h.writeError(w, err, "create order", zap.Int64("userID", userID), zap.Int64("productID", req.ProductID))
		return
	}
	h.sessions.Put(userID, st)

	writeJSON(w, http.StatusCreated, toOrderResponse(*order))
}

// GetOrders возвращает последние заказы текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListOrdersByBuyer(r.Context(), userID, listLimit(r))
	if err != nil {
		h.writeError(w, err, "get orders", zap.Int64("userID", userID))
		return
	}
	h.writeOrders(w, orders)
}

// SubmitEvidence отмечает, что покупатель оплатил заказ.
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	orderID, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	h.submitEvidence(w, r, orderID)
}

// SubmitAwaitedEvidence отмечает оплату заказа, который ждёт подтверждения в диалоге.
func (h *Handler) SubmitAwaitedEvidence(w http.ResponseWriter, r *http.Request) {
	h.submitEvidence(w, r, 0)
}

func (h *Handler) submitEvidence(w http.ResponseWriter, r *http.Request, orderID int64) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	st, err := h.service.SubmitPaymentEvidence(r.Context(), h.sessions.Get(userID), userID, orderID)
	if err != nil {
		h.writeError(w, err, "submit payment evidence", zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}
	h.sessions.Put(userID, st)

	w.WriteHeader(http.StatusOK)
}

// CreateInvoice выставляет счёт платёжной системы на остаток по заказу.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, err, "create invoice", zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

type reviewRequest struct {
	WorkerID int64  `json:"worker_id"`
	Rating   int    `json:"rating"`
	Text     string `json:"text"`
}

type reviewResponse struct {
	OrderID   int64  `json:"order_id"`
	WorkerID  int64  `json:"worker_id"`
	Rating    int    `json:"rating"`
	Text      string `json:"text,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toReviewResponse(rv model.Review) reviewResponse {
	return reviewResponse{
		OrderID:   rv.OrderID,
		WorkerID:  rv.WorkerID,
		Rating:    rv.Rating,
		Text:      rv.Text,
		CreatedAt: rv.CreatedAt.Format(time.RFC3339),
	}
}

// LeaveReview сохраняет отзыв покупателя об исполнителе выполненного заказа.
// Без worker_id отзыв относится к первому исполнителю заказа.
func (h *Handler) LeaveReview(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := idParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rv, err := h.service.LeaveReview(r.Context(), userID, orderID, req.WorkerID, req.Rating, req.Text)
	if err != nil {
		h.writeError(w, err, "leave review", zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusCreated, toReviewResponse(*rv))
}

type actionRequest struct {
	Data string `json:"data"`
}

type actionResponse struct {
	Outcome string `json:"outcome"`
}

// StaffAction выполняет действие сотрудника, например {"data":"take:12"}.
func (h *Handler) StaffAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cmd, err := command.Parse(req.Data)
	if err != nil {
		h.writeError(w, err, "parse staff action")
		return
	}

	outcome, err := h.service.Execute(r.Context(), userID, cmd)
	if err != nil {
		h.writeError(w, err, "staff action", zap.Int64("userID", userID), zap.String("action", req.Data))
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{Outcome: string(outcome)})
}

// StaffOrders возвращает последние заказы всех покупателей.
func (h *Handler) StaffOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListRecentOrders(r.Context(), listLimit(r))
	if err != nil {
		h.writeError(w, err, "list recent orders")
		return
	}
	h.writeOrders(w, orders)
}

type statsResponse struct {
	WorkerID      int64   `json:"worker_id"`
	Taken         int64   `json:"taken"`
	Earned        int64   `json:"earned"`
	Reviews       int64   `json:"reviews"`
	AverageRating float64 `json:"average_rating"`
}

// StaffStats возвращает статистику текущего сотрудника.
func (h *Handler) StaffStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.WorkerStats(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "worker stats", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		WorkerID:      stats.WorkerID,
		Taken:         stats.Taken,
		Earned:        stats.Earned,
		Reviews:       stats.Reviews,
		AverageRating: stats.AverageRating,
	})
}

// StaffReviews возвращает последние отзывы о текущем сотруднике.
func (h *Handler) StaffReviews(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	reviews, err := h.service.ListWorkerReviews(r.Context(), userID, listLimit(r))
	if err != nil {
		h.writeError(w, err, "list reviews", zap.Int64("userID", userID))
		return
	}

	if len(reviews) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]reviewResponse, 0, len(reviews))
	for _, rv := range reviews {
		resp = append(resp, toReviewResponse(rv))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeOrders(w http.ResponseWriter, orders []model.Order) {
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError переводит доменную ошибку в HTTP-статус. Неизвестные ошибки пишутся в лог.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAlreadyAssigned),
		errors.Is(err, model.ErrCapacityExceeded),
		errors.Is(err, model.ErrPromoExhausted),
		errors.Is(err, model.ErrPromoAlreadyUsed),
		errors.Is(err, model.ErrPromoExists),
		errors.Is(err, model.ErrReviewExists):
		status = http.StatusConflict
	case errors.Is(err, model.ErrPromoUnknown):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, model.ErrInvalidArgument),
		errors.Is(err, model.ErrReferrerInvalid),
		errors.Is(err, command.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrSignatureInvalid):
		status = http.StatusForbidden
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	} else {
		h.logger.Debug(op+" rejected", append(fields, zap.Error(err))...)
	}

	http.Error(w, http.StatusText(status), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func idParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
