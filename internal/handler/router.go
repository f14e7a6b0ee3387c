package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/metroshop/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	// Подпись уведомления считается по телу в том виде, в каком его отправила платёжная система.
	if h.paymentCallback != nil {
		r.Method(http.MethodPost, "/api/payments/callback", h.paymentCallback)
	}

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		if h.metrics != nil {
			r.Handle("/metrics", h.metrics)
		}

		r.Route("/api", h.apiRoutes)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) apiRoutes(r chi.Router) {
	r.Post("/users", h.Register)
	r.Get("/products", h.ListProducts)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/users/me", h.Me)
		r.Post("/promo/activate", h.ActivatePromo)

		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.GetOrders)
		r.Post("/orders/evidence", h.SubmitAwaitedEvidence)
		r.Post("/orders/{id}/evidence", h.SubmitEvidence)
		r.Post("/orders/{id}/invoice", h.CreateInvoice)
		r.Post("/orders/{id}/reviews", h.LeaveReview)

		r.Group(func(r chi.Router) {
			r.Use(h.staffMiddleware.Middleware)

			r.Post("/admin/products", h.CreateProduct)
			r.Delete("/admin/products/{id}", h.DeleteProduct)
			r.Post("/admin/promocodes", h.CreatePromocode)
			r.Get("/admin/promocodes", h.ListPromocodes)

			r.Post("/staff/actions", h.StaffAction)
			r.Get("/staff/orders", h.StaffOrders)
			r.Get("/staff/stats", h.StaffStats)
			r.Get("/staff/reviews", h.StaffReviews)
		})
	})
}
