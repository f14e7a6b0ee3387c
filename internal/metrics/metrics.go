// Package metrics экспортирует счётчики сервиса в Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metroshop"

// Metrics содержит счётчики жизненного цикла заказов. Нулевой указатель допустим:
// все методы в этом случае ничего не делают.
type Metrics struct {
	transitions   *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	assignments   *prometheus.CounterVec
}

// MustNewMetrics создаёт и регистрирует счётчики в reg. Паникует при повторной регистрации.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status.",
		}, []string{"to"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_callbacks_total",
			Help:      "Payment system callbacks by processing result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by delivery result.",
		}, []string{"result"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Worker take and leave attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.transitions, m.callbacks, m.notifications, m.assignments)
	return m
}

// OrderTransition учитывает переход заказа в статус to.
func (m *Metrics) OrderTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// PaymentCallback учитывает обработанное уведомление платёжной системы.
func (m *Metrics) PaymentCallback(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// Notification учитывает попытку доставки уведомления.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// Assignment учитывает попытку взять заказ или сняться с него.
func (m *Metrics) Assignment(result string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(result).Inc()
}
