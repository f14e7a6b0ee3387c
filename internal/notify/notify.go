// Package notify доставляет уведомления во фронтенд (чат-интерфейс) асинхронно и без гарантий.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/metroshop/internal/metrics"
)

// StaffChat задаёт адресата уведомлений для сотрудников.
const StaffChat int64 = 0

// Notification описывает сообщение пользователю. Action задаёт необязательное действие для кнопки,
// например "confirm:12".
type Notification struct {
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// Notifier отправляет одно уведомление.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// HTTPNotifier отправляет уведомления POST-запросом с JSON-телом.
type HTTPNotifier struct {
	url        string
	httpClient *http.Client
}

// NewHTTPNotifier создаёт отправителя на адрес url.
func NewHTTPNotifier(url string, timeout time.Duration) *HTTPNotifier {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return &HTTPNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify отправляет уведомление. Любой ответ вне 2xx считается ошибкой.
func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier пишет уведомления в лог. Используется, если адрес фронтенда не задан.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("notification",
		zap.Int64("userID", n.UserID),
		zap.String("message", n.Message),
		zap.String("action", n.Action),
	)
	return nil
}

// Dispatcher ставит уведомления в ограниченную очередь и отправляет их в отдельной горутине.
// Send никогда не блокирует: при переполнении уведомление отбрасывается.
type Dispatcher struct {
	notifier Notifier
	queue    chan Notification
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher создаёт диспетчер с очередью размера size.
func NewDispatcher(n Notifier, size int, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		queue:    make(chan Notification, size),
		timeout:  5 * time.Second,
		logger:   logger,
		metrics:  m,
	}
}

// Send ставит уведомления в очередь.
func (d *Dispatcher) Send(ns ...Notification) {
	for _, n := range ns {
		select {
		case d.queue <- n:
		default:
			d.metrics.Notification("dropped")
			d.logger.Warn("notification queue full, dropping",
				zap.Int64("userID", n.UserID),
				zap.String("message", n.Message),
			)
		}
	}
}

// Run отправляет уведомления из очереди до отмены ctx. Оставшиеся в очереди
// уведомления после отмены не отправляются.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.notifier.Notify(sendCtx, n); err != nil {
		d.metrics.Notification("failed")
		d.logger.Error("notification delivery failed",
			zap.Int64("userID", n.UserID),
			zap.Error(err),
		)
		return
	}
	d.metrics.Notification("sent")
}
