// Package processor предоставляет клиент для внешней платёжной системы.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/metroshop/internal/model"
)

// Статусы счёта в платёжной системе.
const (
	InvoiceStatusPending  = "PENDING"
	InvoiceStatusPaid     = "PAID"
	InvoiceStatusCanceled = "CANCELED"
)

// Client инкапсулирует HTTP-взаимодействие с платёжной системой.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Invoice описывает счёт на оплату заказа. Сумма в копейках.
type Invoice struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status,omitempty"`
	PayURL    string `json:"pay_url,omitempty"`
}

// NewClient создаёт HTTP-клиент платёжной системы. Каждый запрос ограничен timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Configured сообщает, задан ли адрес платёжной системы.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// CreateInvoice выставляет счёт на amount копеек. Любой сбой, таймаут или ответ вне 2xx
// возвращается как model.ErrUpstreamUnavailable. Повторов нет.
func (c *Client) CreateInvoice(ctx context.Context, reference string, amount int64) (*Invoice, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: payment system not configured", model.ErrUpstreamUnavailable)
	}

	body, err := json.Marshal(Invoice{Reference: reference, Amount: amount})
	if err != nil {
		return nil, fmt.Errorf("marshal invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/invoices", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var result Invoice
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", model.ErrUpstreamUnavailable, err)
	}
	if result.Reference == "" {
		result.Reference = reference
	}
	if result.Amount == 0 {
		result.Amount = amount
	}

	return &result, nil
}

// GetInvoice запрашивает состояние счёта. Для 429 возвращает код ответа и паузу из Retry-After,
// для 404 и 204 возвращает nil без ошибки.
func (c *Client) GetInvoice(ctx context.Context, reference string) (*Invoice, int, time.Duration, error) {
	if !c.Configured() {
		return nil, 0, 0, fmt.Errorf("payment system not configured")
	}

	endpoint := fmt.Sprintf("%s/api/invoices/%s", c.baseURL, url.PathEscape(reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	case http.StatusNoContent, http.StatusNotFound:
		return nil, resp.StatusCode, 0, nil
	case http.StatusOK:
	default:
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Invoice
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
