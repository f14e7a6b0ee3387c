package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/metroshop/internal/model"
)

func TestCreateInvoice_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/invoices" {
			t.Fatalf("path = %s, want /api/invoices", r.URL.Path)
		}

		var req Invoice
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Invoice{
			Reference: req.Reference,
			Amount:    req.Amount,
			Status:    InvoiceStatusPending,
			PayURL:    "https://pay.example/" + req.Reference,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)

	inv, err := client.CreateInvoice(context.Background(), "ref-1", 4000)
	require.NoError(t, err)
	assert.Equal(t, "ref-1", inv.Reference)
	assert.Equal(t, int64(4000), inv.Amount)
	assert.Equal(t, "https://pay.example/ref-1", inv.PayURL)
}

func TestCreateInvoice_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "broken body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			client := NewClient(ts.URL, 50*time.Millisecond)
			_, err := client.CreateInvoice(context.Background(), "ref-1", 100)
			assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
		})
	}
}

func TestCreateInvoice_NotConfigured(t *testing.T) {
	client := NewClient("", time.Second)
	_, err := client.CreateInvoice(context.Background(), "ref-1", 100)
	assert.ErrorIs(t, err, model.ErrUpstreamUnavailable)
}

func TestGetInvoice_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/invoices/ref-7" {
			t.Fatalf("path = %s, want /api/invoices/ref-7", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Invoice{Reference: "ref-7", Amount: 500, Status: InvoiceStatusPaid})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	inv, code, retry, err := client.GetInvoice(ctx, "ref-7")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Zero(t, retry)
	require.NotNil(t, inv)
	assert.Equal(t, InvoiceStatusPaid, inv.Status)
}

func TestGetInvoice_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)

	inv, code, retry, err := client.GetInvoice(context.Background(), "ref-7")
	require.NoError(t, err)
	assert.Nil(t, inv)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, 5*time.Second, retry)
}

func TestGetInvoice_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)

	inv, code, _, err := client.GetInvoice(context.Background(), "ref-7")
	require.NoError(t, err)
	assert.Nil(t, inv)
	assert.Equal(t, http.StatusNotFound, code)
}
