package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carwash/internal/config"
	"carwash/internal/model"
	"carwash/pkg/breaker"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*config.APIConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.APIConfig{
		BaseURL:         srv.URL + "/api/v1",
		Token:           "service-token",
		Timeout:         2 * time.Second,
		RetryInterval:   time.Millisecond,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}
	for _, m := range mutate {
		m(cfg)
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient(&config.APIConfig{BaseURL: "/api"})
	assert.Error(t, err)
}

func TestFetchOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/orders/O1", r.URL.Path)
		assert.Equal(t, "Bearer service-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":         "O1",
			"status":     "processing",
			"grandTotal": 50000,
		})
	})

	snap, err := c.FetchOrder(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, "O1", snap.ID)
	assert.Equal(t, model.StatusProcessing, snap.Status)
	assert.Equal(t, float64(50000), snap.GrandTotal)
}

func TestFetchOrderErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "order not found"})
		})
		for i := 0; i < 5; i++ {
			_, err := c.FetchOrder(context.Background(), "O404")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Contains(t, err.Error(), "order not found")
		}
		assert.Equal(t, "closed", c.BreakerStates()["fetch_order"])
	})

	t.Run("invalid status", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"id": "O1", "status": "exploded"})
		})
		_, err := c.FetchOrder(context.Background(), "O1")
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("garbage body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		})
		_, err := c.FetchOrder(context.Background(), "O1")
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("server error is retried", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "upstream down"})
		}, func(cfg *config.APIConfig) { cfg.Retries = 2 })

		_, err := c.FetchOrder(context.Background(), "O1")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.Code)
		assert.Equal(t, "upstream down", se.Message)
		assert.True(t, se.Temporary())
		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.FetchOrder(ctx, "O1")
		require.Error(t, err)
	}
	_, err := c.FetchOrder(ctx, "O1")
	assert.ErrorIs(t, err, breaker.ErrOpenState)
	assert.True(t, breaker.IsCircuitBreakerError(err))
	assert.Contains(t, err.Error(), "fetch_order")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "open", c.BreakerStates()["fetch_order"])

	// breakers are per endpoint
	assert.NotErrorIs(t, c.Heartbeat(ctx, "K1"), breaker.ErrOpenState)
}

func TestFetchKioskProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/kiosks/K1/profile":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"deviceId":       "K1",
				"name":           "Bay 1",
				"paymentSession": map[string]interface{}{"orderId": "O1", "qrCode": "qr", "expiredAt": "2099-01-01T00:00:00Z"},
				"order":          map[string]interface{}{"id": "O1", "status": "pending", "grandTotal": 1},
			})
		case "/api/v1/kiosks/K2/profile":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"deviceId":       "K2",
				"paymentSession": map[string]interface{}{"orderId": "O2"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	profile, err := c.FetchKioskProfile(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "Bay 1", profile.Name)
	require.NotNil(t, profile.PaymentSession)
	assert.Equal(t, "O1", profile.PaymentSession.OrderID)
	require.NotNil(t, profile.Order)
	assert.Equal(t, model.StatusPending, profile.Order.Status)

	profile, err = c.FetchKioskProfile(ctx, "K2")
	require.NoError(t, err)
	assert.Nil(t, profile.PaymentSession)

	_, err = c.FetchKioskProfile(ctx, "K3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchClientSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/client/session", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer customer-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "session expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"customerId": "C1",
			"phone":      "0900000000",
			"expiresAt":  "2099-01-01T00:00:00Z",
		})
	})
	ctx := context.Background()

	profile, err := c.FetchClientSession(ctx, "customer-token")
	require.NoError(t, err)
	assert.Equal(t, "C1", profile.CustomerID)
	assert.False(t, profile.IsExpired(time.Now()))

	_, err = c.FetchClientSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreatePayment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			ModeID string `json:"modeId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/api/v1/orders/O1/payments":
			assert.Equal(t, "M1", body.ModeID)
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"qrCode":    "000201...",
				"amount":    50000,
				"expiredAt": "2099-01-01T00:00:00Z",
			})
		case "/api/v1/orders/O2/payments":
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"orderId":   "O9",
				"qrCode":    "qr",
				"expiredAt": "2099-01-01T00:00:00Z",
			})
		default:
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "mode unavailable"})
		}
	})
	ctx := context.Background()

	ps, err := c.CreatePayment(ctx, "M1", "O1")
	require.NoError(t, err)
	assert.Equal(t, "O1", ps.OrderID)
	assert.Equal(t, "000201...", ps.Payload())

	_, err = c.CreatePayment(ctx, "M1", "O2")
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = c.CreatePayment(ctx, "M1", "O3")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mode unavailable", se.Message)
	assert.False(t, se.Temporary())
}

func TestHeartbeat(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/kiosks/K1/heartbeat", r.URL.Path)
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Heartbeat(context.Background(), "K1"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "O1", "status": "pending"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchOrder(ctx, "O1")
	assert.ErrorIs(t, err, context.Canceled)
}
