package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"carwash/internal/coordinator"
	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/internal/reconcile"
	"carwash/internal/transport"
	"carwash/pkg/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type fakeConn struct {
	snap transport.Connection
}

func (f *fakeConn) Snapshot() transport.Connection { return f.snap }

type fakePatterns []string

func (f fakePatterns) Patterns() []string { return f }

type fakeBacker struct {
	board *Board
	err   error
	calls int
}

func (f *fakeBacker) Back(ctx context.Context) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if v := f.board.View(); v.Payment != nil {
		f.board.Navigate(v.Payment.OrderID, coordinator.NavigateBack)
	}
	return nil
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PublishOrder(ctx context.Context, snap *model.OrderSnapshot) error {
	return m.Called(ctx, snap).Error(0)
}

func (m *MockNotifier) AssignPayment(ctx context.Context, deviceID string, ps *model.PaymentSession) error {
	return m.Called(ctx, deviceID, ps).Error(0)
}

func request(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) utils.Response {
	t.Helper()
	resp := utils.Response{Data: out}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func payment(orderID string, ttl time.Duration) *model.PaymentSession {
	return &model.PaymentSession{
		OrderID:   orderID,
		QRCode:    "qr-" + orderID,
		Amount:    50000,
		ExpiredAt: time.Now().Add(ttl),
	}
}

func TestBoardLifecycle(t *testing.T) {
	b := NewBoard("K1")
	assert.Equal(t, ScreenIdle, b.View().Screen)
	assert.Equal(t, "K1", b.View().DeviceID)

	b.ShowPayment(payment("O1", 90*time.Second))
	v := b.View()
	assert.Equal(t, ScreenPayment, v.Screen)
	assert.Equal(t, 90, v.Remaining)

	b.ShowStatus(&model.OrderSnapshot{ID: "O1", Status: model.StatusDraft})
	assert.Equal(t, ScreenPayment, b.View().Screen)

	// another order's update is not ours
	b.ShowStatus(&model.OrderSnapshot{ID: "O2", Status: model.StatusProcessing})
	assert.Equal(t, model.StatusDraft, b.View().Order.Status)

	b.ShowStatus(&model.OrderSnapshot{ID: "O1", Status: model.StatusProcessing})
	v = b.View()
	assert.Equal(t, ScreenWashing, v.Screen)
	assert.Equal(t, 0, v.Remaining)

	out, ok := model.OutcomeFor("O1", model.StatusCompleted)
	require.True(t, ok)
	b.ShowOutcome(out)
	b.Navigate("O1", reconcile.NavigateTerminal)

	v = b.View()
	assert.Equal(t, ScreenOutcome, v.Screen)
	assert.Nil(t, v.Payment)
	require.NotNil(t, v.Outcome)
	assert.Equal(t, "Đã rửa xong", v.Outcome.Message)
	require.NotNil(t, v.LastNavigation)
	assert.Equal(t, reconcile.NavigateTerminal, v.LastNavigation.Reason)

	// the next payment replaces the outcome
	b.ShowPayment(payment("O2", time.Minute))
	v = b.View()
	assert.Equal(t, ScreenPayment, v.Screen)
	assert.Nil(t, v.Outcome)
	assert.Nil(t, v.Order)
}

func TestBoardExpiry(t *testing.T) {
	b := NewBoard("K1")
	b.ShowPayment(payment("O1", time.Minute))
	b.ShowStatus(&model.OrderSnapshot{ID: "O1", Status: model.StatusDraft})

	b.PaymentExpired("O2")
	assert.Equal(t, ScreenPayment, b.View().Screen)

	b.PaymentExpired("O1")
	b.Navigate("O1", coordinator.NavigateExpired)

	v := b.View()
	assert.Equal(t, ScreenExpired, v.Screen)
	assert.Nil(t, v.Payment)
	assert.Equal(t, coordinator.NavigateExpired, v.LastNavigation.Reason)
}

func TestBoardNavigateAway(t *testing.T) {
	for _, reason := range []reconcile.NavigateReason{coordinator.NavigateBack, reconcile.NavigateInvalidSession} {
		t.Run(string(reason), func(t *testing.T) {
			b := NewBoard("K1")
			b.ShowPayment(payment("O1", time.Minute))
			b.Navigate("O1", reason)

			v := b.View()
			assert.Equal(t, ScreenIdle, v.Screen)
			assert.Nil(t, v.Payment)
			assert.Equal(t, reason, v.LastNavigation.Reason)
		})
	}
}

func TestBoardRemainingUsesClock(t *testing.T) {
	b := NewBoard("K1")
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.ShowPayment(&model.PaymentSession{OrderID: "O1", QRCode: "qr", ExpiredAt: now.Add(2500 * time.Millisecond)})
	assert.Equal(t, 3, b.View().Remaining)

	now = now.Add(3 * time.Second)
	assert.Equal(t, 0, b.View().Remaining)
}

func newKioskRouter(conn *fakeConn, board *Board, backer Backer) *gin.Engine {
	r := NewEngine(conn, EngineOptions{Metrics: monitor.NewMetrics("handler"), MetricsPath: "/metrics"})
	RegisterKioskRoutes(r, NewKioskHandler(board, conn, fakePatterns{"order_O1", "kiosk_payment_K1"}, backer))
	return r
}

func TestKioskRoutes(t *testing.T) {
	conn := &fakeConn{snap: transport.Connection{ClientID: "carwash_1", State: transport.StateOpen}}
	board := NewBoard("K1")
	backer := &fakeBacker{board: board}
	r := newKioskRouter(conn, board, backer)

	board.ShowPayment(payment("O1", time.Minute))

	t.Run("board", func(t *testing.T) {
		var view BoardView
		w := request(r, http.MethodGet, "/api/v1/board", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeData(t, w, &view)
		assert.Equal(t, int(utils.CodeSuccess), resp.Code)
		assert.Equal(t, ScreenPayment, view.Screen)
		assert.Equal(t, "O1", view.Payment.OrderID)
		assert.InDelta(t, 60, view.Remaining, 1)
	})

	t.Run("connection", func(t *testing.T) {
		var view map[string]interface{}
		w := request(r, http.MethodGet, "/api/v1/connection", nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeData(t, w, &view)
		assert.Equal(t, "open", view["state"])
		assert.Equal(t, "carwash_1", view["client_id"])
		assert.ElementsMatch(t, []interface{}{"order_O1", "kiosk_payment_K1"}, view["patterns"])
	})

	t.Run("delete session", func(t *testing.T) {
		var view BoardView
		w := request(r, http.MethodDelete, "/api/v1/session", nil)
		require.Equal(t, http.StatusOK, w.Code)
		decodeData(t, w, &view)
		assert.Equal(t, ScreenIdle, view.Screen)
		assert.Equal(t, 1, backer.calls)
	})

	t.Run("delete session failure", func(t *testing.T) {
		backer.err = errors.New("store down")
		defer func() { backer.err = nil }()

		w := request(r, http.MethodDelete, "/api/v1/session", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := request(r, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "handler_http_requests_total")
	})
}

type fakeBreakers map[string]string

func (b fakeBreakers) BreakerStates() map[string]string { return b }

func TestHealthReportsBreakers(t *testing.T) {
	conn := &fakeConn{snap: transport.Connection{State: transport.StateOpen}}
	r := NewEngine(conn, EngineOptions{Breakers: fakeBreakers{"fetch_order": "open", "heartbeat": "closed"}})

	w := request(r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string            `json:"status"`
		Breakers map[string]string `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "open", body.Breakers["fetch_order"])
	assert.Equal(t, "closed", body.Breakers["heartbeat"])
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state  transport.State
		status int
	}{
		{transport.StateOpen, http.StatusOK},
		{transport.StateReconnecting, http.StatusOK},
		{transport.StateConnecting, http.StatusOK},
		{transport.StateErrored, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			conn := &fakeConn{snap: transport.Connection{State: tt.state, LastError: "auth rejected"}}
			r := newKioskRouter(conn, NewBoard("K1"), &fakeBacker{})

			w := request(r, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.status, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.state.String(), body["broker"])
		})
	}
}

func newNotifyRouter(n Notifier, opts NotifyOptions) *gin.Engine {
	r := NewEngine(&fakeConn{}, EngineOptions{})
	RegisterNotifyRoutes(r, NewNotifyHandler(n), opts)
	return r
}

func TestNotifyPublishOrder(t *testing.T) {
	t.Run("published", func(t *testing.T) {
		n := new(MockNotifier)
		n.On("PublishOrder", mock.Anything, mock.MatchedBy(func(s *model.OrderSnapshot) bool {
			return s.ID == "O1" && s.Status == model.StatusProcessing && s.GrandTotal == 50000
		})).Return(nil)

		w := request(newNotifyRouter(n, NotifyOptions{}), http.MethodPost, "/api/v1/notify/orders",
			map[string]interface{}{"id": "O1", "status": "processing", "grandTotal": 50000})

		require.Equal(t, http.StatusOK, w.Code)
		var res PublishResult
		decodeData(t, w, &res)
		assert.Equal(t, "order_O1", res.Topic)
		n.AssertExpectations(t)
	})

	t.Run("validation", func(t *testing.T) {
		n := new(MockNotifier)
		r := newNotifyRouter(n, NotifyOptions{})

		for _, body := range []interface{}{
			`{"id":`,
			map[string]interface{}{"status": "processing"},
			map[string]interface{}{"id": "O/1", "status": "processing"},
			map[string]interface{}{"id": "O1"},
			map[string]interface{}{"id": "O1", "status": "processing", "grandTotal": -1},
		} {
			w := request(r, http.MethodPost, "/api/v1/notify/orders", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, fmt.Sprint(body))
		}
		n.AssertNotCalled(t, "PublishOrder", mock.Anything, mock.Anything)
	})

	t.Run("status normalised", func(t *testing.T) {
		n := new(MockNotifier)
		n.On("PublishOrder", mock.Anything, mock.MatchedBy(func(s *model.OrderSnapshot) bool {
			return s.Status == model.StatusCompleted
		})).Return(nil)
		r := newNotifyRouter(n, NotifyOptions{})

		w := request(r, http.MethodPost, "/api/v1/notify/orders",
			map[string]interface{}{"id": "O1", "status": " Completed "})
		assert.Equal(t, http.StatusOK, w.Code)

		w = request(r, http.MethodPost, "/api/v1/notify/orders",
			map[string]interface{}{"id": "O1", "status": "paid"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, int(utils.CodeInvalidParam), decodeData(t, w, nil).Code)
		n.AssertNumberOfCalls(t, "PublishOrder", 1)
	})

	t.Run("error mapping", func(t *testing.T) {
		tests := []struct {
			name   string
			err    error
			status int
			code   utils.ResponseCode
		}{
			{"rejected payload", fmt.Errorf("%w: missing id", model.ErrMalformedPayload), http.StatusBadRequest, utils.CodeInvalidParam},
			{"not open", fmt.Errorf("notify order: %w", transport.ErrNotOpen), http.StatusServiceUnavailable, utils.CodeNotConnected},
			{"broker error", errors.New("puback timeout"), http.StatusBadGateway, utils.CodePublishFailed},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				n := new(MockNotifier)
				n.On("PublishOrder", mock.Anything, mock.Anything).Return(tt.err)

				w := request(newNotifyRouter(n, NotifyOptions{}), http.MethodPost, "/api/v1/notify/orders",
					map[string]interface{}{"id": "O1", "status": "processing"})

				assert.Equal(t, tt.status, w.Code)
				assert.Equal(t, int(tt.code), decodeData(t, w, nil).Code)
			})
		}
	})
}

func TestNotifyAssignPayment(t *testing.T) {
	expiredAt := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)

	t.Run("assigned", func(t *testing.T) {
		n := new(MockNotifier)
		n.On("AssignPayment", mock.Anything, "K1", mock.MatchedBy(func(ps *model.PaymentSession) bool {
			return ps.OrderID == "O1" && ps.QRCode == "qr" && ps.ExpiredAt.Equal(expiredAt)
		})).Return(nil)

		w := request(newNotifyRouter(n, NotifyOptions{RateLimit: 10, RateBurst: 10}), http.MethodPost,
			"/api/v1/notify/kiosks/K1/payment",
			map[string]interface{}{"orderId": "O1", "qrCode": "qr", "amount": 50000, "expiredAt": expiredAt})

		require.Equal(t, http.StatusOK, w.Code)
		var res PublishResult
		decodeData(t, w, &res)
		assert.Equal(t, "kiosk_payment_K1", res.Topic)
		n.AssertExpectations(t)
	})

	t.Run("validation", func(t *testing.T) {
		n := new(MockNotifier)
		r := newNotifyRouter(n, NotifyOptions{RateLimit: 100, RateBurst: 100})

		tests := []struct {
			name   string
			device string
			body   map[string]interface{}
		}{
			{"no payload", "K1", map[string]interface{}{"orderId": "O1", "expiredAt": expiredAt}},
			{"no order", "K1", map[string]interface{}{"qrCode": "qr", "expiredAt": expiredAt}},
			{"no expiry", "K1", map[string]interface{}{"orderId": "O1", "qrCode": "qr"}},
			{"already expired", "K1", map[string]interface{}{"orderId": "O1", "qrCode": "qr", "expiredAt": time.Now().Add(-time.Second)}},
			{"bad device", "K.1", map[string]interface{}{"orderId": "O1", "qrCode": "qr", "expiredAt": expiredAt}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := request(r, http.MethodPost, "/api/v1/notify/kiosks/"+tt.device+"/payment", tt.body)
				assert.Equal(t, http.StatusBadRequest, w.Code)
			})
		}
		n.AssertNotCalled(t, "AssignPayment", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rate limited per device", func(t *testing.T) {
		n := new(MockNotifier)
		n.On("AssignPayment", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		r := newNotifyRouter(n, NotifyOptions{RateLimit: 0.001, RateBurst: 1})
		body := map[string]interface{}{"orderId": "O1", "endpoint": "https://pay.example/O1", "expiredAt": expiredAt}

		assert.Equal(t, http.StatusOK, request(r, http.MethodPost, "/api/v1/notify/kiosks/K1/payment", body).Code)
		assert.Equal(t, http.StatusTooManyRequests, request(r, http.MethodPost, "/api/v1/notify/kiosks/K1/payment", body).Code)
		assert.Equal(t, http.StatusOK, request(r, http.MethodPost, "/api/v1/notify/kiosks/K2/payment", body).Code)
	})
}

func TestNotifyRequiresToken(t *testing.T) {
	n := new(MockNotifier)
	r := newNotifyRouter(n, NotifyOptions{AuthSecret: "s3cret"})

	w := request(r, http.MethodPost, "/api/v1/notify/orders", map[string]interface{}{"id": "O1", "status": "processing"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	n.AssertNotCalled(t, "PublishOrder", mock.Anything, mock.Anything)
}
