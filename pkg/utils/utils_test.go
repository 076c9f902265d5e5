package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	RegisterCustomValidators()
	m.Run()
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestResponse(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		SuccessResponse(c, gin.H{"order_id": "O1"})

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decode(t, w)
		assert.Equal(t, 0, resp.Code)
		assert.Equal(t, "success", resp.Message)
		assert.Equal(t, map[string]interface{}{"order_id": "O1"}, resp.Data)
		assert.NotZero(t, resp.Timestamp)
	})

	t.Run("Error", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, CodeNotConnected, "broker not connected")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode(t, w)
		assert.Equal(t, int(CodeNotConnected), resp.Code)
		assert.True(t, c.IsAborted())
	})
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantHTTP int
		wantCode ResponseCode
	}{
		{"app error", ErrNoSession, http.StatusNotFound, CodeNoSession},
		{"wrapped app error", fmt.Errorf("kiosk: %w", ErrNotConnected), http.StatusServiceUnavailable, CodeNotConnected},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			HandleError(c, tt.err)

			assert.Equal(t, tt.wantHTTP, w.Code)
			assert.Equal(t, int(tt.wantCode), decode(t, w).Code)
			assert.Len(t, c.Errors, 1)
		})
	}
}

func TestAppError(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(cause, CodePublishFailed, "publish failed")

	assert.Equal(t, "code: 30002, message: publish failed, error: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodePublishFailed, GetErrorCode(err))
	assert.Equal(t, "publish failed", GetErrorMessage(err))
	assert.Equal(t, "code: 10001, message: invalid parameter", ErrInvalidParam.Error())

	assert.Equal(t, CodeInternalError, GetErrorCode(cause))
	assert.Equal(t, "connection refused", GetErrorMessage(cause))

	assert.Equal(t, http.StatusOK, CodeSuccess.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, CodeBackendError.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, CodeSessionExpired.HTTPStatus())
}

type assignRequest struct {
	OrderID  string `json:"orderId" binding:"required,ident"`
	QRCode   string `json:"qrCode" binding:"required_without=Endpoint"`
	Endpoint string `json:"endpoint"`
	Amount   int    `json:"amount" binding:"gte=0"`
}

func TestBindJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"valid", `{"orderId":"O-1","qrCode":"qr"}`, ""},
		{"missing order", `{"qrCode":"qr"}`, "orderId is required"},
		{"bad ident", `{"orderId":"O/1","qrCode":"qr"}`, "orderId must be 1-64 letters"},
		{"no payload", `{"orderId":"O1"}`, "qrCode is required when Endpoint is empty"},
		{"negative amount", `{"orderId":"O1","endpoint":"https://pay","amount":-1}`, "amount must be greater than or equal to 0"},
		{"malformed", `{"orderId":`, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			c.Request.Header.Set("Content-Type", "application/json")

			var req assignRequest
			err := BindJSON(c, &req)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, CodeInvalidParam, GetErrorCode(err))
			assert.Contains(t, GetErrorMessage(err), tt.wantErr)
		})
	}
}

func TestValidIdent(t *testing.T) {
	assert.True(t, ValidIdent("K1"))
	assert.True(t, ValidIdent("kiosk-01_a"))
	assert.False(t, ValidIdent(""))
	assert.False(t, ValidIdent("a/b"))
	assert.False(t, ValidIdent("a+b"))
	assert.False(t, ValidIdent(strings.Repeat("a", 65)))
}
