package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/pixelforge/pixelforge/internal/api/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBalance(t *testing.T) {
	led := newFakeLedger(85)
	jobID := uuid.New()
	led.reserved[jobID] = 15

	h := handler.NewGetBalanceHandler(led)
	req := authedRequest("GET", "/api/v1/credits", nil, uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(100), data["balance"])
	assert.Equal(t, float64(15), data["reserved"])
	assert.Equal(t, float64(85), data["available"])
}

func TestGrantCredits_Success(t *testing.T) {
	led := newFakeLedger(10)

	h := handler.NewGrantCreditsHandler(led)
	req := authedRequest("POST", "/api/v1/admin/credits",
		[]byte(`{"user_id":"`+uuid.NewString()+`","amount":50,"type":"bonus"}`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := decodeData(t, w)
	assert.Equal(t, float64(60), data["balance"])
}

func TestGrantCredits_DefaultsToAdminAdjustment(t *testing.T) {
	led := newFakeLedger(0)

	h := handler.NewGrantCreditsHandler(led)
	req := authedRequest("POST", "/api/v1/admin/credits",
		[]byte(`{"user_id":"`+uuid.NewString()+`","amount":5}`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGrantCredits_RejectsUnknownType(t *testing.T) {
	h := handler.NewGrantCreditsHandler(newFakeLedger(0))
	req := authedRequest("POST", "/api/v1/admin/credits",
		[]byte(`{"user_id":"`+uuid.NewString()+`","amount":5,"type":"reservation"}`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeErrorCode(t, w))
}

func TestGrantCredits_NegativeBalanceGuard(t *testing.T) {
	led := newFakeLedger(10)

	h := handler.NewGrantCreditsHandler(led)
	req := authedRequest("POST", "/api/v1/admin/credits",
		[]byte(`{"user_id":"`+uuid.NewString()+`","amount":-50}`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", decodeErrorCode(t, w))
}

func TestGrantCredits_MissingUser(t *testing.T) {
	h := handler.NewGrantCreditsHandler(newFakeLedger(0))
	req := authedRequest("POST", "/api/v1/admin/credits", []byte(`{"amount":5}`), uuid.New())
	w := httptest.NewRecorder()
	h(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
