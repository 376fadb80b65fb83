package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProcessor(t *testing.T) {
	var got OperationRequest
	var gotKey, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		switch r.URL.Path {
		case "/v1/charges":
			json.NewEncoder(w).Encode(OperationResponse{ID: "ch_1", Status: "succeeded"})
		case "/v1/payouts":
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(OperationResponse{Status: "declined", Reason: "account closed"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(OperationResponse{Status: "error"})
		}
	}))
	defer srv.Close()

	p := NewHTTPProcessor(srv.URL, "secret", 5*time.Second)
	user := uuid.New()

	id, err := p.Charge(context.Background(), user, decimal.RequireFromString("12.5"), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "ch_1", id)
	assert.Equal(t, "12.50", got.Amount)
	assert.Equal(t, user.String(), got.UserID)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "ref-1", gotIdem)

	_, err = p.Payout(context.Background(), user, decimal.NewFromInt(5), "ref-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeclined))
}

func TestHTTPProcessor_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"status":"error"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPProcessor(srv.URL, "k", time.Second).Charge(context.Background(), uuid.New(), decimal.NewFromInt(1), "r")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDeclined))
}
