package formpay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"event-payments/internal/gateway"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, nil)
}

func TestInitiateConvertsAmountAndReturnsHandle(t *testing.T) {
	var got map[string]string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, sendPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = map[string]string{
			"api":          r.PostForm.Get("api"),
			"amount":       r.PostForm.Get("amount"),
			"redirect":     r.PostForm.Get("redirect"),
			"factorNumber": r.PostForm.Get("factorNumber"),
		}
		fmt.Fprint(w, "  887766\n")
	})

	res, err := a.Initiate(context.Background(), gateway.InitiateRequest{
		Amount:      decimal.NewFromInt(1000005),
		CallbackURL: "https://app/callback",
		OrderRef:    "pay-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", got["api"])
	assert.Equal(t, "100000", got["amount"])
	assert.Equal(t, "https://app/callback", got["redirect"])
	assert.Equal(t, "pay-1", got["factorNumber"])

	assert.True(t, res.Success)
	assert.Equal(t, "887766", res.TransactionHandle)
	assert.Equal(t, http.MethodGet, res.Redirect.Method)
	assert.Equal(t, a.baseURL+"/pg/887766", res.Redirect.URL)
}

func TestInitiateNegativeHandleIsDeclaredFailure(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "-3")
	})

	res, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: decimal.NewFromInt(50000)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.TransactionHandle)
	assert.Contains(t, res.Message, "-3")
}

func TestInitiateNonNumericHandleIsDeclaredFailure(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "invalid api key")
	})

	res, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: decimal.NewFromInt(50000)})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestInitiateAmountBelowUnit(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	})

	res, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: decimal.NewFromInt(9)})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestInitiateServerErrorIsTransportError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: decimal.NewFromInt(50000)})
	assert.Error(t, err)
}

func TestInitiateTimeoutIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "1")
	}))
	defer srv.Close()
	a := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil)

	_, err := a.Initiate(context.Background(), gateway.InitiateRequest{Amount: decimal.NewFromInt(50000)})
	assert.Error(t, err)
}

func TestVerifySettled(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, verifyPath, r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "887766", r.PostForm.Get("token"))
		assert.Equal(t, "555", r.PostForm.Get("transId"))
		fmt.Fprint(w, `{"status":1,"message":"ok","transId":555,"amount":100000}`)
	})

	res, err := a.Verify(context.Background(), gateway.VerifyRequest{
		TransactionHandle: "887766",
		Proof:             map[string]string{gateway.ProofTransactionID: "555", gateway.ProofStatus: "1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "555", res.ReferenceID)
	assert.Equal(t, "555", res.TransactionID)
}

func TestVerifyDeclined(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"0","message":"transaction not paid"}`)
	})

	res, err := a.Verify(context.Background(), gateway.VerifyRequest{
		TransactionHandle: "887766",
		Proof:             map[string]string{gateway.ProofTransactionID: "555"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "transaction not paid", res.Message)
}

func TestVerifyCancelledCallbackSkipsUpstream(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called")
	})

	res, err := a.Verify(context.Background(), gateway.VerifyRequest{
		TransactionHandle: "887766",
		Proof:             map[string]string{gateway.ProofStatus: "0"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestVerifyMalformedReplyIsTransportError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	})

	_, err := a.Verify(context.Background(), gateway.VerifyRequest{
		TransactionHandle: "887766",
		Proof:             map[string]string{gateway.ProofTransactionID: "555"},
	})
	assert.Error(t, err)
}
