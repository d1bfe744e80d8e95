package bank

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
)

var (
	aliceCash = Account{BankID: "alice", Asset: Cash}
	bobCash   = Account{BankID: "bob", Asset: Cash}
)

func TestSimulated_HoldLifecycle(t *testing.T) {
	ctx := context.Background()
	bank := NewSimulated()
	bank.Deposit(aliceCash, 1000)

	id, err := bank.Reserve(ctx, aliceCash, 600)
	require.NoError(t, err)
	assert.Equal(t, int64(400), bank.Balance(aliceCash))
	assert.Equal(t, int64(600), bank.Held(aliceCash))

	_, err = bank.Reserve(ctx, aliceCash, 500)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, bank.Commit(ctx, id, 250, bobCash))
	assert.Equal(t, int64(250), bank.Balance(bobCash))
	assert.Equal(t, int64(350), bank.Held(aliceCash))

	assert.ErrorIs(t, bank.Commit(ctx, id, 351, bobCash), ErrRejected)

	require.NoError(t, bank.Reverse(ctx, id, 250, bobCash))
	assert.Equal(t, int64(0), bank.Balance(bobCash))
	assert.Equal(t, int64(600), bank.Held(aliceCash))

	require.NoError(t, bank.Cancel(ctx, id))
	assert.Equal(t, int64(1000), bank.Balance(aliceCash))
	assert.Equal(t, int64(0), bank.Held(aliceCash))

	assert.ErrorIs(t, bank.Cancel(ctx, id), ErrHoldNotFound)
	assert.ErrorIs(t, bank.Commit(ctx, id, 1, bobCash), ErrHoldNotFound)
}

func TestSimulated_IdempotentReplay(t *testing.T) {
	bank := NewSimulated()
	bank.Deposit(aliceCash, 100)
	ctx := WithIdempotencyKey(context.Background(), "key-1")

	first, err := bank.Reserve(ctx, aliceCash, 40)
	require.NoError(t, err)
	second, err := bank.Reserve(ctx, aliceCash, 40)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(60), bank.Balance(aliceCash))

	commitCtx := WithIdempotencyKey(context.Background(), "key-2")
	require.NoError(t, bank.Commit(commitCtx, first, 10, bobCash))
	require.NoError(t, bank.Commit(commitCtx, first, 10, bobCash))
	assert.Equal(t, int64(10), bank.Balance(bobCash))
}

func TestSimulated_InjectedFailures(t *testing.T) {
	bank := NewSimulated()
	bank.Deposit(aliceCash, 100)
	bank.FailNext("reserve", ErrUnavailable)

	_, err := bank.Reserve(context.Background(), aliceCash, 10)
	assert.ErrorIs(t, err, ErrUnavailable)

	id, err := bank.Reserve(context.Background(), aliceCash, 10)
	require.NoError(t, err)

	bank.Reject(id)
	assert.ErrorIs(t, bank.Commit(context.Background(), id, 10, bobCash), ErrRejected)
}

func TestSimulated_OpeningBalance(t *testing.T) {
	bank := NewSimulated()
	bank.Opening = map[Asset]int64{Cash: 500}

	balance, err := bank.CheckBalance(context.Background(), aliceCash)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	_, err = bank.Reserve(context.Background(), aliceCash, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), bank.Balance(aliceCash), "opening is credited once")
	assert.Equal(t, int64(0), bank.Balance(Account{BankID: "alice", Asset: Coin}))
}

func TestRetrying_RetriesTransientOnly(t *testing.T) {
	bank := NewSimulated()
	bank.Deposit(aliceCash, 100)
	gateway := NewRetrying(bank, time.Second, 2, time.Millisecond)

	bank.FailNext("check", ErrUnavailable, ErrUnavailable)
	balance, err := gateway.CheckBalance(context.Background(), aliceCash)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	bank.FailNext("check", ErrUnavailable, ErrUnavailable, ErrUnavailable)
	_, err = gateway.CheckBalance(context.Background(), aliceCash)
	assert.ErrorIs(t, err, ErrUnavailable)

	bank.FailNext("cancel", ErrHoldNotFound, ErrUnavailable)
	err = gateway.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrHoldNotFound)
	// the queued ErrUnavailable was never consumed
	assert.ErrorIs(t, bank.Cancel(context.Background(), "missing"), ErrUnavailable)
}

func TestRetrying_TimeoutIsTransient(t *testing.T) {
	bank := NewSimulated()
	bank.MinLatency = 50 * time.Millisecond
	bank.MaxLatency = 50 * time.Millisecond
	gateway := NewRetrying(bank, 5*time.Millisecond, 1, time.Millisecond)

	start := time.Now()
	_, err := gateway.CheckBalance(context.Background(), aliceCash)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRetrying_ReusesKeyAcrossAttempts(t *testing.T) {
	var keys []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gateway := NewRetrying(NewHTTPClient(server.URL, "app", time.Second), time.Second, 2, time.Millisecond)
	require.NoError(t, gateway.Cancel(context.Background(), "HOLD_1"))

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestHTTPClient_Protocol(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer app-1", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/check_balance":
			var account Account
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&account))
			assert.Equal(t, aliceCash, account)
			json.NewEncoder(w).Encode(balanceResponse{Balance: 1234})
		case "/reserve":
			var req reserveRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Amount > 1000 {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(errorResponse{Error: "credit is insufficient"})
				return
			}
			json.NewEncoder(w).Encode(reserveResponse{HoldID: "HOLD_1"})
		case "/commit":
			var req transferRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, bobCash, *req.Peer)
			w.WriteHeader(http.StatusOK)
		case "/cancel":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(errorResponse{Error: "reserve not found"})
		case "/reverse":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewHTTPClient(server.URL+"/", "app-1", time.Second)

	balance, err := client.CheckBalance(ctx, aliceCash)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), balance)

	id, err := client.Reserve(ctx, aliceCash, 10)
	require.NoError(t, err)
	assert.Equal(t, HoldID("HOLD_1"), id)

	_, err = client.Reserve(ctx, aliceCash, 5000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.NoError(t, client.Commit(ctx, id, 10, bobCash))
	assert.ErrorIs(t, client.Cancel(ctx, id), ErrHoldNotFound)
	assert.ErrorIs(t, client.Reverse(ctx, id, 10, bobCash), ErrUnavailable)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
}

func TestHTTPClient_TransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	_, err := NewHTTPClient(server.URL, "app", 100*time.Millisecond).CheckBalance(context.Background(), aliceCash)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, Permanent(err))
}
