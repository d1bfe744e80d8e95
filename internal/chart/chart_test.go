package chart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/orderbook"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2018, 10, 16, 10, 0, 0, 0, time.UTC)

func trade(amount, price int64, at time.Duration) types.Trade {
	return types.Trade{Amount: amount, Price: price, CreatedAt: epoch.Add(at)}
}

func TestAggregate_BySecond(t *testing.T) {
	trades := []types.Trade{
		trade(1, 100, 0),
		trade(2, 120, 200*time.Millisecond),
		trade(3, 90, 900*time.Millisecond),
		trade(4, 110, 950*time.Millisecond),
		// gap of one second is not filled
		trade(5, 105, 2*time.Second+100*time.Millisecond),
	}

	candles := Aggregate(trades, types.BySecond)
	require.Len(t, candles, 2)

	assert.Equal(t, types.Candle{
		Time: epoch, Width: types.BySecond,
		Open: 100, Close: 110, High: 120, Low: 90, Volume: 10,
	}, candles[0])
	assert.Equal(t, types.Candle{
		Time: epoch.Add(2 * time.Second), Width: types.BySecond,
		Open: 105, Close: 105, High: 105, Low: 105, Volume: 5,
	}, candles[1])
}

func TestAggregate_WidthsAndEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil, types.ByMinute))

	trades := []types.Trade{
		trade(1, 10, 0),
		trade(1, 20, 59*time.Minute),
		trade(1, 30, 61*time.Minute),
	}
	byMinute := Aggregate(trades, types.ByMinute)
	assert.Len(t, byMinute, 3)

	byHour := Aggregate(trades, types.ByHour)
	require.Len(t, byHour, 2)
	assert.Equal(t, int64(20), byHour[0].Close)
	assert.Equal(t, int64(2), byHour[0].Volume)
	assert.True(t, byHour[1].Time.Equal(epoch.Add(time.Hour)))
}

func TestCandles_ReadsCommittedTradesIdempotently(t *testing.T) {
	store := orderbook.NewStore(database.NewTestDatabase(t))
	ctx := context.Background()
	for _, tr := range []types.Trade{
		trade(1, 100, 0),
		trade(2, 101, 30*time.Second),
		trade(3, 99, 90*time.Second),
	} {
		tr := tr
		require.NoError(t, store.CreateTrade(ctx, &tr))
	}
	service := NewService(store)

	first, err := service.Candles(ctx, epoch.Add(time.Second), types.ByMinute)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(2), first[0].Volume, "trades before from are excluded")

	second, err := service.Candles(ctx, epoch.Add(time.Second), types.ByMinute)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = service.Candles(ctx, epoch, types.BucketWidth("day"))
	assert.Error(t, err)
}

func TestCandles_FromInAnyZone(t *testing.T) {
	store := orderbook.NewStore(database.NewTestDatabase(t))
	ctx := context.Background()
	tr := trade(1, 100, 30*time.Second)
	require.NoError(t, store.CreateTrade(ctx, &tr))
	service := NewService(store)

	tokyo := time.FixedZone("JST", 9*60*60)
	newYork := time.FixedZone("EST", -5*60*60)

	tests := []struct {
		name string
		from time.Time
		want int
	}{
		{"utc before", epoch, 1},
		{"ahead of utc, same instant", epoch.In(tokyo), 1},
		{"behind utc, an hour after the trade", epoch.Add(time.Hour).In(newYork), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candles, err := service.Candles(ctx, tt.from, types.BySecond)
			require.NoError(t, err)
			assert.Len(t, candles, tt.want)
		})
	}
}

func TestWindows(t *testing.T) {
	now := epoch.Add(10 * time.Hour)

	windows := Windows(now, nil)
	assert.Equal(t, now.Add(-300*time.Second), windows[types.BySecond])
	assert.Equal(t, now.Add(-300*time.Minute), windows[types.ByMinute])
	assert.Equal(t, now.Add(-48*time.Hour), windows[types.ByHour])

	last := now.Add(-90*time.Second - 500*time.Millisecond)
	windows = Windows(now, &last)
	assert.Equal(t, time.Date(2018, 10, 16, 19, 58, 29, 0, time.UTC), windows[types.BySecond])
	assert.Equal(t, time.Date(2018, 10, 16, 19, 58, 0, 0, time.UTC), windows[types.ByMinute])
	assert.Equal(t, time.Date(2018, 10, 16, 19, 0, 0, 0, time.UTC), windows[types.ByHour])
}

func TestCandlesHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := orderbook.NewStore(database.NewTestDatabase(t))
	tr := trade(4, 100, 0)
	require.NoError(t, store.CreateTrade(context.Background(), &tr))

	router := gin.New()
	router.GET("/candles", NewGinHandlers(NewService(store)).CandlesHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/candles?width=hour&from=2018-10-16T09:00:00Z", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool           `json:"success"`
		Data    []types.Candle `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data, 1)
	assert.Equal(t, int64(4), body.Data[0].Volume)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/candles?width=week", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
