// Package chart folds the trade history into OHLCV candles.
package chart

import (
	"context"
	"fmt"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/response"
)

// Trades is the read side of the trade history
type Trades interface {
	TradesSince(ctx context.Context, from time.Time) ([]types.Trade, error)
}

// Service computes candles on every read. It keeps no state of its own, so
// it is safe to call concurrently with settlement.
type Service struct {
	trades Trades
}

func NewService(trades Trades) *Service {
	return &Service{trades: trades}
}

// Candles returns one candle per non-empty bucket of width, for every trade
// created at or after from, oldest bucket first
func (s *Service) Candles(ctx context.Context, from time.Time, width types.BucketWidth) ([]types.Candle, error) {
	if !width.Valid() {
		return nil, fmt.Errorf("unknown bucket width %q", width)
	}

	trades, err := s.trades.TradesSince(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	return Aggregate(trades, width), nil
}

// Aggregate buckets trades by their creation time truncated to width.
// Trades must be ordered oldest first; the first and last trade of a bucket
// give its open and close.
func Aggregate(trades []types.Trade, width types.BucketWidth) []types.Candle {
	buckets := treemap.NewWith(utils.Int64Comparator)
	step := width.Duration()

	for _, trade := range trades {
		start := trade.CreatedAt.UTC().Truncate(step)
		key := start.Unix()

		found, ok := buckets.Get(key)
		if !ok {
			buckets.Put(key, &types.Candle{
				Time:   start,
				Width:  width,
				Open:   trade.Price,
				Close:  trade.Price,
				High:   trade.Price,
				Low:    trade.Price,
				Volume: trade.Amount,
			})
			continue
		}

		candle := found.(*types.Candle)
		candle.Close = trade.Price
		candle.High = max(candle.High, trade.Price)
		candle.Low = min(candle.Low, trade.Price)
		candle.Volume += trade.Amount
	}

	candles := make([]types.Candle, 0, buckets.Size())
	it := buckets.Iterator()
	for it.Next() {
		candles = append(candles, *it.Value().(*types.Candle))
	}
	return candles
}

// Windows returns the start time of the chart for each width: the last 300
// seconds, 300 minutes and 48 hours before now. When the caller already has
// data up to lastTrade, the window is narrowed to the bucket holding it.
func Windows(now time.Time, lastTrade *time.Time) map[types.BucketWidth]time.Time {
	spans := map[types.BucketWidth]time.Duration{
		types.BySecond: 300 * time.Second,
		types.ByMinute: 300 * time.Minute,
		types.ByHour:   48 * time.Hour,
	}

	windows := make(map[types.BucketWidth]time.Time, len(spans))
	for width, span := range spans {
		from := now.Add(-span)
		if lastTrade != nil && lastTrade.After(from) {
			from = lastTrade.Truncate(width.Duration())
		}
		windows[width] = from
	}
	return windows
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CandlesHandler serves GET /candles?width=minute&from=<RFC3339>.
// Without from, the default window for the width is used.
func (h *GinHandlers) CandlesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query struct {
			Width types.BucketWidth `form:"width" binding:"required"`
			From  time.Time         `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !query.Width.Valid() {
			response.BadRequest(c, "width must be one of second, minute, hour")
			return
		}

		from := query.From
		if from.IsZero() {
			from = Windows(time.Now().UTC(), nil)[query.Width]
		}

		candles, err := h.service.Candles(c.Request.Context(), from, query.Width)
		response.Handle(c, candles, err)
	}
}
