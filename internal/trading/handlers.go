package trading

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/ksred/klear-exchange/pkg/middleware"
	"github.com/ksred/klear-exchange/pkg/response"
	"github.com/rs/zerolog/log"
)

// Trigger schedules a matching run
type Trigger interface {
	Trigger()
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
	matcher Trigger
}

// NewGinHandlers creates the trading handlers. New orders that cross the
// book are handed to matcher.
func NewGinHandlers(service *Service, matcher Trigger) *GinHandlers {
	return &GinHandlers{
		service: service,
		matcher: matcher,
	}
}

type orderRequest struct {
	Side   types.Side `json:"type" binding:"required"`
	Amount int64      `json:"amount" binding:"required"`
	Price  int64      `json:"price" binding:"required"`
}

// CreateOrderHandler handles POST /orders. An Idempotency-Key header makes
// retries return the order created first.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		order, err := h.service.SubmitOrderIdempotent(ctx, middleware.UserID(c), req.Side, req.Amount, req.Price, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		chance, err := h.service.HasTradeChance(ctx, order)
		if err != nil {
			log.Warn().Err(err).Int64("order_id", order.ID).Msg("failed to check trade chance")
		}
		if (chance || err != nil) && h.matcher != nil {
			h.matcher.Trigger()
		}

		response.Success(c, gin.H{"id": order.ID})
	}
}

// CancelOrderHandler handles DELETE /orders/:order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri struct {
			ID int64 `uri:"order_id" binding:"required"`
		}
		if err := c.ShouldBindUri(&uri); err != nil {
			response.BadRequest(c, "Order ID is required")
			return
		}

		err := h.service.CancelOrder(c.Request.Context(), middleware.UserID(c), uri.ID)
		response.Handle(c, gin.H{"id": uri.ID}, err)
	}
}

// ListOrdersHandler handles GET /orders: open orders and traded orders
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.GetOrders(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, orders, err)
	}
}

func (h *GinHandlers) OpenOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.GetOpenOrders(c.Request.Context(), middleware.UserID(c))
		response.Handle(c, orders, err)
	}
}

// OrderHistoryHandler handles GET /orders/history?since_trade_id=N
func (h *GinHandlers) OrderHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query struct {
			SinceTradeID int64 `form:"since_trade_id"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			response.BadRequest(c, "since_trade_id must be an integer")
			return
		}

		orders, err := h.service.GetOrderHistory(c.Request.Context(), middleware.UserID(c), query.SinceTradeID)
		response.Handle(c, orders, err)
	}
}

// InfoHandler handles GET /info?cursor=N. Anonymous callers get the market
// data without traded orders.
func (h *GinHandlers) InfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query struct {
			Cursor int64 `form:"cursor"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			log.Debug().Err(err).Str("cursor", c.Query("cursor")).Msg("ignoring malformed cursor")
			query.Cursor = 0
		}

		info, err := h.service.Info(c.Request.Context(), middleware.UserID(c), query.Cursor)
		response.Handle(c, info, err)
	}
}

// BookHandler handles GET /book: the best bid and ask, omitted when a side is empty
func (h *GinHandlers) BookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		top := struct {
			BestBid *int64 `json:"best_bid,omitempty"`
			BestAsk *int64 `json:"best_ask,omitempty"`
		}{}

		bid, ok, err := h.service.BestBid(ctx)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if ok {
			top.BestBid = &bid
		}

		ask, ok, err := h.service.BestAsk(ctx)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if ok {
			top.BestAsk = &ask
		}

		response.Success(c, top)
	}
}

// RunMatchingHandler runs matching synchronously. Internal API only.
func (h *GinHandlers) RunMatchingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.RunMatching(c.Request.Context())
		response.Handle(c, gin.H{"message": "matching complete"}, err)
	}
}
