package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reversal-core/internal/events"
	"reversal-core/internal/monitor"
	"reversal-core/internal/supervisor"
	"reversal-core/pkg/db"
)

type listOrdersQuery struct {
	UserID string `form:"user_id"`
	Hours  int    `form:"hours"`
}

func (q *listOrdersQuery) normalize() {
	if q.Hours <= 0 {
		q.Hours = 24
	}
	if q.Hours > 720 {
		q.Hours = 720
	}
}

type logsQuery struct {
	Limit int `form:"limit"`
}

func (q *logsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 200
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

// orderResponse is the wire form of an order.
type orderResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	APIKeyID        string     `json:"api_key_id"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	Type            string     `json:"type"`
	Quantity        float64    `json:"quantity"`
	QuoteOrderQty   float64    `json:"quote_order_qty"`
	Price           *float64   `json:"price"`
	ExecutedPrice   float64    `json:"executed_price"`
	ExecutedQty     float64    `json:"executed_quantity"`
	Commission      float64    `json:"commission"`
	CommissionAsset string     `json:"commission_asset,omitempty"`
	Status          string     `json:"status"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	ParentOrderID   string     `json:"parent_order_id,omitempty"`
	IsSplit         bool       `json:"is_split"`
	SplitFillsCount int        `json:"split_fills_count"`
	PnLQuote        *float64   `json:"pnl_quote"`
	PnLPct          *float64   `json:"pnl_pct"`
	CreatedAt       time.Time  `json:"created_at"`
	ExecutedAt      *time.Time `json:"executed_at"`
}

func toOrderResponse(o db.Order) orderResponse {
	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		APIKeyID:        o.APIKeyID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Quantity:        o.Quantity,
		QuoteOrderQty:   o.QuoteOrderQty,
		Price:           o.Price,
		ExecutedPrice:   o.ExecutedPrice,
		ExecutedQty:     o.ExecutedQty,
		Commission:      o.Commission,
		CommissionAsset: o.CommissionAsset,
		Status:          o.Status,
		ExchangeOrderID: o.ExchangeOrderID,
		Reason:          o.Reason,
		ParentOrderID:   o.ParentOrderID,
		IsSplit:         o.IsSplit,
		SplitFillsCount: o.SplitFillsCount,
		PnLQuote:        o.PnLQuote,
		PnLPct:          o.PnLPct,
		CreatedAt:       o.CreatedAt,
		ExecutedAt:      o.ExecutedAt,
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// listScanners returns the status of every known scanner.
func (s *Server) listScanners(c *gin.Context) {
	c.JSON(http.StatusOK, s.Scanners.List())
}

func (s *Server) startScanner(c *gin.Context) {
	t := tripleFrom(c)
	err := s.Scanners.Start(c.Request.Context(), t)
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "START_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.Scanners.Status(t))
}

func (s *Server) stopScanner(c *gin.Context) {
	t := tripleFrom(c)
	err := s.Scanners.Stop(c.Request.Context(), t)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		respondError(c, http.StatusConflict, "NOT_RUNNING", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.Scanners.Status(t))
}

func (s *Server) scannerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Scanners.Status(tripleFrom(c)))
}

func (s *Server) scannerLogs(c *gin.Context) {
	var q logsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()
	logs := s.Scanners.Logs(tripleFrom(c), q.Limit)
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, logs)
}

func (s *Server) scannerReadiness(c *gin.Context) {
	c.JSON(http.StatusOK, s.Scanners.Readiness(c.Request.Context(), tripleFrom(c)))
}

func (s *Server) scannerPrice(c *gin.Context) {
	t := tripleFrom(c)
	price, err := s.Scanners.CurrentPrice(c.Request.Context(), t)
	if err != nil {
		respondError(c, http.StatusBadGateway, "PRICE_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": t.Symbol, "env": t.Env, "price": price})
}

// getOrders returns a user's orders of the last hours.
func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.Orders.RecentOrders(c.Request.Context(), q.UserID, time.Duration(q.Hours)*time.Hour)
	if errors.Is(err, db.ErrUserIDRequired) {
		respondError(c, http.StatusBadRequest, "USER_ID_REQUIRED", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	running := 0
	for _, st := range s.Scanners.List() {
		if st.IsRunning {
			running++
		}
	}
	resp := gin.H{
		"meta":             s.Meta,
		"running_scanners": running,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
	}
	if s.Bus != nil {
		resp["bus_dropped"] = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "reversal_scans_total %d\n", snapshot.ScansCompleted)
	fmt.Fprintf(&b, "reversal_signals_total %d\n", snapshot.SignalsGenerated)
	fmt.Fprintf(&b, "reversal_buys_filled_total %d\n", snapshot.BuysFilled)
	fmt.Fprintf(&b, "reversal_sells_filled_total %d\n", snapshot.SellsFilled)
	fmt.Fprintf(&b, "reversal_errors_total %d\n", snapshot.ErrorsCount)
	reasons := make([]string, 0, len(snapshot.ExitsByReason))
	for r := range snapshot.ExitsByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "reversal_exits_total{reason=%q} %d\n", r, snapshot.ExitsByReason[r])
	}

	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "reversal_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "reversal_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "reversal_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "reversal_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("scan", snapshot.ScanLatency)
	writeLatency("order", snapshot.OrderLatency)
	writeLatency("db", snapshot.DBLatency)

	envs := make([]string, 0, len(snapshot.GatewayPools))
	for env := range snapshot.GatewayPools {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	for _, env := range envs {
		p := snapshot.GatewayPools[env]
		fmt.Fprintf(&b, "reversal_gateway_clients{env=%q} %d\n", env, p.Size)
		fmt.Fprintf(&b, "reversal_gateway_evictions_total{env=%q} %d\n", env, p.Evictions)
		fmt.Fprintf(&b, "reversal_exchange_weight_used{env=%q} %d\n", env, p.UsedWeight)
	}
	if s.Bus != nil {
		dropped := s.Bus.Dropped()
		topics := make([]string, 0, len(dropped))
		for e := range dropped {
			topics = append(topics, string(e))
		}
		sort.Strings(topics)
		for _, topic := range topics {
			fmt.Fprintf(&b, "reversal_bus_dropped_total{topic=%q} %d\n", topic, dropped[events.Event(topic)])
		}
	}
	fmt.Fprintf(&b, "reversal_running_scanners %d\n", snapshot.RunningScanners)
	fmt.Fprintf(&b, "reversal_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "reversal_heap_alloc_bytes %d\n", snapshot.HeapAlloc)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
