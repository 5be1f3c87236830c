package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reversal-core/pkg/exchanges/common"
)

const (
	mainnetURL = "https://api.binance.com"
	testnetURL = "https://testnet.binance.vision"

	marketTimeout  = 15 * time.Second
	accountTimeout = 15 * time.Second
	orderTimeout   = 15 * time.Second
	tickerTimeout  = 10 * time.Second
)

// Config holds Binance credentials. Public-only clients leave the key empty.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	// BaseURL overrides the venue URL (tests).
	BaseURL    string
	HTTPClient *http.Client
	Pacer      *common.Pacer
}

// Client is a Binance spot REST client bound to one set of credentials.
// It never retries; callers own retry policy.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
	pacer      *common.Pacer
}

// New builds a client for the configured environment.
func New(cfg Config) *Client {
	base := mainnetURL
	if cfg.Testnet {
		base = testnetURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: hc,
		weights:    common.NewWeightTracker(1200, time.Minute),
		pacer:      cfg.Pacer,
	}
	c.timeSync = common.NewTimeSync(c.ServerTime)
	return c
}

// BaseURL returns the venue URL in use.
func (c *Client) BaseURL() string { return c.baseURL }

// Weights exposes the used-weight tracker.
func (c *Client) Weights() *common.WeightTracker { return c.weights }

func (c *Client) hasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// Balances returns free/locked per asset from /api/v3/account.
func (c *Client) Balances(ctx context.Context) (map[string]common.Balance, error) {
	const op = "account"
	if !c.hasCredentials() {
		return nil, common.CredentialsError(op, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, accountTimeout)
	defer cancel()

	body, err := c.doSigned(ctx, op, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, decodeError(op, err)
	}
	out := make(map[string]common.Balance, len(info.Balances))
	for _, b := range info.Balances {
		out[b.Asset] = common.Balance{Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}
	}
	return out, nil
}

// PlaceMarketOrder submits a MARKET order with a FULL response so fills are returned.
func (c *Client) PlaceMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	const op = "place order"
	if !c.hasCredentials() {
		return common.OrderResult{}, common.CredentialsError(op, nil)
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(common.OrderTypeMarket))
	switch {
	case req.QuoteOrderQty > 0:
		params.Set("quoteOrderQty", formatFloat(req.QuoteOrderQty))
	case req.Quantity > 0:
		params.Set("quantity", formatFloat(req.Quantity))
	default:
		return common.OrderResult{}, &common.Error{Kind: common.KindExchange, Op: op, Msg: "quantity or quoteOrderQty required"}
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	params.Set("newOrderRespType", "FULL")

	ctx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	body, err := c.doSigned(ctx, op, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, decodeError(op, err)
	}
	result := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
		QuoteQty:        parseFloat(resp.CummulativeQuoteQty),
		Fills:           make([]common.Fill, 0, len(resp.Fills)),
	}
	for _, f := range resp.Fills {
		result.Fills = append(result.Fills, common.Fill{
			TradeID:         strconv.FormatInt(f.TradeID, 10),
			Price:           parseFloat(f.Price),
			Qty:             parseFloat(f.Qty),
			Commission:      parseFloat(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return result, nil
}

// QueryOrder fetches an order by the client id it was placed with. The
// response carries no fills; QuoteQty / ExecutedQty gives the average price.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (common.OrderResult, error) {
	const op = "query order"
	if !c.hasCredentials() {
		return common.OrderResult{}, common.CredentialsError(op, nil)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	ctx, cancel := context.WithTimeout(ctx, accountTimeout)
	defer cancel()

	body, err := c.doSigned(ctx, op, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, decodeError(op, err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
		QuoteQty:        parseFloat(resp.CummulativeQuoteQty),
	}, nil
}

// MyTrades returns the latest account trades for a symbol.
func (c *Client) MyTrades(ctx context.Context, symbol string, limit int) ([]common.Trade, error) {
	const op = "my trades"
	if !c.hasCredentials() {
		return nil, common.CredentialsError(op, nil)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	ctx, cancel := context.WithTimeout(ctx, accountTimeout)
	defer cancel()

	body, err := c.doSigned(ctx, op, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	var raw []myTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeError(op, err)
	}
	trades := make([]common.Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, common.Trade{
			ID:              strconv.FormatInt(t.ID, 10),
			OrderID:         strconv.FormatInt(t.OrderID, 10),
			Symbol:          t.Symbol,
			Price:           parseFloat(t.Price),
			Qty:             parseFloat(t.Qty),
			QuoteQty:        parseFloat(t.QuoteQty),
			Commission:      parseFloat(t.Commission),
			CommissionAsset: t.CommissionAsset,
			Time:            time.UnixMilli(t.Time).UTC(),
			IsBuyer:         t.IsBuyer,
			IsMaker:         t.IsMaker,
		})
	}
	return trades, nil
}

// doSigned adds timestamp/recvWindow, signs the canonical query and sends it.
// GET params travel in the query string, POST params as a form body.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	c.timeSync.MaybeSync(ctx)
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	payload := params.Encode()
	payload += "&signature=" + sign(payload, c.cfg.APISecret)

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+payload, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransport, Op: op, Msg: "build request", Err: err}
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(ctx, op, req)
}

// doPublic sends an unsigned GET.
func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &common.Error{Kind: common.KindTransport, Op: op, Msg: "build request", Err: err}
	}
	return c.do(ctx, op, req)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, common.TransportError(op, err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, common.TransportError(op, ctxErr)
		}
		return nil, common.TransportError(op, err)
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.TransportError(op, err)
	}
	if res.StatusCode >= 300 {
		return nil, common.StatusError(op, res.StatusCode, body)
	}
	return body, nil
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		TradeID         int64  `json:"tradeId"`
	} `json:"fills"`
}

type myTrade struct {
	ID              int64  `json:"id"`
	Symbol          string `json:"symbol"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func decodeError(op string, err error) error {
	return &common.Error{Kind: common.KindTransport, Op: op, Msg: fmt.Sprintf("decode response: %v", err), Err: err}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
