package spot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"reversal-core/pkg/exchanges/common"
)

// Klines fetches the most recent candles, oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	const op = "klines"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	ctx, cancel := context.WithTimeout(ctx, marketTimeout)
	defer cancel()

	body, err := c.doPublic(ctx, op, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, decodeError(op, err)
	}

	candles := make([]common.Candle, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		candles = append(candles, common.Candle{
			OpenTime:  time.UnixMilli(toInt64(item[0])).UTC(),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: time.UnixMilli(toInt64(item[6])).UTC(),
		})
	}
	return candles, nil
}

// TickerPrice returns the latest traded price.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	const op = "ticker price"
	ctx, cancel := context.WithTimeout(ctx, tickerTimeout)
	defer cancel()

	body, err := c.doPublic(ctx, op, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, decodeError(op, err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil || price <= 0 {
		return 0, &common.Error{Kind: common.KindExchange, Op: op, Msg: fmt.Sprintf("invalid price %q", resp.Price)}
	}
	return price, nil
}

// SymbolFilters decodes LOT_SIZE and (MIN_)NOTIONAL from exchangeInfo.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	const op = "exchange info"
	ctx, cancel := context.WithTimeout(ctx, marketTimeout)
	defer cancel()

	body, err := c.doPublic(ctx, op, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return common.SymbolInfo{}, err
	}
	var resp exchangeInfo
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.SymbolInfo{}, decodeError(op, err)
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info := common.SymbolInfo{Symbol: s.Symbol, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.MinQty = parseFloat(f.MinQty)
				info.StepSize = parseFloat(f.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				if v := parseFloat(f.MinNotional); v > info.MinNotional {
					info.MinNotional = v
				}
			}
		}
		if info.StepSize <= 0 {
			return common.SymbolInfo{}, &common.Error{Kind: common.KindExchange, Op: op, Msg: "missing LOT_SIZE filter"}
		}
		return info, nil
	}
	return common.SymbolInfo{}, &common.Error{Kind: common.KindExchange, Op: op, Status: http.StatusNotFound, Msg: "unknown symbol " + symbol}
}

// ServerTime fetches server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	const op = "server time"
	ctx, cancel := context.WithTimeout(ctx, tickerTimeout)
	defer cancel()

	body, err := c.doPublic(ctx, op, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, decodeError(op, err)
	}
	return resp.ServerTime, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			StepSize    string `json:"stepSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
