package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStatusErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
		code   int
	}{
		{"insufficient balance", 400, `{"code":-2010,"msg":"insufficient balance"}`, KindExchange, -2010},
		{"bad api key", 401, `{"code":-2015,"msg":"Invalid API-key"}`, KindAuth, -2015},
		{"signature rejected as 400", 400, `{"code":-2014,"msg":"API-key format invalid."}`, KindAuth, -2014},
		{"server error", 502, `bad gateway`, KindTransport, 0},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests"}`, KindTransport, -1003},
		{"banned", 418, `{"code":-1003,"msg":"banned"}`, KindTransport, -1003},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StatusError("place order", tt.status, []byte(tt.body))
			if err.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", err.Kind, tt.kind)
			}
			if err.Code != tt.code {
				t.Errorf("code = %d, want %d", err.Code, tt.code)
			}
		})
	}
}

func TestIsKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("buy: %w", StatusError("place order", 400, []byte(`{"code":-2010,"msg":"insufficient balance"}`)))
	if !IsKind(err, KindExchange) {
		t.Fatal("expected exchange kind through wrap")
	}
	if got := Message(err); got != "insufficient balance" {
		t.Errorf("Message = %q", got)
	}
	if IsKind(errors.New("plain"), KindExchange) {
		t.Error("plain error should not match")
	}
}

func TestTransportErrorTimeout(t *testing.T) {
	err := TransportError("klines", context.DeadlineExceeded)
	if err.Kind != KindTransport || err.Msg != "timeout" {
		t.Errorf("unexpected %+v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected unwrap to deadline exceeded")
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := map[string][2]string{
		"BTCUSDT":   {"BTC", "USDT"},
		"BNBUSDT":   {"BNB", "USDT"},
		"ETHBTC":    {"ETH", "BTC"},
		"BTCFDUSD":  {"BTC", "FDUSD"},
		"SOLUSDC":   {"SOL", "USDC"},
		"UNKNOWNXX": {"UNKNOWNXX", ""},
	}
	for symbol, want := range tests {
		base, quote := SplitSymbol(symbol)
		if base != want[0] || quote != want[1] {
			t.Errorf("SplitSymbol(%s) = %s/%s, want %s/%s", symbol, base, quote, want[0], want[1])
		}
	}
}

func TestOutcomeUnknown(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("place: %w", context.Canceled), true},
		{"timeout", TransportError("place order", context.DeadlineExceeded), true},
		{"server error", StatusError("place order", 502, []byte("bad gateway")), true},
		{"rate limited", StatusError("place order", 429, []byte(`{"code":-1003,"msg":"Too many requests"}`)), false},
		{"business error", StatusError("place order", 400, []byte(`{"code":-2010,"msg":"insufficient balance"}`)), false},
		{"credentials", CredentialsError("place order", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeUnknown(tt.err); got != tt.want {
				t.Errorf("OutcomeUnknown = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(fmt.Errorf("sell: %w", &Error{Kind: KindExchange, Msg: "order status EXPIRED"})); k != KindExchange {
		t.Errorf("KindOf = %q", k)
	}
	if k := KindOf(errors.New("plain")); k != "" {
		t.Errorf("plain error has kind %q", k)
	}
}

func TestIsOrderNotFound(t *testing.T) {
	err := fmt.Errorf("query: %w", StatusError("query order", 400, []byte(`{"code":-2013,"msg":"Order does not exist."}`)))
	if !IsOrderNotFound(err) {
		t.Error("expected -2013 to be order not found")
	}
	if IsOrderNotFound(StatusError("query order", 400, []byte(`{"code":-2010,"msg":"insufficient balance"}`))) {
		t.Error("-2010 is not order not found")
	}
}
