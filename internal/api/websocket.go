package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"reversal-core/internal/events"
	"reversal-core/pkg/db"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// eventResponse is the wire form of a trading event.
type eventResponse struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	OrderID     string         `json:"order_id"`
	UserID      string         `json:"user_id"`
	APIKeyID    string         `json:"api_key_id"`
	Symbol      string         `json:"symbol"`
	Side        string         `json:"side"`
	Quantity    float64        `json:"quantity"`
	Price       float64        `json:"price"`
	QuoteAmount float64        `json:"quote_amount"`
	PnLQuote    *float64       `json:"pnl_quote"`
	PnLPct      *float64       `json:"pnl_pct"`
	Source      string         `json:"source"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func wirePayload(payload any) any {
	e, ok := payload.(db.TradingEvent)
	if !ok {
		return payload
	}
	return eventResponse{
		ID: e.ID, Kind: e.Kind, OrderID: e.OrderID, UserID: e.UserID, APIKeyID: e.APIKeyID,
		Symbol: e.Symbol, Side: e.Side, Quantity: e.Quantity, Price: e.Price, QuoteAmount: e.QuoteAmount,
		PnLQuote: e.PnLQuote, PnLPct: e.PnLPct, Source: e.Source, Extra: e.Extra, CreatedAt: e.CreatedAt,
	}
}

// websocket streams fill events; ?logs=true adds scanner journal entries.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}

	topics := []events.Event{events.EventBuyFilled, events.EventSellFilled}
	if c.Query("logs") == "true" {
		topics = append(topics, events.EventScannerLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan wsMessage, 256)
	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func(topic events.Event, stream <-chan any) {
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-stream:
					if !ok {
						return
					}
					select {
					case out <- wsMessage{Type: string(topic), Data: wirePayload(payload)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(topic, stream)
	}

	// Reads only detect the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Msg("ws write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
