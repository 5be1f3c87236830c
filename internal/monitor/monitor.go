package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"reversal-core/internal/events"
	"reversal-core/pkg/db"
)

// AlertSink delivers human readable trade notices.
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink writes notices to the process log.
type LogAlertSink struct{}

func (LogAlertSink) Send(message string) error {
	log.Info().Str("component", "monitor").Msg(message)
	return nil
}

// Monitor counts fills seen on the bus and forwards them to an AlertSink.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
}

// Start subscribes to fill topics until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Warn().Str("component", "monitor").Msg("monitor has no bus; skipping")
		return
	}
	buys, unsubBuys := m.Bus.Subscribe(events.EventBuyFilled, 64)
	sells, unsubSells := m.Bus.Subscribe(events.EventSellFilled, 64)
	go func() {
		defer unsubBuys()
		defer unsubSells()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-buys:
				if !ok {
					return
				}
				m.handle(msg)
			case msg, ok := <-sells:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg any) {
	ev, ok := msg.(db.TradingEvent)
	if !ok {
		return
	}
	if m.Metrics != nil {
		switch ev.Kind {
		case db.EventBuyFilled:
			m.Metrics.IncrementBuys()
		case db.EventSellFilled:
			reason, _ := ev.Extra["reason"].(string)
			m.Metrics.IncrementSells(reason)
		}
	}
	if m.Sink != nil {
		if err := m.Sink.Send(FormatEvent(ev)); err != nil {
			log.Warn().Err(err).Str("component", "monitor").Msg("alert delivery failed")
		}
	}
}

// FormatEvent renders a trading event as a one-line notice.
func FormatEvent(ev db.TradingEvent) string {
	msg := fmt.Sprintf("%s %s qty=%.8g price=%.8g quote=%.2f source=%s", ev.Kind, ev.Symbol, ev.Quantity, ev.Price, ev.QuoteAmount, ev.Source)
	if ev.PnLQuote != nil && ev.PnLPct != nil {
		msg += fmt.Sprintf(" pnl=%.4f (%.3f%%)", *ev.PnLQuote, *ev.PnLPct)
	}
	if reason, ok := ev.Extra["reason"].(string); ok && reason != "" {
		msg += " reason=" + reason
	}
	return msg
}
