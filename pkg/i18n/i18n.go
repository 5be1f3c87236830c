package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangES Language = "es"
	LangEN Language = "en"
)

// Messages holds the scanner and executor log lines. Values are fmt formats.
type Messages struct {
	// Scanner
	ScannerStarted   string
	ScannerStopped   string
	NotReady         string
	KlinesFailed     string
	StateChanged     string
	StateCheckFailed string
	NoSignal         string
	SignalDetected   string
	AlertCooldown    string

	// Buy
	NoEnabledKeys     string
	BuySkipped        string
	BuyExecuted       string
	BuyRejected       string
	BuyUnresolved     string
	BuyNoKeyAvailable string

	// Exit
	PositionCooldown   string
	PositionHeld       string
	ExitTriggered      string
	ExitBelowFilters   string
	SellExecuted       string
	SellFailed         string
	ExitRecordFailed   string
	PriceUnavailable   string
	BalanceUnavailable string

	// Reconciliation
	ReconClosed   string
	ReconFailed   string
	ReconResolved string
}

var (
	currentLang Language = LangES
	mu          sync.RWMutex
	messages    *Messages
)

// Spanish messages
var messagesES = Messages{
	ScannerStarted:   "Scanner iniciado: %s %s (%s)",
	ScannerStopped:   "Scanner detenido",
	NotReady:         "Auto-trading no listo: %s",
	KlinesFailed:     "No se pudieron obtener velas tras %d intentos: %v",
	StateChanged:     "Cambio de estado: %s -> %s",
	StateCheckFailed: "Error verificando estado, se mantiene %s: %v",
	NoSignal:         "Sin señal (precio %.8f)",
	SignalDetected:   "Patrón U detectado: entrada %.8f, fuerza %.4f, profundidad %.2f%%",
	AlertCooldown:    "Cooldown activo (%ds restantes)",

	NoEnabledKeys:     "No hay api keys habilitadas para %s %s",
	BuySkipped:        "Api key %s omitida: %s",
	BuyExecuted:       "Compra ejecutada: %.8f %s @ %.8f (orden %s)",
	BuyRejected:       "Compra rechazada: %s",
	BuyUnresolved:     "Resultado de la compra %s desconocido, queda PENDING: %v",
	BuyNoKeyAvailable: "Ninguna api key pudo comprar %s",

	PositionCooldown:   "Posición %s en cooldown (%ds restantes)",
	PositionHeld:       "Posición %s: PnL %.3f%% a %.8f",
	ExitTriggered:      "Salida %s: PnL %.3f%%",
	ExitBelowFilters:   "Venta omitida: cantidad %.8f por debajo de los filtros de %s",
	SellExecuted:       "Venta ejecutada (%s): %.8f %s @ %.8f, PnL %.4f (%.3f%%)",
	SellFailed:         "Error al vender %s: %v",
	ExitRecordFailed:   "Venta ejecutada pero no registrada para %s: %v",
	PriceUnavailable:   "Precio no disponible para %s: %v",
	BalanceUnavailable: "Balance no disponible para api key %s: %v",

	ReconClosed:   "Posición %s cerrada fuera del sistema (trade %s)",
	ReconFailed:   "Error de reconciliación para api key %s: %v",
	ReconResolved: "Compra pendiente %s resuelta como %s",
}

// English messages
var messagesEN = Messages{
	ScannerStarted:   "Scanner started: %s %s (%s)",
	ScannerStopped:   "Scanner stopped",
	NotReady:         "Auto-trading not ready: %s",
	KlinesFailed:     "Could not fetch candles after %d attempts: %v",
	StateChanged:     "State change: %s -> %s",
	StateCheckFailed: "State check failed, keeping %s: %v",
	NoSignal:         "No signal (price %.8f)",
	SignalDetected:   "U pattern detected: entry %.8f, strength %.4f, depth %.2f%%",
	AlertCooldown:    "Cooldown active (%ds remaining)",

	NoEnabledKeys:     "No enabled api keys for %s %s",
	BuySkipped:        "Api key %s skipped: %s",
	BuyExecuted:       "Buy filled: %.8f %s @ %.8f (order %s)",
	BuyRejected:       "Buy rejected: %s",
	BuyUnresolved:     "Outcome of buy %s unknown, left PENDING: %v",
	BuyNoKeyAvailable: "No api key could buy %s",

	PositionCooldown:   "Position %s in cooldown (%ds remaining)",
	PositionHeld:       "Position %s: PnL %.3f%% at %.8f",
	ExitTriggered:      "Exit %s: PnL %.3f%%",
	ExitBelowFilters:   "Sell skipped: quantity %.8f below %s filters",
	SellExecuted:       "Sell filled (%s): %.8f %s @ %.8f, PnL %.4f (%.3f%%)",
	SellFailed:         "Sell failed for %s: %v",
	ExitRecordFailed:   "Sell filled but not recorded for %s: %v",
	PriceUnavailable:   "Price unavailable for %s: %v",
	BalanceUnavailable: "Balance unavailable for api key %s: %v",

	ReconClosed:   "Position %s closed outside the engine (trade %s)",
	ReconFailed:   "Reconciliation failed for api key %s: %v",
	ReconResolved: "Pending buy %s resolved as %s",
}

func init() {
	messages = &messagesES
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	switch lang {
	case LangEN:
		currentLang = LangEN
		messages = &messagesEN
	default:
		currentLang = LangES
		messages = &messagesES
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
