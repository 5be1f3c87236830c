package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reversal-core/internal/gateway"
)

// SystemMetrics aggregates scanner, order and repository activity.
type SystemMetrics struct {
	ScanLatency  *LatencyHistogram
	OrderLatency *LatencyHistogram
	DBLatency    *LatencyHistogram

	scans   atomic.Uint64
	signals atomic.Uint64
	buys    atomic.Uint64
	sells   atomic.Uint64
	errors  atomic.Uint64

	mu              sync.RWMutex
	exitsByReason   map[string]uint64
	gatewayStats    map[string]gateway.PoolStats
	runningScanners int
	startedAt       time.Time
}

func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		ScanLatency:   NewLatencyHistogram(512),
		OrderLatency:  NewLatencyHistogram(512),
		DBLatency:     NewLatencyHistogram(2048),
		exitsByReason: make(map[string]uint64),
		gatewayStats:  make(map[string]gateway.PoolStats),
		startedAt:     time.Now(),
	}
}

// LatencyHistogram keeps the most recent samples in a fixed ring.
type LatencyHistogram struct {
	mu      sync.Mutex
	ring    []float64
	next    int
	full    bool
	total   uint64
	cached  LatencyStats
	changed bool
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 512
	}
	return &LatencyHistogram{ring: make([]float64, size)}
}

// Record adds one sample in milliseconds, overwriting the oldest when full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = ms
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.full = true
	}
	h.total++
	h.changed = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Microseconds()) / 1000)
}

// Stats summarises the samples in the ring. Total counts every sample ever
// recorded; Count only those still held.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.changed {
		return h.cached
	}

	n := h.next
	if h.full {
		n = len(h.ring)
	}
	if n == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), h.ring[:n]...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: n,
		Total: h.total,
	}
	h.changed = false
	return h.cached
}

// percentile uses nearest rank on sorted samples.
func percentile(sorted []float64, q float64) float64 {
	i := int(float64(len(sorted))*q+0.5) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
	Total uint64  `json:"total"`
}

func (m *SystemMetrics) IncrementScans()   { m.scans.Add(1) }
func (m *SystemMetrics) IncrementSignals() { m.signals.Add(1) }
func (m *SystemMetrics) IncrementBuys()    { m.buys.Add(1) }
func (m *SystemMetrics) IncrementErrors()  { m.errors.Add(1) }

// IncrementSells counts a filled SELL under its exit reason.
func (m *SystemMetrics) IncrementSells(reason string) {
	m.sells.Add(1)
	if reason == "" {
		reason = "UNKNOWN"
	}
	m.mu.Lock()
	m.exitsByReason[reason]++
	m.mu.Unlock()
}

// SetGatewayPoolStats updates the pool statistics of one environment.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats[stats.Env] = stats
}

func (m *SystemMetrics) SetRunningScanners(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningScanners = n
}

// MetricsSnapshot is a point-in-time view served by the control API.
type MetricsSnapshot struct {
	ScanLatency      LatencyStats                 `json:"scan_latency"`
	OrderLatency     LatencyStats                 `json:"order_latency"`
	DBLatency        LatencyStats                 `json:"db_latency"`
	ScansCompleted   uint64                       `json:"scans_completed"`
	SignalsGenerated uint64                       `json:"signals_generated"`
	BuysFilled       uint64                       `json:"buys_filled"`
	SellsFilled      uint64                       `json:"sells_filled"`
	ExitsByReason    map[string]uint64            `json:"exits_by_reason"`
	ErrorsCount      uint64                       `json:"errors_count"`
	GatewayPools     map[string]gateway.PoolStats `json:"gateway_pools"`
	RunningScanners  int                          `json:"running_scanners"`
	UptimeSeconds    int64                        `json:"uptime_seconds"`
	GoroutineCount   int                          `json:"goroutine_count"`
	HeapAlloc        uint64                       `json:"heap_alloc_bytes"`
	HeapSys          uint64                       `json:"heap_sys_bytes"`
	Timestamp        time.Time                    `json:"timestamp"`
}

func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	pools := make(map[string]gateway.PoolStats, len(m.gatewayStats))
	for env, st := range m.gatewayStats {
		pools[env] = st
	}
	exits := make(map[string]uint64, len(m.exitsByReason))
	for r, n := range m.exitsByReason {
		exits[r] = n
	}
	running := m.runningScanners
	m.mu.RUnlock()

	now := time.Now()
	return MetricsSnapshot{
		ScanLatency:      m.ScanLatency.Stats(),
		OrderLatency:     m.OrderLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		ScansCompleted:   m.scans.Load(),
		SignalsGenerated: m.signals.Load(),
		BuysFilled:       m.buys.Load(),
		SellsFilled:      m.sells.Load(),
		ExitsByReason:    exits,
		ErrorsCount:      m.errors.Load(),
		GatewayPools:     pools,
		RunningScanners:  running,
		UptimeSeconds:    int64(now.Sub(m.startedAt).Seconds()),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		HeapSys:          mem.HeapSys,
		Timestamp:        now,
	}
}
