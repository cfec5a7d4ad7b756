package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Collector accumulates counters and timers in memory. The agent logs a
// snapshot on shutdown; there is no export pipeline.
type Collector struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string]timerAgg
	enabled  bool
}

type timerAgg struct {
	count int64
	total time.Duration
}

func NewCollector(enabled bool) *Collector {
	return &Collector{
		counters: map[string]float64{},
		timers:   map[string]timerAgg{},
		enabled:  enabled,
	}
}

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.counters[key(name, labels)] += value
	c.mu.Unlock()
}

func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	k := key(name, labels)
	agg := c.timers[k]
	agg.count++
	agg.total += d
	c.timers[k] = agg
	c.mu.Unlock()
}

// LogSnapshot emits the accumulated metrics through the structured logger.
func (c *Collector) LogSnapshot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.counters {
		log.Info().Str("metric", k).Float64("value", v).Msg("counter")
	}
	for k, agg := range c.timers {
		log.Info().Str("metric", k).Int64("count", agg.count).Dur("total", agg.total).Msg("timer")
	}
}

var (
	globalMu sync.RWMutex
	global   = NewCollector(true)
)

// InitGlobal replaces the process-wide collector.
func InitGlobal(enabled bool) {
	globalMu.Lock()
	global = NewCollector(enabled)
	globalMu.Unlock()
}

func Counter(name string, value float64, labels map[string]string) {
	globalMu.RLock()
	c := global
	globalMu.RUnlock()
	c.Counter(name, value, labels)
}

func Timer(name string, d time.Duration, labels map[string]string) {
	globalMu.RLock()
	c := global
	globalMu.RUnlock()
	c.Timer(name, d, labels)
}

func Shutdown() {
	globalMu.RLock()
	c := global
	globalMu.RUnlock()
	c.LogSnapshot()
}
