// Package metrics aggregates statistics events into latency histograms,
// OK/KO counters and a time series.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benbjohnson/clock"

	"github.com/wesleyorama2/volley/internal/stats"
)

// Engine collects events using HDR histograms.
//
// Key features:
// - HDR histogram for accurate latency percentiles
// - Per-request breakdown in first-seen order
// - Continuous time-bucket emission, even while no request completes
//
// # Thread Safety
//
// Engine is safe for concurrent use. Counters use atomic operations,
// histograms are protected by mutexes and the bucket emitter runs in its
// own goroutine.
type Engine struct {
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	requests   map[string]*requestMetrics
	order      []string
	requestsMu sync.RWMutex

	totalRequests atomic.Int64
	okRequests    atomic.Int64
	koRequests    atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	activeUsers atomic.Int32

	causes   map[string]int64
	causesMu sync.Mutex

	buckets *bucketStore

	clock     clock.Clock
	startTime time.Time

	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config Config
}

var _ stats.Sink = (*Engine)(nil)

type requestMetrics struct {
	hist *hdrhistogram.Histogram
	ok   int64
	ko   int64
}

// Config contains configuration for the metrics engine.
type Config struct {
	// BucketInterval is the interval of time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the number of buckets retained (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int

	// Clock drives the emitter and elapsed time. Nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// NewEngine creates a metrics engine with the default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultConfig())
}

// NewEngineWithConfig creates a metrics engine and starts its emitter.
func NewEngineWithConfig(config Config) *Engine {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.BucketInterval <= 0 {
		config.BucketInterval = time.Second
	}
	now := config.Clock.Now()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		latencyHist:   newHistogram(config),
		requests:      make(map[string]*requestMetrics),
		causes:        make(map[string]int64),
		buckets:       newBucketStore(config.MaxBuckets, now),
		clock:         config.Clock,
		startTime:     now,
		emitterCancel: cancel,
		config:        config,
	}

	e.emitterWg.Add(1)
	go e.runEmitter(ctx)
	return e
}

func newHistogram(config Config) *hdrhistogram.Histogram {
	return hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs)
}

// Record implements stats.Sink.
func (e *Engine) Record(ev stats.Event) {
	e.bytesSent.Add(ev.BytesSent)
	if ev.Status == stats.KO && ev.Cause != "" {
		e.causesMu.Lock()
		e.causes[ev.Cause]++
		e.causesMu.Unlock()
	}
	e.RecordLatency(ev.Duration(), RequestKey(ev), ev.Status == stats.OK, ev.BytesReceived)
}

// RequestKey is the per-request breakdown key of ev: the request name
// prefixed with its group path.
func RequestKey(ev stats.Event) string {
	if len(ev.Groups) == 0 {
		return ev.Name
	}
	return ev.GroupPath() + stats.GroupSeparator + ev.Name
}

// RecordLatency records one request outcome. An empty name skips the
// per-request breakdown.
func (e *Engine) RecordLatency(duration time.Duration, name string, ok bool, bytes int64) {
	micros := duration.Microseconds()
	if micros < e.config.HistogramMin {
		micros = e.config.HistogramMin
	}
	if micros > e.config.HistogramMax {
		micros = e.config.HistogramMax
	}

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(micros)
	e.latencyHistMu.Unlock()

	if name != "" {
		e.recordRequest(name, micros, ok)
	}

	e.totalRequests.Add(1)
	e.bytesReceived.Add(bytes)
	if ok {
		e.okRequests.Add(1)
	} else {
		e.koRequests.Add(1)
	}
	e.buckets.record(ok)
}

// recordRequest updates the per-request histogram. HDR histograms are not
// safe for concurrent use, so the lock is held for the update.
func (e *Engine) recordRequest(name string, micros int64, ok bool) {
	e.requestsMu.Lock()
	defer e.requestsMu.Unlock()

	rm, exists := e.requests[name]
	if !exists {
		rm = &requestMetrics{hist: newHistogram(e.config)}
		e.requests[name] = rm
		e.order = append(e.order, name)
	}
	_ = rm.hist.RecordValue(micros)
	if ok {
		rm.ok++
	} else {
		rm.ko++
	}
}

// SetActiveUsers updates the active user count.
func (e *Engine) SetActiveUsers(n int) {
	e.activeUsers.Store(int32(n))
}

// ActiveUsers returns the active user count.
func (e *Engine) ActiveUsers() int {
	return int(e.activeUsers.Load())
}

func (e *Engine) runEmitter(ctx context.Context) {
	defer e.emitterWg.Done()

	ticker := e.clock.Ticker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	lat := e.Latency()
	e.buckets.cut(e.clock.Now(), Bucket{
		TotalRequests: e.totalRequests.Load(),
		TotalOK:       e.okRequests.Load(),
		TotalKO:       e.koRequests.Load(),
		LatencyP50:    lat.P50,
		LatencyP95:    lat.P95,
		LatencyP99:    lat.P99,
		ActiveUsers:   e.ActiveUsers(),
	})
}

// Latency returns the overall latency statistics.
func (e *Engine) Latency() LatencyStats {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()
	return latencyOf(e.latencyHist)
}

func latencyOf(h *hdrhistogram.Histogram) LatencyStats {
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencyStats{
		Min:    us(h.Min()),
		Max:    us(h.Max()),
		Mean:   us(int64(h.Mean())),
		StdDev: us(int64(h.StdDev())),
		P50:    us(h.ValueAtQuantile(50)),
		P75:    us(h.ValueAtQuantile(75)),
		P95:    us(h.ValueAtQuantile(95)),
		P99:    us(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

// Snapshot returns a point-in-time view of the run.
func (e *Engine) Snapshot() *Snapshot {
	now := e.clock.Now()
	elapsed := now.Sub(e.startTime)
	total := e.totalRequests.Load()
	ko := e.koRequests.Load()

	rps := 0.0
	if elapsed > 0 {
		rps = float64(total) / elapsed.Seconds()
	}
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(ko) / float64(total)
	}

	return &Snapshot{
		TotalRequests: total,
		OKRequests:    e.okRequests.Load(),
		KORequests:    ko,
		BytesSent:     e.bytesSent.Load(),
		BytesReceived: e.bytesReceived.Load(),
		Latency:       e.Latency(),
		RPS:           rps,
		ErrorRate:     errorRate,
		ActiveUsers:   e.ActiveUsers(),
		Elapsed:       elapsed,
		StartTime:     e.startTime,
		Timestamp:     now,
	}
}

// RequestStats returns the per-request breakdown in first-seen order.
func (e *Engine) RequestStats() []RequestStats {
	e.requestsMu.RLock()
	defer e.requestsMu.RUnlock()

	out := make([]RequestStats, 0, len(e.order))
	for _, name := range e.order {
		rm := e.requests[name]
		out = append(out, RequestStats{
			Name:    name,
			OK:      rm.ok,
			KO:      rm.ko,
			Latency: latencyOf(rm.hist),
		})
	}
	return out
}

// Errors returns the KO causes, most frequent first.
func (e *Engine) Errors() []ErrorCount {
	e.causesMu.Lock()
	out := make([]ErrorCount, 0, len(e.causes))
	for cause, n := range e.causes {
		out = append(out, ErrorCount{Cause: cause, Count: n})
	}
	e.causesMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Cause < out[j].Cause
	})
	return out
}

// TimeSeries returns the retained buckets in chronological order.
func (e *Engine) TimeSeries() []Bucket {
	return e.buckets.all()
}

// Stop stops the emitter and cuts a final bucket.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}

// Reset clears every metric.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.requestsMu.Lock()
	e.requests = make(map[string]*requestMetrics)
	e.order = nil
	e.requestsMu.Unlock()

	e.causesMu.Lock()
	e.causes = make(map[string]int64)
	e.causesMu.Unlock()

	e.totalRequests.Store(0)
	e.okRequests.Store(0)
	e.koRequests.Store(0)
	e.bytesSent.Store(0)
	e.bytesReceived.Store(0)
	e.activeUsers.Store(0)

	e.startTime = e.clock.Now()
	e.buckets.reset(e.startTime)
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	TotalRequests int64         `json:"totalRequests"`
	OKRequests    int64         `json:"okRequests"`
	KORequests    int64         `json:"koRequests"`
	BytesSent     int64         `json:"bytesSent"`
	BytesReceived int64         `json:"bytesReceived"`
	Latency       LatencyStats  `json:"latency"`
	RPS           float64       `json:"rps"`
	ErrorRate     float64       `json:"errorRate"`
	ActiveUsers   int           `json:"activeUsers"`
	Elapsed       time.Duration `json:"elapsed"`
	StartTime     time.Time     `json:"startTime"`
	Timestamp     time.Time     `json:"timestamp"`
}

// RequestStats is the breakdown of one request name.
type RequestStats struct {
	Name    string       `json:"name"`
	OK      int64        `json:"ok"`
	KO      int64        `json:"ko"`
	Latency LatencyStats `json:"latency"`
}

// Total returns the number of recorded outcomes.
func (r RequestStats) Total() int64 { return r.OK + r.KO }

// ErrorCount is the number of KO outcomes sharing one cause.
type ErrorCount struct {
	Cause string `json:"cause"`
	Count int64  `json:"count"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P75    time.Duration `json:"p75"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}
