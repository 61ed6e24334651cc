package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is one interval of the run's time series.
type Bucket struct {
	Timestamp time.Time `json:"timestamp"`

	TotalRequests int64 `json:"totalRequests"`
	TotalOK       int64 `json:"totalOk"`
	TotalKO       int64 `json:"totalKo"`

	IntervalRequests int64   `json:"intervalRequests"`
	IntervalKO       int64   `json:"intervalKo"`
	IntervalRPS      float64 `json:"intervalRps"`

	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveUsers int `json:"activeUsers"`
}

// bucketStore keeps the most recent buckets in a ring buffer. Interval
// counters are updated lock-free and swapped out when a bucket is cut.
type bucketStore struct {
	mu         sync.RWMutex
	buckets    []Bucket
	head       int
	count      int
	maxBuckets int
	lastCut    time.Time

	requests atomic.Int64
	failures atomic.Int64
}

func newBucketStore(maxBuckets int, start time.Time) *bucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}
	return &bucketStore{
		buckets:    make([]Bucket, maxBuckets),
		maxBuckets: maxBuckets,
		lastCut:    start,
	}
}

func (bs *bucketStore) record(ok bool) {
	bs.requests.Add(1)
	if !ok {
		bs.failures.Add(1)
	}
}

// cut closes the current interval and appends it to the ring.
func (bs *bucketStore) cut(now time.Time, b Bucket) Bucket {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b.Timestamp = now
	b.IntervalRequests = bs.requests.Swap(0)
	b.IntervalKO = bs.failures.Swap(0)

	secs := now.Sub(bs.lastCut).Seconds()
	if secs <= 0 {
		secs = 1
	}
	b.IntervalRPS = float64(b.IntervalRequests) / secs

	bs.buckets[bs.head] = b
	bs.head = (bs.head + 1) % bs.maxBuckets
	if bs.count < bs.maxBuckets {
		bs.count++
	}
	bs.lastCut = now
	return b
}

// all returns the buckets in chronological order.
func (bs *bucketStore) all() []Bucket {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	out := make([]Bucket, bs.count)
	start := 0
	if bs.count == bs.maxBuckets {
		start = bs.head
	}
	for i := 0; i < bs.count; i++ {
		out[i] = bs.buckets[(start+i)%bs.maxBuckets]
	}
	return out
}

func (bs *bucketStore) reset(now time.Time) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.head, bs.count = 0, 0
	bs.lastCut = now
	bs.requests.Store(0)
	bs.failures.Store(0)
}
