// Package telemetry is the ambient observability layer: counters for
// cache hits/misses/reads/writes/flushes/evictions, a point-in-time
// JSON snapshot, and an optional websocket that pushes a snapshot at a
// fixed interval. Grounded on the teacher's buffer_pool/stats.go counter
// shape. Nothing in the cache's correctness depends on a subscriber
// being present.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazyfs-go/pagecache/logger"
)

// Stats holds the process-atomic counters a Cache updates as it
// serves requests. The zero value is ready to use.
type Stats struct {
	requests  int64
	hits      int64
	misses    int64
	reads     int64
	writes    int64
	flushes   int64
	evictions int64
}

func (s *Stats) RecordLookup(hit bool) {
	atomic.AddInt64(&s.requests, 1)
	if hit {
		atomic.AddInt64(&s.hits, 1)
	} else {
		atomic.AddInt64(&s.misses, 1)
	}
}

func (s *Stats) RecordRead()     { atomic.AddInt64(&s.reads, 1) }
func (s *Stats) RecordWrite()    { atomic.AddInt64(&s.writes, 1) }
func (s *Stats) RecordFlush()    { atomic.AddInt64(&s.flushes, 1) }
func (s *Stats) RecordEviction() { atomic.AddInt64(&s.evictions, 1) }

// UsageSource is the slice of Cache a Reporter needs: current pool
// occupancy, expressed as the fraction of pages in use.
type UsageSource interface {
	GetCacheUsage() float64
}

// Snapshot is what Reporter.Snapshot/ServeWS hands callers: the running
// counters plus current occupancy, at one instant.
type Snapshot struct {
	Requests  int64     `json:"requests"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	HitRatio  float64   `json:"hit_ratio"`
	Reads     int64     `json:"reads"`
	Writes    int64     `json:"writes"`
	Flushes   int64     `json:"flushes"`
	Evictions int64     `json:"evictions"`
	PoolUsage float64   `json:"pool_usage"`
	SampledAt time.Time `json:"sampled_at"`
}

// Reporter pairs a Stats counter block with the Cache it's measuring.
type Reporter struct {
	stats  *Stats
	source UsageSource
}

func NewReporter(stats *Stats, source UsageSource) *Reporter {
	return &Reporter{stats: stats, source: source}
}

func (r *Reporter) Snapshot() Snapshot {
	hits := atomic.LoadInt64(&r.stats.hits)
	reqs := atomic.LoadInt64(&r.stats.requests)
	ratio := 0.0
	if reqs > 0 {
		ratio = float64(hits) / float64(reqs)
	}
	return Snapshot{
		Requests:  reqs,
		Hits:      hits,
		Misses:    atomic.LoadInt64(&r.stats.misses),
		HitRatio:  ratio,
		Reads:     atomic.LoadInt64(&r.stats.reads),
		Writes:    atomic.LoadInt64(&r.stats.writes),
		Flushes:   atomic.LoadInt64(&r.stats.flushes),
		Evictions: atomic.LoadInt64(&r.stats.evictions),
		PoolUsage: r.source.GetCacheUsage(),
		SampledAt: time.Now(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and pushes one JSON Snapshot every
// interval until the client disconnects. Purely observational: a write
// failure just ends the stream, it never affects the cache.
func (r *Reporter) ServeWS(w http.ResponseWriter, req *http.Request, interval time.Duration) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warnf("telemetry: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		snap := r.Snapshot()
		payload, err := json.Marshal(snap)
		if err != nil {
			logger.Warnf("telemetry: marshal snapshot: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
