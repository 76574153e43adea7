package monitoring

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds in-process engine and API counters
type Metrics struct {
	RequestCount        int64
	ErrorCount          int64
	CacheHits           int64
	CacheMisses         int64
	AverageResponseTime int64 // in nanoseconds
	StartTime           time.Time

	Dispatches         int64
	FatalDispatches    int64
	Retries            int64
	NotAvailable       int64
	SkippedDown        int64
	Escalations        int64
	TicketsResolved    int64
	Transitions        int64
	RateLimitWaits     int64
	RateLimitRedisErrs int64
	RateLimitFallbacks int64

	ResponseTimes      []time.Duration
	ResponseTimesMutex sync.RWMutex

	RequestCountByStatus map[int]int64
	StatusMutex          sync.RWMutex

	// per evaluator call outcomes
	EvaluatorCalls      map[string]int64
	EvaluatorErrorCount map[string]int64
	EvaluatorMutex      sync.RWMutex

	ResolutionsBySeverity map[string]int64
	ResolutionsByMethod   map[string]int64
	ResolutionMutex       sync.RWMutex
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		StartTime:             time.Now(),
		ResponseTimes:         make([]time.Duration, 0, 1000),
		RequestCountByStatus:  make(map[int]int64),
		EvaluatorCalls:        make(map[string]int64),
		EvaluatorErrorCount:   make(map[string]int64),
		ResolutionsBySeverity: make(map[string]int64),
		ResolutionsByMethod:   make(map[string]int64),
	}
}

// IncrementRequest increments the request count
func (m *Metrics) IncrementRequest() {
	atomic.AddInt64(&m.RequestCount, 1)
}

// IncrementError increments the error count
func (m *Metrics) IncrementError() {
	atomic.AddInt64(&m.ErrorCount, 1)
}

// IncrementCacheHit increments report cache hit count
func (m *Metrics) IncrementCacheHit() {
	atomic.AddInt64(&m.CacheHits, 1)
}

// IncrementCacheMiss increments report cache miss count
func (m *Metrics) IncrementCacheMiss() {
	atomic.AddInt64(&m.CacheMisses, 1)
}

// IncrementDispatch counts one Dispatch call; fatal marks a NoEvaluatorsAvailable outcome
func (m *Metrics) IncrementDispatch(fatal bool) {
	atomic.AddInt64(&m.Dispatches, 1)
	if fatal {
		atomic.AddInt64(&m.FatalDispatches, 1)
	}
}

// IncrementRetry counts one backoff retry
func (m *Metrics) IncrementRetry() {
	atomic.AddInt64(&m.Retries, 1)
}

// IncrementNotAvailable counts an evaluator slot that produced no score
func (m *Metrics) IncrementNotAvailable() {
	atomic.AddInt64(&m.NotAvailable, 1)
}

// IncrementSkippedDown counts a call suppressed because the evaluator was Down
func (m *Metrics) IncrementSkippedDown() {
	atomic.AddInt64(&m.SkippedDown, 1)
}

// IncrementEscalation counts a newly created ticket
func (m *Metrics) IncrementEscalation() {
	atomic.AddInt64(&m.Escalations, 1)
}

// IncrementTicketResolved counts a human review callback
func (m *Metrics) IncrementTicketResolved() {
	atomic.AddInt64(&m.TicketsResolved, 1)
}

// IncrementTransition counts an availability level change
func (m *Metrics) IncrementTransition() {
	atomic.AddInt64(&m.Transitions, 1)
}

// IncrementRateLimitWait counts a call that had to wait for budget
func (m *Metrics) IncrementRateLimitWait() {
	atomic.AddInt64(&m.RateLimitWaits, 1)
}

// IncrementRateLimitRedisError counts a Redis failure in the limiter
func (m *Metrics) IncrementRateLimitRedisError() {
	atomic.AddInt64(&m.RateLimitRedisErrs, 1)
}

// IncrementRateLimitFallback counts use of the in-memory limiter
func (m *Metrics) IncrementRateLimitFallback() {
	atomic.AddInt64(&m.RateLimitFallbacks, 1)
}

// RecordResponseTime records response time for averaging and percentiles
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	current := atomic.LoadInt64(&m.AverageResponseTime)
	newAverage := (current + duration.Nanoseconds()) / 2
	atomic.StoreInt64(&m.AverageResponseTime, newAverage)

	// keep last 1000 samples
	m.ResponseTimesMutex.Lock()
	m.ResponseTimes = append(m.ResponseTimes, duration)
	if len(m.ResponseTimes) > 1000 {
		m.ResponseTimes = m.ResponseTimes[1:]
	}
	m.ResponseTimesMutex.Unlock()
}

// RecordRequestByStatus records request count by HTTP status code
func (m *Metrics) RecordRequestByStatus(statusCode int) {
	m.StatusMutex.Lock()
	defer m.StatusMutex.Unlock()
	m.RequestCountByStatus[statusCode]++
}

// RecordEvaluatorCall records one backend attempt
func (m *Metrics) RecordEvaluatorCall(evaluator string, success bool) {
	m.EvaluatorMutex.Lock()
	defer m.EvaluatorMutex.Unlock()

	m.EvaluatorCalls[evaluator]++
	if !success {
		m.EvaluatorErrorCount[evaluator]++
	}
}

// RecordResolution records the severity and method of a resolved pair
func (m *Metrics) RecordResolution(severity, method string) {
	m.ResolutionMutex.Lock()
	defer m.ResolutionMutex.Unlock()

	m.ResolutionsBySeverity[severity]++
	m.ResolutionsByMethod[method]++
}

// GetPercentileResponseTime calculates percentile response time
func (m *Metrics) GetPercentileResponseTime(percentile float64) time.Duration {
	m.ResponseTimesMutex.RLock()
	defer m.ResponseTimesMutex.RUnlock()

	if len(m.ResponseTimes) == 0 {
		return 0
	}

	times := make([]time.Duration, len(m.ResponseTimes))
	copy(times, m.ResponseTimes)

	sort.Slice(times, func(i, j int) bool {
		return times[i] < times[j]
	})

	index := int(float64(len(times)-1) * percentile / 100.0)
	if index >= len(times) {
		index = len(times) - 1
	}

	return times[index]
}

// GetStatusCodeDistribution returns request count by status code
func (m *Metrics) GetStatusCodeDistribution() map[int]int64 {
	m.StatusMutex.RLock()
	defer m.StatusMutex.RUnlock()

	distribution := make(map[int]int64, len(m.RequestCountByStatus))
	for code, count := range m.RequestCountByStatus {
		distribution[code] = count
	}
	return distribution
}

// GetEvaluatorStats returns per evaluator call statistics
func (m *Metrics) GetEvaluatorStats() map[string]interface{} {
	m.EvaluatorMutex.RLock()
	defer m.EvaluatorMutex.RUnlock()

	stats := make(map[string]interface{}, len(m.EvaluatorCalls))
	for ev, calls := range m.EvaluatorCalls {
		errs := m.EvaluatorErrorCount[ev]
		errorRate := float64(0)
		if calls > 0 {
			errorRate = float64(errs) / float64(calls) * 100
		}

		stats[ev] = map[string]interface{}{
			"calls":      calls,
			"errors":     errs,
			"error_rate": errorRate,
		}
	}
	return stats
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// GetStats returns current metrics statistics
func (m *Metrics) GetStats() map[string]interface{} {
	requests := atomic.LoadInt64(&m.RequestCount)
	errors := atomic.LoadInt64(&m.ErrorCount)
	cacheHits := atomic.LoadInt64(&m.CacheHits)
	cacheMisses := atomic.LoadInt64(&m.CacheMisses)
	avgResponseTime := atomic.LoadInt64(&m.AverageResponseTime)

	errorRate := float64(0)
	if requests > 0 {
		errorRate = float64(errors) / float64(requests) * 100
	}

	cacheHitRate := float64(0)
	if total := cacheHits + cacheMisses; total > 0 {
		cacheHitRate = float64(cacheHits) / float64(total) * 100
	}

	m.ResolutionMutex.RLock()
	bySeverity := copyCounts(m.ResolutionsBySeverity)
	byMethod := copyCounts(m.ResolutionsByMethod)
	m.ResolutionMutex.RUnlock()

	return map[string]interface{}{
		"uptime_seconds":         time.Since(m.StartTime).Seconds(),
		"total_requests":         requests,
		"error_count":            errors,
		"error_rate_percent":     errorRate,
		"cache_hits":             cacheHits,
		"cache_misses":           cacheMisses,
		"cache_hit_rate_percent": cacheHitRate,
		"avg_response_time_ms":   float64(avgResponseTime) / 1000000,
		"start_time":             m.StartTime.Format(time.RFC3339),

		"p50_response_time_ms":     float64(m.GetPercentileResponseTime(50)) / 1000000,
		"p95_response_time_ms":     float64(m.GetPercentileResponseTime(95)) / 1000000,
		"p99_response_time_ms":     float64(m.GetPercentileResponseTime(99)) / 1000000,
		"status_code_distribution": m.GetStatusCodeDistribution(),

		"dispatches":              atomic.LoadInt64(&m.Dispatches),
		"fatal_dispatches":        atomic.LoadInt64(&m.FatalDispatches),
		"retries":                 atomic.LoadInt64(&m.Retries),
		"not_available":           atomic.LoadInt64(&m.NotAvailable),
		"skipped_down":            atomic.LoadInt64(&m.SkippedDown),
		"escalations":             atomic.LoadInt64(&m.Escalations),
		"tickets_resolved":        atomic.LoadInt64(&m.TicketsResolved),
		"availability_changes":    atomic.LoadInt64(&m.Transitions),
		"evaluator_stats":         m.GetEvaluatorStats(),
		"resolutions_by_severity": bySeverity,
		"resolutions_by_method":   byMethod,

		"rate_limit_waits":        atomic.LoadInt64(&m.RateLimitWaits),
		"rate_limit_redis_errors": atomic.LoadInt64(&m.RateLimitRedisErrs),
		"rate_limit_fallbacks":    atomic.LoadInt64(&m.RateLimitFallbacks),
	}
}

// Ensure Metrics implements the report cache metrics interface
var _ interface {
	IncrementCacheHit()
	IncrementCacheMiss()
} = (*Metrics)(nil)

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	for _, p := range []*int64{
		&m.RequestCount, &m.ErrorCount, &m.CacheHits, &m.CacheMisses, &m.AverageResponseTime,
		&m.Dispatches, &m.FatalDispatches, &m.Retries, &m.NotAvailable, &m.SkippedDown,
		&m.Escalations, &m.TicketsResolved, &m.Transitions,
		&m.RateLimitWaits, &m.RateLimitRedisErrs, &m.RateLimitFallbacks,
	} {
		atomic.StoreInt64(p, 0)
	}

	m.ResponseTimesMutex.Lock()
	m.ResponseTimes = m.ResponseTimes[:0]
	m.ResponseTimesMutex.Unlock()

	m.StatusMutex.Lock()
	m.RequestCountByStatus = make(map[int]int64)
	m.StatusMutex.Unlock()

	m.EvaluatorMutex.Lock()
	m.EvaluatorCalls = make(map[string]int64)
	m.EvaluatorErrorCount = make(map[string]int64)
	m.EvaluatorMutex.Unlock()

	m.ResolutionMutex.Lock()
	m.ResolutionsBySeverity = make(map[string]int64)
	m.ResolutionsByMethod = make(map[string]int64)
	m.ResolutionMutex.Unlock()

	m.StartTime = time.Now()
}
