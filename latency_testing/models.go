package latency_testing

import (
	"strings"
	"time"
)

// TestStrategy selects how a batch of probes is executed.
type TestStrategy string

const (
	// StrategyThreadPool drains one task per node through a fixed-size
	// goroutine pool; each task dials synchronously.
	StrategyThreadPool TestStrategy = "thread-pool"
	// StrategyCooperative multiplexes pending dials behind a counting gate
	// and suspends only at the gate, the dial and the retry delay.
	StrategyCooperative TestStrategy = "cooperative"
)

// Probe method tags recorded on each result.
const (
	MethodDirect = "direct"
	MethodBypass = "bypass"
)

// Latency sentinel values. A successful connect is reported as at least 1ms,
// so the zero value unambiguously means "not yet probed".
const (
	LatencyUntested int64 = 0
	LatencyFailed   int64 = -1
)

// Target is the node identity the orchestrator consumes. Node lifecycle,
// parsing and persistence belong to the caller.
type Target struct {
	ID     string
	Remark string
	Host   string
	Port   int
}

// TestConfig is an immutable per-batch configuration value.
type TestConfig struct {
	MaxConcurrent    int
	Timeout          time.Duration
	RetryCount       int
	RetryDelay       time.Duration
	Strategy         TestStrategy
	BypassTunnel     bool
	BatchSize        int
	ProgressInterval time.Duration
}

// DefaultTestConfig returns the stock configuration used when a caller
// passes a zero config.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		MaxConcurrent:    20,
		Timeout:          5 * time.Second,
		RetryCount:       1,
		RetryDelay:       500 * time.Millisecond,
		Strategy:         StrategyCooperative,
		BypassTunnel:     true,
		BatchSize:        50,
		ProgressInterval: 100 * time.Millisecond,
	}
}

func (c TestConfig) withDefaults() TestConfig {
	def := DefaultTestConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = def.ProgressInterval
	}
	return c
}

// ProbeResult is the outcome of one node's probe attempt sequence, retries
// included. It is immutable once returned from a batch.
type ProbeResult struct {
	NodeID       string
	NodeRemark   string
	Latency      int64 // LatencyUntested, LatencyFailed, or milliseconds >= 1
	Error        string
	TestMethod   string // MethodDirect or MethodBypass
	RetryCount   int    // retries actually used before success
	TestDuration time.Duration
	Timestamp    time.Time
}

// IsSuccessful reports whether the probe measured a real latency.
func (r ProbeResult) IsSuccessful() bool {
	return r.Latency > 0
}

// IsTimeout reports whether the probe failed on a connect timeout.
func (r ProbeResult) IsTimeout() bool {
	return r.Latency == LatencyFailed && strings.Contains(strings.ToLower(r.Error), "timeout")
}

// BatchResult aggregates the ordered probe results of one batch. Counters and
// latency statistics are only meaningful after UpdateStatistics.
type BatchResult struct {
	Results        []ProbeResult
	TotalNodes     int
	CompletedNodes int
	FailedNodes    int
	AverageLatency float64
	MinLatency     int64
	MaxLatency     int64
	TestDuration   time.Duration
	StartTime      time.Time
	EndTime        time.Time
}

// UpdateStatistics recomputes the derived counters and latency statistics
// from Results. Callers never observe a partially consistent BatchResult:
// the batch runner invokes this exactly once, after all results are in.
func (b *BatchResult) UpdateStatistics() {
	if len(b.Results) == 0 {
		return
	}

	b.CompletedNodes = 0
	b.FailedNodes = 0
	b.MinLatency = -1
	b.MaxLatency = -1

	var sum int64
	for _, r := range b.Results {
		if !r.IsSuccessful() {
			b.FailedNodes++
			continue
		}
		b.CompletedNodes++
		sum += r.Latency
		if b.MinLatency == -1 || r.Latency < b.MinLatency {
			b.MinLatency = r.Latency
		}
		if r.Latency > b.MaxLatency {
			b.MaxLatency = r.Latency
		}
	}

	if b.CompletedNodes > 0 {
		b.AverageLatency = float64(sum) / float64(b.CompletedNodes)
	}
	if !b.StartTime.IsZero() && !b.EndTime.IsZero() {
		b.TestDuration = b.EndTime.Sub(b.StartTime)
	}
}
