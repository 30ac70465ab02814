package latency_testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/akasls/Xray-Multi-Port-Manager/common"
)

// cooperativeThreshold is the node count above which the batch dispatcher
// auto-selects the cooperative strategy.
const cooperativeThreshold = 100

// ErrTestRunning is returned when a batch is requested while another batch
// is still active on the same tester. Batches never queue.
var ErrTestRunning = errors.New("another test is already running")

// ProgressCallback receives (completed, total, percentage) as nodes finish.
type ProgressCallback func(completed, total int, percentage float64)

// ResultCallback receives each individual result as its node finishes.
type ResultCallback func(result ProbeResult)

// TesterStatistics is a snapshot of the lifetime counters.
type TesterStatistics struct {
	TotalRun       int64
	TotalSucceeded int64
	TotalFailed    int64
	SuccessRate    float64
	Testing        bool
}

// ConcurrentTester probes many targets under a concurrency cap and produces
// one BatchResult per batch. Only one batch may run at a time per instance.
type ConcurrentTester struct {
	config TestConfig
	tunnel TunnelStatus

	mu        sync.Mutex
	testing   bool
	cancelled atomic.Bool

	totalRun       int64
	totalSucceeded int64
	totalFailed    int64
}

// NewConcurrentTester builds a tester with the given default config. tunnel
// may be nil, in which case every probe is tagged direct.
func NewConcurrentTester(config TestConfig, tunnel TunnelStatus) *ConcurrentTester {
	return &ConcurrentTester{
		config: config.withDefaults(),
		tunnel: tunnel,
	}
}

// RunBatch probes all targets, auto-selecting the execution strategy:
// cooperative for very large batches, the goroutine pool otherwise. Callers
// wanting a specific strategy use RunBatchThreaded or RunBatchCooperative.
func (t *ConcurrentTester) RunBatch(targets []Target, config *TestConfig, progressCb ProgressCallback, resultCb ResultCallback) (*BatchResult, error) {
	cfg := t.effectiveConfig(config)
	if cfg.Strategy == StrategyCooperative && len(targets) > cooperativeThreshold {
		return t.RunBatchCooperative(context.Background(), targets, config, progressCb, resultCb)
	}
	return t.RunBatchThreaded(targets, config, progressCb, resultCb)
}

// RunBatchThreaded drains one probe task per target through a fixed-size
// goroutine pool. Result slots are indexed by input position, so ordering is
// deterministic regardless of completion order.
func (t *ConcurrentTester) RunBatchThreaded(targets []Target, config *TestConfig, progressCb ProgressCallback, resultCb ResultCallback) (*BatchResult, error) {
	cfg := t.effectiveConfig(config)

	if err := t.beginBatch(); err != nil {
		return nil, err
	}
	defer t.endBatch()

	batch := &BatchResult{
		TotalNodes: len(targets),
		StartTime:  time.Now(),
	}

	pool, err := common.NewPool(common.PoolConfig{MaxWorkers: cfg.MaxConcurrent})
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	results := make([]ProbeResult, len(targets))
	completed := 0
	var progressMu sync.Mutex
	var wg sync.WaitGroup

	report := func(r ProbeResult) {
		progressMu.Lock()
		defer progressMu.Unlock()
		completed++
		if progressCb != nil {
			percentage := float64(completed) / float64(len(targets)) * 100
			safeProgress(progressCb, completed, len(targets), percentage)
		}
		if resultCb != nil {
			safeResult(resultCb, r)
		}
	}

	for i, target := range targets {
		wg.Add(1)
		index, targetCopy := i, target
		if err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("probe task panicked for %s: %v", targetCopy.ID, rec)
					r := ProbeResult{
						NodeID:     targetCopy.ID,
						NodeRemark: targetCopy.Remark,
						Latency:    LatencyFailed,
						Error:      fmt.Sprintf("probe task panic: %v", rec),
						TestMethod: MethodDirect,
						Timestamp:  time.Now(),
					}
					results[index] = r
					report(r)
				}
			}()

			if t.cancelled.Load() {
				results[index] = cancelledResult(targetCopy)
				report(results[index])
				return
			}

			results[index] = t.testNode(context.Background(), targetCopy, cfg)
			report(results[index])
		}); err != nil {
			wg.Done()
			results[i] = ProbeResult{
				NodeID:     target.ID,
				NodeRemark: target.Remark,
				Latency:    LatencyFailed,
				Error:      fmt.Sprintf("failed to submit probe task: %v", err),
				TestMethod: MethodDirect,
				Timestamp:  time.Now(),
			}
			log.Warnf("failed to submit probe task for %s: %v", target.ID, err)
		}
	}
	wg.Wait()

	batch.Results = results
	batch.EndTime = time.Now()
	batch.UpdateStatistics()
	t.recordBatch(batch)

	log.Infof("threaded batch finished: %d total, %d completed, %d failed in %v",
		batch.TotalNodes, batch.CompletedNodes, batch.FailedNodes, batch.TestDuration)
	return batch, nil
}

// RunBatchCooperative multiplexes the pending dials behind a counting gate of
// size MaxConcurrent. Suspension happens only at the gate acquisition, inside
// the dial, and during the inter-retry delay.
func (t *ConcurrentTester) RunBatchCooperative(ctx context.Context, targets []Target, config *TestConfig, progressCb ProgressCallback, resultCb ResultCallback) (*BatchResult, error) {
	cfg := t.effectiveConfig(config)

	if err := t.beginBatch(); err != nil {
		return nil, err
	}
	defer t.endBatch()

	batch := &BatchResult{
		TotalNodes: len(targets),
		StartTime:  time.Now(),
	}

	gate := make(chan struct{}, cfg.MaxConcurrent)
	results := make([]ProbeResult, len(targets))
	completed := 0
	var progressMu sync.Mutex
	var wg sync.WaitGroup

	report := func(r ProbeResult) {
		progressMu.Lock()
		defer progressMu.Unlock()
		completed++
		if progressCb != nil {
			percentage := float64(completed) / float64(len(targets)) * 100
			safeProgress(progressCb, completed, len(targets), percentage)
		}
		if resultCb != nil {
			safeResult(resultCb, r)
		}
	}

	for i, target := range targets {
		wg.Add(1)
		index, targetCopy := i, target
		go func() {
			defer wg.Done()

			select {
			case gate <- struct{}{}:
				defer func() { <-gate }()
			case <-ctx.Done():
				results[index] = cancelledResult(targetCopy)
				report(results[index])
				return
			}

			if t.cancelled.Load() || ctx.Err() != nil {
				results[index] = cancelledResult(targetCopy)
				report(results[index])
				return
			}

			results[index] = t.testNode(ctx, targetCopy, cfg)
			report(results[index])
		}()
	}
	wg.Wait()

	batch.Results = results
	batch.EndTime = time.Now()
	batch.UpdateStatistics()
	t.recordBatch(batch)

	log.Infof("cooperative batch finished: %d total, %d completed, %d failed in %v",
		batch.TotalNodes, batch.CompletedNodes, batch.FailedNodes, batch.TestDuration)
	return batch, nil
}

// Cancel requests cooperative cancellation of the running batch. Nodes not
// yet started are recorded as cancelled; probes already in flight run to
// their own timeout.
func (t *ConcurrentTester) Cancel() {
	t.cancelled.Store(true)
}

// IsRunning reports whether a batch is currently active.
func (t *ConcurrentTester) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.testing
}

// GetStatistics returns a snapshot of the lifetime probe counters.
func (t *ConcurrentTester) GetStatistics() TesterStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TesterStatistics{
		TotalRun:       t.totalRun,
		TotalSucceeded: t.totalSucceeded,
		TotalFailed:    t.totalFailed,
		Testing:        t.testing,
	}
	if stats.TotalRun > 0 {
		stats.SuccessRate = float64(stats.TotalSucceeded) / float64(stats.TotalRun) * 100
	}
	return stats
}

func (t *ConcurrentTester) effectiveConfig(config *TestConfig) TestConfig {
	if config == nil {
		return t.config
	}
	return config.withDefaults()
}

func (t *ConcurrentTester) beginBatch() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.testing {
		return ErrTestRunning
	}
	t.testing = true
	t.cancelled.Store(false)
	return nil
}

func (t *ConcurrentTester) endBatch() {
	t.mu.Lock()
	t.testing = false
	t.cancelled.Store(false)
	t.mu.Unlock()
}

func (t *ConcurrentTester) recordBatch(batch *BatchResult) {
	var succeeded int64
	for _, r := range batch.Results {
		if r.IsSuccessful() {
			succeeded++
		}
	}
	t.mu.Lock()
	t.totalRun += int64(batch.TotalNodes)
	t.totalSucceeded += succeeded
	t.totalFailed += int64(batch.TotalNodes) - succeeded
	t.mu.Unlock()
}

func safeProgress(cb ProgressCallback, completed, total int, percentage float64) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warnf("progress callback panicked: %v", rec)
		}
	}()
	cb(completed, total, percentage)
}

func safeResult(cb ResultCallback, r ProbeResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warnf("result callback panicked: %v", rec)
		}
	}()
	cb(r)
}
