package latency_testing

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// startListener opens a loopback listener that accepts connections for the
// duration of the test.
func startListener(t *testing.T) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// unreachablePort returns a loopback port with nothing listening on it, so
// dials fail immediately with connection refused.
func unreachablePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func fastConfig() *TestConfig {
	return &TestConfig{
		MaxConcurrent: 4,
		Timeout:       500 * time.Millisecond,
		RetryCount:    0,
		RetryDelay:    50 * time.Millisecond,
		Strategy:      StrategyThreadPool,
	}
}

func checkResultInvariants(t *testing.T, results []ProbeResult) {
	t.Helper()
	for _, r := range results {
		if r.Latency == LatencyFailed && r.Error == "" {
			t.Errorf("node %s: failed latency without error text", r.NodeID)
		}
		if r.Latency > 0 && r.Error != "" {
			t.Errorf("node %s: successful latency %d with error %q", r.NodeID, r.Latency, r.Error)
		}
	}
}

func TestRunBatchThreaded(t *testing.T) {
	host, port := startListener(t)
	badPort := unreachablePort(t)

	targets := []Target{
		{ID: "n1", Remark: "first", Host: host, Port: port},
		{ID: "n2", Remark: "dead", Host: host, Port: badPort},
		{ID: "n3", Remark: "third", Host: host, Port: port},
	}

	tester := NewConcurrentTester(TestConfig{}, nil)
	batch, err := tester.RunBatchThreaded(targets, fastConfig(), nil, nil)
	if err != nil {
		t.Fatalf("RunBatchThreaded returned error: %v", err)
	}

	if len(batch.Results) != len(targets) {
		t.Fatalf("expected %d results, got %d", len(targets), len(batch.Results))
	}
	for i, r := range batch.Results {
		if r.NodeID != targets[i].ID {
			t.Errorf("result %d: expected node %s, got %s", i, targets[i].ID, r.NodeID)
		}
	}
	checkResultInvariants(t, batch.Results)

	if batch.CompletedNodes != 2 || batch.FailedNodes != 1 {
		t.Errorf("expected 2 completed / 1 failed, got %d / %d", batch.CompletedNodes, batch.FailedNodes)
	}
	if batch.CompletedNodes+batch.FailedNodes != batch.TotalNodes {
		t.Errorf("completed %d + failed %d != total %d",
			batch.CompletedNodes, batch.FailedNodes, batch.TotalNodes)
	}
	if batch.Results[1].Latency != LatencyFailed {
		t.Errorf("unreachable node: expected latency %d, got %d", LatencyFailed, batch.Results[1].Latency)
	}
	if batch.MinLatency < 1 || batch.MaxLatency < batch.MinLatency {
		t.Errorf("implausible latency stats: min %d max %d", batch.MinLatency, batch.MaxLatency)
	}
}

func TestRunBatchCooperative(t *testing.T) {
	host, port := startListener(t)
	badPort := unreachablePort(t)

	targets := []Target{
		{ID: "c1", Host: host, Port: port},
		{ID: "c2", Host: host, Port: badPort},
		{ID: "c3", Host: host, Port: port},
		{ID: "c4", Host: host, Port: port},
	}

	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	cfg.Strategy = StrategyCooperative

	tester := NewConcurrentTester(TestConfig{}, nil)
	batch, err := tester.RunBatchCooperative(context.Background(), targets, cfg, nil, nil)
	if err != nil {
		t.Fatalf("RunBatchCooperative returned error: %v", err)
	}

	if len(batch.Results) != len(targets) {
		t.Fatalf("expected %d results, got %d", len(targets), len(batch.Results))
	}
	for i, r := range batch.Results {
		if r.NodeID != targets[i].ID {
			t.Errorf("result %d: expected node %s, got %s", i, targets[i].ID, r.NodeID)
		}
	}
	checkResultInvariants(t, batch.Results)

	if batch.CompletedNodes != 3 || batch.FailedNodes != 1 {
		t.Errorf("expected 3 completed / 1 failed, got %d / %d", batch.CompletedNodes, batch.FailedNodes)
	}
}

func TestBatchBusyRejection(t *testing.T) {
	badPort := unreachablePort(t)

	// Retries against a refused port keep the first batch running long
	// enough to observe the busy condition.
	slow := &TestConfig{
		MaxConcurrent: 1,
		Timeout:       500 * time.Millisecond,
		RetryCount:    5,
		RetryDelay:    100 * time.Millisecond,
	}
	targets := []Target{{ID: "slow", Host: "127.0.0.1", Port: badPort}}

	tester := NewConcurrentTester(TestConfig{}, nil)

	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		if _, err := tester.RunBatchThreaded(targets, slow, nil, nil); err != nil {
			t.Errorf("first batch failed: %v", err)
		}
	}()

	<-started
	time.Sleep(100 * time.Millisecond)

	if !tester.IsRunning() {
		t.Fatalf("expected tester to report running")
	}
	if _, err := tester.RunBatchThreaded(targets, fastConfig(), nil, nil); err != ErrTestRunning {
		t.Errorf("expected ErrTestRunning, got %v", err)
	}

	<-done
	if tester.IsRunning() {
		t.Errorf("tester still reports running after batch end")
	}
}

func TestCancelMidBatch(t *testing.T) {
	badPort := unreachablePort(t)

	// One worker, each node burns ~300ms in retries, so cancelling after
	// the first result leaves later nodes unstarted.
	cfg := &TestConfig{
		MaxConcurrent: 1,
		Timeout:       500 * time.Millisecond,
		RetryCount:    3,
		RetryDelay:    100 * time.Millisecond,
		Strategy:      StrategyCooperative,
	}

	var targets []Target
	for i := 0; i < 5; i++ {
		targets = append(targets, Target{ID: fmt.Sprintf("x%d", i), Host: "127.0.0.1", Port: badPort})
	}

	tester := NewConcurrentTester(TestConfig{}, nil)

	var once sync.Once
	start := time.Now()
	batch, err := tester.RunBatchCooperative(context.Background(), targets, cfg, nil,
		func(ProbeResult) {
			once.Do(tester.Cancel)
		})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	// Without cancellation the batch would take ~1.5s (5 nodes through one
	// worker); with it, only the in-flight node runs to completion.
	if limit := cfg.Timeout + 300*time.Millisecond; elapsed >= limit {
		t.Errorf("cancelled batch took %v, expected under %v", elapsed, limit)
	}

	if len(batch.Results) != len(targets) {
		t.Fatalf("expected %d results, got %d", len(targets), len(batch.Results))
	}
	checkResultInvariants(t, batch.Results)

	cancelled := 0
	for _, r := range batch.Results {
		if strings.Contains(r.Error, "cancelled") {
			cancelled++
		}
	}
	if cancelled == 0 {
		t.Errorf("expected some nodes to be recorded as cancelled")
	}
	if cancelled == len(targets) {
		t.Errorf("expected at least one node to have been probed before cancellation")
	}
}

func TestCallbackPanicIsolation(t *testing.T) {
	host, port := startListener(t)
	targets := []Target{
		{ID: "p1", Host: host, Port: port},
		{ID: "p2", Host: host, Port: port},
	}

	tester := NewConcurrentTester(TestConfig{}, nil)
	batch, err := tester.RunBatchThreaded(targets, fastConfig(),
		func(int, int, float64) { panic("progress boom") },
		func(ProbeResult) { panic("result boom") },
	)
	if err != nil {
		t.Fatalf("batch aborted by callback panic: %v", err)
	}
	if batch.CompletedNodes != 2 {
		t.Errorf("expected 2 completed despite panicking callbacks, got %d", batch.CompletedNodes)
	}
}

func TestProgressReporting(t *testing.T) {
	host, port := startListener(t)
	targets := []Target{
		{ID: "g1", Host: host, Port: port},
		{ID: "g2", Host: host, Port: port},
		{ID: "g3", Host: host, Port: port},
	}

	var mu sync.Mutex
	var progress []int
	results := 0

	tester := NewConcurrentTester(TestConfig{}, nil)
	_, err := tester.RunBatchThreaded(targets, fastConfig(),
		func(completed, total int, percentage float64) {
			mu.Lock()
			progress = append(progress, completed)
			mu.Unlock()
			if total != 3 {
				t.Errorf("expected total 3, got %d", total)
			}
		},
		func(ProbeResult) {
			mu.Lock()
			results++
			mu.Unlock()
		},
	)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if len(progress) != 3 || results != 3 {
		t.Fatalf("expected 3 progress and 3 result callbacks, got %d / %d", len(progress), results)
	}
	for i, c := range progress {
		if c != i+1 {
			t.Errorf("progress call %d: expected completed %d, got %d", i, i+1, c)
		}
	}
}

func TestStatisticsAccumulation(t *testing.T) {
	host, port := startListener(t)
	badPort := unreachablePort(t)

	tester := NewConcurrentTester(TestConfig{}, nil)
	targets := []Target{
		{ID: "s1", Host: host, Port: port},
		{ID: "s2", Host: "127.0.0.1", Port: badPort},
	}
	if _, err := tester.RunBatchThreaded(targets, fastConfig(), nil, nil); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	stats := tester.GetStatistics()
	if stats.TotalRun != 2 || stats.TotalSucceeded != 1 || stats.TotalFailed != 1 {
		t.Errorf("unexpected statistics: %+v", stats)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("expected 50%% success rate, got %.1f", stats.SuccessRate)
	}
	if stats.Testing {
		t.Errorf("statistics report testing after batch end")
	}
}

type fakeTunnel struct {
	active bool
	source string
}

func (f *fakeTunnel) TunnelActive() bool       { return f.active }
func (f *fakeTunnel) PhysicalSourceIP() string { return f.source }

func TestBypassTagging(t *testing.T) {
	host, port := startListener(t)
	targets := []Target{{ID: "b1", Host: host, Port: port}}

	cfg := fastConfig()
	cfg.BypassTunnel = true

	tester := NewConcurrentTester(TestConfig{}, &fakeTunnel{active: true, source: "127.0.0.1"})
	batch, err := tester.RunBatchThreaded(targets, cfg, nil, nil)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if batch.Results[0].TestMethod != MethodBypass {
		t.Errorf("expected bypass tag, got %q", batch.Results[0].TestMethod)
	}
	if !batch.Results[0].IsSuccessful() {
		t.Errorf("bypass probe to loopback failed: %s", batch.Results[0].Error)
	}

	t.Run("InactiveTunnelStaysDirect", func(t *testing.T) {
		tester := NewConcurrentTester(TestConfig{}, &fakeTunnel{active: false})
		batch, err := tester.RunBatchThreaded(targets, cfg, nil, nil)
		if err != nil {
			t.Fatalf("batch failed: %v", err)
		}
		if batch.Results[0].TestMethod != MethodDirect {
			t.Errorf("expected direct tag, got %q", batch.Results[0].TestMethod)
		}
	})
}

func TestEndToEndTiming(t *testing.T) {
	host, port := startListener(t)
	badPort := unreachablePort(t)

	targets := []Target{
		{ID: "e1", Host: host, Port: port},
		{ID: "e2", Host: "127.0.0.1", Port: badPort},
		{ID: "e3", Host: host, Port: port},
	}
	cfg := &TestConfig{
		MaxConcurrent: 2,
		Timeout:       500 * time.Millisecond,
		RetryCount:    0,
		RetryDelay:    50 * time.Millisecond,
	}

	tester := NewConcurrentTester(TestConfig{}, nil)
	start := time.Now()
	batch, err := tester.RunBatchThreaded(targets, cfg, nil, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if elapsed >= 1500*time.Millisecond {
		t.Errorf("batch took %v, expected under 1.5s", elapsed)
	}
	if batch.CompletedNodes != 2 || batch.FailedNodes != 1 {
		t.Errorf("expected 2 completed / 1 failed, got %d / %d", batch.CompletedNodes, batch.FailedNodes)
	}
	if batch.Results[1].Latency != LatencyFailed {
		t.Errorf("unreachable node: expected latency -1, got %d", batch.Results[1].Latency)
	}
}

func TestRunBatchDispatcher(t *testing.T) {
	host, port := startListener(t)

	t.Run("SmallBatch", func(t *testing.T) {
		targets := []Target{
			{ID: "d1", Host: host, Port: port},
			{ID: "d2", Host: host, Port: port},
		}
		tester := NewConcurrentTester(TestConfig{}, nil)
		batch, err := tester.RunBatch(targets, fastConfig(), nil, nil)
		if err != nil {
			t.Fatalf("RunBatch failed: %v", err)
		}
		if batch.CompletedNodes != 2 {
			t.Errorf("expected 2 completed, got %d", batch.CompletedNodes)
		}
	})

	t.Run("LargeBatch", func(t *testing.T) {
		badPort := unreachablePort(t)

		// Above the cooperative threshold; refused dials keep it fast.
		var targets []Target
		for i := 0; i < cooperativeThreshold+1; i++ {
			targets = append(targets, Target{ID: fmt.Sprintf("d%d", i), Host: "127.0.0.1", Port: badPort})
		}
		cfg := &TestConfig{
			MaxConcurrent: 50,
			Timeout:       500 * time.Millisecond,
			RetryCount:    0,
			RetryDelay:    50 * time.Millisecond,
			Strategy:      StrategyCooperative,
		}

		tester := NewConcurrentTester(TestConfig{}, nil)
		batch, err := tester.RunBatch(targets, cfg, nil, nil)
		if err != nil {
			t.Fatalf("RunBatch failed: %v", err)
		}
		if batch.TotalNodes != len(targets) || batch.FailedNodes != len(targets) {
			t.Errorf("expected %d total failures, got %d total / %d failed",
				len(targets), batch.TotalNodes, batch.FailedNodes)
		}
		checkResultInvariants(t, batch.Results)
	})
}

func TestUpdateStatistics(t *testing.T) {
	batch := &BatchResult{
		TotalNodes: 3,
		Results: []ProbeResult{
			{NodeID: "a", Latency: 10},
			{NodeID: "b", Latency: 30},
			{NodeID: "c", Latency: LatencyFailed, Error: "connection timeout (attempt 1)"},
		},
		StartTime: time.Now().Add(-time.Second),
		EndTime:   time.Now(),
	}
	batch.UpdateStatistics()

	if batch.CompletedNodes != 2 || batch.FailedNodes != 1 {
		t.Errorf("expected 2/1, got %d/%d", batch.CompletedNodes, batch.FailedNodes)
	}
	if batch.AverageLatency != 20 {
		t.Errorf("expected average 20, got %.1f", batch.AverageLatency)
	}
	if batch.MinLatency != 10 || batch.MaxLatency != 30 {
		t.Errorf("expected min 10 / max 30, got %d / %d", batch.MinLatency, batch.MaxLatency)
	}
	if batch.TestDuration <= 0 {
		t.Errorf("expected positive duration, got %v", batch.TestDuration)
	}

	if !batch.Results[2].IsTimeout() {
		t.Errorf("expected timeout classification for %q", batch.Results[2].Error)
	}
	if batch.Results[0].IsTimeout() {
		t.Errorf("successful result classified as timeout")
	}
}
