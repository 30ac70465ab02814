package latency_testing

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// TunnelStatus is the narrow view of the host network the orchestrator needs
// to decide probe style. The system adaptation monitor satisfies it; the
// orchestrator never depends on the monitor itself.
type TunnelStatus interface {
	// TunnelActive reports whether a tunnel interface is currently up.
	TunnelActive() bool
	// PhysicalSourceIP returns the address of an up, non-tunnel interface
	// suitable for sourcing a bypass probe, or "" if none is known.
	PhysicalSourceIP() string
}

// probeOnce dials the target over raw TCP and measures wall-clock time to
// connection establishment. Sub-millisecond connects report as 1ms so that a
// measured latency is always positive.
func probeOnce(ctx context.Context, host string, port int, timeout time.Duration, sourceIP string) (int64, error) {
	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: timeout}
	if sourceIP != "" {
		if ip := net.ParseIP(sourceIP); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}

	startTime := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil && dialer.LocalAddr != nil {
		// The source address may be stale after an interface change; a
		// plain dial is better than no measurement.
		log.Debugf("bypass dial failed for %s, falling back to direct: %v", target, err)
		plain := net.Dialer{Timeout: timeout}
		startTime = time.Now()
		conn, err = plain.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		log.Debugf("TCP probe failed for %s: %v", target, err)
		return LatencyFailed, err
	}
	defer conn.Close()

	delay := time.Since(startTime).Milliseconds()
	if delay < 1 {
		delay = 1
	}
	log.Debugf("TCP probe successful for %s: %dms", target, delay)
	return delay, nil
}

// testNode runs the full per-node probe algorithm: up to RetryCount+1
// attempts, bypass sourcing when a tunnel is active, retry delay between
// failed attempts, first success short-circuits.
func (t *ConcurrentTester) testNode(ctx context.Context, target Target, cfg TestConfig) ProbeResult {
	startTime := time.Now()

	result := ProbeResult{
		NodeID:     target.ID,
		NodeRemark: target.Remark,
		TestMethod: MethodDirect,
	}

	for attempt := 0; attempt <= cfg.RetryCount; attempt++ {
		sourceIP := ""
		if cfg.BypassTunnel && t.tunnel != nil && t.tunnel.TunnelActive() {
			result.TestMethod = MethodBypass
			sourceIP = t.tunnel.PhysicalSourceIP()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		latency, err := probeOnce(attemptCtx, target.Host, target.Port, cfg.Timeout, sourceIP)
		cancel()

		if err == nil && latency > 0 {
			result.Latency = latency
			result.Error = ""
			result.RetryCount = attempt
			break
		}

		result.Latency = LatencyFailed
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				result.Error = fmt.Sprintf("connection timeout (attempt %d)", attempt+1)
			} else {
				result.Error = fmt.Sprintf("connection error: %v (attempt %d)", err, attempt+1)
			}
		}

		if attempt < cfg.RetryCount {
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				result.TestDuration = time.Since(startTime)
				result.Timestamp = time.Now()
				return result
			}
		}
	}

	result.TestDuration = time.Since(startTime)
	result.Timestamp = time.Now()
	return result
}

// cancelledResult records a node that was never dialed because the cancel
// flag was observed first.
func cancelledResult(target Target) ProbeResult {
	return ProbeResult{
		NodeID:     target.ID,
		NodeRemark: target.Remark,
		Latency:    LatencyFailed,
		Error:      "test cancelled",
		TestMethod: MethodDirect,
		Timestamp:  time.Now(),
	}
}
