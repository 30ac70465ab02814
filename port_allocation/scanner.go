package port_allocation

import (
	"fmt"
	"net"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/akasls/Xray-Multi-Port-Manager/common"
)

// checkPortBinding verifies the port is genuinely free by taking both a TCP
// listen and a UDP bind on loopback, releasing them immediately.
func checkPortBinding(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	tcpListener.Close()

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return false
	}
	udpConn.Close()

	return true
}

// FindAvailablePorts scans forward from the start of the range for count
// free ports, probing candidates concurrently through a bounded pool.
func (a *Allocator) FindAvailablePorts(count int) []int {
	return a.FindAvailablePortsFrom(count, 0)
}

// FindAvailablePortsFrom scans forward from startPort (0 means the range
// start). Roughly 3x count candidates are probed to tolerate ports that turn
// out occupied; the lowest count successes are returned in ascending order.
func (a *Allocator) FindAvailablePortsFrom(count, startPort int) []int {
	if count <= 0 {
		return nil
	}

	start := startPort
	if start == 0 || !a.portRange.Contains(start) {
		start = a.portRange.Start
	}

	// Candidates skip ports the table already rules out, so a nearly full
	// range still yields its remaining free ports. Roughly 3x count are
	// probed to tolerate ports the OS turns out to hold.
	a.mu.Lock()
	var candidates []int
	for port := start; port <= a.portRange.End && len(candidates) < count*3; port++ {
		if _, taken := a.portToNode[port]; taken {
			continue
		}
		reserved := false
		for _, r := range a.reservedRanges {
			if r.Contains(port) {
				reserved = true
				break
			}
		}
		if reserved {
			continue
		}
		candidates = append(candidates, port)
	}
	a.mu.Unlock()

	pool, err := common.NewPool(common.PoolConfig{MaxWorkers: a.maxChecks})
	if err != nil {
		log.Warnf("port scanner pool unavailable: %v", err)
		return nil
	}
	defer pool.Release()

	var (
		mu        sync.Mutex
		available []int
		wg        sync.WaitGroup
	)
	for _, candidate := range candidates {
		wg.Add(1)
		port := candidate
		if err := pool.Submit(func() {
			defer wg.Done()
			if a.isAvailable(port, false, false, "") {
				mu.Lock()
				available = append(available, port)
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			log.Warnf("failed to submit availability check for port %d: %v", port, err)
		}
	}
	wg.Wait()

	sort.Ints(available)
	if len(available) > count {
		available = available[:count]
	}
	return available
}
