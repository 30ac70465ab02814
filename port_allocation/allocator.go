package port_allocation

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Strategy selects how a port is obtained for a node.
type Strategy string

const (
	// StrategyImmediate allocates a port whose bindability was verified now.
	StrategyImmediate Strategy = "immediate"
	// StrategyLazy reserves a free-looking port without binding it.
	StrategyLazy Strategy = "lazy"
	// StrategyReserved draws only from explicitly reserved sub-ranges.
	StrategyReserved Strategy = "reserved"
	// StrategyDynamic prefers reusing recently freed ports.
	StrategyDynamic Strategy = "dynamic"
)

const (
	defaultRangeStart    = 10000
	defaultRangeEnd      = 20000
	defaultMaxChecks     = 50
	availabilityCacheTTL = 30 * time.Second

	// recentlyFreedCap bounds the dynamic-strategy reuse list.
	recentlyFreedCap = 64
)

// Allocation records one node's port assignment.
type Allocation struct {
	NodeID      string
	Port        int
	AllocatedAt time.Time
	Active      bool
	Protected   bool
	Strategy    Strategy
}

// Age returns how long ago the allocation was made.
func (a Allocation) Age() time.Duration {
	return time.Since(a.AllocatedAt)
}

type availabilityEntry struct {
	available bool
	checkedAt time.Time
}

// Statistics is a snapshot of the allocation table.
type Statistics struct {
	PortRange            string
	TotalPorts           int
	AllocatedPorts       int
	ActivePorts          int
	ProtectedPorts       int
	AvailablePorts       int
	UtilizationRate      float64
	StrategyDistribution map[Strategy]int
	ReservedRanges       int
}

// Allocator maps node identities to local ports drawn from a bounded range.
// All table mutations are serialized under one mutex; live bind probes are
// never performed while holding it.
type Allocator struct {
	portRange       PortRange
	defaultStrategy Strategy
	maxChecks       int

	mu             sync.Mutex
	allocations    map[string]*Allocation
	portToNode     map[int]string
	protectedPorts map[int]struct{}
	reservedRanges []PortRange
	recentlyFreed  []int
	cache          map[int]availabilityEntry
}

// NewAllocator builds an allocator over the given range. A zero PortRange
// selects the default 10000-20000; maxConcurrentChecks <= 0 selects the
// default scanner pool size of 50.
func NewAllocator(portRange PortRange, strategy Strategy, maxConcurrentChecks int) *Allocator {
	if portRange == (PortRange{}) {
		portRange = PortRange{Start: defaultRangeStart, End: defaultRangeEnd}
	}
	if strategy == "" {
		strategy = StrategyLazy
	}
	if maxConcurrentChecks <= 0 {
		maxConcurrentChecks = defaultMaxChecks
	}
	return &Allocator{
		portRange:       portRange,
		defaultStrategy: strategy,
		maxChecks:       maxConcurrentChecks,
		allocations:     make(map[string]*Allocation),
		portToNode:      make(map[int]string),
		protectedPorts:  make(map[int]struct{}),
		cache:           make(map[int]availabilityEntry),
	}
}

// SetProtectedPorts replaces the set of user-pinned ports. Protected ports
// are never auto-reclaimed.
func (a *Allocator) SetProtectedPorts(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.protectedPorts = make(map[int]struct{}, len(ports))
	for _, p := range ports {
		a.protectedPorts[p] = struct{}{}
	}
	log.Infof("protected ports updated: %v", ports)
}

// AddReservedRange registers a sub-range only the reserved strategy may
// draw from.
func (a *Allocator) AddReservedRange(r PortRange) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reservedRanges = append(a.reservedRanges, r)
	log.Infof("added reserved range: %s", r.String())
}

// IsPortAvailable reports whether port can be handed out: inside the range,
// unallocated, outside reserved sub-ranges, and live-bindable. Results of the
// bind probe are cached for 30 seconds; useCache=false forces a live check.
func (a *Allocator) IsPortAvailable(port int, useCache bool) bool {
	return a.isAvailable(port, useCache, false, "")
}

// isAvailable implements the availability check. allowReserved lets the
// reserved strategy look inside reserved sub-ranges; excludeNode discounts
// that node's own allocation (activation re-check).
func (a *Allocator) isAvailable(port int, useCache, allowReserved bool, excludeNode string) bool {
	a.mu.Lock()
	// The table checks are authoritative and cheap; only the bind probe
	// result is worth caching.
	if !a.portRange.Contains(port) {
		a.mu.Unlock()
		return false
	}
	if owner, ok := a.portToNode[port]; ok && owner != excludeNode {
		a.mu.Unlock()
		return false
	}
	if !allowReserved {
		for _, r := range a.reservedRanges {
			if r.Contains(port) {
				a.mu.Unlock()
				return false
			}
		}
	}
	if useCache {
		if entry, ok := a.cache[port]; ok && time.Since(entry.checkedAt) < availabilityCacheTTL {
			a.mu.Unlock()
			return entry.available
		}
	}
	a.mu.Unlock()

	// The live probe runs outside the lock.
	available := checkPortBinding(port)

	a.mu.Lock()
	a.cache[port] = availabilityEntry{available: available, checkedAt: time.Now()}
	a.mu.Unlock()

	return available
}

// Allocate assigns a port to the node. The strategy defaults to the
// instance-level one when empty; preferredPort 0 means no preference.
// The second return is false when no port could be obtained.
func (a *Allocator) Allocate(nodeID string, strategy Strategy, preferredPort int) (int, bool) {
	if strategy == "" {
		strategy = a.defaultStrategy
	}

	a.mu.Lock()
	if existing, ok := a.allocations[nodeID]; ok {
		if existing.Protected {
			port := existing.Port
			a.mu.Unlock()
			log.Infof("node %s keeps protected port %d", nodeID, port)
			return port, true
		}
		if strategy == StrategyLazy && !existing.Active {
			// A dormant lazy reservation may be replaced.
			a.lockedDeallocate(nodeID)
		} else {
			port := existing.Port
			a.mu.Unlock()
			return port, true
		}
	}
	a.mu.Unlock()

	if preferredPort != 0 && a.IsPortAvailable(preferredPort, true) {
		if port, ok := a.commit(nodeID, preferredPort, strategy); ok {
			return port, true
		}
	}

	switch strategy {
	case StrategyImmediate:
		return a.allocateScanned(nodeID, strategy, false)
	case StrategyLazy:
		return a.allocateScanned(nodeID, strategy, true)
	case StrategyReserved:
		return a.allocateReserved(nodeID)
	case StrategyDynamic:
		return a.allocateDynamic(nodeID)
	default:
		log.Warnf("unknown allocation strategy %q for node %s", strategy, nodeID)
		return 0, false
	}
}

// allocateScanned picks the lowest free port found by the concurrent
// scanner. The lazy variant skips the final bind verification and trusts
// the scan.
func (a *Allocator) allocateScanned(nodeID string, strategy Strategy, lazy bool) (int, bool) {
	ports := a.FindAvailablePorts(1)
	if len(ports) == 0 {
		return 0, false
	}
	if !lazy && !a.isAvailable(ports[0], false, false, "") {
		return 0, false
	}
	return a.commit(nodeID, ports[0], strategy)
}

func (a *Allocator) allocateReserved(nodeID string) (int, bool) {
	a.mu.Lock()
	ranges := make([]PortRange, len(a.reservedRanges))
	copy(ranges, a.reservedRanges)
	a.mu.Unlock()

	for _, r := range ranges {
		for port := r.Start; port <= r.End; port++ {
			if a.isAvailable(port, true, true, "") {
				return a.commit(nodeID, port, StrategyReserved)
			}
		}
	}
	return 0, false
}

func (a *Allocator) allocateDynamic(nodeID string) (int, bool) {
	for {
		a.mu.Lock()
		if len(a.recentlyFreed) == 0 {
			a.mu.Unlock()
			break
		}
		port := a.recentlyFreed[len(a.recentlyFreed)-1]
		a.recentlyFreed = a.recentlyFreed[:len(a.recentlyFreed)-1]
		a.mu.Unlock()

		if a.isAvailable(port, false, false, "") {
			return a.commit(nodeID, port, StrategyDynamic)
		}
	}
	return a.allocateScanned(nodeID, StrategyDynamic, false)
}

// commit records the allocation, re-verifying under the lock that the port
// was not claimed while it was being probed.
func (a *Allocator) commit(nodeID string, port int, strategy Strategy) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.portToNode[port]; taken {
		log.Warnf("port %d was claimed while probing, allocation for %s aborted", port, nodeID)
		return 0, false
	}

	_, protected := a.protectedPorts[port]
	a.allocations[nodeID] = &Allocation{
		NodeID:      nodeID,
		Port:        port,
		AllocatedAt: time.Now(),
		Protected:   protected,
		Strategy:    strategy,
	}
	a.portToNode[port] = nodeID

	log.Infof("allocated port %d to node %s with strategy %s", port, nodeID, strategy)
	return port, true
}

// Activate marks the node's allocation as live. The port's bindability is
// re-verified without the cache; if it was lost while reserved, a fresh port
// is allocated transparently.
func (a *Allocator) Activate(nodeID string) bool {
	a.mu.Lock()
	alloc, ok := a.allocations[nodeID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	port := alloc.Port
	strategy := alloc.Strategy
	a.mu.Unlock()

	if !a.isAvailable(port, false, strategy == StrategyReserved, nodeID) {
		log.Warnf("port %d no longer available for node %s, reallocating", port, nodeID)
		a.mu.Lock()
		a.lockedDeallocate(nodeID)
		a.mu.Unlock()

		if _, ok := a.Allocate(nodeID, strategy, 0); !ok {
			return false
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok = a.allocations[nodeID]
	if !ok {
		return false
	}
	alloc.Active = true
	log.Infof("activated port %d for node %s", alloc.Port, nodeID)
	return true
}

// Deallocate releases the node's port. Protected allocations are refused.
func (a *Allocator) Deallocate(nodeID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockedDeallocate(nodeID)
}

// lockedDeallocate must be called with the mutex held.
func (a *Allocator) lockedDeallocate(nodeID string) bool {
	alloc, ok := a.allocations[nodeID]
	if !ok {
		return false
	}
	if alloc.Protected {
		log.Warnf("cannot deallocate protected port %d for node %s", alloc.Port, nodeID)
		return false
	}

	delete(a.allocations, nodeID)
	delete(a.portToNode, alloc.Port)
	delete(a.cache, alloc.Port)

	a.recentlyFreed = append(a.recentlyFreed, alloc.Port)
	if len(a.recentlyFreed) > recentlyFreedCap {
		a.recentlyFreed = a.recentlyFreed[len(a.recentlyFreed)-recentlyFreedCap:]
	}

	log.Infof("deallocated port %d from node %s", alloc.Port, nodeID)
	return true
}

// GetAllocation returns a copy of the node's allocation record.
func (a *Allocator) GetAllocation(nodeID string) (Allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[nodeID]
	if !ok {
		return Allocation{}, false
	}
	return *alloc, true
}

// AllocatedPorts returns the node-to-port mapping.
func (a *Allocator) AllocatedPorts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int, len(a.allocations))
	for nodeID, alloc := range a.allocations {
		out[nodeID] = alloc.Port
	}
	return out
}

// ReallocateAfterSorting reassigns ports following a new node ordering.
// Protected ports are preserved verbatim; every other node receives a port
// from a freshly computed free list in its new position.
func (a *Allocator) ReallocateAfterSorting(sortedNodeIDs []string) map[string]int {
	a.mu.Lock()
	oldStrategies := make(map[string]Strategy, len(a.allocations))
	newPorts := make(map[string]int)

	for nodeID, alloc := range a.allocations {
		oldStrategies[nodeID] = alloc.Strategy
	}
	// Protected allocations stay exactly where they are.
	for _, nodeID := range sortedNodeIDs {
		if alloc, ok := a.allocations[nodeID]; ok && alloc.Protected {
			newPorts[nodeID] = alloc.Port
		}
	}
	// Release the rest so their slots do not shadow the fresh scan.
	for _, nodeID := range sortedNodeIDs {
		if _, keep := newPorts[nodeID]; !keep {
			a.lockedDeallocate(nodeID)
		}
	}
	a.mu.Unlock()

	needed := len(sortedNodeIDs) - len(newPorts)
	available := a.FindAvailablePorts(needed)

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := 0
	for _, nodeID := range sortedNodeIDs {
		if _, keep := newPorts[nodeID]; keep {
			continue
		}
		// The scan ran outside the lock; a concurrent Allocate may have
		// claimed one of its ports in the meantime, same re-check as commit.
		port := 0
		for idx < len(available) {
			candidate := available[idx]
			idx++
			if _, taken := a.portToNode[candidate]; taken {
				log.Warnf("port %d was claimed during reallocation, skipping", candidate)
				continue
			}
			port = candidate
			break
		}
		if port == 0 {
			break
		}

		strategy, ok := oldStrategies[nodeID]
		if !ok {
			strategy = a.defaultStrategy
		}
		_, protected := a.protectedPorts[port]
		a.allocations[nodeID] = &Allocation{
			NodeID:      nodeID,
			Port:        port,
			AllocatedAt: time.Now(),
			Protected:   protected,
			Strategy:    strategy,
		}
		a.portToNode[port] = nodeID
		newPorts[nodeID] = port
	}

	log.Infof("reallocated ports for %d nodes after sorting", len(newPorts))
	return newPorts
}

// CleanupInactive reclaims allocations that are neither active nor protected
// and have been idle longer than maxAge. Returns the count reclaimed.
func (a *Allocator) CleanupInactive(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stale []string
	for nodeID, alloc := range a.allocations {
		if !alloc.Active && !alloc.Protected && time.Since(alloc.AllocatedAt) > maxAge {
			stale = append(stale, nodeID)
		}
	}

	cleaned := 0
	for _, nodeID := range stale {
		if a.lockedDeallocate(nodeID) {
			cleaned++
		}
	}

	if cleaned > 0 {
		log.Infof("cleaned up %d inactive port allocations", cleaned)
	}
	return cleaned
}

// GetStatistics returns a snapshot of the allocation table.
func (a *Allocator) GetStatistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Statistics{
		PortRange:            a.portRange.String(),
		TotalPorts:           a.portRange.Size(),
		AllocatedPorts:       len(a.allocations),
		StrategyDistribution: make(map[Strategy]int),
		ReservedRanges:       len(a.reservedRanges),
	}
	for _, alloc := range a.allocations {
		if alloc.Active {
			stats.ActivePorts++
		}
		if alloc.Protected {
			stats.ProtectedPorts++
		}
		stats.StrategyDistribution[alloc.Strategy]++
	}
	stats.AvailablePorts = stats.TotalPorts - stats.AllocatedPorts
	stats.UtilizationRate = float64(stats.AllocatedPorts) / float64(stats.TotalPorts) * 100
	return stats
}
