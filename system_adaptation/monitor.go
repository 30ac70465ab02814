package system_adaptation

import (
	gonet "net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventCallback is notified with the snapshot an event was detected on.
type EventCallback func(state *SystemState)

// MonitorConfig controls the polling loop and the fact probes.
type MonitorConfig struct {
	Interval              time.Duration
	CheckTimeout          time.Duration
	ConnectivityEndpoints []string
	DNSTestNames          []string
	WatchedProcess        string
}

// DefaultMonitorConfig polls every 5 seconds and probes well-known public
// resolvers and names. WatchedProcess stays empty: process liveness checking
// is opt-in.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:     5 * time.Second,
		CheckTimeout: 3 * time.Second,
		ConnectivityEndpoints: []string{
			"8.8.8.8:53",
			"1.1.1.1:53",
			"208.67.222.222:53",
		},
		DNSTestNames: []string{"google.com", "cloudflare.com", "github.com"},
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	def := DefaultMonitorConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = def.CheckTimeout
	}
	if len(c.ConnectivityEndpoints) == 0 {
		c.ConnectivityEndpoints = def.ConnectivityEndpoints
	}
	if len(c.DNSTestNames) == 0 {
		c.DNSTestNames = def.DNSTestNames
	}
	return c
}

// MonitorStatistics is a snapshot of the monitor's counters.
type MonitorStatistics struct {
	EventsTriggered      int64
	RulesExecuted        int64
	AdaptationsSucceeded int64
	AdaptationsFailed    int64
	SuccessRate          float64
	MonitoringActive     bool
	SystemHealthy        bool
	ActiveRules          int
}

// Monitor polls host and network facts on an interval, diffs consecutive
// snapshots into discrete events, and evaluates the registered adaptation
// rules. Snapshots are immutable; publication swaps pointers under a lock so
// readers never observe a mismatched previous/current pair.
type Monitor struct {
	cfg MonitorConfig

	stateMu  sync.RWMutex
	current  *SystemState
	previous *SystemState

	rulesMu sync.Mutex
	engine  *ruleEngine

	callbacksMu sync.Mutex
	callbacks   map[Event][]EventCallback

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	bypassRecommended atomic.Bool

	eventsTriggered      atomic.Int64
	rulesExecuted        atomic.Int64
	adaptationsSucceeded atomic.Int64
	adaptationsFailed    atomic.Int64
}

// NewMonitor builds a monitor with the default adaptation rule set
// registered.
func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		engine:    newRuleEngine(),
		callbacks: make(map[Event][]EventCallback),
		current:   &SystemState{InternetConnectivity: true, DNSWorking: true, LastUpdated: time.Now()},
		previous:  &SystemState{InternetConnectivity: true, DNSWorking: true, LastUpdated: time.Now()},
	}
	m.registerDefaultRules()
	return m
}

// StartMonitoring launches the background polling loop. A second start while
// running is a no-op.
func (m *Monitor) StartMonitoring() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		log.Warnf("system monitoring is already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.loop(m.stopCh, m.doneCh)
	log.Infof("system adaptation monitoring started (interval %v)", m.cfg.Interval)
}

// StopMonitoring stops the loop and waits up to ten seconds for it to exit.
func (m *Monitor) StopMonitoring() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.runMu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		log.Warnf("failed to stop monitoring loop gracefully")
	}
	log.Infof("system adaptation monitoring stopped")
}

// IsMonitoring reports whether the polling loop is active.
func (m *Monitor) IsMonitoring() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// cycle is one poll iteration: snapshot, publish, diff, evaluate.
func (m *Monitor) cycle() {
	prev, curr := m.publish(collectState(m.cfg))
	m.detectTransitions(prev, curr)
	m.applyRules(curr)
}

// publish swaps the snapshot pair under the state lock and returns both, so
// readers and the diff step always see a consistent previous/current pair.
func (m *Monitor) publish(state *SystemState) (prev, curr *SystemState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.previous = m.current
	m.current = state
	return m.previous, m.current
}

// ForceStateUpdate refreshes the snapshot immediately, outside the polling
// schedule.
func (m *Monitor) ForceStateUpdate() {
	m.cycle()
}

// GetCurrentState returns the latest published snapshot. The snapshot is
// immutable; callers may read it freely.
func (m *Monitor) GetCurrentState() *SystemState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.current
}

// States returns the consistent previous/current snapshot pair.
func (m *Monitor) States() (previous, current *SystemState) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.previous, m.current
}

// RegisterEventCallback subscribes to one event type. Callbacks run
// synchronously in the monitor loop; panics are isolated.
func (m *Monitor) RegisterEventCallback(event Event, cb EventCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks[event] = append(m.callbacks[event], cb)
}

// AddRule registers an adaptation rule into the priority-ordered set.
func (m *Monitor) AddRule(rule Rule) error {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	return m.engine.add(rule)
}

// RemoveRulesForEvent drops every rule reacting to the event.
func (m *Monitor) RemoveRulesForEvent(event Event) {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	m.engine.removeByEvent(event)
}

// GetStatistics returns a snapshot of the monitor counters.
func (m *Monitor) GetStatistics() MonitorStatistics {
	m.rulesMu.Lock()
	activeRules := m.engine.activeCount()
	m.rulesMu.Unlock()

	stats := MonitorStatistics{
		EventsTriggered:      m.eventsTriggered.Load(),
		RulesExecuted:        m.rulesExecuted.Load(),
		AdaptationsSucceeded: m.adaptationsSucceeded.Load(),
		AdaptationsFailed:    m.adaptationsFailed.Load(),
		MonitoringActive:     m.IsMonitoring(),
		SystemHealthy:        m.GetCurrentState().IsHealthy(),
		ActiveRules:          activeRules,
	}
	if stats.RulesExecuted > 0 {
		stats.SuccessRate = float64(stats.AdaptationsSucceeded) / float64(stats.RulesExecuted) * 100
	}
	return stats
}

// TunnelActive implements the orchestrator's tunnel query.
func (m *Monitor) TunnelActive() bool {
	return m.GetCurrentState().TunnelActive()
}

// PhysicalSourceIP returns an address on an up physical interface for
// sourcing bypass probes, or "" when none is known.
func (m *Monitor) PhysicalSourceIP() string {
	state := m.GetCurrentState()
	for _, iface := range state.Interfaces {
		if iface.Type != InterfacePhysical || !iface.Up {
			continue
		}
		for _, addr := range iface.Addresses {
			if ip := parseInterfaceAddr(addr); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// BypassRecommended reports whether the tunnel-activation rule has flipped
// the probe-bypass recommendation.
func (m *Monitor) BypassRecommended() bool {
	return m.bypassRecommended.Load()
}

// parseInterfaceAddr strips the prefix length from a CIDR interface address
// and rejects loopback and non-IPv4 addresses.
func parseInterfaceAddr(addr string) string {
	ip, _, err := gonet.ParseCIDR(addr)
	if err != nil {
		ip = gonet.ParseIP(addr)
	}
	if ip == nil || ip.IsLoopback() || ip.To4() == nil {
		return ""
	}
	return ip.String()
}

// detectTransitions diffs two snapshots and emits the discrete events.
func (m *Monitor) detectTransitions(prev, curr *SystemState) {
	if interfaceSetChanged(prev, curr) {
		m.triggerEvent(EventInterfaceChanged, curr)
	}

	if prev.InternetConnectivity && !curr.InternetConnectivity {
		m.triggerEvent(EventConnectivityLost, curr)
	} else if !prev.InternetConnectivity && curr.InternetConnectivity {
		m.triggerEvent(EventConnectivityRestored, curr)
	}

	if !prev.TunnelActive() && curr.TunnelActive() {
		m.triggerEvent(EventTunnelActivated, curr)
	} else if prev.TunnelActive() && !curr.TunnelActive() {
		m.bypassRecommended.Store(false)
		m.triggerEvent(EventTunnelDeactivated, curr)
	}

	if prev.DNSWorking && !curr.DNSWorking {
		m.triggerEvent(EventDNSFailed, curr)
	}

	if curr.ResourcePressure() {
		m.triggerEvent(EventResourceLow, curr)
	}

	if prev.WatchedProcessRunning && !curr.WatchedProcessRunning {
		m.triggerEvent(EventProcessDied, curr)
	}
}

func (m *Monitor) triggerEvent(event Event, state *SystemState) {
	m.eventsTriggered.Add(1)
	log.Infof("system event triggered: %s", event)

	m.callbacksMu.Lock()
	callbacks := append([]EventCallback(nil), m.callbacks[event]...)
	m.callbacksMu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("event callback for %s panicked: %v", event, rec)
				}
			}()
			cb(state)
		}()
	}
}

func (m *Monitor) applyRules(state *SystemState) {
	m.rulesMu.Lock()
	executed, succeeded, failed := m.engine.evaluate(state)
	m.rulesMu.Unlock()

	m.rulesExecuted.Add(int64(executed))
	m.adaptationsSucceeded.Add(int64(succeeded))
	m.adaptationsFailed.Add(int64(failed))
}

// registerDefaultRules installs the stock rule set. Callers may remove or
// replace any of them.
func (m *Monitor) registerDefaultRules() {
	m.engine.add(Rule{
		Name:      "connectivity-lost",
		Event:     EventConnectivityLost,
		Condition: func(s *SystemState) bool { return !s.InternetConnectivity },
		Action: func(s *SystemState) error {
			log.Warnf("internet connectivity lost, last update %v", s.LastUpdated)
			return nil
		},
		Cooldown: 60 * time.Second,
		Priority: 1,
		Enabled:  true,
	})
	m.engine.add(Rule{
		Name:      "tunnel-activated",
		Event:     EventTunnelActivated,
		Condition: func(s *SystemState) bool { return s.TunnelActive() },
		Action: func(s *SystemState) error {
			m.bypassRecommended.Store(true)
			log.Infof("tunnel mode active, recommending bypass probing")
			return nil
		},
		Cooldown: 30 * time.Second,
		Priority: 2,
		Enabled:  true,
	})
	m.engine.add(Rule{
		Name:      "dns-failed",
		Event:     EventDNSFailed,
		Condition: func(s *SystemState) bool { return !s.DNSWorking },
		Action: func(s *SystemState) error {
			log.Warnf("DNS resolution failing, consider switching resolvers")
			return nil
		},
		Cooldown: 120 * time.Second,
		Priority: 2,
		Enabled:  true,
	})
	m.engine.add(Rule{
		Name:      "resource-pressure",
		Event:     EventResourceLow,
		Condition: func(s *SystemState) bool { return s.ResourcePressure() },
		Action: func(s *SystemState) error {
			log.Warnf("system resources low: cpu %.1f%%, memory %.1f%%", s.CPUUsage, s.MemoryUsage)
			return nil
		},
		Cooldown: 5 * time.Minute,
		Priority: 3,
		Enabled:  true,
	})
	m.engine.add(Rule{
		Name:  "watched-process-died",
		Event: EventProcessDied,
		Condition: func(s *SystemState) bool {
			return m.cfg.WatchedProcess != "" && !s.WatchedProcessRunning
		},
		Action: func(s *SystemState) error {
			log.Errorf("watched process %q is no longer running", m.cfg.WatchedProcess)
			return nil
		},
		Cooldown: 60 * time.Second,
		Priority: 1,
		Enabled:  true,
	})
}
