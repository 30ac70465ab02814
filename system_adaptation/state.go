package system_adaptation

import (
	"time"
)

// InterfaceType classifies a host network interface.
type InterfaceType string

const (
	InterfacePhysical InterfaceType = "physical"
	InterfaceTunnel   InterfaceType = "tunnel"
	InterfaceLoopback InterfaceType = "loopback"
	InterfaceVirtual  InterfaceType = "virtual"
)

// NetworkInterface is one enumerated host interface.
type NetworkInterface struct {
	Name      string
	Type      InterfaceType
	Up        bool
	MTU       int
	Addresses []string
}

// Event is a discrete transition detected between two state snapshots.
type Event string

const (
	EventInterfaceChanged     Event = "network_interface_changed"
	EventConnectivityLost     Event = "network_connectivity_lost"
	EventConnectivityRestored Event = "network_connectivity_restored"
	EventTunnelActivated      Event = "tunnel_mode_activated"
	EventTunnelDeactivated    Event = "tunnel_mode_deactivated"
	EventDNSFailed            Event = "dns_resolution_failed"
	EventResourceLow          Event = "system_resource_low"
	EventProcessDied          Event = "watched_process_died"
)

// resourceHighWater is the utilization percentage above which the host is
// considered unhealthy.
const resourceHighWater = 90.0

// SystemState is one immutable snapshot of the host and network facts the
// monitor tracks. Snapshots are built fresh each poll cycle and never
// mutated after publication.
type SystemState struct {
	Interfaces            []NetworkInterface
	ActiveTunnels         []NetworkInterface
	DefaultInterface      *NetworkInterface
	InternetConnectivity  bool
	DNSWorking            bool
	CPUUsage              float64
	MemoryUsage           float64
	Load1                 float64
	HostUptime            uint64
	WatchedProcessRunning bool
	LastUpdated           time.Time
}

// IsHealthy reports whether connectivity and DNS work and neither CPU nor
// memory utilization crossed the high-water mark.
func (s *SystemState) IsHealthy() bool {
	return s.InternetConnectivity &&
		s.DNSWorking &&
		s.CPUUsage < resourceHighWater &&
		s.MemoryUsage < resourceHighWater
}

// TunnelActive reports whether any tunnel interface is up.
func (s *SystemState) TunnelActive() bool {
	return len(s.ActiveTunnels) > 0
}

// ResourcePressure reports whether either utilization figure crossed the
// high-water mark.
func (s *SystemState) ResourcePressure() bool {
	return s.CPUUsage > resourceHighWater || s.MemoryUsage > resourceHighWater
}

func interfaceNames(interfaces []NetworkInterface) map[string]struct{} {
	names := make(map[string]struct{}, len(interfaces))
	for _, iface := range interfaces {
		names[iface.Name] = struct{}{}
	}
	return names
}

// interfaceSetChanged compares the interface name sets of two snapshots.
func interfaceSetChanged(prev, curr *SystemState) bool {
	prevNames := interfaceNames(prev.Interfaces)
	currNames := interfaceNames(curr.Interfaces)
	if len(prevNames) != len(currNames) {
		return true
	}
	for name := range currNames {
		if _, ok := prevNames[name]; !ok {
			return true
		}
	}
	return false
}
