package system_adaptation

import (
	"context"
	gonet "net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"
)

// classifyInterface maps an interface name to its type using the usual
// naming conventions for tunnel and virtual adapters.
func classifyInterface(name string) InterfaceType {
	lower := strings.ToLower(name)

	if strings.HasPrefix(lower, "lo") {
		return InterfaceLoopback
	}
	for _, marker := range []string{"tun", "tap", "utun", "wintun", "wg", "ppp", "openvpn"} {
		if strings.Contains(lower, marker) {
			return InterfaceTunnel
		}
	}
	for _, marker := range []string{"docker", "veth", "br-", "virbr", "vmnet", "vbox"} {
		if strings.Contains(lower, marker) {
			return InterfaceVirtual
		}
	}
	return InterfacePhysical
}

func interfaceIsUp(flags []string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, "up") {
			return true
		}
	}
	return false
}

// collectInterfaces enumerates the host interfaces and classifies them.
func collectInterfaces() []NetworkInterface {
	stats, err := net.Interfaces()
	if err != nil {
		log.Warnf("failed to enumerate network interfaces: %v", err)
		return nil
	}

	interfaces := make([]NetworkInterface, 0, len(stats))
	for _, stat := range stats {
		iface := NetworkInterface{
			Name: stat.Name,
			Type: classifyInterface(stat.Name),
			Up:   interfaceIsUp(stat.Flags),
			MTU:  stat.MTU,
		}
		for _, addr := range stat.Addrs {
			iface.Addresses = append(iface.Addresses, addr.Addr)
		}
		interfaces = append(interfaces, iface)
	}
	return interfaces
}

func activeTunnels(interfaces []NetworkInterface) []NetworkInterface {
	var tunnels []NetworkInterface
	for _, iface := range interfaces {
		if iface.Type == InterfaceTunnel && iface.Up {
			tunnels = append(tunnels, iface)
		}
	}
	return tunnels
}

// defaultInterface picks the first up physical interface carrying an
// address. Good enough as a default-route approximation without parsing
// routing tables.
func defaultInterface(interfaces []NetworkInterface) *NetworkInterface {
	for i, iface := range interfaces {
		if iface.Type == InterfacePhysical && iface.Up && len(iface.Addresses) > 0 {
			return &interfaces[i]
		}
	}
	return nil
}

// checkConnectivity dials the configured endpoints over TCP; the first
// successful connect wins.
func checkConnectivity(endpoints []string, timeout time.Duration) bool {
	for _, endpoint := range endpoints {
		conn, err := gonet.DialTimeout("tcp", endpoint, timeout)
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}

// checkDNS resolves the configured names; the first successful lookup wins.
func checkDNS(names []string, timeout time.Duration) bool {
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, err := gonet.DefaultResolver.LookupHost(ctx, name)
		cancel()
		if err == nil {
			return true
		}
	}
	return false
}

// checkWatchedProcess scans the process table for a name or command line
// containing the watched substring.
func checkWatchedProcess(name string) bool {
	if name == "" {
		return false
	}
	needle := strings.ToLower(name)

	procs, err := process.Processes()
	if err != nil {
		log.Warnf("failed to enumerate processes: %v", err)
		return false
	}
	for _, p := range procs {
		if pname, err := p.Name(); err == nil && strings.Contains(strings.ToLower(pname), needle) {
			return true
		}
		if cmdline, err := p.Cmdline(); err == nil && strings.Contains(strings.ToLower(cmdline), needle) {
			return true
		}
	}
	return false
}

// collectState gathers a fresh snapshot of every tracked fact.
func collectState(cfg MonitorConfig) *SystemState {
	state := &SystemState{
		LastUpdated: time.Now(),
	}

	state.Interfaces = collectInterfaces()
	state.ActiveTunnels = activeTunnels(state.Interfaces)
	state.DefaultInterface = defaultInterface(state.Interfaces)

	state.InternetConnectivity = checkConnectivity(cfg.ConnectivityEndpoints, cfg.CheckTimeout)
	state.DNSWorking = checkDNS(cfg.DNSTestNames, cfg.CheckTimeout)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		state.CPUUsage = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		state.MemoryUsage = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		state.Load1 = avg.Load1
	}
	if uptime, err := host.Uptime(); err == nil {
		state.HostUptime = uptime
	}

	state.WatchedProcessRunning = checkWatchedProcess(cfg.WatchedProcess)

	return state
}
