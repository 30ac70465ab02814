package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akasls/Xray-Multi-Port-Manager/latency_testing"
	"github.com/akasls/Xray-Multi-Port-Manager/port_allocation"
	"github.com/akasls/Xray-Multi-Port-Manager/system_adaptation"
)

// log init
func init() {
	logDir := "./logs"
	os.MkdirAll(logDir, 0755)

	fileLogger := &lumberjack.Logger{
		Filename:   logDir + "/multiport.log",
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     30, // Days
		Compress:   true,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(log.InfoLevel)
}

func main() {
	configPath := flag.String("config", "multiport_config.toml", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading configuration failed, err: %v", err)
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("invalid log level %q, using info", cfg.LogLevel)
	}

	portRange, err := port_allocation.NewPortRange(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	if err != nil {
		log.Fatalf("invalid port range, err: %v", err)
	}

	allocator := port_allocation.NewAllocator(
		portRange,
		port_allocation.Strategy(cfg.Ports.Strategy),
		cfg.Ports.MaxChecks,
	)
	if len(cfg.Ports.Protected) > 0 {
		allocator.SetProtectedPorts(cfg.Ports.Protected)
	}
	for _, r := range cfg.Ports.Reserved {
		reserved, err := port_allocation.NewPortRange(r.Start, r.End)
		if err != nil {
			log.Fatalf("invalid reserved range %d-%d, err: %v", r.Start, r.End, err)
		}
		allocator.AddReservedRange(reserved)
	}

	monitor := system_adaptation.NewMonitor(cfg.MonitorSettings())
	tester := latency_testing.NewConcurrentTester(cfg.TesterConfig(), monitor)

	// Adjust probing style as the tunnel state flips.
	monitor.RegisterEventCallback(system_adaptation.EventTunnelActivated, func(state *system_adaptation.SystemState) {
		log.Infof("tunnel activated (%d active tunnel interfaces), future probes will bypass it",
			len(state.ActiveTunnels))
	})
	monitor.RegisterEventCallback(system_adaptation.EventConnectivityLost, func(state *system_adaptation.SystemState) {
		log.Warnf("connectivity lost, probe results may be unreliable until restored")
	})

	monitor.StartMonitoring()
	defer monitor.StopMonitoring()

	// Assign local ports before probing so every node carries one.
	for _, node := range cfg.Nodes {
		if port, ok := allocator.Allocate(node.ID, "", 0); ok {
			log.Infof("node %s (%s) assigned local port %d", node.ID, node.Remark, port)
		} else {
			log.Warnf("no local port available for node %s", node.ID)
		}
	}

	targets := make([]latency_testing.Target, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		targets = append(targets, latency_testing.Target{
			ID:     node.ID,
			Remark: node.Remark,
			Host:   node.Host,
			Port:   node.Port,
		})
	}

	batch, err := tester.RunBatch(targets, nil,
		func(completed, total int, percentage float64) {
			log.Infof("probe progress: %d/%d (%.1f%%)", completed, total, percentage)
		},
		func(result latency_testing.ProbeResult) {
			if result.IsSuccessful() {
				log.Infof("node %s: %dms via %s", result.NodeID, result.Latency, result.TestMethod)
			} else {
				log.Warnf("node %s failed: %s", result.NodeID, result.Error)
			}
		},
	)
	if err != nil {
		log.Fatalf("batch test failed, err: %v", err)
	}

	log.Infof("batch summary: %d nodes, %d completed, %d failed, avg %.1fms (min %dms / max %dms) in %v",
		batch.TotalNodes, batch.CompletedNodes, batch.FailedNodes,
		batch.AverageLatency, batch.MinLatency, batch.MaxLatency, batch.TestDuration)

	stats := tester.GetStatistics()
	log.Infof("tester statistics: %d run, %d ok, %d failed, %.1f%% success",
		stats.TotalRun, stats.TotalSucceeded, stats.TotalFailed, stats.SuccessRate)

	portStats := allocator.GetStatistics()
	log.Infof("port statistics: %d/%d allocated (%.1f%% of range %s), %d active, %d protected",
		portStats.AllocatedPorts, portStats.TotalPorts, portStats.UtilizationRate,
		portStats.PortRange, portStats.ActivePorts, portStats.ProtectedPorts)

	// Keep monitoring until interrupted; reclaim stale reservations hourly.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	log.Infof("multi-port manager running, press ctrl-c to exit")
	for {
		select {
		case <-cleanupTicker.C:
			if reclaimed := allocator.CleanupInactive(time.Hour); reclaimed > 0 {
				log.Infof("reclaimed %d idle port allocations", reclaimed)
			}
		case <-signalChan:
			log.Infof("received signal, shutting down")
			monStats := monitor.GetStatistics()
			log.Infof("monitor statistics: %d events, %d rules executed, %.1f%% adaptation success",
				monStats.EventsTriggered, monStats.RulesExecuted, monStats.SuccessRate)
			return
		}
	}
}
