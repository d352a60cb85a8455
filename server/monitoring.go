package server

import (
	"log"
	"time"

	"github.com/ojp-io/ojp/session"
)

// MonitoringManager periodically reports server health: worker-pool
// occupancy, live session count, and per-ConnHash backend pool stats.
type MonitoringManager struct {
	cfg         *Config
	sessions    *session.SessionManager
	datasources *DatasourceRegistry
	workerStats func() WorkerPoolStats
	startTime   time.Time
	stopChan    chan struct{}
}

// NewMonitoringManager creates a monitoring manager. workerStats is read
// on every tick so the worker pool may be started after construction.
func NewMonitoringManager(cfg *Config, sessions *session.SessionManager, datasources *DatasourceRegistry, workerStats func() WorkerPoolStats) *MonitoringManager {
	return &MonitoringManager{
		cfg:         cfg,
		sessions:    sessions,
		datasources: datasources,
		workerStats: workerStats,
		startTime:   time.Now(),
		stopChan:    make(chan struct{}),
	}
}

// Start begins the monitoring loop. A no-op when monitoring is disabled.
func (mm *MonitoringManager) Start() {
	if !mm.cfg.MonitoringEnabled {
		return
	}

	go mm.monitoringLoop()
	log.Printf("[monitoring] started, interval %v", mm.cfg.MonitoringInterval)
}

// Stop terminates the monitoring loop.
func (mm *MonitoringManager) Stop() {
	select {
	case <-mm.stopChan:
	default:
		close(mm.stopChan)
	}
}

func (mm *MonitoringManager) monitoringLoop() {
	interval := mm.cfg.MonitoringInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stopChan:
			return
		case <-ticker.C:
			mm.printStats()
		}
	}
}

// printStats logs one report line per component. Idle servers get a
// single short status line instead of the full report.
func (mm *MonitoringManager) printStats() {
	workers := mm.workerStats()
	sessions := mm.sessions.Count()
	pools := mm.datasources.Stats()

	if workers.TasksProcessed == 0 && sessions == 0 {
		log.Printf("[monitoring] idle, uptime %v", time.Since(mm.startTime).Round(time.Second))
		return
	}

	log.Printf("[monitoring] uptime %v, sessions %d", time.Since(mm.startTime).Round(time.Second), sessions)
	log.Printf("[monitoring] workers: %d/%d queued, %d processed, %d dropped, %d panics recovered",
		workers.QueueDepth, workers.QueueCapacity, workers.TasksProcessed, workers.TasksDropped, workers.PanicsRecovered)
	for _, p := range pools {
		kind := "non-xa"
		if p.IsXA {
			kind = "xa"
		}
		log.Printf("[monitoring] pool %s (%s): %d active, %d idle, %d total", p.ConnHash, kind, p.Active, p.Idle, p.Total)
	}
}
