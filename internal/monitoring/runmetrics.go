package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RunSummary is a point-in-time copy of one pipeline run's counters.
type RunSummary struct {
	ClustersProcessed int           `json:"clusters_processed"`
	ClustersSkipped   int           `json:"clusters_skipped"`
	ClustersFailed    int           `json:"clusters_failed"`
	CandidatesTotal   int           `json:"candidates_total"`
	CandidatesKept    int           `json:"candidates_kept"`
	RegistryMisses    int           `json:"registry_misses"`
	Inserted          int           `json:"inserted"`
	OffersAdded       int           `json:"offers_added"`
	SlowestCluster    time.Duration `json:"slowest_cluster"`
	Elapsed           time.Duration `json:"elapsed"`
}

// RunMetrics accumulates counters over one pipeline run. Safe for use from
// the orchestrator's worker goroutines.
type RunMetrics struct {
	mu      sync.Mutex
	started time.Time
	summary RunSummary
}

// NewRunMetrics creates a RunMetrics and starts its clock.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{started: time.Now().UTC()}
}

// ClusterProcessed records one cluster that went through sourcing.
func (m *RunMetrics) ClusterProcessed(candidatesTotal, candidatesKept int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary.ClustersProcessed++
	m.summary.CandidatesTotal += candidatesTotal
	m.summary.CandidatesKept += candidatesKept
}

// ClusterSkipped records one cluster suppressed by the throttle.
func (m *RunMetrics) ClusterSkipped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary.ClustersSkipped++
}

// ClusterFailed records one cluster whose sourcing or reconciliation failed.
func (m *RunMetrics) ClusterFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary.ClustersFailed++
}

// Reconciled folds one reconciliation batch into the run counters.
func (m *RunMetrics) Reconciled(inserted, offersAdded, registryMisses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary.Inserted += inserted
	m.summary.OffersAdded += offersAdded
	m.summary.RegistryMisses += registryMisses
}

// ObserveClusterDuration records how long one cluster took end to end,
// throttle check through reconciliation. Only the slowest is kept.
func (m *RunMetrics) ObserveClusterDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > m.summary.SlowestCluster {
		m.summary.SlowestCluster = d
	}
}

// Snapshot returns a copy of the counters with the elapsed time filled in.
func (m *RunMetrics) Snapshot() RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.summary
	s.Elapsed = time.Since(m.started)
	return s
}

// LogSummary emits the run counters at Info level.
func (m *RunMetrics) LogSummary() {
	s := m.Snapshot()
	zap.L().Info("pipeline run summary",
		zap.Int("clusters_processed", s.ClustersProcessed),
		zap.Int("clusters_skipped", s.ClustersSkipped),
		zap.Int("clusters_failed", s.ClustersFailed),
		zap.Int("candidates_total", s.CandidatesTotal),
		zap.Int("candidates_kept", s.CandidatesKept),
		zap.Int("registry_misses", s.RegistryMisses),
		zap.Int("inserted", s.Inserted),
		zap.Int("offers_added", s.OffersAdded),
		zap.Duration("slowest_cluster", s.SlowestCluster),
		zap.Duration("elapsed", s.Elapsed),
	)
}
