// Package health runs the periodic housekeeping of the chat server: expiring
// stale handshakes, watching the engine queue, sampling process resources
// and pruning the audit trail.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/groupchat/internal/config"
	"github.com/energizer-project/groupchat/internal/util"
)

const (
	processInterval = time.Minute
	pruneInterval   = time.Hour
)

// Engine is the part of the chat engine the checks drive.
type Engine interface {
	SweepHandshakes() bool
	QueueDepth() int
	Started() time.Time
}

// Pruner deletes audit entries older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Manager runs each check on its own ticker.
type Manager struct {
	cfg    config.ServerConfig
	engine Engine
	logger zerolog.Logger

	pruner    Pruner
	retention time.Duration

	mu          sync.Mutex
	queueAlarm  bool
	lastProcess util.ProcessStats
}

// NewManager creates the housekeeping manager.
func NewManager(cfg config.ServerConfig, engine Engine) *Manager {
	return &Manager{
		cfg:    cfg,
		engine: engine,
		logger: util.ComponentLogger("health"),
	}
}

// SetAuditPruner enables audit retention. A zero retention keeps everything.
func (m *Manager) SetAuditPruner(p Pruner, retention time.Duration) {
	m.pruner = p
	m.retention = retention
}

type check struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

func (m *Manager) checks() []check {
	checks := []check{
		{"handshake_sweep", m.cfg.SweepInterval(), m.sweepHandshakes},
		{"queue_depth", m.cfg.SweepInterval(), m.checkQueueDepth},
		{"process_stats", processInterval, m.sampleProcess},
	}
	if m.pruner != nil && m.retention > 0 {
		checks = append(checks, check{"audit_retention", pruneInterval, m.pruneAudit})
	}
	return checks
}

// Start launches all checks and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup
	checks := m.checks()

	for _, c := range checks {
		if c.interval <= 0 {
			continue
		}

		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()

			m.logger.Debug().Str("check", c.name).Dur("interval", c.interval).Msg("running initial check")
			c.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", len(checks)).Msg("health manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health manager stopped")
}

func (m *Manager) sweepHandshakes(ctx context.Context) {
	if !m.engine.SweepHandshakes() {
		m.logger.Debug().Msg("engine closed, handshake sweep skipped")
	}
}

// checkQueueDepth warns once when the engine falls behind and once when it
// recovers.
func (m *Manager) checkQueueDepth(ctx context.Context) {
	limit := m.cfg.QueueWarnDepth
	if limit <= 0 {
		return
	}
	depth := m.engine.QueueDepth()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case depth >= limit && !m.queueAlarm:
		m.queueAlarm = true
		m.logger.Warn().Int("depth", depth).Int("limit", limit).Msg("engine queue is backing up")
	case depth < limit/2 && m.queueAlarm:
		m.queueAlarm = false
		m.logger.Info().Int("depth", depth).Msg("engine queue recovered")
	}
}

func (m *Manager) sampleProcess(ctx context.Context) {
	stats := util.GetProcessStats(m.engine.Started())

	m.mu.Lock()
	m.lastProcess = stats
	m.mu.Unlock()

	m.logger.Debug().
		Float64("cpu_percent", stats.CPUPercent).
		Uint64("rss_mb", stats.RSSMB).
		Int("goroutines", stats.Goroutines).
		Int64("uptime_s", stats.UptimeSeconds).
		Msg("process stats")
}

func (m *Manager) pruneAudit(ctx context.Context) {
	n, err := m.pruner.Prune(ctx, time.Now().Add(-m.retention))
	if err != nil {
		m.logger.Warn().Err(err).Msg("audit retention failed")
		return
	}
	if n > 0 {
		m.logger.Info().Int64("deleted", n).Msg("pruned audit entries")
	}
}

// QueueAlarm reports whether the queue depth warning is active.
func (m *Manager) QueueAlarm() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueAlarm
}

// LastProcessStats returns the most recent resource sample.
func (m *Manager) LastProcessStats() util.ProcessStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcess
}
