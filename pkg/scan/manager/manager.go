// Package manager wires one worker node: queue consumers for scans and
// plugins, leased consumers for the state shards, and the stale-scan
// recovery loop.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/viper"

	"github.com/pyneda/minion/db"
	"github.com/pyneda/minion/internal/metrics"
	"github.com/pyneda/minion/pkg/scan/bus"
	"github.com/pyneda/minion/pkg/scan/runner"
	"github.com/pyneda/minion/pkg/scan/state"
	"github.com/pyneda/minion/pkg/scan/workflow"
)

// Queue roles a node can serve.
const (
	RoleScan   = "scan"
	RolePlugin = "plugin"
	RoleState  = "state"
)

// recoveryBatch bounds how many stale scans one sweep re-enqueues.
const recoveryBatch = 100

// Config selects the roles this node serves and how hard it works them.
type Config struct {
	// Roles are the queue families to consume: scan, plugin, state.
	Roles []string
	// ScanWorkers is the number of concurrent scan workflows.
	ScanWorkers int
	// PluginWorkers is the number of concurrent plugin sessions per plugin
	// queue.
	PluginWorkers int
	// LeaseTTL is how long a state shard lease lives between renewals.
	LeaseTTL time.Duration
	// RecoveryInterval is how often the stale-scan sweep runs.
	RecoveryInterval time.Duration
	// RecoveryAge is how long a scan may sit QUEUED before it is re-enqueued.
	RecoveryAge time.Duration
}

// DefaultConfig returns the configuration an all-roles node runs with.
func DefaultConfig() Config {
	return Config{
		Roles:            []string{RoleScan, RolePlugin, RoleState},
		ScanWorkers:      4,
		PluginWorkers:    4,
		LeaseTTL:         30 * time.Second,
		RecoveryInterval: time.Minute,
		RecoveryAge:      5 * time.Minute,
	}
}

// FromConfig reads the workers tree.
func FromConfig() Config {
	cfg := Config{
		Roles:            viper.GetStringSlice("workers.roles"),
		ScanWorkers:      viper.GetInt("workers.scan"),
		PluginWorkers:    viper.GetInt("workers.plugin"),
		LeaseTTL:         viper.GetDuration("workers.lease_ttl"),
		RecoveryInterval: viper.GetDuration("workers.recovery_interval"),
		RecoveryAge:      viper.GetDuration("workers.recovery_age"),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if len(c.Roles) == 0 {
		c.Roles = defaults.Roles
	}
	if c.ScanWorkers < 1 {
		c.ScanWorkers = defaults.ScanWorkers
	}
	if c.PluginWorkers < 1 {
		c.PluginWorkers = defaults.PluginWorkers
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaults.RecoveryInterval
	}
	if c.RecoveryAge <= 0 {
		c.RecoveryAge = defaults.RecoveryAge
	}
	return c
}

func (c Config) serves(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Manager runs the consumers of one node and owns their lifecycle.
type Manager struct {
	config   Config
	conn     *db.DatabaseConnection
	bus      *bus.Bus
	queues   bus.Queues
	writer   *state.Writer
	workflow *workflow.Workflow
	runner   *runner.Runner

	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a manager. The state writer, workflow, and plugin runner share
// the given repository and bus.
func New(cfg Config, conn *db.DatabaseConnection, b *bus.Bus, queues bus.Queues) *Manager {
	cfg = cfg.withDefaults()
	client := state.NewClient(b, queues)
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:   cfg,
		conn:     conn,
		bus:      b,
		queues:   queues,
		writer:   state.NewWriter(conn, b, state.NewNotifier()),
		workflow: workflow.New(conn, b, queues, client, nil),
		runner:   runner.New(conn, client),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the consumers for the configured roles.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		metrics.Register(m.queueDepths)

		if m.config.serves(RoleScan) {
			for i := 0; i < m.config.ScanWorkers; i++ {
				m.runWorker(m.queues.Scan, m.workflow.Handlers())
			}
			m.wg.Go(m.recoveryLoop)
		}
		if m.config.serves(RolePlugin) {
			for _, queue := range m.pluginQueues() {
				for i := 0; i < m.config.PluginWorkers; i++ {
					m.runWorker(queue, m.runner.Handlers())
				}
			}
		}
		if m.config.serves(RoleState) {
			for _, queue := range m.queues.StateQueues() {
				shard := queue
				m.wg.Go(func() { m.consumeShard(shard) })
			}
		}
		log.Info().Strs("roles", m.config.Roles).Msg("Scan manager started")
	})
}

// Stop cancels every consumer and waits for them to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		log.Info().Msg("Stopping scan manager")
		m.cancel()
		m.wg.Wait()
		log.Info().Msg("Scan manager stopped")
	})
}

func (m *Manager) runWorker(queue string, handlers map[string]bus.Handler) {
	m.wg.Go(func() { bus.NewWorker(m.bus, queue, handlers).Run(m.ctx) })
}

// pluginQueues lists the distinct plugin queues of this deployment.
func (m *Manager) pluginQueues() []string {
	seen := map[string]bool{}
	var out []string
	for _, q := range []string{m.queues.PluginQueue("light"), m.queues.PluginQueue("heavy"), m.queues.Plugin} {
		if q != "" && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

// consumeShard holds the shard lease and consumes its queue while ownership
// lasts. Each shard has a single consumer so a scan's state ops apply in
// submission order.
func (m *Manager) consumeShard(queue string) {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		lease, ok, err := m.bus.AcquireLease(m.ctx, queue, m.config.LeaseTTL)
		if err != nil && m.ctx.Err() == nil {
			log.Error().Err(err).Str("shard", queue).Msg("Lease acquisition failed")
		}
		if !ok || err != nil {
			if !sleepCtx(m.ctx, m.config.LeaseTTL/2) {
				return
			}
			continue
		}

		log.Info().Str("shard", queue).Msg("Acquired state shard")
		m.holdShard(queue, lease)
	}
}

// holdShard consumes the shard until the lease is lost or the manager stops.
func (m *Manager) holdShard(queue string, lease *bus.Lease) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() { bus.NewWorker(m.bus, queue, m.writer.Handlers()).Run(ctx) })
	defer wg.Wait()

	ticker := time.NewTicker(m.config.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := lease.Release(releaseCtx); err != nil {
				log.Debug().Err(err).Str("shard", queue).Msg("Lease release failed")
			}
			releaseCancel()
			return
		case <-ticker.C:
			ok, err := lease.Renew(ctx)
			if err != nil {
				log.Error().Err(err).Str("shard", queue).Msg("Lease renewal failed, dropping shard")
				return
			}
			if !ok {
				log.Warn().Str("shard", queue).Msg("State shard lease lost")
				return
			}
		}
	}
}

// recoveryLoop re-enqueues scans that were marked QUEUED but whose workflow
// task never ran, typically after a node died between the control write and
// the dispatch. Duplicate deliveries are harmless: only one claim wins.
func (m *Manager) recoveryLoop() {
	ticker := time.NewTicker(m.config.RecoveryInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", m.config.RecoveryInterval).Msg("Stale scan recovery loop started")

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.recoverStaleScans()
		}
	}
}

func (m *Manager) recoverStaleScans() {
	// One node sweeps at a time.
	lease, ok, err := m.bus.AcquireLease(m.ctx, "recovery", m.config.RecoveryInterval)
	if err != nil || !ok {
		if err != nil && m.ctx.Err() == nil {
			log.Error().Err(err).Msg("Recovery lease acquisition failed")
		}
		return
	}
	defer func() {
		if err := lease.Release(m.ctx); err != nil {
			log.Debug().Err(err).Msg("Recovery lease release failed")
		}
	}()

	cutoff := time.Now().UTC().Add(-m.config.RecoveryAge)
	scans, _, err := m.conn.ListScans(db.ScanFilter{
		States:       []db.ScanState{db.ScanStateQueued},
		QueuedBefore: &cutoff,
		Pagination:   db.Pagination{Page: 1, PageSize: recoveryBatch},
	})
	if err != nil {
		log.Error().Err(err).Msg("Stale scan listing failed")
		return
	}

	for _, scan := range scans {
		task, err := workflow.NewTask(scan.ID)
		if err != nil {
			log.Error().Err(err).Str("scan", scan.ID.String()).Msg("Could not build recovery task")
			continue
		}
		if err := m.bus.Enqueue(m.ctx, m.queues.Scan, task); err != nil {
			log.Error().Err(err).Str("scan", scan.ID.String()).Msg("Could not re-enqueue stale scan")
			continue
		}
		log.Info().Str("scan", scan.ID.String()).Time("queued_at", *scan.QueuedAt).Msg("Re-enqueued stale scan")
	}
}

func (m *Manager) queueDepths() map[string]int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	depths, err := m.bus.Depths(ctx, m.queues.All()...)
	if err != nil {
		log.Debug().Err(err).Msg("Queue depth read failed")
		return nil
	}
	return depths
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
