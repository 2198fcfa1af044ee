// Package bigbro implements BIG_BRO (spec §4.9): a periodic task that
// asks ORACLE for SQL-aggregated statistics, folds in ARCH's queue
// sizes, DRIVER's active-slave count and host-level CPU/memory figures
// (gopsutil), then pushes the composite to SCRIBE (for the home page)
// and to SUPERVISOR's status channel (for monitors).
package bigbro

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
)

// QueueSizer is the narrow interface BIG_BRO reads ARCH's latest
// per-ABI queue depths through; internal/arch.Arch implements it.
type QueueSizer interface {
	QueueSizes() map[string]int
}

// SlaveCounter is the narrow interface BIG_BRO reads DRIVER's active
// session count through; internal/driver.Driver implements it.
type SlaveCounter interface {
	ActiveSlaveCount() int
}

// Publisher is the narrow interface BIG_BRO pushes its composite
// snapshot through; internal/supervisor.Supervisor implements it.
type Publisher interface {
	PublishStatistics(model.Statistics)
}

// HomeRenderer is the narrow interface BIG_BRO asks to re-render the
// home page through, reusing the snapshot it just built rather than
// making SCRIBE re-fetch statistics itself.
type HomeRenderer interface {
	RenderHomeFromStats(model.Statistics) error
}

// HostStats abstracts host-level metric collection so tests can avoid
// touching the real machine's /proc.
type HostStats interface {
	CPUPercent() (float64, error)
	MemPercent() (float64, error)
}

// gopsutilHost is the production HostStats, grounded on gopsutil's
// cpu/mem packages per DESIGN.md.
type gopsutilHost struct{}

func (gopsutilHost) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (gopsutilHost) MemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// BigBro is the BIG_BRO task.
type BigBro struct {
	oracle  *oracle.LoadBalancer
	arch    QueueSizer
	driver  SlaveCounter
	scribe  HomeRenderer
	pub     Publisher
	host    HostStats
	cfg     config.BigBroConfig
	log     *logrus.Entry
	metrics *metrics.Recorder
}

// New builds a BigBro with the production gopsutil host-stats reader.
func New(lb *oracle.LoadBalancer, arch QueueSizer, driver SlaveCounter, scribe HomeRenderer, pub Publisher, cfg config.BigBroConfig, rec *metrics.Recorder, log *logrus.Entry) *BigBro {
	return &BigBro{
		oracle:  lb,
		arch:    arch,
		driver:  driver,
		scribe:  scribe,
		pub:     pub,
		host:    gopsutilHost{},
		cfg:     cfg,
		log:     log.WithField("task", "bigbro"),
		metrics: rec,
	}
}

// WithHostStats overrides the host-stats reader, for tests.
func (b *BigBro) WithHostStats(h HostStats) *BigBro {
	b.host = h
	return b
}

// Run ticks on cfg.TickInterval until ctx is cancelled.
func (b *BigBro) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	// Run one tick immediately so a newly-attached monitor and a
	// freshly-started SCRIBE see a statistics snapshot without waiting
	// a full interval.
	if err := b.tick(ctx); err != nil {
		b.log.WithError(err).Error("bigbro: initial tick failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.tick(ctx); err != nil {
				b.log.WithError(err).Error("bigbro: tick failed")
			}
		}
	}
}

func (b *BigBro) tick(ctx context.Context) error {
	stats, err := b.oracle.GetStatistics(ctx)
	if err != nil {
		return err
	}
	stats.GeneratedAt = time.Now()

	if b.arch != nil {
		stats.QueueSizeByABI = b.arch.QueueSizes()
	}
	if b.driver != nil {
		stats.ActiveSlaves = b.driver.ActiveSlaveCount()
	}
	if b.host != nil {
		if cpuPct, err := b.host.CPUPercent(); err == nil {
			stats.HostCPUPercent = cpuPct
		} else {
			b.log.WithError(err).Warn("bigbro: cpu stats unavailable")
		}
		if memPct, err := b.host.MemPercent(); err == nil {
			stats.HostMemPercent = memPct
		} else {
			b.log.WithError(err).Warn("bigbro: mem stats unavailable")
		}
	}

	if b.scribe != nil {
		if err := b.scribe.RenderHomeFromStats(stats); err != nil {
			b.log.WithError(err).Error("bigbro: home page render failed")
		}
	}
	if b.pub != nil {
		b.pub.PublishStatistics(stats)
	}

	b.metrics.Gauge("packages", nil, float64(stats.Packages))
	b.metrics.Gauge("active_slaves", nil, float64(stats.ActiveSlaves))
	b.metrics.Gauge("host_cpu_percent", nil, stats.HostCPUPercent)
	b.metrics.Gauge("host_mem_percent", nil, stats.HostMemPercent)
	return nil
}
