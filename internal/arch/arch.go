// Package arch implements ARCH (spec §4.4): a periodic queue planner
// that asks ORACLE for the pending build queue and publishes an
// in-memory snapshot, grouped by ABI, to DRIVER.
package arch

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
)

// abiOrder is plain lexicographic string order, used by SortedABIs.
// It does not decide which unsatisfied ABI a (package, version) pair
// is queued for: the get_pending_queue stored procedure makes that
// choice itself, also in lexicographic order.
func abiOrder(a, b string) bool { return a < b }

// Snapshot is one tick's pending-queue view, grouped by ABI and
// ordered within each ABI by the position ORACLE assigned (release
// timestamp ascending, per spec §4.4).
type Snapshot struct {
	GeneratedAt time.Time
	ByABI       map[string][]model.PendingEntry
}

// Arch is the queue-planner task. Publishing happens over an
// in-process channel: ARCH and DRIVER are goroutines of the same
// process, so no wire encoding is needed (see internal/transport's
// PushSocket doc comment for the same reasoning applied there).
type Arch struct {
	oracle  *oracle.LoadBalancer
	cfg     config.ArchConfig
	log     *logrus.Entry
	metrics *metrics.Recorder

	snapshots chan Snapshot
	paused    chan bool

	queueSizes atomic.Value // map[string]int, read by internal/bigbro
}

// New builds an Arch publishing onto a buffered channel of depth 1:
// only the newest snapshot matters, so a slow consumer never backs up
// stale ticks (see Run's send logic).
func New(lb *oracle.LoadBalancer, cfg config.ArchConfig, rec *metrics.Recorder, log *logrus.Entry, control <-chan bool) *Arch {
	a := &Arch{
		oracle:    lb,
		cfg:       cfg,
		log:       log.WithField("task", "arch"),
		metrics:   rec,
		snapshots: make(chan Snapshot, 1),
		paused:    make(chan bool, 1),
	}
	if control != nil {
		go a.relayControl(control)
	}
	return a
}

func (a *Arch) relayControl(control <-chan bool) {
	for v := range control {
		select {
		case a.paused <- v:
		default:
			<-a.paused
			a.paused <- v
		}
	}
}

func (a *Arch) isPaused() bool {
	select {
	case v := <-a.paused:
		a.paused <- v
		return v
	default:
		return false
	}
}

// Snapshots returns the channel DRIVER reads published queue snapshots
// from.
func (a *Arch) Snapshots() <-chan Snapshot {
	return a.snapshots
}

// Run ticks until ctx is cancelled. The interval shortens to
// TickActiveSec whenever the previous tick found pending work, and
// relaxes to TickIdleSec otherwise, per spec §4.4's "every few seconds
// when active, longer when idle".
func (a *Arch) Run(ctx context.Context) error {
	interval := time.Duration(a.cfg.TickIdleSec) * time.Second
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if a.isPaused() {
			timer.Reset(time.Duration(a.cfg.TickIdleSec) * time.Second)
			continue
		}

		active, err := a.tick(ctx)
		if err != nil {
			a.log.WithError(err).Error("arch: tick failed")
		}

		if active {
			interval = time.Duration(a.cfg.TickActiveSec) * time.Second
		} else {
			interval = time.Duration(a.cfg.TickIdleSec) * time.Second
		}
		timer.Reset(interval)
	}
}

// tick fetches the pending queue, builds a Snapshot and publishes it,
// reporting whether any pending work was found.
func (a *Arch) tick(ctx context.Context) (bool, error) {
	entries, err := a.oracle.GetPendingQueue(ctx, a.cfg.TopK)
	if err != nil {
		return false, err
	}

	snap := Snapshot{GeneratedAt: time.Now(), ByABI: map[string][]model.PendingEntry{}}
	for _, e := range entries {
		snap.ByABI[e.ABI] = append(snap.ByABI[e.ABI], e)
	}

	select {
	case a.snapshots <- snap:
	default:
		// drop the previous unconsumed snapshot; only the latest tick
		// is ever meaningful to DRIVER
		select {
		case <-a.snapshots:
		default:
		}
		a.snapshots <- snap
	}

	sizes := make(map[string]int, len(snap.ByABI))
	for abi, rows := range snap.ByABI {
		sizes[abi] = len(rows)
		a.metrics.Gauge("queue_depth", map[string]string{"abi": abi}, float64(len(rows)))
	}
	a.queueSizes.Store(sizes)
	return len(entries) > 0, nil
}

// QueueSizes returns the per-ABI pending-queue depth from the most
// recent tick, for internal/bigbro's statistics composite (spec
// §4.9's "adds ARCH's queue sizes ... in-process").
func (a *Arch) QueueSizes() map[string]int {
	v, _ := a.queueSizes.Load().(map[string]int)
	if v == nil {
		return map[string]int{}
	}
	out := make(map[string]int, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// SortedABIs returns the ABIs named in sizes ordered by abiOrder.
func SortedABIs(sizes map[string]int) []string {
	out := make([]string, 0, len(sizes))
	for abi := range sizes {
		out = append(out, abi)
	}
	sort.Slice(out, func(i, j int) bool { return abiOrder(out[i], out[j]) })
	return out
}
