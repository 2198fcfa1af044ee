// Package gazer implements GAZER (spec §4.3): it tails the upstream
// package index's event log and turns each event into an idempotent
// ORACLE call, paced against upstream politeness limits, and
// periodically reconciles the full catalogue to catch events the
// event log omits.
package gazer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/oracle"
)

// EventAction is the closed set of upstream event-log actions GAZER
// understands (spec §4.3).
type EventAction string

const (
	ActionCreatePackage EventAction = "create"
	ActionNewRelease    EventAction = "release"
	ActionYank          EventAction = "yank"
	ActionUnyank        EventAction = "unyank"
	ActionRemove        EventAction = "remove"
	ActionRename        EventAction = "rename"
)

// Event is one parsed row of the upstream event log.
type Event struct {
	Serial     int64
	Action     EventAction
	Package    string
	Version    string // set for release/yank/unyank/remove-version
	Canonical  string // set for rename: the name Package resolves to
	ReleasedAt time.Time
}

// CatalogueEntry is one row of a full-catalogue reconciliation page.
type CatalogueEntry struct {
	Package  string
	Versions []string
}

// IndexClient abstracts the upstream index so Gazer can be tested
// without a live network dependency. FetchEvents returns events with
// Serial strictly greater than since, oldest first. FetchCataloguePage
// returns page p (1-based) of the full package listing, or an empty
// slice once exhausted.
type IndexClient interface {
	FetchEvents(ctx context.Context, since int64) ([]Event, error)
	FetchCataloguePage(ctx context.Context, page int) ([]CatalogueEntry, error)
}

// Gazer is the index watcher task.
type Gazer struct {
	client  IndexClient
	oracle  *oracle.LoadBalancer
	limiter *rate.Limiter
	cron    *cron.Cron
	cfg     config.GazerConfig
	log     *logrus.Entry
	metrics *metrics.Recorder

	paused chan bool
}

// New builds a Gazer. control receives true on PAUSE and false on
// RESUME, per SUPERVISOR's fan-out (spec §4.10); a nil channel means
// GAZER is never paused (used by tests and by CHASE-only deployments).
func New(client IndexClient, lb *oracle.LoadBalancer, cfg config.GazerConfig, rec *metrics.Recorder, log *logrus.Entry, control <-chan bool) *Gazer {
	g := &Gazer{
		client:  client,
		oracle:  lb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cron:    cron.New(),
		cfg:     cfg,
		log:     log.WithField("task", "gazer"),
		metrics: rec,
		paused:  make(chan bool, 1),
	}
	if control != nil {
		go g.relayControl(control)
	}
	return g
}

func (g *Gazer) relayControl(control <-chan bool) {
	for v := range control {
		select {
		case g.paused <- v:
		default:
			<-g.paused
			g.paused <- v
		}
	}
}

func (g *Gazer) isPaused() bool {
	select {
	case v := <-g.paused:
		g.paused <- v
		return v
	default:
		return false
	}
}

// Run tails the event log until ctx is cancelled, and registers the
// periodic full-catalogue reconciliation on the configured schedule.
func (g *Gazer) Run(ctx context.Context) error {
	cfg, err := g.oracle.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("gazer: load configuration: %w", err)
	}
	serial := cfg.PypiSerial

	if g.cfg.ReconcileInterval > 0 {
		_, err := g.cron.AddJob(cron.Every(g.cfg.ReconcileInterval), cron.FuncJob(func() {
			if g.isPaused() {
				return
			}
			if err := g.Reconcile(ctx); err != nil {
				g.log.WithError(err).Error("gazer: reconciliation failed")
			}
		}))
		if err != nil {
			return fmt.Errorf("gazer: schedule reconciliation: %w", err)
		}
	}
	g.cron.Start()
	defer g.cron.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if g.isPaused() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return nil // context cancelled while waiting
		}

		events, err := g.client.FetchEvents(ctx, serial)
		if err != nil {
			g.log.WithError(err).Error("gazer: fetch events failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(events) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, ev := range events {
			if err := g.apply(ctx, ev); err != nil {
				return fmt.Errorf("gazer: apply serial %d: %w", ev.Serial, err)
			}
			if err := g.oracle.SetPypiSerial(ctx, ev.Serial); err != nil {
				if errs.Is(err, errs.KindDBIntegrity) {
					return fmt.Errorf("gazer: serial %d rejected as non-increasing: %w", ev.Serial, err)
				}
				return fmt.Errorf("gazer: record serial %d: %w", ev.Serial, err)
			}
			serial = ev.Serial
			g.metrics.Counter("events_processed", map[string]string{"action": string(ev.Action)}, 1)
		}
	}
}

// apply turns one event into the idempotent ORACLE call spec §4.3
// names for its action.
func (g *Gazer) apply(ctx context.Context, ev Event) error {
	switch ev.Action {
	case ActionCreatePackage:
		return g.oracle.AddPackage(ctx, ev.Package)
	case ActionNewRelease:
		return g.oracle.AddVersion(ctx, ev.Package, ev.Version, ev.ReleasedAt)
	case ActionYank:
		return g.oracle.SetYanked(ctx, ev.Package, ev.Version, true)
	case ActionUnyank:
		return g.oracle.SetYanked(ctx, ev.Package, ev.Version, false)
	case ActionRemove:
		if ev.Version != "" {
			return g.oracle.DeleteVersion(ctx, ev.Package, ev.Version)
		}
		return g.oracle.DeletePackage(ctx, ev.Package)
	case ActionRename:
		return g.oracle.RecordAlias(ctx, ev.Package, ev.Canonical, time.Now())
	default:
		return errs.New(errs.KindProtocol, "gazer.apply", fmt.Errorf("unknown event action %q", ev.Action))
	}
}

// Reconcile walks the upstream catalogue page by page, idempotently
// registering any package GAZER's event stream never reported. It is
// the full-catalogue reconciliation job spec §4.3 names without
// designing.
func (g *Gazer) Reconcile(ctx context.Context) error {
	g.log.Info("gazer: starting full-catalogue reconciliation")
	for page := 1; ; page++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}
		entries, err := g.client.FetchCataloguePage(ctx, page)
		if err != nil {
			return fmt.Errorf("gazer: fetch catalogue page %d: %w", page, err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			if err := g.oracle.AddPackage(ctx, entry.Package); err != nil {
				return fmt.Errorf("gazer: reconcile package %s: %w", entry.Package, err)
			}
			for _, v := range entry.Versions {
				if err := g.oracle.AddVersion(ctx, entry.Package, v, time.Time{}); err != nil {
					return fmt.Errorf("gazer: reconcile %s==%s: %w", entry.Package, v, err)
				}
			}
		}
		g.metrics.Counter("reconcile_pages", nil, 1)
	}
	g.log.Info("gazer: full-catalogue reconciliation complete")
	return nil
}
