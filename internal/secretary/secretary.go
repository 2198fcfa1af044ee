// Package secretary implements SECRETARY (spec §4.8): a render
// debouncer that coalesces bursty render requests from DRIVER and
// CHASE into one SCRIBE job per package per debounce window, and
// persists its pending set across restarts via ORACLE.
package secretary

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
)

// Scribe is the narrow interface SECRETARY renders through once a
// package's debounce window has elapsed; internal/scribe.Scribe
// implements it.
type Scribe interface {
	Render(ctx context.Context, pkg string, command model.RewriteCommand) error
}

// Secretary is the SECRETARY task.
type Secretary struct {
	scribe  Scribe
	oracle  *oracle.LoadBalancer
	cfg     config.SecretaryConfig
	log     *logrus.Entry
	metrics *metrics.Recorder

	notify chan model.RewritePending
}

// New builds a Secretary. Call Run in its own goroutine; Notify is
// safe to call from any other task's goroutine.
func New(scribe Scribe, lb *oracle.LoadBalancer, cfg config.SecretaryConfig, rec *metrics.Recorder, log *logrus.Entry) *Secretary {
	return &Secretary{
		scribe:  scribe,
		oracle:  lb,
		cfg:     cfg,
		log:     log.WithField("task", "secretary"),
		metrics: rec,
		notify:  make(chan model.RewritePending, 256),
	}
}

// Notify records a render request for pkg, promoting any existing
// pending command per model.RewriteCommand.Promote. Non-blocking:
// callers (DRIVER's event loop in particular) must never stall on a
// network round trip here, per spec §4.8.
func (s *Secretary) Notify(pkg string, command model.RewriteCommand) {
	select {
	case s.notify <- model.RewritePending{Package: pkg, AddedAt: time.Now(), Command: command}:
	default:
		s.log.WithField("package", pkg).Warn("secretary: notify channel full, dropping request")
	}
}

// Run loads any pending set persisted by a previous shutdown, then
// processes notifications and a debounce sweep until ctx is
// cancelled, at which point it persists whatever remains pending.
func (s *Secretary) Run(ctx context.Context) error {
	pending := make(map[string]model.RewritePending)

	loaded, err := s.oracle.LoadRewritesPending(ctx)
	if err != nil {
		s.log.WithError(err).Error("secretary: failed to load persisted pending set, starting empty")
	}
	for _, r := range loaded {
		pending[r.Package] = r
	}
	if len(loaded) > 0 {
		s.log.WithField("count", len(loaded)).Info("secretary: resumed pending renders from previous shutdown")
	}

	sweep := time.NewTicker(s.debounceCheckInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.persist(pending)
			return nil

		case r := <-s.notify:
			if existing, ok := pending[r.Package]; ok {
				existing.Command = existing.Command.Promote(r.Command)
				pending[r.Package] = existing
			} else {
				pending[r.Package] = r
			}

		case <-sweep.C:
			s.flushReady(ctx, pending)
		}
	}
}

// debounceCheckInterval sweeps at a quarter of the debounce window (at
// least every second) so a package's render fires promptly once its
// window elapses without busy-polling.
func (s *Secretary) debounceCheckInterval() time.Duration {
	quarter := s.cfg.DebounceInterval / 4
	if quarter <= 0 || quarter > time.Second {
		return time.Second
	}
	return quarter
}

func (s *Secretary) flushReady(ctx context.Context, pending map[string]model.RewritePending) {
	now := time.Now()
	for pkg, r := range pending {
		if now.Sub(r.AddedAt) < s.cfg.DebounceInterval {
			continue
		}
		if err := s.scribe.Render(ctx, pkg, r.Command); err != nil {
			s.log.WithError(err).WithField("package", pkg).Error("secretary: render failed, will retry next sweep")
			continue
		}
		delete(pending, pkg)
		s.metrics.Counter("renders", map[string]string{"command": string(r.Command)}, 1)
	}
	s.metrics.Gauge("pending_renders", nil, float64(len(pending)))
}

func (s *Secretary) persist(pending map[string]model.RewritePending) {
	if len(pending) == 0 {
		return
	}
	rows := make([]model.RewritePending, 0, len(pending))
	for _, r := range pending {
		rows = append(rows, r)
	}
	// Shutdown persistence uses a fresh, short-lived context: ctx is
	// already cancelled by the time Run reaches here.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.oracle.SaveRewritesPending(saveCtx, rows); err != nil {
		s.log.WithError(err).Error("secretary: failed to persist pending renders on shutdown")
	}
}
