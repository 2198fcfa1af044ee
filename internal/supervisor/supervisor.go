// Package supervisor implements SUPERVISOR (spec §4.10): the process
// root. It fans PAUSE/RESUME/QUIT to every task via per-task PUSH
// control, accepts KILL slave-id, and owns a PUB-like status channel
// monitors subscribe to, backed by Redis Pub/Sub (grounded on the
// teacher's storage/postgres/redis.go client-construction pattern).
package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/auth"
	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/model"
)

// Driver is the narrow interface SUPERVISOR drives DRIVER's
// pause/kill surface through. internal/driver.Driver implements it.
type Driver interface {
	SetPaused(paused bool)
	KillSlave(slaveID string)
}

// ShutdownStep is one stage of the ordered QUIT sequence. Each step
// receives a context bounded by the grace period.
type ShutdownStep struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor is the process root.
type Supervisor struct {
	cfg    config.SupervisorConfig
	auth   *auth.Authenticator
	driver Driver
	log    *logrus.Entry

	mu          sync.Mutex
	pausables   map[string]chan<- bool
	paused      bool
	shutdowns   []ShutdownStep
	gracePeriod time.Duration

	redis    *redis.Client
	quit     chan struct{}
	quitOnce sync.Once
}

// New builds a Supervisor. authenticator may be nil, in which case the
// control router accepts unauthenticated requests (test/dev only).
func New(cfg config.SupervisorConfig, driver Driver, authenticator *auth.Authenticator, log *logrus.Entry) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		auth:        authenticator,
		driver:      driver,
		log:         log.WithField("task", "supervisor"),
		pausables:   make(map[string]chan<- bool),
		gracePeriod: 30 * time.Second,
		quit:        make(chan struct{}),
	}
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return s
}

// RegisterPausable wires a task's PAUSE/RESUME control channel (the
// control <-chan bool every GAZER/ARCH takes in its constructor).
func (s *Supervisor) RegisterPausable(name string, control chan<- bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausables[name] = control
}

// RegisterShutdownStep appends a stage to the ordered QUIT sequence.
// Call in the order steps should run: stop GAZER and ARCH first, let
// DRIVER finish in-flight work, persist SECRETARY, stop ORACLE's pool
// last (spec §4.10).
func (s *Supervisor) RegisterShutdownStep(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns = append(s.shutdowns, ShutdownStep{Name: name, Run: run})
}

// Pause fans PAUSE to GAZER/ARCH's control channels and tells DRIVER
// to reply SLEEP to every IDLE builder.
func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.paused = true
	targets := make([]chan<- bool, 0, len(s.pausables))
	for _, ch := range s.pausables {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- true:
		default:
		}
	}
	if s.driver != nil {
		s.driver.SetPaused(true)
	}
	s.log.Info("supervisor: paused")
}

// Resume reverses Pause.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.paused = false
	targets := make([]chan<- bool, 0, len(s.pausables))
	for _, ch := range s.pausables {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- false:
		default:
		}
	}
	if s.driver != nil {
		s.driver.SetPaused(false)
	}
	s.log.Info("supervisor: resumed")
}

// KillSlave arms DRIVER's kill flag for slaveID.
func (s *Supervisor) KillSlave(slaveID string) {
	if s.driver != nil {
		s.driver.KillSlave(slaveID)
	}
}

// PublishStatistics implements internal/bigbro.Publisher: it pushes
// the latest composite snapshot to the Redis channel monitors
// subscribe to, and caches the serialized snapshot under a well-known
// key so a newly-attached monitor can read current state without
// waiting for the next tick.
func (s *Supervisor) PublishStatistics(stats model.Statistics) {
	if s.redis == nil {
		return
	}
	body, err := json.Marshal(stats)
	if err != nil {
		s.log.WithError(err).Error("supervisor: marshal statistics")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.redis.Publish(ctx, s.statusChannel(), body).Err(); err != nil {
		s.log.WithError(err).Warn("supervisor: publish statistics")
	}
	if err := s.redis.Set(ctx, s.statusChannel()+":latest", body, 0).Err(); err != nil {
		s.log.WithError(err).Warn("supervisor: cache statistics")
	}
}

func (s *Supervisor) statusChannel() string {
	if s.cfg.StatusChannel == "" {
		return "buildmaster:status"
	}
	return s.cfg.StatusChannel
}

// Quit triggers the ordered QUIT sequence once. Returns the first
// error encountered, continuing through remaining steps regardless so
// a slow ORACLE drain doesn't block an already-paused GAZER/ARCH from
// stopping.
func (s *Supervisor) Quit() error {
	var first error
	s.quitOnce.Do(func() {
		close(s.quit)
		s.mu.Lock()
		steps := append([]ShutdownStep(nil), s.shutdowns...)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.gracePeriod)
		defer cancel()

		for _, step := range steps {
			s.log.WithField("step", step.Name).Info("supervisor: quit step")
			if err := step.Run(ctx); err != nil {
				s.log.WithField("step", step.Name).WithError(err).Error("supervisor: quit step failed")
				if first == nil {
					first = err
				}
			}
		}
		if s.redis != nil {
			_ = s.redis.Close()
		}
	})
	return first
}

// Done is closed once Quit has been called.
func (s *Supervisor) Done() <-chan struct{} {
	return s.quit
}

// Router builds the control HTTP router: POST /pause, /resume,
// /kill/{slaveID}, /quit, all behind bearer-token authentication when
// an Authenticator is configured, plus /login to obtain a token.
func (s *Supervisor) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/login", s.handleLogin)

	protected := chi.NewRouter()
	protected.Post("/pause", s.handlePause)
	protected.Post("/resume", s.handleResume)
	protected.Post("/kill/{slaveID}", s.handleKill)
	protected.Post("/quit", s.handleQuit)

	if s.auth != nil {
		r.Mount("/", s.auth.Middleware(protected))
	} else {
		r.Mount("/", protected)
	}
	return r
}

func (s *Supervisor) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		http.Error(w, "auth not configured", http.StatusNotImplemented)
		return
	}
	var body struct {
		Subject  string `json:"subject"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	token, err := s.auth.Login(body.Subject, body.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (s *Supervisor) handlePause(w http.ResponseWriter, r *http.Request) {
	s.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Supervisor) handleResume(w http.ResponseWriter, r *http.Request) {
	s.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Supervisor) handleKill(w http.ResponseWriter, r *http.Request) {
	slaveID := chi.URLParam(r, "slaveID")
	s.KillSlave(slaveID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Supervisor) handleQuit(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.Quit(); err != nil {
			s.log.WithError(err).Error("supervisor: quit sequence completed with errors")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}
