package secretary

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
	"github.com/piwheels/master/internal/store"
)

type fakeScribe struct {
	mu    sync.Mutex
	calls []model.RewriteCommand
	pkgs  []string
}

func (f *fakeScribe) Render(ctx context.Context, pkg string, command model.RewriteCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pkgs = append(f.pkgs, pkg)
	f.calls = append(f.calls, command)
	return nil
}

func (f *fakeScribe) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type pendingStore struct {
	store.Store
	mu      sync.Mutex
	saved   []model.RewritePending
	preload []model.RewritePending
}

func (s *pendingStore) SaveRewritesPending(ctx context.Context, pending []model.RewritePending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = pending
	return nil
}

func (s *pendingStore) LoadRewritesPending(ctx context.Context) ([]model.RewritePending, error) {
	return s.preload, nil
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestSecretaryCoalescesBurstIntoOneRender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &pendingStore{}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "secretary_test1"), newTestLogger(), time.Second)
	scribe := &fakeScribe{}
	s := New(scribe, lb, config.SecretaryConfig{DebounceInterval: 50 * time.Millisecond}, metrics.NewRecorder(nil, "secretary_test1"), newTestLogger())

	go s.Run(ctx)

	for i := 0; i < 5; i++ {
		s.Notify("numpy", model.RewriteProject)
	}

	require.Eventually(t, func() bool { return scribe.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"numpy"}, scribe.pkgs)
	assert.Equal(t, model.RewriteProject, scribe.calls[0])
}

func TestSecretaryPromotesProjectToBoth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &pendingStore{}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "secretary_test2"), newTestLogger(), time.Second)
	scribe := &fakeScribe{}
	s := New(scribe, lb, config.SecretaryConfig{DebounceInterval: 50 * time.Millisecond}, metrics.NewRecorder(nil, "secretary_test2"), newTestLogger())

	go s.Run(ctx)

	s.Notify("numpy", model.RewriteProject)
	s.Notify("numpy", model.RewriteBoth)

	require.Eventually(t, func() bool { return scribe.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.RewriteBoth, scribe.calls[0])
}

func TestSecretaryPersistsPendingOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	st := &pendingStore{}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "secretary_test3"), newTestLogger(), time.Second)
	scribe := &fakeScribe{}
	// Long debounce window: the notify below must not fire before shutdown.
	s := New(scribe, lb, config.SecretaryConfig{DebounceInterval: time.Hour}, metrics.NewRecorder(nil, "secretary_test3"), newTestLogger())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Notify("scipy", model.RewriteBoth)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	require.Len(t, st.saved, 1)
	assert.Equal(t, "scipy", st.saved[0].Package)
	assert.Equal(t, model.RewriteBoth, st.saved[0].Command)
}

func TestSecretaryResumesPersistedSetOnStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &pendingStore{preload: []model.RewritePending{
		{Package: "requests", AddedAt: time.Now().Add(-time.Hour), Command: model.RewriteBoth},
	}}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "secretary_test4"), newTestLogger(), time.Second)
	scribe := &fakeScribe{}
	s := New(scribe, lb, config.SecretaryConfig{DebounceInterval: 10 * time.Millisecond}, metrics.NewRecorder(nil, "secretary_test4"), newTestLogger())

	go s.Run(ctx)

	require.Eventually(t, func() bool { return scribe.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "requests", scribe.pkgs[0])
}
