package supervisor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/config"
)

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeDriver struct {
	paused atomic.Bool
	killed atomic.Value
}

func (d *fakeDriver) SetPaused(paused bool)    { d.paused.Store(paused) }
func (d *fakeDriver) KillSlave(slaveID string) { d.killed.Store(slaveID) }

func TestPauseResumeFanOutToRegisteredChannelsAndDriver(t *testing.T) {
	drv := &fakeDriver{}
	s := New(config.SupervisorConfig{}, drv, nil, newTestLogger())

	ch := make(chan bool, 1)
	s.RegisterPausable("arch", ch)

	s.Pause()
	assert.True(t, drv.paused.Load())
	select {
	case v := <-ch:
		assert.True(t, v)
	default:
		t.Fatal("expected a pause signal on the registered channel")
	}

	s.Resume()
	assert.False(t, drv.paused.Load())
	select {
	case v := <-ch:
		assert.False(t, v)
	default:
		t.Fatal("expected a resume signal on the registered channel")
	}
}

func TestKillSlaveDelegatesToDriver(t *testing.T) {
	drv := &fakeDriver{}
	s := New(config.SupervisorConfig{}, drv, nil, newTestLogger())

	s.KillSlave("slave-1")
	assert.Equal(t, "slave-1", drv.killed.Load())
}

func TestQuitRunsShutdownStepsInRegisteredOrder(t *testing.T) {
	s := New(config.SupervisorConfig{}, nil, nil, newTestLogger())

	var order []string
	s.RegisterShutdownStep("gazer", func(ctx context.Context) error {
		order = append(order, "gazer")
		return nil
	})
	s.RegisterShutdownStep("oracle", func(ctx context.Context) error {
		order = append(order, "oracle")
		return nil
	})

	require.NoError(t, s.Quit())
	assert.Equal(t, []string{"gazer", "oracle"}, order)

	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() to be closed after Quit")
	}
}

func TestQuitIsIdempotent(t *testing.T) {
	s := New(config.SupervisorConfig{}, nil, nil, newTestLogger())
	calls := 0
	s.RegisterShutdownStep("once", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, s.Quit())
	require.NoError(t, s.Quit())
	assert.Equal(t, 1, calls)
}

func TestRouterPauseAndKillWithoutAuth(t *testing.T) {
	drv := &fakeDriver{}
	s := New(config.SupervisorConfig{}, drv, nil, newTestLogger())
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/pause", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, drv.paused.Load())

	req = httptest.NewRequest(http.MethodPost, "/kill/slave-9", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "slave-9", drv.killed.Load())
}

func TestRouterQuitTriggersShutdownAsynchronously(t *testing.T) {
	s := New(config.SupervisorConfig{}, nil, nil, newTestLogger())
	ran := make(chan struct{})
	s.RegisterShutdownStep("flag", func(ctx context.Context) error {
		close(ran)
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/quit", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("expected quit sequence to run")
	}
}
