package oracle

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/store"
)

// fakeStore is a store.Store whose AddPackage call blocks until release
// is closed, so tests can hold a worker busy on purpose.
type fakeStore struct {
	store.Store
	release chan struct{}
	calls   *int32
	mu      sync.Mutex
}

func newFakeStore() *fakeStore {
	var n int32
	return &fakeStore{release: make(chan struct{}), calls: &n}
}

func (f *fakeStore) AddPackage(ctx context.Context, name string) error {
	f.mu.Lock()
	*f.calls++
	f.mu.Unlock()
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestLoadBalancerParksRequestsWhenAllWorkersBusy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := newFakeStore(), newFakeStore()
	lb := New(ctx, []store.Store{a, b}, metrics.NewRecorder(nil, "test"), newTestLogger(), 2*time.Second)

	// occupy both workers
	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	go func() { done1 <- lb.AddPackage(ctx, "numpy") }()
	go func() { done2 <- lb.AddPackage(ctx, "scipy") }()
	time.Sleep(50 * time.Millisecond)

	// a third request should park, not dispatch, until one is released
	parked := make(chan error, 1)
	go func() { parked <- lb.AddPackage(ctx, "scikit-learn") }()
	time.Sleep(50 * time.Millisecond)

	select {
	case <-parked:
		t.Fatal("third request completed before any worker was released")
	default:
	}

	close(a.release)
	require.NoError(t, <-done1)

	close(b.release)
	require.NoError(t, <-done2)

	// releasing a fake store a second time would panic; the parked
	// request should now complete using whichever worker freed up.
	select {
	case err := <-parked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("parked request never dispatched after a worker freed up")
	}
}

func TestLoadBalancerCallTimesOutWhenWorkerNeverFrees(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeStore()
	lb := New(ctx, []store.Store{a}, metrics.NewRecorder(nil, "test"), newTestLogger(), 30*time.Millisecond)

	go func() { _ = lb.AddPackage(context.Background(), "numpy") }() // occupies the only worker indefinitely
	time.Sleep(10 * time.Millisecond)

	err := lb.AddPackage(context.Background(), "scipy")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTimeout) || errs.Is(err, errs.KindDBUnavailable))

	close(a.release)
}

type statsStore struct {
	store.Store
}

func (statsStore) GetStatistics(ctx context.Context) (model.Statistics, error) {
	return model.Statistics{Packages: 42}, nil
}

func TestLoadBalancerRoundTripsTypedResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lb := New(ctx, []store.Store{statsStore{}}, metrics.NewRecorder(nil, "test"), newTestLogger(), time.Second)

	stats, err := lb.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.Packages)
}
