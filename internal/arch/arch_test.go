package arch

import (
	"context"
	"io"
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

type queueStore struct {
	store.Store
	entries []model.PendingEntry
}

func (s *queueStore) GetPendingQueue(ctx context.Context, topK int) ([]model.PendingEntry, error) {
	return s.entries, nil
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestArchGroupsPendingEntriesByABI(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &queueStore{entries: []model.PendingEntry{
		{ABI: "cp311", Package: "numpy", Version: "1.26.0", Position: 1},
		{ABI: "cp311", Package: "scipy", Version: "1.11.0", Position: 2},
		{ABI: "cp312", Package: "numpy", Version: "1.26.0", Position: 1},
	}}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "arch_test1"), newTestLogger(), time.Second)

	a := New(lb, config.ArchConfig{TickActiveSec: 1, TickIdleSec: 1, TopK: 500}, metrics.NewRecorder(nil, "arch_test1"), newTestLogger(), nil)

	active, err := a.tick(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	snap := <-a.Snapshots()
	require.Len(t, snap.ByABI["cp311"], 2)
	require.Len(t, snap.ByABI["cp312"], 1)
}

func TestArchTickReportsIdleWhenQueueEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &queueStore{}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "arch_test2"), newTestLogger(), time.Second)
	a := New(lb, config.ArchConfig{TickActiveSec: 1, TickIdleSec: 1, TopK: 500}, metrics.NewRecorder(nil, "arch_test2"), newTestLogger(), nil)

	active, err := a.tick(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestArchSnapshotChannelKeepsOnlyLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &queueStore{entries: []model.PendingEntry{{ABI: "cp311", Package: "numpy", Version: "1.0", Position: 1}}}
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, "arch_test3"), newTestLogger(), time.Second)
	a := New(lb, config.ArchConfig{TickActiveSec: 1, TickIdleSec: 1, TopK: 500}, metrics.NewRecorder(nil, "arch_test3"), newTestLogger(), nil)

	_, err := a.tick(ctx)
	require.NoError(t, err)

	st.entries = []model.PendingEntry{{ABI: "cp312", Package: "scipy", Version: "1.0", Position: 1}}
	_, err = a.tick(ctx)
	require.NoError(t, err)

	snap := <-a.Snapshots()
	_, hasOld := snap.ByABI["cp311"]
	assert.False(t, hasOld)
	assert.Contains(t, snap.ByABI, "cp312")
}
