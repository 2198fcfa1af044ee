package gazer

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

type fakeIndexClient struct {
	events     []Event
	catalogue  [][]CatalogueEntry // indexed by page-1
	fetchCalls int
}

func (f *fakeIndexClient) FetchEvents(ctx context.Context, since int64) ([]Event, error) {
	f.fetchCalls++
	var out []Event
	for _, ev := range f.events {
		if ev.Serial > since {
			out = append(out, ev)
		}
	}
	f.events = nil // deliver once, then go quiet so Run can be cancelled
	return out, nil
}

func (f *fakeIndexClient) FetchCataloguePage(ctx context.Context, page int) ([]CatalogueEntry, error) {
	if page-1 >= len(f.catalogue) {
		return nil, nil
	}
	return f.catalogue[page-1], nil
}

// recordingStore captures the operations Gazer issues, keyed by
// method name, so tests can assert on event translation without a
// database.
type recordingStore struct {
	store.Store
	serial  int64
	added   []string
	versions []string
	yanked   map[string]bool
	aliases  map[string]string
	removed  []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{yanked: map[string]bool{}, aliases: map[string]string{}}
}

func (s *recordingStore) GetConfiguration(ctx context.Context) (model.Configuration, error) {
	return model.Configuration{PypiSerial: s.serial}, nil
}

func (s *recordingStore) SetPypiSerial(ctx context.Context, serial int64) error {
	s.serial = serial
	return nil
}

func (s *recordingStore) AddPackage(ctx context.Context, name string) error {
	s.added = append(s.added, name)
	return nil
}

func (s *recordingStore) AddVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error {
	s.versions = append(s.versions, pkg+"=="+version)
	return nil
}

func (s *recordingStore) SetYanked(ctx context.Context, pkg, version string, yanked bool) error {
	s.yanked[pkg+"=="+version] = yanked
	return nil
}

func (s *recordingStore) DeletePackage(ctx context.Context, pkg string) error {
	s.removed = append(s.removed, pkg)
	return nil
}

func (s *recordingStore) DeleteVersion(ctx context.Context, pkg, version string) error {
	s.removed = append(s.removed, pkg+"=="+version)
	return nil
}

func (s *recordingStore) RecordAlias(ctx context.Context, name, canonical string, seenAt time.Time) error {
	s.aliases[name] = canonical
	return nil
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestGazerAppliesEventsAndAdvancesSerial(t *testing.T) {
	rs := newRecordingStore()
	rs.serial = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lb := oracle.New(ctx, []store.Store{rs}, metrics.NewRecorder(nil, "gazer_test1"), newTestLogger(), time.Second)

	client := &fakeIndexClient{events: []Event{
		{Serial: 11, Action: ActionCreatePackage, Package: "numpy"},
		{Serial: 12, Action: ActionNewRelease, Package: "numpy", Version: "1.26.0"},
		{Serial: 13, Action: ActionYank, Package: "numpy", Version: "1.26.0"},
		{Serial: 14, Action: ActionRename, Package: "Numpy", Canonical: "numpy"},
		{Serial: 15, Action: ActionRemove, Package: "numpy", Version: "1.26.0"},
	}}

	cfg := config.GazerConfig{RequestsPerSecond: 1000, Burst: 1000}
	g := New(client, lb, cfg, metrics.NewRecorder(nil, "gazer_test1"), newTestLogger(), nil)

	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	_ = g.Run(runCtx)

	assert.Contains(t, rs.added, "numpy")
	assert.Contains(t, rs.versions, "numpy==1.26.0")
	assert.True(t, rs.yanked["numpy==1.26.0"])
	assert.Equal(t, "numpy", rs.aliases["Numpy"])
	assert.Contains(t, rs.removed, "numpy==1.26.0")
	assert.Equal(t, int64(15), rs.serial)
}

func TestGazerReconcileRegistersEveryCataloguedPackage(t *testing.T) {
	rs := newRecordingStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lb := oracle.New(ctx, []store.Store{rs}, metrics.NewRecorder(nil, "gazer_test2"), newTestLogger(), time.Second)

	client := &fakeIndexClient{catalogue: [][]CatalogueEntry{
		{{Package: "numpy", Versions: []string{"1.26.0"}}, {Package: "scipy", Versions: []string{"1.11.0", "1.11.1"}}},
		{},
	}}

	cfg := config.GazerConfig{RequestsPerSecond: 1000, Burst: 1000}
	g := New(client, lb, cfg, metrics.NewRecorder(nil, "gazer_test2"), newTestLogger(), nil)

	require.NoError(t, g.Reconcile(ctx))
	assert.ElementsMatch(t, []string{"numpy", "scipy"}, rs.added)
	assert.ElementsMatch(t, []string{"numpy==1.26.0", "scipy==1.11.0", "scipy==1.11.1"}, rs.versions)
}

func TestGazerIsPausedReflectsControlChannel(t *testing.T) {
	rs := newRecordingStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lb := oracle.New(ctx, []store.Store{rs}, metrics.NewRecorder(nil, "gazer_test3"), newTestLogger(), time.Second)

	control := make(chan bool, 1)
	g := New(&fakeIndexClient{}, lb, config.GazerConfig{RequestsPerSecond: 1000, Burst: 1000}, metrics.NewRecorder(nil, "gazer_test3"), newTestLogger(), control)

	control <- true
	time.Sleep(20 * time.Millisecond)
	assert.True(t, g.isPaused())

	control <- false
	time.Sleep(20 * time.Millisecond)
	assert.False(t, g.isPaused())
}
