package scribe

import (
	"context"
	"io"
	"os"
	"path/filepath"
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

type fakeStore struct {
	store.Store
	packages []model.Package
	versions []model.Version
	files    []model.ProjectFile
	stats    model.Statistics
}

func (s *fakeStore) ListPackages(ctx context.Context) ([]model.Package, error) {
	return s.packages, nil
}

func (s *fakeStore) GetProjectData(ctx context.Context, pkg string) (model.Package, []model.Version, error) {
	for _, p := range s.packages {
		if p.Name == pkg {
			return p, s.versions, nil
		}
	}
	return model.Package{}, nil, nil
}

func (s *fakeStore) GetProjectFiles(ctx context.Context, pkg string) ([]model.ProjectFile, error) {
	return s.files, nil
}

func (s *fakeStore) GetStatistics(ctx context.Context) (model.Statistics, error) {
	return s.stats, nil
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestScribe(t *testing.T, st store.Store) (*Scribe, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	lb := oracle.New(ctx, []store.Store{st}, metrics.NewRecorder(nil, t.Name()), newTestLogger(), time.Second)
	root := t.TempDir()
	s, err := New(config.ScribeConfig{OutputRoot: root}, lb, metrics.NewRecorder(nil, t.Name()), newTestLogger())
	require.NoError(t, err)
	return s, root
}

func TestRenderProjectWritesHTMLAndJSON(t *testing.T) {
	st := &fakeStore{
		packages: []model.Package{{Name: "numpy", Description: "array library"}},
		versions: []model.Version{{Package: "numpy", Version: "1.26.0"}},
		files: []model.ProjectFile{{
			BuildFile: model.BuildFile{Filename: "numpy-1.26.0-cp311-none-any.whl", Size: 1024, SHA256: "deadbeef"},
		}},
	}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.Render(context.Background(), "numpy", model.RewriteBoth))

	html, err := os.ReadFile(filepath.Join(root, "project", "numpy", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "numpy")
	assert.Contains(t, string(html), "array library")

	jsonBody, err := os.ReadFile(filepath.Join(root, "project", "numpy", "json"))
	require.NoError(t, err)
	assert.Contains(t, string(jsonBody), "numpy-1.26.0-cp311-none-any.whl")

	simple, err := os.ReadFile(filepath.Join(root, "simple", "numpy", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(simple), "deadbeef")
}

func TestRenderProjectOnlyCommandSkipsSimpleIndex(t *testing.T) {
	st := &fakeStore{packages: []model.Package{{Name: "scipy"}}}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.Render(context.Background(), "scipy", model.RewriteProject))

	_, err := os.Stat(filepath.Join(root, "project", "scipy", "index.html"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "simple", "scipy", "index.html"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenderYankedFileIsAnnotated(t *testing.T) {
	st := &fakeStore{
		packages: []model.Package{{Name: "requests"}},
		files: []model.ProjectFile{{
			BuildFile: model.BuildFile{Filename: "requests-2.0.0-none-any.whl"},
			Yanked:    true,
		}},
	}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.Render(context.Background(), "requests", model.RewriteBoth))

	simple, err := os.ReadFile(filepath.Join(root, "simple", "requests", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(simple), `data-yanked="true"`)

	project, err := os.ReadFile(filepath.Join(root, "project", "requests", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(project), `data-yanked="true"`)
}

func TestRebuildSearchWritesPackagesJSON(t *testing.T) {
	st := &fakeStore{packages: []model.Package{
		{Name: "numpy", Description: "array library"},
		{Name: "broken", SkipReason: "upstream build broken"},
	}}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.Rebuild(context.Background(), JobSearch, ""))

	body, err := os.ReadFile(filepath.Join(root, "packages.json"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "numpy")
	assert.NotContains(t, string(body), "broken")
}

func TestRebuildHomeWritesIndexWithStats(t *testing.T) {
	st := &fakeStore{stats: model.Statistics{Packages: 42, ActiveSlaves: 3}}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.Rebuild(context.Background(), JobHome, ""))

	body, err := os.ReadFile(filepath.Join(root, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "42")
	assert.Contains(t, string(body), "3")
}

func TestRebuildBothForAllPackages(t *testing.T) {
	st := &fakeStore{packages: []model.Package{{Name: "a"}, {Name: "b"}}}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.Rebuild(context.Background(), JobBoth, ""))

	for _, pkg := range []string{"a", "b"} {
		_, err := os.Stat(filepath.Join(root, "project", pkg, "index.html"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(root, "simple", pkg, "index.html"))
		assert.NoError(t, err)
	}
}

func TestAtomicWriteLeavesNoTempFilesBehind(t *testing.T) {
	st := &fakeStore{packages: []model.Package{{Name: "numpy"}}}
	s, root := newTestScribe(t, st)

	require.NoError(t, s.RenderSimpleRoot(context.Background()))

	entries, err := os.ReadDir(filepath.Join(root, "simple"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
