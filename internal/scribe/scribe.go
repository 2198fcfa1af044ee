// Package scribe implements SCRIBE (spec §4.8): it renders the static
// simple-index website, project pages, home page, search-index JSON
// and per-package JSON API documents to disk. Every write is an
// atomic rename-into-place so a concurrent reader (the external HTTPS
// server, out of scope per spec §1) never observes a partial file.
// Templating is a pure function of ORACLE-derived data plus the
// current timestamp (spec §9 "never block a render on network I/O").
package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
)

// Job is the closed set of regeneration targets CHASE's REBUILD
// command can name (spec §4.7), a superset of the model.RewriteCommand
// SECRETARY persists.
type Job string

const (
	JobHome    Job = "HOME"
	JobSearch  Job = "SEARCH"
	JobProject Job = "PROJECT"
	JobBoth    Job = "BOTH"
)

// resourceManifest names the static asset files SCRIBE copies into the
// output root at startup (spec §4.8 "Resource files are copied at
// startup"), expressed as YAML so operators can add assets without a
// code change.
type resourceManifest struct {
	Files []string `yaml:"files"`
}

// Scribe is the SCRIBE task. It has no long-running loop of its own;
// SECRETARY and CHASE call Render/Rebuild directly.
type Scribe struct {
	cfg     config.ScribeConfig
	oracle  *oracle.LoadBalancer
	log     *logrus.Entry
	metrics *metrics.Recorder
	tmpl    *template.Template
}

// New builds a Scribe and copies its resource files (CSS/JS/SVG) into
// OutputRoot. Template parsing failures are a startup-fatal error.
func New(cfg config.ScribeConfig, lb *oracle.LoadBalancer, rec *metrics.Recorder, log *logrus.Entry) (*Scribe, error) {
	tmpl, err := template.New("scribe").Parse(allTemplates)
	if err != nil {
		return nil, fmt.Errorf("scribe: parse templates: %w", err)
	}
	s := &Scribe{
		cfg:     cfg,
		oracle:  lb,
		log:     log.WithField("task", "scribe"),
		metrics: rec,
		tmpl:    tmpl,
	}
	if err := s.copyResources(); err != nil {
		return nil, err
	}
	return s, nil
}

// copyResources reads ResourceDir's manifest.yaml (if present) and
// copies each named file verbatim into OutputRoot. A missing manifest
// or resource directory is tolerated: some deployments (tests, CHASE-
// only admin tooling) never serve static assets.
func (s *Scribe) copyResources() error {
	if s.cfg.ResourceDir == "" {
		return nil
	}
	manifestPath := filepath.Join(s.cfg.ResourceDir, "manifest.yaml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindFS, "scribe.copyResources", err)
	}
	var manifest resourceManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return errs.New(errs.KindFS, "scribe.copyResources", err)
	}
	for _, name := range manifest.Files {
		src := filepath.Join(s.cfg.ResourceDir, name)
		dst := filepath.Join(s.cfg.OutputRoot, name)
		if err := copyFile(src, dst); err != nil {
			return errs.New(errs.KindFS, "scribe.copyResources", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".tmp-resource-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), dst)
}

// atomicWrite writes data to path via a temp file in the same
// directory followed by rename, so SCRIBE's writes are never observed
// partially-formed (spec §4.8).
func (s *Scribe) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindFS, "scribe.atomicWrite", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.New(errs.KindFS, "scribe.atomicWrite", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errs.New(errs.KindFS, "scribe.atomicWrite", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errs.New(errs.KindFS, "scribe.atomicWrite", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errs.New(errs.KindFS, "scribe.atomicWrite", err)
	}
	return nil
}

// Render implements the secretary.Scribe interface: SECRETARY's
// persisted command names exactly which artifacts to regenerate for
// one package (spec §4.8): PROJECT renders only the project page;
// BOTH also regenerates that package's simple-index page.
func (s *Scribe) Render(ctx context.Context, pkg string, command model.RewriteCommand) error {
	if err := s.renderProject(ctx, pkg); err != nil {
		return err
	}
	if command == model.RewriteBoth {
		if err := s.renderSimplePackage(ctx, pkg); err != nil {
			return err
		}
	}
	s.metrics.Counter("project_renders", map[string]string{"package": pkg}, 1)
	return nil
}

// Rebuild implements CHASE's REBUILD command (spec §4.7): regenerate
// HOME, SEARCH, PROJECT, or BOTH, for one package or ("" pkg) every
// package.
func (s *Scribe) Rebuild(ctx context.Context, job Job, pkg string) error {
	switch job {
	case JobHome:
		return s.RenderHome(ctx)
	case JobSearch:
		return s.RenderSearchIndex(ctx)
	case JobProject:
		return s.forEachTarget(ctx, pkg, s.renderProject)
	case JobBoth:
		return s.forEachTarget(ctx, pkg, func(ctx context.Context, p string) error {
			if err := s.renderProject(ctx, p); err != nil {
				return err
			}
			return s.renderSimplePackage(ctx, p)
		})
	default:
		return errs.New(errs.KindProtocol, "scribe.Rebuild", fmt.Errorf("unknown job %q", job))
	}
}

func (s *Scribe) forEachTarget(ctx context.Context, pkg string, fn func(context.Context, string) error) error {
	if pkg != "" {
		return fn(ctx, pkg)
	}
	pkgs, err := s.oracle.ListPackages(ctx)
	if err != nil {
		return err
	}
	for _, p := range pkgs {
		if err := fn(ctx, p.Name); err != nil {
			return err
		}
	}
	return nil
}

type simplePackageRow struct {
	Filename string
	Yanked   bool
	Hash     string
}

// renderSimplePackage writes simple/<package>/index.html, one row per
// BuildFile, annotated with the yank status of the Version it was
// built from (spec §8 scenario 6).
func (s *Scribe) renderSimplePackage(ctx context.Context, pkg string) error {
	files, err := s.oracle.GetProjectFiles(ctx, pkg)
	if err != nil {
		return err
	}
	rows := make([]simplePackageRow, len(files))
	for i, f := range files {
		rows[i] = simplePackageRow{Filename: f.Filename, Yanked: f.Yanked, Hash: f.SHA256}
	}

	var buf []byte
	w := &byteSink{}
	if err := s.tmpl.ExecuteTemplate(w, "simple_package", struct {
		Package string
		Rows    []simplePackageRow
	}{Package: pkg, Rows: rows}); err != nil {
		return fmt.Errorf("scribe: render simple package %s: %w", pkg, err)
	}
	buf = w.Bytes()
	return s.atomicWrite(filepath.Join(s.cfg.OutputRoot, "simple", pkg, "index.html"), buf)
}

// renderProject writes project/<package>/index.html and
// project/<package>/json (spec §4.8, §6).
func (s *Scribe) renderProject(ctx context.Context, pkg string) error {
	pkgRow, versions, err := s.oracle.GetProjectData(ctx, pkg)
	if err != nil {
		return err
	}
	files, err := s.oracle.GetProjectFiles(ctx, pkg)
	if err != nil {
		return err
	}

	w := &byteSink{}
	if err := s.tmpl.ExecuteTemplate(w, "project", struct {
		Package  model.Package
		Versions []model.Version
		Files    []model.ProjectFile
	}{Package: pkgRow, Versions: versions, Files: files}); err != nil {
		return fmt.Errorf("scribe: render project %s: %w", pkg, err)
	}
	if err := s.atomicWrite(filepath.Join(s.cfg.OutputRoot, "project", pkg, "index.html"), w.Bytes()); err != nil {
		return err
	}

	doc := projectJSON{
		Info: projectJSONInfo{Name: pkgRow.Name, Description: pkgRow.Description},
	}
	for _, f := range files {
		doc.Files = append(doc.Files, projectJSONFile{
			Filename: f.Filename,
			Size:     f.Size,
			SHA256:   f.SHA256,
			Yanked:   f.Yanked,
			APT:      f.APT,
			Pip:      f.Pip,
		})
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("scribe: marshal project json %s: %w", pkg, err)
	}
	return s.atomicWrite(filepath.Join(s.cfg.OutputRoot, "project", pkg, "json"), body)
}

type projectJSONInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type projectJSONFile struct {
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	SHA256   string   `json:"sha256"`
	Yanked   bool     `json:"yanked"`
	APT      []string `json:"apt_dependencies,omitempty"`
	Pip      []string `json:"pip_dependencies,omitempty"`
}

type projectJSON struct {
	Info  projectJSONInfo   `json:"info"`
	Files []projectJSONFile `json:"files"`
}

// RenderSimpleRoot writes simple/index.html, the PEP-503-style listing
// linking to every registered package's simple-index page.
func (s *Scribe) RenderSimpleRoot(ctx context.Context) error {
	pkgs, err := s.oracle.ListPackages(ctx)
	if err != nil {
		return err
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })

	w := &byteSink{}
	if err := s.tmpl.ExecuteTemplate(w, "simple_root", struct{ Packages []model.Package }{Packages: pkgs}); err != nil {
		return fmt.Errorf("scribe: render simple root: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.cfg.OutputRoot, "simple", "index.html"), w.Bytes())
}

// RenderSearchIndex writes packages.json, the search-index document
// the home page's client-side search reads (spec §4.8).
func (s *Scribe) RenderSearchIndex(ctx context.Context) error {
	pkgs, err := s.oracle.ListPackages(ctx)
	if err != nil {
		return err
	}
	type row struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	rows := make([]row, 0, len(pkgs))
	for _, p := range pkgs {
		if !p.Active() {
			continue
		}
		rows = append(rows, row{Name: p.Name, Description: p.Description})
	}
	body, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("scribe: marshal search index: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.cfg.OutputRoot, "packages.json"), body)
}

// RenderHome writes index.html from the latest BIG_BRO statistics
// snapshot (spec §4.9's "pushes to SCRIBE").
func (s *Scribe) RenderHome(ctx context.Context) error {
	stats, err := s.oracle.GetStatistics(ctx)
	if err != nil {
		return err
	}
	return s.RenderHomeFromStats(stats)
}

// RenderHomeFromStats writes index.html from an already-computed
// snapshot, avoiding a duplicate ORACLE round trip when BIG_BRO has
// just pushed one (spec §4.9).
func (s *Scribe) RenderHomeFromStats(stats model.Statistics) error {
	w := &byteSink{}
	if err := s.tmpl.ExecuteTemplate(w, "home", struct {
		Stats       model.Statistics
		GeneratedAt string
	}{Stats: stats, GeneratedAt: time.Now().UTC().Format(time.RFC3339)}); err != nil {
		return fmt.Errorf("scribe: render home: %w", err)
	}
	return s.atomicWrite(filepath.Join(s.cfg.OutputRoot, "index.html"), w.Bytes())
}

// byteSink is an io.Writer accumulating into a byte slice, used so
// templates can execute once and the result written atomically rather
// than streamed directly to a half-formed file.
type byteSink struct{ buf []byte }

func (b *byteSink) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}
func (b *byteSink) Bytes() []byte { return b.buf }

const allTemplates = `
{{define "simple_root"}}<!DOCTYPE html>
<html>
<head><title>Simple index</title></head>
<body>
<h1>Simple index</h1>
{{range .Packages}}<a href="{{.Name}}/">{{.Name}}</a><br>
{{end}}
</body>
</html>
{{end}}

{{define "simple_package"}}<!DOCTYPE html>
<html>
<head><title>Links for {{.Package}}</title></head>
<body>
<h1>Links for {{.Package}}</h1>
{{range .Rows}}<a href="{{.Filename}}#sha256={{.Hash}}"{{if .Yanked}} data-yanked="true" class="yanked"{{end}}>{{.Filename}}</a><br>
{{end}}
</body>
</html>
{{end}}

{{define "project"}}<!DOCTYPE html>
<html>
<head><title>{{.Package.Name}}</title></head>
<body>
<h1>{{.Package.Name}}</h1>
<p>{{.Package.Description}}</p>
<h2>Versions</h2>
<ul>
{{range .Versions}}<li{{if .Yanked}} class="yanked" data-yanked="true"{{end}}>{{.Version}}</li>
{{end}}
</ul>
<h2>Files</h2>
<ul>
{{range .Files}}<li{{if .Yanked}} class="yanked" data-yanked="true"{{end}}>{{.Filename}} ({{.Size}} bytes)</li>
{{end}}
</ul>
</body>
</html>
{{end}}

{{define "home"}}<!DOCTYPE html>
<html>
<head><title>piwheels build farm</title></head>
<body>
<h1>piwheels build farm</h1>
<p>Generated at {{.GeneratedAt}}</p>
<ul>
<li>Packages: {{.Stats.Packages}}</li>
<li>Versions: {{.Stats.Versions}}</li>
<li>Files: {{.Stats.Files}}</li>
<li>Builds today: {{.Stats.BuildsToday}} ({{.Stats.BuildsFailedToday}} failed)</li>
<li>Active slaves: {{.Stats.ActiveSlaves}}</li>
</ul>
</body>
</html>
{{end}}
`
