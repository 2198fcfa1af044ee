// Package chase implements CHASE (spec §4.7): a local admin/import
// HTTP endpoint that shares ORACLE/SECRETARY/SCRIBE with DRIVER and
// JUGGLER but skips the wire protocol entirely. It accepts IMPORT,
// REMOVE and REBUILD commands over a Unix domain socket and replies
// DONE or ERROR(message).
package chase

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
	"github.com/piwheels/master/internal/scribe"
)

// Secretary is the narrow interface CHASE notifies after IMPORT/REMOVE
// so the affected package's pages get re-rendered on the normal
// debounced path. internal/secretary.Secretary implements it.
type Secretary interface {
	Notify(pkg string, command model.RewriteCommand)
}

// Rebuilder is the narrow interface CHASE drives for REBUILD, which is
// an explicit admin request and therefore bypasses SECRETARY's
// debounce entirely. internal/scribe.Scribe implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context, job scribe.Job, pkg string) error
}

// Chase is the admin/import task.
type Chase struct {
	cfg       config.ChaseConfig
	oracle    *oracle.LoadBalancer
	secretary Secretary
	scribe    Rebuilder
	log       *logrus.Entry
	metrics   *metrics.Recorder
	srv       *http.Server
}

// New builds a Chase.
func New(cfg config.ChaseConfig, lb *oracle.LoadBalancer, sec Secretary, scr Rebuilder, rec *metrics.Recorder, log *logrus.Entry) *Chase {
	return &Chase{
		cfg:       cfg,
		oracle:    lb,
		secretary: sec,
		scribe:    scr,
		log:       log.WithField("task", "chase"),
		metrics:   rec,
	}
}

type importFile struct {
	Filename string `json:"filename"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Content  []byte `json:"content"`
}

type importRequest struct {
	Package string       `json:"package"`
	Version string       `json:"version"`
	ABI     string       `json:"abi"`
	Success bool         `json:"success"`
	Log     string       `json:"log"`
	Files   []importFile `json:"files"`
}

type removeRequest struct {
	Package string `json:"package"`
	Version string `json:"version"`
	Reason  string `json:"reason"` // non-empty: mark skipped; empty: delete
}

type rebuildRequest struct {
	Job     string `json:"job"` // HOME, SEARCH, PROJECT, BOTH
	Package string `json:"package"` // empty: all packages
}

// Handler builds the chi router for the three commands.
func (c *Chase) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/import", c.handleImport)
	r.Post("/remove", c.handleRemove)
	r.Post("/rebuild", c.handleRebuild)
	return r
}

// Run listens on the configured Unix domain socket until ctx is
// cancelled. The socket file is removed before binding so a stale
// file from a previous crash doesn't block startup.
func (c *Chase) Run(ctx context.Context) error {
	_ = os.Remove(c.cfg.SocketPath)
	if dir := filepath.Dir(c.cfg.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.New(errs.KindFS, "chase.Run", err)
		}
	}

	ln, err := net.Listen("unix", c.cfg.SocketPath)
	if err != nil {
		return errs.New(errs.KindProtocol, "chase.Run", err)
	}
	c.srv = &http.Server{Handler: c.Handler()}

	errCh := make(chan error, 1)
	go func() {
		c.log.WithField("socket", c.cfg.SocketPath).Info("chase: listening")
		if err := c.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := c.srv.Shutdown(shutdownCtx)
		_ = os.Remove(c.cfg.SocketPath)
		return err
	case err := <-errCh:
		return err
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeDone(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "DONE"})
}

func (c *Chase) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	build := model.Build{
		Package:   req.Package,
		Version:   req.Version,
		ABI:       req.ABI,
		SlaveID:   "chase-import",
		StartedAt: time.Now(),
		Success:   req.Success,
		Log:       req.Log,
	}

	if !req.Success {
		if _, err := c.oracle.LogBuildFailure(ctx, build); err != nil {
			c.log.WithError(err).Error("chase: import log failure")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		c.metrics.Counter("import_failures", map[string]string{"package": req.Package}, 1)
		writeDone(w)
		return
	}

	files := make([]model.BuildFile, 0, len(req.Files))
	for _, f := range req.Files {
		if err := c.writeImportedFile(f); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		files = append(files, model.BuildFile{
			Filename:   f.Filename,
			Size:       f.Size,
			SHA256:     f.SHA256,
			PackageTag: req.Package,
			VersionTag: req.Version,
			ABITag:     req.ABI,
		})
	}

	if _, err := c.oracle.LogBuildSuccess(ctx, build, files, nil); err != nil {
		c.log.WithError(err).Error("chase: import log success")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if c.secretary != nil {
		c.secretary.Notify(req.Package, model.RewriteBoth)
	}
	c.metrics.Counter("imports", map[string]string{"package": req.Package}, 1)
	writeDone(w)
}

func (c *Chase) writeImportedFile(f importFile) error {
	if err := os.MkdirAll(c.cfg.OutputRoot, 0o755); err != nil {
		return errs.New(errs.KindFS, "chase.writeImportedFile", err)
	}
	dest := filepath.Join(c.cfg.OutputRoot, f.Filename)
	tmp := dest + ".tmp-chase"
	if err := os.WriteFile(tmp, f.Content, 0o644); err != nil {
		return errs.New(errs.KindFS, "chase.writeImportedFile", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return errs.New(errs.KindFS, "chase.writeImportedFile", err)
	}
	return nil
}

func (c *Chase) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	var err error
	if req.Reason != "" {
		err = c.oracle.SetVersionSkip(ctx, req.Package, req.Version, req.Reason)
	} else {
		err = c.oracle.DeleteVersion(ctx, req.Package, req.Version)
	}
	if err != nil {
		c.log.WithError(err).Error("chase: remove")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if c.secretary != nil {
		c.secretary.Notify(req.Package, model.RewriteBoth)
	}
	c.metrics.Counter("removals", map[string]string{"package": req.Package}, 1)
	writeDone(w)
}

func (c *Chase) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := parseJob(req.Job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if c.scribe == nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("rebuild target not configured"))
		return
	}
	if err := c.scribe.Rebuild(r.Context(), job, req.Package); err != nil {
		c.log.WithError(err).Error("chase: rebuild")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	c.metrics.Counter("rebuilds", map[string]string{"job": req.Job}, 1)
	writeDone(w)
}

func parseJob(s string) (scribe.Job, error) {
	switch scribe.Job(s) {
	case scribe.JobHome, scribe.JobSearch, scribe.JobProject, scribe.JobBoth:
		return scribe.Job(s), nil
	default:
		return "", fmt.Errorf("unknown rebuild job %q", s)
	}
}
