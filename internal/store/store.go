// Package store is the ORACLE worker's persistence layer. Per spec
// §4.2/§6, the database surface is a closed set of named, stored
// procedures with security-definer semantics; this package is a thin,
// typed dispatcher that calls them and translates failures into the
// classified error kinds of spec §7. Schema creation and the
// procedure bodies themselves are owned by the external
// database-init tool (spec §1, explicitly out of scope) — see
// internal/migrations for the fixtures used only to stand up a schema
// for this repository's own tests.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/model"
)

// Store is the full set of named ORACLE operations spec §4.2
// enumerates. Each method is one database transaction.
type Store interface {
	AddPackage(ctx context.Context, name string) error
	RecordAlias(ctx context.Context, name, canonical string, seenAt time.Time) error
	AddVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error
	SetYanked(ctx context.Context, pkg, version string, yanked bool) error
	DeleteVersion(ctx context.Context, pkg, version string) error
	DeletePackage(ctx context.Context, pkg string) error
	SetPackageSkip(ctx context.Context, pkg, reason string) error
	SetVersionSkip(ctx context.Context, pkg, version, reason string) error
	RegisterABI(ctx context.Context, abi, description string) error
	SetABISkip(ctx context.Context, abi, reason string) error
	RegisterPreinstalledDep(ctx context.Context, abi, systemPackage string) error

	GetConfiguration(ctx context.Context) (model.Configuration, error)
	SetPypiSerial(ctx context.Context, serial int64) error

	GetPendingQueue(ctx context.Context, topK int) ([]model.PendingEntry, error)

	LogBuildSuccess(ctx context.Context, build model.Build, files []model.BuildFile, deps []model.Dependency) (int64, error)
	LogBuildFailure(ctx context.Context, build model.Build) (int64, error)
	DeleteBuild(ctx context.Context, buildID int64) error

	GetProjectFiles(ctx context.Context, pkg string) ([]model.ProjectFile, error)
	GetProjectData(ctx context.Context, pkg string) (model.Package, []model.Version, error)
	ListPackages(ctx context.Context) ([]model.Package, error)

	SaveRewritesPending(ctx context.Context, pending []model.RewritePending) error
	LoadRewritesPending(ctx context.Context) ([]model.RewritePending, error)

	RecordAccessEvent(ctx context.Context, event model.AccessEvent) error
	GetStatistics(ctx context.Context) (model.Statistics, error)
}

// Postgres implements Store by calling named stored procedures over a
// single *sqlx.DB. Per spec §9, each ORACLE worker owns its own
// connection — callers construct one Postgres per worker rather than
// sharing a pool across them.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to dsn and configures the connection the way a single
// ORACLE worker needs: exactly one open connection is sufficient since
// a worker processes one request at a time (spec §4.2 "exactly one
// outstanding request per worker"), but a small ceiling guards against
// accidental concurrent use within the process.
func Open(dsn string, maxOpenConns int, connMaxLifetime time.Duration) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errs.New(errs.KindDBUnavailable, "store.Open", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	// The search_path MUST NOT include the caller's own schema, so a
	// qualified identifier in a parameter cannot be used to reach
	// arbitrary objects (spec §4.2).
	if _, err := db.Exec(`SET search_path = piwheels_api, pg_catalog`); err != nil {
		db.Close()
		return nil, errs.New(errs.KindDBUnavailable, "store.Open", err)
	}

	return &Postgres{db: db}, nil
}

// NewWithDB wraps an already-open handle, used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Postgres { return &Postgres{db: db} }

// Close releases the underlying connection.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity, used once by cmd/buildmaster's startup
// check.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errs.New(errs.KindDBUnavailable, "store.Ping", err)
	}
	return nil
}

func (p *Postgres) AddPackage(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.add_package($1)`, name)
	return classify("AddPackage", err)
}

func (p *Postgres) RecordAlias(ctx context.Context, name, canonical string, seenAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.record_alias($1, $2, $3)`, name, canonical, seenAt.UTC())
	return classify("RecordAlias", err)
}

func (p *Postgres) AddVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.add_version($1, $2, $3)`, pkg, version, releasedAt.UTC())
	return classify("AddVersion", err)
}

func (p *Postgres) SetYanked(ctx context.Context, pkg, version string, yanked bool) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.set_yanked($1, $2, $3)`, pkg, version, yanked)
	return classify("SetYanked", err)
}

func (p *Postgres) DeleteVersion(ctx context.Context, pkg, version string) error {
	res, err := p.db.ExecContext(ctx, `SELECT piwheels_api.delete_version($1, $2)`, pkg, version)
	return classifyNotFound("DeleteVersion", res, err)
}

func (p *Postgres) DeletePackage(ctx context.Context, pkg string) error {
	res, err := p.db.ExecContext(ctx, `SELECT piwheels_api.delete_package($1)`, pkg)
	return classifyNotFound("DeletePackage", res, err)
}

func (p *Postgres) SetPackageSkip(ctx context.Context, pkg, reason string) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.set_package_skip($1, $2)`, pkg, reason)
	return classify("SetPackageSkip", err)
}

func (p *Postgres) SetVersionSkip(ctx context.Context, pkg, version, reason string) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.set_version_skip($1, $2, $3)`, pkg, version, reason)
	return classify("SetVersionSkip", err)
}

func (p *Postgres) RegisterABI(ctx context.Context, abi, description string) error {
	if abi == model.NoneABI {
		return errs.New(errs.KindDBIntegrity, "RegisterABI", fmt.Errorf("%q is reserved and cannot be registered", model.NoneABI))
	}
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.register_abi($1, $2)`, abi, description)
	return classify("RegisterABI", err)
}

func (p *Postgres) SetABISkip(ctx context.Context, abi, reason string) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.set_abi_skip($1, $2)`, abi, reason)
	return classify("SetABISkip", err)
}

func (p *Postgres) RegisterPreinstalledDep(ctx context.Context, abi, systemPackage string) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.register_preinstalled_dep($1, $2)`, abi, systemPackage)
	return classify("RegisterPreinstalledDep", err)
}

func (p *Postgres) GetConfiguration(ctx context.Context) (model.Configuration, error) {
	var cfg model.Configuration
	row := p.db.QueryRowxContext(ctx, `SELECT schema_version, pypi_serial FROM piwheels_api.get_configuration()`)
	if err := row.Scan(&cfg.SchemaVersion, &cfg.PypiSerial); err != nil {
		return model.Configuration{}, classify("GetConfiguration", err)
	}
	return cfg, nil
}

// SetPypiSerial advances Configuration.pypi_serial. The stored
// procedure rejects a non-increasing value; that rejection surfaces
// here as KindDBIntegrity per spec §3/§8 invariant 1.
func (p *Postgres) SetPypiSerial(ctx context.Context, serial int64) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.set_pypi_serial($1)`, serial)
	return classify("SetPypiSerial", err)
}

// GetPendingQueue calls the pending-queue stored procedure, which
// implements the §4.4 computation (ABI assignment, ordering,
// top-K-per-ABI truncation) inside the database. This dispatcher does
// not reimplement that logic; see internal/arch for how the result is
// packaged into a per-ABI snapshot.
func (p *Postgres) GetPendingQueue(ctx context.Context, topK int) ([]model.PendingEntry, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT abi, package, version, position FROM piwheels_api.get_pending_queue($1)`, topK)
	if err != nil {
		return nil, classify("GetPendingQueue", err)
	}
	defer rows.Close()

	var out []model.PendingEntry
	for rows.Next() {
		var e model.PendingEntry
		if err := rows.Scan(&e.ABI, &e.Package, &e.Version, &e.Position); err != nil {
			return nil, classify("GetPendingQueue", err)
		}
		out = append(out, e)
	}
	return out, classify("GetPendingQueue", rows.Err())
}

// LogBuildSuccess atomically records a Build row, its BuildFiles and
// their Dependencies. The database rejects a success Build with zero
// files (spec §3/§8 invariant 2); that rejection surfaces as
// KindDBIntegrity.
func (p *Postgres) LogBuildSuccess(ctx context.Context, build model.Build, files []model.BuildFile, deps []model.Dependency) (int64, error) {
	if len(files) == 0 {
		return 0, errs.New(errs.KindDBIntegrity, "LogBuildSuccess", errors.New("a successful build requires at least one file"))
	}

	filenames := make([]string, len(files))
	sizes := make([]int64, len(files))
	hashes := make([]string, len(files))
	pkgTags := make([]string, len(files))
	verTags := make([]string, len(files))
	interpTags := make([]string, len(files))
	abiTags := make([]string, len(files))
	platTags := make([]string, len(files))
	requires := make([]string, len(files))
	for i, f := range files {
		filenames[i] = f.Filename
		sizes[i] = f.Size
		hashes[i] = f.SHA256
		pkgTags[i] = f.PackageTag
		verTags[i] = f.VersionTag
		interpTags[i] = f.InterpreterTag
		abiTags[i] = f.ABITag
		platTags[i] = f.PlatformTag
		requires[i] = f.Requires
	}

	depFiles := make([]string, len(deps))
	depTools := make([]string, len(deps))
	depNames := make([]string, len(deps))
	for i, d := range deps {
		depFiles[i] = d.Filename
		depTools[i] = string(d.Tool)
		depNames[i] = d.Name
	}

	var buildID int64
	row := p.db.QueryRowxContext(ctx, `
		SELECT piwheels_api.log_build_success(
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		build.Package, build.Version, build.ABI, build.SlaveID, build.StartedAt.UTC(), build.Duration,
		pq.Array(filenames), pq.Array(sizes), pq.Array(hashes), pq.Array(pkgTags), pq.Array(verTags),
		pq.Array(interpTags), pq.Array(abiTags), pq.Array(platTags), pq.Array(requires),
		pq.Array(depFiles), pq.Array(depTools), pq.Array(depNames),
	)
	if err := row.Scan(&buildID); err != nil {
		return 0, classify("LogBuildSuccess", err)
	}
	return buildID, nil
}

func (p *Postgres) LogBuildFailure(ctx context.Context, build model.Build) (int64, error) {
	var buildID int64
	row := p.db.QueryRowxContext(ctx, `
		SELECT piwheels_api.log_build_failure($1, $2, $3, $4, $5, $6, $7)`,
		build.Package, build.Version, build.ABI, build.SlaveID, build.StartedAt.UTC(), build.Duration, build.Log,
	)
	if err := row.Scan(&buildID); err != nil {
		return 0, classify("LogBuildFailure", err)
	}
	return buildID, nil
}

func (p *Postgres) DeleteBuild(ctx context.Context, buildID int64) error {
	res, err := p.db.ExecContext(ctx, `SELECT piwheels_api.delete_build($1)`, buildID)
	return classifyNotFound("DeleteBuild", res, err)
}

func (p *Postgres) GetProjectFiles(ctx context.Context, pkg string) ([]model.ProjectFile, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT filename, build_id, size, sha256, package_tag, version_tag, interpreter_tag,
		       abi_tag, platform_tag, requires, yanked, apt_deps, pip_deps
		FROM piwheels_api.get_project_files($1)`, pkg)
	if err != nil {
		return nil, classify("GetProjectFiles", err)
	}
	defer rows.Close()

	var out []model.ProjectFile
	for rows.Next() {
		var f model.ProjectFile
		var apt, pip pq.StringArray
		if err := rows.Scan(&f.Filename, &f.BuildID, &f.Size, &f.SHA256, &f.PackageTag, &f.VersionTag,
			&f.InterpreterTag, &f.ABITag, &f.PlatformTag, &f.Requires, &f.Yanked, &apt, &pip); err != nil {
			return nil, classify("GetProjectFiles", err)
		}
		f.APT = []string(apt)
		f.Pip = []string(pip)
		out = append(out, f)
	}
	return out, classify("GetProjectFiles", rows.Err())
}

func (p *Postgres) GetProjectData(ctx context.Context, pkg string) (model.Package, []model.Version, error) {
	var pkgRow model.Package
	row := p.db.QueryRowxContext(ctx, `SELECT name, skip_reason, description FROM piwheels_api.get_package($1)`, pkg)
	if err := row.Scan(&pkgRow.Name, &pkgRow.SkipReason, &pkgRow.Description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Package{}, nil, errs.New(errs.KindNotFound, "GetProjectData", err)
		}
		return model.Package{}, nil, classify("GetProjectData", err)
	}

	rows, err := p.db.QueryxContext(ctx, `SELECT version, released_at, skip_reason, yanked FROM piwheels_api.get_versions($1)`, pkg)
	if err != nil {
		return model.Package{}, nil, classify("GetProjectData", err)
	}
	defer rows.Close()

	var versions []model.Version
	for rows.Next() {
		v := model.Version{Package: pkg}
		if err := rows.Scan(&v.Version, &v.ReleasedAt, &v.SkipReason, &v.Yanked); err != nil {
			return model.Package{}, nil, classify("GetProjectData", err)
		}
		versions = append(versions, v)
	}
	return pkgRow, versions, classify("GetProjectData", rows.Err())
}

// ListPackages returns every registered Package, for SCRIBE's
// simple-index root and search-index rendering.
func (p *Postgres) ListPackages(ctx context.Context) ([]model.Package, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT name, skip_reason, description FROM piwheels_api.list_packages()`)
	if err != nil {
		return nil, classify("ListPackages", err)
	}
	defer rows.Close()

	var out []model.Package
	for rows.Next() {
		var pkg model.Package
		if err := rows.Scan(&pkg.Name, &pkg.SkipReason, &pkg.Description); err != nil {
			return nil, classify("ListPackages", err)
		}
		out = append(out, pkg)
	}
	return out, classify("ListPackages", rows.Err())
}

func (p *Postgres) SaveRewritesPending(ctx context.Context, pending []model.RewritePending) error {
	pkgs := make([]string, len(pending))
	addedAt := make([]time.Time, len(pending))
	commands := make([]string, len(pending))
	for i, r := range pending {
		pkgs[i] = r.Package
		addedAt[i] = r.AddedAt.UTC()
		commands[i] = string(r.Command)
	}
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.save_rewrites_pending($1, $2, $3)`,
		pq.Array(pkgs), pq.Array(addedAt), pq.Array(commands))
	return classify("SaveRewritesPending", err)
}

func (p *Postgres) LoadRewritesPending(ctx context.Context) ([]model.RewritePending, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT package, added_at, command FROM piwheels_api.load_rewrites_pending()`)
	if err != nil {
		return nil, classify("LoadRewritesPending", err)
	}
	defer rows.Close()

	var out []model.RewritePending
	for rows.Next() {
		var r model.RewritePending
		var cmd string
		if err := rows.Scan(&r.Package, &r.AddedAt, &cmd); err != nil {
			return nil, classify("LoadRewritesPending", err)
		}
		r.Command = model.RewriteCommand(cmd)
		out = append(out, r)
	}
	return out, classify("LoadRewritesPending", rows.Err())
}

func (p *Postgres) RecordAccessEvent(ctx context.Context, event model.AccessEvent) error {
	_, err := p.db.ExecContext(ctx, `SELECT piwheels_api.record_access_event($1, $2, $3, $4, $5, $6, $7)`,
		string(event.Kind), event.At.UTC(), event.ClientAddr, event.UserAgent, event.ClientSW, event.Filename, event.Package)
	return classify("RecordAccessEvent", err)
}

func (p *Postgres) GetStatistics(ctx context.Context) (model.Statistics, error) {
	var stats model.Statistics
	row := p.db.QueryRowxContext(ctx, `
		SELECT packages, versions, files, builds_today, builds_failed_today, generated_at
		FROM piwheels_api.get_statistics()`)
	if err := row.Scan(&stats.Packages, &stats.Versions, &stats.Files, &stats.BuildsToday, &stats.BuildsFailedToday, &stats.GeneratedAt); err != nil {
		return model.Statistics{}, classify("GetStatistics", err)
	}

	rows, err := p.db.QueryxContext(ctx, `SELECT package, downloads FROM piwheels_api.get_top_downloads(30, 10)`)
	if err != nil {
		return model.Statistics{}, classify("GetStatistics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d model.PackageDownloads
		if err := rows.Scan(&d.Package, &d.Downloads); err != nil {
			return model.Statistics{}, classify("GetStatistics", err)
		}
		stats.TopDownloads30d = append(stats.TopDownloads30d, d)
	}
	return stats, classify("GetStatistics", rows.Err())
}

// classify maps a raw database error to a spec §7 error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.KindNotFound, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "P0002" { // no_data_found: a procedure's "not found" raise
			return errs.New(errs.KindNotFound, op, err)
		}
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation
			return errs.New(errs.KindDBIntegrity, op, err)
		case "P0": // raised by PL/pgSQL RAISE EXCEPTION, used by the
			// stored procedures for invariant violations such as a
			// decreasing pypi_serial or a zero-file success build.
			return errs.New(errs.KindDBIntegrity, op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.KindTimeout, op, err)
	}
	return errs.New(errs.KindDBUnavailable, op, err)
}

func classifyNotFound(op string, res sql.Result, err error) error {
	if err != nil {
		return classify(op, err)
	}
	if res == nil {
		return nil
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.KindNotFound, op, fmt.Errorf("no matching row"))
	}
	return nil
}
