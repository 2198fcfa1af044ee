// Package model defines the relational entities owned by the master
// coordinator, as described in spec §3. These types are shared between
// internal/store (persistence), internal/oracle (the operation
// dispatcher) and the component tasks that consume them.
package model

import "time"

// NoneABI is the reserved tag meaning "compatible with every ABI". It
// MUST NOT appear as a registered BuildABI row.
const NoneABI = "none"

// Package is a canonical, case-folded package name.
type Package struct {
	Name        string
	SkipReason  string
	Description string
}

// Active reports whether the package currently accepts new builds.
func (p Package) Active() bool { return p.SkipReason == "" }

// Alias records a historical name that resolved to a canonical Package.
type Alias struct {
	Name       string
	Canonical  string
	LastSeenAt time.Time
}

// Version identifies one (package, version-string) release.
type Version struct {
	Package     string
	Version     string
	ReleasedAt  time.Time
	SkipReason  string
	Yanked      bool
}

// Active reports whether the version currently accepts new builds.
func (v Version) Active() bool { return v.SkipReason == "" }

// BuildABI is a registered target ABI tag (interpreter+OS combination).
type BuildABI struct {
	Tag         string
	SkipReason  string
	Description string
}

// Active reports whether the ABI currently accepts new builds.
func (a BuildABI) Active() bool { return a.SkipReason == "" }

// Build is one build attempt against (package, version, abi).
type Build struct {
	ID        int64
	Package   string
	Version   string
	ABI       string
	SlaveID   string
	StartedAt time.Time
	Duration  time.Duration
	Success   bool
	Log       string
}

// BuildFile is one artifact produced by a successful Build.
type BuildFile struct {
	Filename         string
	BuildID          int64
	Size             int64
	SHA256           string
	PackageTag       string
	VersionTag       string
	InterpreterTag   string
	ABITag           string
	PlatformTag      string
	Requires         string // interpreter-requirement expression, may be empty
}

// DependencyTool is the closed set of tools a Dependency can name.
type DependencyTool string

const (
	ToolAPT  DependencyTool = "apt"
	ToolPip  DependencyTool = "pip"
	ToolNone DependencyTool = ""
)

// Dependency is one (filename, tool, dependency-name) triple extracted
// from a BuildFile's metadata.
type Dependency struct {
	Filename string
	Tool     DependencyTool
	Name     string
}

// PreinstalledDep names a system package considered already present
// for a given ABI, subtracted from reported requirements before
// publishing.
type PreinstalledDep struct {
	ABI           string
	SystemPackage string
}

// AccessEventKind is the closed set of access-log record kinds.
type AccessEventKind string

const (
	EventDownload    AccessEventKind = "download"
	EventSearch      AccessEventKind = "search"
	EventProjectView AccessEventKind = "project-view"
	EventJSONView    AccessEventKind = "json-view"
	EventPageView    AccessEventKind = "page-view"
)

// AccessEvent is one append-only access-log record.
type AccessEvent struct {
	ID         int64
	Kind       AccessEventKind
	At         time.Time
	ClientAddr string
	UserAgent  string
	ClientSW   string
	Filename   string // set for EventDownload
	Package    string // set when attributable to a single package
}

// RewriteCommand is the closed set of SCRIBE render commands.
type RewriteCommand string

const (
	RewriteProject RewriteCommand = "PROJECT"
	RewriteBoth    RewriteCommand = "BOTH"
)

// Promote returns the command that results from merging two pending
// render requests for the same package: PROJECT is subsumed by BOTH.
func (c RewriteCommand) Promote(other RewriteCommand) RewriteCommand {
	if c == RewriteBoth || other == RewriteBoth {
		return RewriteBoth
	}
	return RewriteProject
}

// RewritePending is one persisted entry of SECRETARY's debounce map.
type RewritePending struct {
	Package string
	AddedAt time.Time
	Command RewriteCommand
}

// Configuration is the singleton row holding schema version and the
// last-seen upstream serial number.
type Configuration struct {
	SchemaVersion int
	PypiSerial    int64
}

// PendingEntry is one row of the derived PendingQueue view: a
// (package, version) pair still requiring a build attempt against ABI.
type PendingEntry struct {
	ABI      string
	Package  string
	Version  string
	Position int
}

// ProjectFile is the rendering-facing view of a BuildFile, with
// preinstalled dependencies already subtracted and yank status
// attached from its Version.
type ProjectFile struct {
	BuildFile
	Yanked bool
	APT    []string
	Pip    []string
}

// Statistics is the composite snapshot BIG_BRO produces each tick.
type Statistics struct {
	GeneratedAt      time.Time
	Packages         int64
	Versions         int64
	Files            int64
	BuildsToday      int64
	BuildsFailedToday int64
	QueueSizeByABI   map[string]int
	ActiveSlaves     int
	HostCPUPercent   float64
	HostMemPercent   float64
	TopDownloads30d  []PackageDownloads
}

// PackageDownloads is one row of the top-downloads-in-30-days table.
type PackageDownloads struct {
	Package   string
	Downloads int64
}
