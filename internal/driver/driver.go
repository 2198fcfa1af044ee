// Package driver implements DRIVER (spec §4.5): the protocol endpoint
// for remote builders. One long-lived goroutine (Driver.Run) owns every
// SlaveSession; all mutation happens there, never under a lock, per
// spec §9 ("no locks because only DRIVER mutates it"). HTTP/websocket
// callbacks and ORACLE results reach it only as events on a channel.
package driver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/arch"
	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
	"github.com/piwheels/master/internal/transport"
)

// State is one of the builder state machine's five states (spec §4.5).
type State string

const (
	StateHandshake State = "HANDSHAKE"
	StateIdle      State = "IDLE"
	StateBuilding  State = "BUILDING"
	StateSending   State = "SENDING"
	StateGoodbye   State = "GOODBYE"
)

// protocolVersion is the wire protocol revision this master speaks;
// HELLOs reporting a different value are refused with DIE (spec §6).
const protocolVersion = 1

// Capabilities are the fields a builder self-reports at HELLO.
type Capabilities struct {
	ABI              string
	Platform         string
	Label            string
	OSInfo           string
	HardwareRevision string
}

// PendingFile is one file DRIVER still owes JUGGLER notice of, carried
// from the builder's BUILT report through the SEND/SENT loop.
type PendingFile struct {
	Filename string
	SHA256   string
	Size     int64
}

// SlaveSession is DRIVER's per-builder state, indexed by slave-id.
type SlaveSession struct {
	ID            string
	Caps          Capabilities
	MasterTimeout time.Duration
	State         State
	Package       string
	Version       string
	PendingFiles  []PendingFile
	LastHeartbeat time.Time
	KillArmed     bool
	CancelArmed   bool
	transferTries int
}

// Secretary is the narrow interface DRIVER notifies after a build's
// files have all transferred successfully (spec §4.5 "notifies
// SECRETARY ... BOTH command"). internal/secretary.Secretary implements
// it; kept as an interface here to avoid an import cycle.
type Secretary interface {
	Notify(pkg string, command model.RewriteCommand)
}

// FileExpector is the narrow interface DRIVER uses to hand off an
// expected incoming file's hash and size to JUGGLER before replying
// SEND to the builder (spec §4.6). internal/juggler.Juggler implements
// it; kept as an interface here to avoid an import cycle.
type FileExpector interface {
	Expect(slaveID, filename, sha256 string, size int64)
}

// Driver is the DRIVER task.
type Driver struct {
	cfg       config.DriverConfig
	oracle    *oracle.LoadBalancer
	router    *transport.RouterSocket
	registry  *transport.Registry
	secretary Secretary
	juggler   FileExpector
	log       *logrus.Entry
	metrics   *metrics.Recorder

	sessions map[string]*SlaveSession
	queue    map[string][]model.PendingEntry // per-ABI, latest ARCH snapshot
	inFlight map[string]map[string]bool      // abi -> "pkg==ver" -> true

	events chan event
	paused bool
	kills  map[string]bool // slave-ids an operator has asked to retire

	activeCount atomic.Int64 // mirrors len(sessions), readable off-goroutine
}

// New builds a Driver. ARCH's queue snapshots arrive through
// ApplySnapshot and SUPERVISOR's PAUSE/RESUME through SetPaused.
func New(cfg config.DriverConfig, lb *oracle.LoadBalancer, secretary Secretary, juggler FileExpector, rec *metrics.Recorder, log *logrus.Entry) *Driver {
	registry := transport.NewBuilderRegistry()
	return &Driver{
		cfg:       cfg,
		oracle:    lb,
		router:    transport.NewRouterSocket(registry),
		registry:  registry,
		juggler:   juggler,
		secretary: secretary,
		log:       log.WithField("task", "driver"),
		metrics:   rec,
		sessions:  make(map[string]*SlaveSession),
		queue:     make(map[string][]model.PendingEntry),
		inFlight:  make(map[string]map[string]bool),
		events:    make(chan event, 256),
		kills:     make(map[string]bool),
	}
}

// Handler returns the HTTP handler to mount for the builder wire
// protocol websocket endpoint.
func (d *Driver) Handler() http.HandlerFunc {
	return d.router.Handler(d.identify, d.onMessage, d.onClose)
}

func (d *Driver) identify(first transport.Message) (string, bool) {
	if first.Tag != "HELLO" {
		return "", false
	}
	return uuid.New().String(), true
}

func (d *Driver) onMessage(slaveID string, m transport.Message) {
	d.events <- event{kind: evMessage, slaveID: slaveID, msg: m}
}

func (d *Driver) onClose(slaveID string) {
	d.events <- event{kind: evClose, slaveID: slaveID}
}

// ApplySnapshot feeds a freshly published ARCH snapshot into DRIVER.
// Call it from the goroutine reading arch.Arch.Snapshots().
func (d *Driver) ApplySnapshot(snap arch.Snapshot) {
	d.events <- event{kind: evSnapshot, snapshot: snap}
}

// SetPaused feeds SUPERVISOR's PAUSE/RESUME fan-out into DRIVER.
func (d *Driver) SetPaused(paused bool) {
	d.events <- event{kind: evPause, paused: paused}
}

// KillSlave arms a DIE reply for slaveID the next time it reports IDLE.
func (d *Driver) KillSlave(slaveID string) {
	d.events <- event{kind: evKill, slaveID: slaveID}
}

// NotifyTransfer is called by JUGGLER once a file transfer for slaveID
// either verifies or is rejected (spec §4.6 "signals DRIVER").
func (d *Driver) NotifyTransfer(slaveID, filename string, verified bool) {
	d.events <- event{kind: evTransfer, slaveID: slaveID, filename: filename, verified: verified}
}

type eventKind int

const (
	evMessage eventKind = iota
	evClose
	evSnapshot
	evPause
	evKill
	evTransfer
	evBuildRecorded
)

type event struct {
	kind     eventKind
	slaveID  string
	msg      transport.Message
	snapshot arch.Snapshot
	paused   bool
	filename string
	verified bool

	buildID int64
	files   []model.BuildFile
	success bool
	err     error
}

// Run drives the event loop and the liveness sweep until ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context) error {
	sweep := time.NewTicker(5 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.events:
			d.handle(ctx, ev)
		case <-sweep.C:
			d.sweepLiveness()
		}
	}
}

func (d *Driver) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSnapshot:
		d.applySnapshot(ev.snapshot)
	case evPause:
		d.paused = ev.paused
	case evKill:
		d.kills[ev.slaveID] = true
	case evClose:
		d.dropSession(ev.slaveID)
	case evTransfer:
		d.handleTransfer(ctx, ev.slaveID, ev.filename, ev.verified)
	case evBuildRecorded:
		d.handleRecorded(d.sessions[ev.slaveID], ev.err)
	case evMessage:
		d.handleMessage(ctx, ev.slaveID, ev.msg)
	}
}

func (d *Driver) applySnapshot(snap arch.Snapshot) {
	for abi, rows := range snap.ByABI {
		inflight := d.inFlight[abi]
		filtered := rows[:0:0]
		for _, r := range rows {
			if inflight != nil && inflight[r.Package+"=="+r.Version] {
				continue
			}
			filtered = append(filtered, r)
		}
		d.queue[abi] = filtered
	}
}

func (d *Driver) markInFlight(abi, pkg, version string) {
	if d.inFlight[abi] == nil {
		d.inFlight[abi] = make(map[string]bool)
	}
	d.inFlight[abi][pkg+"=="+version] = true
}

func (d *Driver) clearInFlight(abi, pkg, version string) {
	if m := d.inFlight[abi]; m != nil {
		delete(m, pkg+"=="+version)
	}
}

func (d *Driver) dropSession(slaveID string) {
	s, ok := d.sessions[slaveID]
	if !ok {
		return
	}
	if s.State == StateBuilding || s.State == StateSending {
		d.clearInFlight(s.Caps.ABI, s.Package, s.Version)
	}
	delete(d.sessions, slaveID)
	delete(d.kills, slaveID)
	d.activeCount.Store(int64(len(d.sessions)))
	d.metrics.Gauge("active_slaves", nil, float64(len(d.sessions)))
}

func (d *Driver) sweepLiveness() {
	now := time.Now()
	for id, s := range d.sessions {
		if s.MasterTimeout > 0 && now.Sub(s.LastHeartbeat) > s.MasterTimeout {
			d.log.WithField("slave", id).Warn("driver: session timed out, discarding")
			d.router.Close(id)
			d.dropSession(id)
		}
	}
}

func (d *Driver) reply(slaveID string, m transport.Message) {
	if err := d.router.SendTo(slaveID, m); err != nil {
		d.log.WithError(err).WithField("slave", slaveID).Warn("driver: reply failed")
	}
}

func (d *Driver) handleMessage(ctx context.Context, slaveID string, m transport.Message) {
	s, exists := d.sessions[slaveID]

	switch m.Tag {
	case "HELLO":
		d.handleHello(slaveID, m)
		return
	case "BYE":
		d.dropSession(slaveID)
		return
	}

	if !exists {
		d.log.WithField("slave", slaveID).Warn("driver: message for unknown session, dropping")
		return
	}
	s.LastHeartbeat = time.Now()

	switch m.Tag {
	case "IDLE":
		d.handleIdle(s)
	case "BUSY":
		d.handleBusy(s)
	case "BUILT":
		d.handleBuilt(ctx, s, m)
	case "SENT":
		d.handleSent(s, m)
	default:
		d.log.WithFields(logrus.Fields{"slave": slaveID, "tag": m.Tag, "state": s.State}).
			Warn("driver: unexpected message for state, dropping session")
		d.router.Close(slaveID)
		d.dropSession(slaveID)
	}
}

func (d *Driver) handleHello(slaveID string, m transport.Message) {
	caps := Capabilities{
		ABI:              strField(m, 0),
		Platform:         strField(m, 1),
		Label:            strField(m, 2),
		OSInfo:           strField(m, 3),
		HardwareRevision: strField(m, 4),
	}
	masterTimeout := durField(m, 5)
	version := intField(m, 6)

	if version != protocolVersion {
		d.reply(slaveID, transport.Bare("DIE"))
		d.router.Close(slaveID)
		return
	}

	d.sessions[slaveID] = &SlaveSession{
		ID:            slaveID,
		Caps:          caps,
		MasterTimeout: masterTimeout,
		State:         StateIdle,
		LastHeartbeat: time.Now(),
	}
	d.reply(slaveID, transport.New("ACK",
		transport.VString(slaveID),
		transport.VString(d.cfg.UpstreamURL),
	))
	d.activeCount.Store(int64(len(d.sessions)))
	d.metrics.Gauge("active_slaves", nil, float64(len(d.sessions)))
}

func (d *Driver) handleIdle(s *SlaveSession) {
	if d.kills[s.ID] {
		d.reply(s.ID, transport.Bare("DIE"))
		s.State = StateGoodbye
		d.router.Close(s.ID)
		d.dropSession(s.ID)
		return
	}
	if d.paused {
		d.reply(s.ID, transport.Bare("SLEEP"))
		return
	}

	rows := d.queue[s.Caps.ABI]
	if len(rows) == 0 {
		d.reply(s.ID, transport.Bare("SLEEP"))
		return
	}
	head := rows[0]
	d.queue[s.Caps.ABI] = rows[1:]
	d.markInFlight(s.Caps.ABI, head.Package, head.Version)

	s.Package, s.Version = head.Package, head.Version
	s.State = StateBuilding
	d.reply(s.ID, transport.New("BUILD", transport.VString(head.Package), transport.VString(head.Version)))
}

func (d *Driver) handleBusy(s *SlaveSession) {
	if s.State != StateBuilding {
		return
	}
	if s.CancelArmed {
		d.reply(s.ID, transport.Bare("DONE"))
		d.clearInFlight(s.Caps.ABI, s.Package, s.Version)
		s.State = StateIdle
		s.Package, s.Version = "", ""
		s.CancelArmed = false
		return
	}
	d.reply(s.ID, transport.Bare("CONT"))
}

func (d *Driver) handleBuilt(ctx context.Context, s *SlaveSession, m transport.Message) {
	if s.State != StateBuilding {
		return
	}
	success := boolField(m, 0)
	duration := durField(m, 1)
	log := strField(m, 2)
	filenames := arrStrField(m, 3)
	hashes := arrStrField(m, 4)
	sizes := arrIntField(m, 5)

	build := model.Build{
		Package: s.Package, Version: s.Version, ABI: s.Caps.ABI, SlaveID: s.ID,
		StartedAt: s.LastHeartbeat.Add(-duration), Duration: duration, Success: success, Log: log,
	}

	pending := make([]PendingFile, len(filenames))
	for i, f := range filenames {
		pf := PendingFile{Filename: f}
		if i < len(hashes) {
			pf.SHA256 = hashes[i]
		}
		if i < len(sizes) {
			pf.Size = sizes[i]
		}
		pending[i] = pf
	}

	slaveID, pkg, version, abi := s.ID, s.Package, s.Version, s.Caps.ABI
	go func() {
		var err error
		if success {
			fileRows := make([]model.BuildFile, len(pending))
			for i, f := range pending {
				fileRows[i] = model.BuildFile{
					Filename: f.Filename, Size: f.Size, SHA256: f.SHA256,
					PackageTag: pkg, VersionTag: version, ABITag: abi,
				}
			}
			_, err = d.oracle.LogBuildSuccess(ctx, build, fileRows, nil)
		} else {
			_, err = d.oracle.LogBuildFailure(ctx, build)
		}
		d.events <- event{kind: evBuildRecorded, slaveID: slaveID, err: err}
	}()

	// Recording happens asynchronously (see above); the session stays
	// in BUILDING until evBuildRecorded arrives, and further IDLE/BUSY
	// from the builder would be out-of-protocol while we wait, so we
	// park pending files now and gate the SEND loop on the result.
	s.PendingFiles = pending
}

func (d *Driver) handleRecorded(s *SlaveSession, err error) {
	if s == nil {
		return
	}
	abi, pkg, version := s.Caps.ABI, s.Package, s.Version
	if err != nil {
		d.log.WithError(err).WithField("slave", s.ID).Error("driver: failed to record build result")
		d.clearInFlight(abi, pkg, version)
		s.State = StateIdle
		s.Package, s.Version, s.PendingFiles = "", "", nil
		d.reply(s.ID, transport.Bare("DONE"))
		return
	}

	if len(s.PendingFiles) == 0 {
		d.clearInFlight(abi, pkg, version)
		s.State = StateIdle
		s.Package, s.Version = "", ""
		d.reply(s.ID, transport.Bare("DONE"))
		return
	}

	next := s.PendingFiles[0]
	s.PendingFiles = s.PendingFiles[1:]
	s.State = StateSending
	s.transferTries = 0
	if d.juggler != nil {
		d.juggler.Expect(s.ID, next.Filename, next.SHA256, next.Size)
	}
	d.reply(s.ID, transport.New("SEND", transport.VString(next.Filename)))
}

func (d *Driver) handleSent(s *SlaveSession, m transport.Message) {
	if s.State != StateSending {
		return
	}
	// The verification outcome arrives separately from JUGGLER via
	// NotifyTransfer; SENT only tells us the builder believes it has
	// finished writing. We hold state and let handleTransfer drive the
	// next reply once JUGGLER confirms or rejects the hash.
}

func (d *Driver) handleTransfer(ctx context.Context, slaveID, filename string, verified bool) {
	s, ok := d.sessions[slaveID]
	if !ok || s.State != StateSending {
		return
	}
	if verified {
		d.finishOrAdvanceTransfer(s)
		return
	}

	s.transferTries++
	if s.transferTries >= 3 {
		d.log.WithField("slave", slaveID).WithField("filename", filename).
			Warn("driver: file failed verification 3 times, recording build as failed")

		// handleRecorded already logged this build as a success once its
		// files started sending; a transfer that never verifies means that
		// was wrong, so file a compensating failure record. Best-effort:
		// the session is torn down regardless of whether this succeeds.
		build := model.Build{
			Package: s.Package, Version: s.Version, ABI: s.Caps.ABI, SlaveID: s.ID,
			Success: false, Log: "file " + filename + " failed hash verification 3 times",
		}
		go func() {
			if _, err := d.oracle.LogBuildFailure(ctx, build); err != nil {
				d.log.WithError(err).WithField("slave", slaveID).
					Error("driver: failed to record compensating build failure")
			}
		}()

		d.clearInFlight(s.Caps.ABI, s.Package, s.Version)
		d.router.Close(slaveID)
		d.dropSession(slaveID)
		return
	}
	d.reply(slaveID, transport.New("SEND", transport.VString(filename)))
}

func (d *Driver) finishOrAdvanceTransfer(s *SlaveSession) {
	if len(s.PendingFiles) == 0 {
		d.clearInFlight(s.Caps.ABI, s.Package, s.Version)
		s.State = StateIdle
		pkg := s.Package
		s.Package, s.Version = "", ""
		d.reply(s.ID, transport.Bare("DONE"))
		if d.secretary != nil {
			d.secretary.Notify(pkg, model.RewriteBoth)
		}
		return
	}
	next := s.PendingFiles[0]
	s.PendingFiles = s.PendingFiles[1:]
	s.transferTries = 0
	if d.juggler != nil {
		d.juggler.Expect(s.ID, next.Filename, next.SHA256, next.Size)
	}
	d.reply(s.ID, transport.New("SEND", transport.VString(next.Filename)))
}

// ActiveSlaveCount returns the current session count. Safe to call
// from any goroutine (internal/bigbro's tick in particular); backed by
// an atomic mirror rather than the session map itself, which only
// DRIVER's own goroutine may touch (spec §9).
func (d *Driver) ActiveSlaveCount() int {
	return int(d.activeCount.Load())
}

// Session returns a snapshot copy of a session for tests/diagnostics.
func (d *Driver) Session(slaveID string) (SlaveSession, bool) {
	s, ok := d.sessions[slaveID]
	if !ok {
		return SlaveSession{}, false
	}
	return *s, true
}

func strField(m transport.Message, i int) string {
	if i >= len(m.Payload) {
		return ""
	}
	return m.Payload[i].Str
}

func intField(m transport.Message, i int) int {
	if i >= len(m.Payload) {
		return 0
	}
	return int(m.Payload[i].Int)
}

func boolField(m transport.Message, i int) bool {
	if i >= len(m.Payload) {
		return false
	}
	return m.Payload[i].Bool
}

func durField(m transport.Message, i int) time.Duration {
	if i >= len(m.Payload) {
		return 0
	}
	return m.Payload[i].Dur
}

func arrStrField(m transport.Message, i int) []string {
	if i >= len(m.Payload) {
		return nil
	}
	out := make([]string, len(m.Payload[i].Array))
	for j, v := range m.Payload[i].Array {
		out[j] = v.Str
	}
	return out
}

func arrIntField(m transport.Message, i int) []int64 {
	if i >= len(m.Payload) {
		return nil
	}
	out := make([]int64, len(m.Payload[i].Array))
	for j, v := range m.Payload[i].Array {
		out[j] = v.Int
	}
	return out
}
