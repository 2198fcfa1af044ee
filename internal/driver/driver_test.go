package driver

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/arch"
	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
	"github.com/piwheels/master/internal/store"
	"github.com/piwheels/master/internal/transport"
)

type noopStore struct{ store.Store }

func (noopStore) LogBuildSuccess(ctx context.Context, build model.Build, files []model.BuildFile, deps []model.Dependency) (int64, error) {
	return 1, nil
}
func (noopStore) LogBuildFailure(ctx context.Context, build model.Build) (int64, error) {
	return 2, nil
}

type recordingSecretary struct {
	notified []string
}

func (r *recordingSecretary) Notify(pkg string, cmd model.RewriteCommand) {
	r.notified = append(r.notified, pkg+":"+string(cmd))
}

func newTestLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestDriver(t *testing.T) (*Driver, *recordingSecretary) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	lb := oracle.New(ctx, []store.Store{noopStore{}}, metrics.NewRecorder(nil, "driver_test"), newTestLogger(), time.Second)
	sec := &recordingSecretary{}
	d := New(config.DriverConfig{UpstreamURL: "https://example.invalid/simple"}, lb, sec, nil, metrics.NewRecorder(nil, "driver_test"), newTestLogger())
	return d, sec
}

func helloMessage(abi string, ver int64) transport.Message {
	return transport.New("HELLO",
		transport.VString(abi),
		transport.VString("manylinux_2_28_aarch64"),
		transport.VString("rpi4"),
		transport.VString("Linux 6.1"),
		transport.VString("rev-a"),
		transport.VDuration(30*time.Second),
		transport.VInt(ver),
	)
}

func TestHandleHelloCreatesIdleSession(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))

	s, ok := d.Session("slave-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, "cp311", s.Caps.ABI)
}

func TestHandleHelloRejectsVersionMismatch(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion+1))

	_, ok := d.Session("slave-1")
	assert.False(t, ok)
}

func TestHandleIdleDispatchesBuildAndMarksInFlight(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))

	d.applySnapshot(arch.Snapshot{ByABI: map[string][]model.PendingEntry{
		"cp311": {{ABI: "cp311", Package: "numpy", Version: "1.26.0", Position: 1}},
	}})

	s, _ := d.Session("slave-1")
	d.handleIdle(d.sessions[s.ID])

	s, _ = d.Session("slave-1")
	assert.Equal(t, StateBuilding, s.State)
	assert.Equal(t, "numpy", s.Package)
	assert.True(t, d.inFlight["cp311"]["numpy==1.26.0"])
}

func TestHandleIdleRepliesSleepWhenQueueEmpty(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))
	d.handleIdle(d.sessions["slave-1"])

	s, _ := d.Session("slave-1")
	assert.Equal(t, StateIdle, s.State)
	assert.Empty(t, s.Package)
}

func TestHandleIdleHonorsArmedKill(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))
	d.kills["slave-1"] = true

	d.handleIdle(d.sessions["slave-1"])
	_, ok := d.Session("slave-1")
	assert.False(t, ok, "session should be dropped after DIE")
}

func TestHandleBusyReplyReflectsCancelFlag(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))
	d.applySnapshot(arch.Snapshot{ByABI: map[string][]model.PendingEntry{
		"cp311": {{ABI: "cp311", Package: "numpy", Version: "1.26.0", Position: 1}},
	}})
	d.handleIdle(d.sessions["slave-1"])

	d.sessions["slave-1"].CancelArmed = true
	d.handleBusy(d.sessions["slave-1"])

	s, _ := d.Session("slave-1")
	assert.Equal(t, StateIdle, s.State)
	assert.False(t, d.inFlight["cp311"]["numpy==1.26.0"])
}

func TestHandleTransferFailsAfterThreeRetries(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))
	d.sessions["slave-1"].State = StateSending
	d.sessions["slave-1"].Package = "numpy"
	d.sessions["slave-1"].Version = "1.26.0"
	d.markInFlight("cp311", "numpy", "1.26.0")

	d.handleTransfer(context.Background(), "slave-1", "numpy-1.26.0.whl", false)
	d.handleTransfer(context.Background(), "slave-1", "numpy-1.26.0.whl", false)
	s, _ := d.Session("slave-1")
	assert.Equal(t, StateSending, s.State, "should still be retrying after 2 failures")

	d.handleTransfer(context.Background(), "slave-1", "numpy-1.26.0.whl", false)
	_, ok := d.Session("slave-1")
	assert.False(t, ok, "session should be dropped after 3 failures")
	assert.False(t, d.inFlight["cp311"]["numpy==1.26.0"])
}

func TestHandleTransferVerifiedNotifiesSecretaryWhenNoMoreFiles(t *testing.T) {
	d, sec := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))
	d.sessions["slave-1"].State = StateSending
	d.sessions["slave-1"].Package = "numpy"
	d.sessions["slave-1"].Version = "1.26.0"
	d.markInFlight("cp311", "numpy", "1.26.0")

	d.handleTransfer(context.Background(), "slave-1", "numpy-1.26.0.whl", true)

	s, _ := d.Session("slave-1")
	assert.Equal(t, StateIdle, s.State)
	require.Len(t, sec.notified, 1)
	assert.Equal(t, "numpy:BOTH", sec.notified[0])
}

func TestDropSessionClearsInFlight(t *testing.T) {
	d, _ := newTestDriver(t)
	d.handleHello("slave-1", helloMessage("cp311", protocolVersion))
	d.sessions["slave-1"].State = StateBuilding
	d.sessions["slave-1"].Package = "numpy"
	d.sessions["slave-1"].Version = "1.26.0"
	d.markInFlight("cp311", "numpy", "1.26.0")

	d.dropSession("slave-1")

	_, ok := d.Session("slave-1")
	assert.False(t, ok)
	assert.False(t, d.inFlight["cp311"]["numpy==1.26.0"])
}
