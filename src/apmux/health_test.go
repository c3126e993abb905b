package apmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pauseLoop stops the loop so a test can drive the health passes itself.
func pauseLoop(m *Manager) {
	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	m.stopLoop()
}

func resumeLoop(m *Manager) {
	m.apiMu.Lock()
	defer m.apiMu.Unlock()
	m.startLoop()
}

func slotFor(t *testing.T, m *Manager, vap string) *Slot {
	t.Helper()
	idx, err := m.registry.FindSlot(KindHostap, vap)
	require.NoError(t, err)
	return m.registry.Slot(idx)
}

func TestPingCheckTearsDownDeadSession(t *testing.T) {
	hostap := newFakeHostapConnector()
	cfg := testConfig(t)
	cfg.RecoveryRetryInterval = time.Hour
	m := newTestManager(t, cfg, hostap, nil)
	rec := newEventRecorder()

	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	pauseLoop(m)

	sess := hostap.latest("wlan0")
	sess.setAlive(false)
	m.pingCheck()

	s := slotFor(t, m, "wlan0")
	assert.True(t, s.NeedsReconnect)
	assert.Nil(t, s.hostap)
	assert.Equal(t, -1, s.EventFd)
	assert.True(t, sess.isClosed())
	assert.False(t, m.registry.AnyActive())
}

func TestPingCheckKeepsLiveSession(t *testing.T) {
	hostap := newFakeHostapConnector()
	m := newTestManager(t, testConfig(t), hostap, nil)
	rec := newEventRecorder()

	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	pauseLoop(m)

	m.pingCheck()
	s := slotFor(t, m, "wlan0")
	assert.False(t, s.NeedsReconnect)
	assert.NotNil(t, s.hostap)
}

func TestReconnectNotificationPrecedesLaterEvents(t *testing.T) {
	hostap := newFakeHostapConnector()
	cfg := testConfig(t)
	cfg.PingCheckInterval = time.Hour
	cfg.RecoveryRetryInterval = time.Hour
	m := newTestManager(t, cfg, hostap, nil)
	rec := newEventRecorder()

	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	pauseLoop(m)

	hostap.latest("wlan0").setAlive(false)
	m.pingCheck()
	require.True(t, slotFor(t, m, "wlan0").NeedsReconnect)

	m.recoverIfNeeded()
	s := slotFor(t, m, "wlan0")
	assert.False(t, s.NeedsReconnect)
	assert.NotNil(t, s.hostap)

	fresh := hostap.latest("wlan0")
	fresh.push(HostapEvent{Opcode: "AP-STA-CONNECTED", Message: []byte("after")})
	resumeLoop(m)

	first := rec.next(t)
	assert.Equal(t, ReconnectedOpcode, first.opcode)
	assert.Equal(t, "wlan0", first.vap)
	assert.Empty(t, first.msg)

	second := rec.next(t)
	assert.Equal(t, "AP-STA-CONNECTED", second.opcode)
	rec.expectNone(t, 50*time.Millisecond)
}

func TestRecoveryRetriesUntilSuccess(t *testing.T) {
	hostap := newFakeHostapConnector()
	cfg := testConfig(t)
	cfg.RecoveryRetryInterval = time.Hour
	m := newTestManager(t, cfg, hostap, nil)
	rec := newEventRecorder()

	// Attach fails, then the first recovery attempt fails too.
	hostap.failNext("wlan0", 2)
	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	pauseLoop(m)
	require.True(t, slotFor(t, m, "wlan0").NeedsReconnect)

	m.recoverIfNeeded()
	assert.True(t, slotFor(t, m, "wlan0").NeedsReconnect)
	rec.expectNone(t, 20*time.Millisecond)

	m.recoverIfNeeded()
	assert.False(t, slotFor(t, m, "wlan0").NeedsReconnect)
	assert.Equal(t, ReconnectedOpcode, rec.next(t).opcode)

	m.recoverIfNeeded()
	rec.expectNone(t, 20*time.Millisecond)
	assert.Equal(t, 3, hostap.openCount("wlan0"))
}

func TestRecoveryRunsFromLoop(t *testing.T) {
	hostap := newFakeHostapConnector()
	m := newTestManager(t, testConfig(t), hostap, nil)
	rec := newEventRecorder()

	hostap.failNext("wlan0", 3)
	require.NoError(t, m.AttachHostap("wlan0", rec.callback))

	ev := rec.next(t)
	assert.Equal(t, ReconnectedOpcode, ev.opcode)
	assert.Equal(t, 4, hostap.openCount("wlan0"))

	st := m.Status()
	require.Len(t, st.Slots, 1)
	assert.True(t, st.Slots[0].Connected)
}

func TestPullFailureTriggersImmediateProbe(t *testing.T) {
	hostap := newFakeHostapConnector()
	cfg := testConfig(t)
	cfg.PingCheckInterval = time.Hour
	m := newTestManager(t, cfg, hostap, nil)
	rec := newEventRecorder()

	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	sess := hostap.latest("wlan0")

	sess.mu.Lock()
	sess.pullErr = errors.New("socket closed by peer")
	sess.alive = false
	sess.mu.Unlock()
	sess.pipe.raise()

	ev := rec.next(t)
	assert.Equal(t, ReconnectedOpcode, ev.opcode)
	assert.True(t, sess.isClosed())
	assert.Equal(t, 2, hostap.openCount("wlan0"))
}

func TestRequestHealthCheck(t *testing.T) {
	hostap := newFakeHostapConnector()
	cfg := testConfig(t)
	cfg.PingCheckInterval = time.Hour
	m := newTestManager(t, cfg, hostap, nil)
	rec := newEventRecorder()

	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	sess := hostap.latest("wlan0")
	sess.setAlive(false)

	rec.expectNone(t, 100*time.Millisecond)
	m.RequestHealthCheck()
	m.RequestHealthCheck()

	assert.Equal(t, ReconnectedOpcode, rec.next(t).opcode)
	assert.True(t, sess.isClosed())
}

func TestHealthPassTimers(t *testing.T) {
	hostap := newFakeHostapConnector()
	cfg := testConfig(t)
	cfg.PingCheckInterval = 3 * time.Second
	cfg.RecoveryRetryInterval = time.Second
	m := newTestManager(t, cfg, hostap, nil)
	rec := newEventRecorder()

	require.NoError(t, m.AttachHostap("wlan0", rec.callback))
	pauseLoop(m)

	clock := time.Now()
	m.now = func() time.Time { return clock }
	m.lastPingCheck = clock
	m.lastRecovery = clock

	sess := hostap.latest("wlan0")
	sess.setAlive(false)

	clock = clock.Add(2500 * time.Millisecond)
	m.runHealthPasses(false)
	assert.False(t, sess.isClosed(), "probe interval not yet elapsed")

	// Probe due at +3s; recovery last ran at +2.5s so it waits.
	clock = clock.Add(500 * time.Millisecond)
	m.runHealthPasses(false)
	assert.True(t, sess.isClosed())
	assert.True(t, slotFor(t, m, "wlan0").NeedsReconnect)

	clock = clock.Add(400 * time.Millisecond)
	m.runHealthPasses(false)
	assert.True(t, slotFor(t, m, "wlan0").NeedsReconnect)

	clock = clock.Add(100 * time.Millisecond)
	m.runHealthPasses(false)
	assert.False(t, slotFor(t, m, "wlan0").NeedsReconnect)
	assert.Equal(t, ReconnectedOpcode, rec.next(t).opcode)
}
