package apmux

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var errFakeOpen = errors.New("fake open failure")

// signalPipe is a pipe whose read end is readable while events are queued.
type signalPipe struct {
	r, w int
}

func newSignalPipe() (*signalPipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, err
	}
	return &signalPipe{r: fds[0], w: fds[1]}, nil
}

func (p *signalPipe) raise() {
	_, _ = unix.Write(p.w, []byte{1})
}

func (p *signalPipe) consume() {
	var b [1]byte
	_, _ = unix.Read(p.r, b[:])
}

func (p *signalPipe) close() {
	unix.Close(p.r)
	unix.Close(p.w)
}

type fakeHostapSession struct {
	mu       sync.Mutex
	vap      string
	pipe     *signalPipe
	events   []HostapEvent
	alive    bool
	pullErr  error
	closed   bool
	commands []string
	reply    string
}

func (s *fakeHostapSession) push(ev HostapEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.pipe.raise()
}

func (s *fakeHostapSession) setAlive(alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = alive
}

func (s *fakeHostapSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeHostapSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.pipe.close()
	}
	return nil
}

func (s *fakeHostapSession) IsAlive() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive, nil
}

func (s *fakeHostapSession) EventFd() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, errors.New("closed")
	}
	return s.pipe.r, nil
}

func (s *fakeHostapSession) PullEvent() (HostapEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipe.consume()
	if s.pullErr != nil {
		return HostapEvent{}, s.pullErr
	}
	if len(s.events) == 0 {
		return HostapEvent{}, nil
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeHostapSession) SendCommand(header string, fields []CommandField, reply []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := header
	for _, f := range fields {
		cmd += " " + f.Name + "=" + f.Value
	}
	s.commands = append(s.commands, cmd)
	return copy(reply, s.reply), nil
}

type fakeHostapConnector struct {
	mu       sync.Mutex
	failures map[string]int
	sessions map[string][]*fakeHostapSession
	opens    map[string]int
}

func newFakeHostapConnector() *fakeHostapConnector {
	return &fakeHostapConnector{
		failures: make(map[string]int),
		sessions: make(map[string][]*fakeHostapSession),
		opens:    make(map[string]int),
	}
}

// failNext makes the next n opens of vap fail.
func (c *fakeHostapConnector) failNext(vap string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[vap] = n
}

func (c *fakeHostapConnector) Open(vap string) (HostapSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens[vap]++
	if c.failures[vap] > 0 {
		c.failures[vap]--
		return nil, errFakeOpen
	}
	p, err := newSignalPipe()
	if err != nil {
		return nil, err
	}
	s := &fakeHostapSession{vap: vap, pipe: p, alive: true, reply: "OK\n"}
	c.sessions[vap] = append(c.sessions[vap], s)
	return s, nil
}

func (c *fakeHostapConnector) latest(vap string) *fakeHostapSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.sessions[vap]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (c *fakeHostapConnector) openCount(vap string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[vap]
}

type driverReply struct {
	ifname   string
	subevent int
	data     []byte
}

type fakeDriverSession struct {
	mu          sync.Mutex
	eventPipe   *signalPipe
	queryPipe   *signalPipe
	sent        []VendorCommand
	sentKinds   []PumpKind
	vendorQueue []driverReply
	replyQueue  []driverReply
	// replyFor answers solicited commands. A nil return sends nothing.
	replyFor func(cmd VendorCommand) []byte
	closed   bool
	scans    []string
}

func newFakeDriverSession() (*fakeDriverSession, error) {
	ev, err := newSignalPipe()
	if err != nil {
		return nil, err
	}
	q, err := newSignalPipe()
	if err != nil {
		ev.close()
		return nil, err
	}
	return &fakeDriverSession{eventPipe: ev, queryPipe: q}, nil
}

func (d *fakeDriverSession) pushVendorEvent(r driverReply) {
	d.mu.Lock()
	d.vendorQueue = append(d.vendorQueue, r)
	d.mu.Unlock()
	d.eventPipe.raise()
}

func (d *fakeDriverSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		d.eventPipe.close()
		d.queryPipe.close()
	}
	return nil
}

func (d *fakeDriverSession) Fds() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, -1, errors.New("closed")
	}
	return d.eventPipe.r, d.queryPipe.r, nil
}

func (d *fakeDriverSession) PumpMessages(kind PumpKind, vendor DriverEventCallback, nonVendor NonVendorEventCallback) error {
	d.mu.Lock()
	var queue *[]driverReply
	if kind == PumpSolicited {
		d.queryPipe.consume()
		queue = &d.replyQueue
	} else {
		d.eventPipe.consume()
		queue = &d.vendorQueue
	}
	if len(*queue) == 0 {
		d.mu.Unlock()
		return nil
	}
	r := (*queue)[0]
	*queue = (*queue)[1:]
	d.mu.Unlock()

	if vendor != nil {
		vendor(r.ifname, 0, r.subevent, r.data)
	}
	return nil
}

func (d *fakeDriverSession) SendVendorCommand(kind PumpKind, cmd VendorCommand) error {
	d.mu.Lock()
	d.sent = append(d.sent, cmd)
	d.sentKinds = append(d.sentKinds, kind)
	var data []byte
	if kind == PumpSolicited && d.replyFor != nil {
		data = d.replyFor(cmd)
	}
	if data != nil {
		d.replyQueue = append(d.replyQueue, driverReply{ifname: cmd.IfName, subevent: int(cmd.SubCommand), data: data})
	}
	d.mu.Unlock()

	if data != nil {
		d.queryPipe.raise()
	}
	return nil
}

func (d *fakeDriverSession) ScanTrigger(ifname string, params ScanParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scans = append(d.scans, "trigger:"+ifname)
	return nil
}

func (d *fakeDriverSession) ScanDump(ifname string, cb ScanResultCallback) error {
	d.mu.Lock()
	d.scans = append(d.scans, "dump:"+ifname)
	d.mu.Unlock()
	cb(ScanResult{SSID: "neighbour", Frequency: 2412})
	return nil
}

func (d *fakeDriverSession) sentCommands() []VendorCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]VendorCommand(nil), d.sent...)
}

type fakeDriverConnector struct {
	session *fakeDriverSession
	err     error
}

func (c *fakeDriverConnector) Open() (DriverSession, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

// testConfig shortens every interval so tests run quickly.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxVAPs = 4
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.PingCheckInterval = 50 * time.Millisecond
	cfg.RecoveryRetryInterval = 20 * time.Millisecond
	cfg.QueryTimeout = 300 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.SocketDir = t.TempDir()
	return cfg
}

func newTestManager(t *testing.T, cfg Config, hostap HostapConnector, driver DriverConnector) *Manager {
	t.Helper()
	m, err := NewManager(cfg, hostap, driver)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// hostapEvent is one callback invocation.
type hostapEvent struct {
	vap    string
	opcode string
	msg    []byte
}

type eventRecorder struct {
	ch chan hostapEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan hostapEvent, 64)}
}

func (r *eventRecorder) callback(vap, opcode string, msg []byte) {
	r.ch <- hostapEvent{vap: vap, opcode: opcode, msg: append([]byte(nil), msg...)}
}

func (r *eventRecorder) next(t *testing.T) hostapEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for hostap event")
		return hostapEvent{}
	}
}

func (r *eventRecorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected hostap event %+v", ev)
	case <-time.After(within):
	}
}
