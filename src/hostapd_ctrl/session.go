// Package hostapd_ctrl talks to hostapd over its per-interface control
// sockets, the way wpa_ctrl does: one attached socket receives events and a
// second one carries request/reply commands.
package hostapd_ctrl

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCtrlDir        = "/var/run/hostapd"
	DefaultRequestTimeout = 2 * time.Second

	// pullTimeout bounds a read on a socket already reported readable.
	pullTimeout = 10 * time.Millisecond
	maxReply    = 4096
)

var (
	ErrUnexpectedReply = errors.New("unexpected reply from hostapd")
	ErrReplyTruncated  = errors.New("reply buffer too small")
)

var logger = logrus.WithField("module", "hostapd_ctrl")

var socketCounter atomic.Uint64

// Connector opens sessions to the hostapd control sockets found in CtrlDir.
type Connector struct {
	CtrlDir        string
	SocketDir      string
	RequestTimeout time.Duration
}

// NewConnector creates a Connector. Local client sockets are created in
// socketDir.
func NewConnector(ctrlDir, socketDir string, timeout time.Duration) *Connector {
	if ctrlDir == "" {
		ctrlDir = DefaultCtrlDir
	}
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Connector{CtrlDir: ctrlDir, SocketDir: socketDir, RequestTimeout: timeout}
}

// Open connects to the control socket of vapName and attaches for events.
func (c *Connector) Open(vapName string) (apmux.HostapSession, error) {
	remote := filepath.Join(c.CtrlDir, vapName)

	ctrl, err := c.dial(vapName, remote)
	if err != nil {
		return nil, err
	}
	monitor, err := c.dial(vapName, remote)
	if err != nil {
		ctrl.close()
		return nil, err
	}

	s := &Session{
		vap:     vapName,
		ctrl:    ctrl,
		monitor: monitor,
		timeout: c.RequestTimeout,
	}

	reply, err := s.monitor.request("ATTACH", s.timeout)
	if err != nil {
		s.closeSockets()
		return nil, fmt.Errorf("attach %s: %w", vapName, err)
	}
	if !bytes.HasPrefix(reply, []byte("OK")) {
		s.closeSockets()
		return nil, fmt.Errorf("%w to ATTACH: %q", ErrUnexpectedReply, strings.TrimSpace(string(reply)))
	}
	s.attached = true

	if err := s.captureEventFd(); err != nil {
		s.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"vap":    vapName,
		"remote": remote,
	}).Debug("Connected to hostapd control socket")
	return s, nil
}

func (c *Connector) dial(vapName, remote string) (*endpoint, error) {
	local := filepath.Join(c.SocketDir, fmt.Sprintf("apmux_%s_%d_%d", vapName, os.Getpid(), socketCounter.Add(1)))
	_ = os.Remove(local)

	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: local, Net: "unixgram"},
		&net.UnixAddr{Name: remote, Net: "unixgram"})
	if err != nil {
		_ = os.Remove(local)
		return nil, fmt.Errorf("connect to %s: %w", remote, err)
	}
	return &endpoint{conn: conn, local: local}, nil
}

// endpoint is one client datagram socket bound to a local path.
type endpoint struct {
	conn  *net.UnixConn
	local string
}

// request sends cmd and returns the first reply that is not an unsolicited
// event.
func (e *endpoint) request(cmd string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := e.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := e.conn.Write([]byte(cmd)); err != nil {
		return nil, err
	}

	buf := make([]byte, maxReply)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n > 0 && buf[0] == '<' {
			continue
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

func (e *endpoint) close() {
	e.conn.Close()
	_ = os.Remove(e.local)
}

// Session is an open connection to the hostapd instance of one VAP. It is
// safe to pull events concurrently with commands.
type Session struct {
	vap      string
	ctrl     *endpoint
	monitor  *endpoint
	timeout  time.Duration
	eventFd  int
	attached bool

	// mu serializes request/reply exchanges on the command socket.
	mu        sync.Mutex
	closeOnce sync.Once
}

func (s *Session) captureEventFd() error {
	raw, err := s.monitor.conn.SyscallConn()
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) {
		s.eventFd = int(fd)
	})
}

// Close detaches from event delivery and closes both sockets.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.attached {
			if _, err := s.monitor.request("DETACH", pullTimeout*10); err != nil {
				logger.WithError(err).WithField("vap", s.vap).Debug("DETACH failed")
			}
		}
		s.closeSockets()
	})
	return nil
}

func (s *Session) closeSockets() {
	s.ctrl.close()
	s.monitor.close()
}

// IsAlive sends PING and expects PONG. A missing or refused peer counts as
// dead; any other failure is returned as an error.
func (s *Session) IsAlive() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, err := s.ctrl.request("PING", s.timeout)
	if err != nil {
		if isPeerGone(err) {
			return false, nil
		}
		return false, err
	}
	return bytes.HasPrefix(reply, []byte("PONG")), nil
}

func isPeerGone(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ENOTCONN)
}

// EventFd returns the descriptor of the attached socket.
func (s *Session) EventFd() (int, error) {
	if s.eventFd <= 0 {
		return -1, fmt.Errorf("no event socket for %s", s.vap)
	}
	return s.eventFd, nil
}

// PullEvent reads one event datagram.
func (s *Session) PullEvent() (apmux.HostapEvent, error) {
	if err := s.monitor.conn.SetReadDeadline(time.Now().Add(pullTimeout)); err != nil {
		return apmux.HostapEvent{}, err
	}
	buf := make([]byte, apmux.MaxHostapMessageLength+1)
	n, err := s.monitor.conn.Read(buf)
	if err != nil {
		return apmux.HostapEvent{}, fmt.Errorf("read event: %w", err)
	}
	if n == 0 {
		return apmux.HostapEvent{}, nil
	}
	return ParseEvent(buf[:n]), nil
}

// SendCommand sends "header name=value ..." and copies the reply.
func (s *Session) SendCommand(header string, fields []apmux.CommandField, reply []byte) (int, error) {
	cmd := BuildCommand(header, fields)

	s.mu.Lock()
	resp, err := s.ctrl.request(cmd, s.timeout)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	n := copy(reply, resp)
	if n < len(resp) {
		return n, fmt.Errorf("%w: need %d bytes, have %d", ErrReplyTruncated, len(resp), len(reply))
	}
	if bytes.HasPrefix(resp, []byte("FAIL")) || bytes.HasPrefix(resp, []byte("UNKNOWN COMMAND")) {
		return n, fmt.Errorf("%w to %s: %q", ErrUnexpectedReply, header, strings.TrimSpace(string(resp)))
	}
	return n, nil
}

// BuildCommand joins header and fields into one control command line.
// Fields without a name are appended as bare words.
func BuildCommand(header string, fields []apmux.CommandField) string {
	var b strings.Builder
	b.WriteString(header)
	for _, f := range fields {
		b.WriteByte(' ')
		if f.Name != "" {
			b.WriteString(f.Name)
			b.WriteByte('=')
		}
		b.WriteString(f.Value)
	}
	return b.String()
}

// ParseEvent splits an unsolicited message such as
// "<3>AP-STA-CONNECTED 00:11:22:33:44:55" into its opcode and body. The
// priority prefix and an optional "IFNAME=<ifname> " prefix are removed.
func ParseEvent(raw []byte) apmux.HostapEvent {
	msg := bytes.TrimRight(raw, "\n\x00")

	if bytes.HasPrefix(msg, []byte("IFNAME=")) {
		if sp := bytes.IndexByte(msg, ' '); sp >= 0 {
			msg = msg[sp+1:]
		}
	}
	if len(msg) > 0 && msg[0] == '<' {
		if end := bytes.IndexByte(msg, '>'); end >= 0 {
			msg = msg[end+1:]
		}
	}

	opcode := msg
	if sp := bytes.IndexAny(msg, " \t"); sp >= 0 {
		opcode = msg[:sp]
	}

	return apmux.HostapEvent{
		Opcode:  string(opcode),
		Message: append([]byte(nil), msg...),
	}
}
