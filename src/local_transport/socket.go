package local_transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// SocketPermissions restricts the per-process sockets to the owning user.
	SocketPermissions = 0600

	// CommandEndedPrefix names the socket a driver query reply is forwarded to.
	CommandEndedPrefix = "apmux_command_ended_socket"
	// EventHandlerPrefix names the socket relayed hostap events are sent to.
	EventHandlerPrefix = "apmux_event_handler_socket"

	// maxSocketPathLength is sizeof(sun_path) minus the terminator.
	maxSocketPathLength = 107
)

var (
	ErrNameTooLong  = errors.New("socket path too long")
	ErrEmptyMessage = errors.New("empty message received")
)

// SocketName builds the per-process socket path "<dir>/<prefix>_<pid>".
func SocketName(dir, prefix string, pid int) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s_%d", prefix, pid))
	if len(path) > maxSocketPathLength {
		return "", fmt.Errorf("%w: %s", ErrNameTooLong, path)
	}
	return path, nil
}

// Listener is a connection-oriented local socket where every peer connects,
// writes one message and disconnects.
type Listener struct {
	path string
	ln   *net.UnixListener
}

// Listen creates the socket at path, replacing a stale one left by a
// previous process.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket: %w", err)
	}

	if err := os.Chmod(path, SocketPermissions); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	logger.WithField("socket_path", path).Debug("Local socket listening")
	return &Listener{path: path, ln: ln}, nil
}

// Path returns the filesystem path of the socket.
func (l *Listener) Path() string {
	return l.path
}

// Close closes the socket and unlinks its path.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		logger.WithError(rmErr).WithField("socket_path", l.path).Warn("Failed to unlink socket")
	}
	return err
}

// Receive waits for one message for at most timeout, in waits of at most
// slice each. An interrupted or timed-out accept is retried until the overall
// timeout elapses, and so is a peer that sent nothing or too much. It returns
// received=false with a nil error when nothing usable arrived in time.
func (l *Listener) Receive(ctx context.Context, timeout, slice time.Duration, maxLen int) ([]byte, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		wait := slice
		if remaining < wait {
			wait = remaining
		}

		conn, err := l.accept(wait)
		if err != nil {
			if isRetryable(err) {
				continue
			}
			return nil, false, err
		}

		data, err := readMessage(conn, maxLen, slice)
		conn.Close()
		if err != nil {
			logger.WithError(err).WithField("socket_path", l.path).Warn("Discarding unusable local message")
			continue
		}
		return data, true, nil
	}
}

// Serve hands every received message to handler until stop is closed or the
// listener is closed. Each accept waits at most slice so stop is noticed.
func (l *Listener) Serve(stop <-chan struct{}, slice time.Duration, maxLen int, handler func([]byte)) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := l.accept(slice)
		if err != nil {
			if isRetryable(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.WithError(err).Warn("Failed to accept local connection")
			continue
		}

		data, err := readMessage(conn, maxLen, slice)
		conn.Close()
		if err != nil {
			logger.WithError(err).Warn("Failed to read local message")
			continue
		}
		handler(data)
	}
}

// Drain discards messages already queued on the socket.
func (l *Listener) Drain() int {
	dropped := 0
	for {
		conn, err := l.accept(time.Millisecond)
		if err != nil {
			return dropped
		}
		conn.Close()
		dropped++
	}
}

func (l *Listener) accept(wait time.Duration) (*net.UnixConn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	return l.ln.AcceptUnix()
}

func readMessage(conn *net.UnixConn, maxLen int, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(conn, int64(maxLen)+1))
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data) > maxLen {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrRecordTooLarge, maxLen)
	}
	return data, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EINTR)
}

// Notify connects to the socket at path, writes data and disconnects.
func Notify(path string, data []byte, timeout time.Duration) error {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	n, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w", path, err)
	}

	logger.WithFields(logrus.Fields{
		"socket_path": path,
		"bytes":       n,
	}).Trace("Local notification sent")
	return nil
}

// SendRecord encodes rec and sends it to path as one message.
func SendRecord(path string, rec *EventRecord, timeout time.Duration) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return Notify(path, data, timeout)
}
