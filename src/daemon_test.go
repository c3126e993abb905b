package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/cli"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/config_manager"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/discovery"
	"github.com/coreos/go-systemd/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableHostapd never connects, so attached VAPs stay registered and
// wait for recovery.
type unreachableHostapd struct{}

func (unreachableHostapd) Open(vap string) (apmux.HostapSession, error) {
	return nil, errors.New("no hostapd")
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *recordingNotifier) notify(unsetEnvironment bool, state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return false, nil
}

func (n *recordingNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func testConfig(t *testing.T) *config_manager.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config_manager.NewDefaultConfig()
	cfg.SocketDir = filepath.Join(dir, "run")
	cfg.CLISocketPath = filepath.Join(dir, "apmux.sock")
	cfg.HostapdCtrlDir = filepath.Join(dir, "hostapd")
	cfg.Discovery.Source = string(discovery.SourceNone)
	cfg.AutoAttachVAPs = []string{"wlan0", "wlan0-1"}
	cfg.LinkWatch = false
	cfg.ThreadSettleDelay = 0
	return cfg
}

func callCLI(t *testing.T, socket string, msg cli.CLIMessage) cli.CLIResponse {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp cli.CLIResponse
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func waitForSocket(t *testing.T, socket string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond, "control socket never came up")
}

func TestDaemonServe(t *testing.T) {
	cfg := testConfig(t)
	notifier := &recordingNotifier{}

	d, err := newDaemon(cfg,
		withHostapConnector(unreachableHostapd{}),
		withDriverConnector(nil),
		withSdNotifier(notifier.notify))
	require.NoError(t, err)
	assert.DirExists(t, cfg.SocketDir)

	done := make(chan error, 1)
	go func() { done <- d.Serve() }()
	waitForSocket(t, cfg.CLISocketPath)

	require.Eventually(t, func() bool {
		return len(notifier.got()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{daemon.SdNotifyReady}, notifier.got())

	resp := callCLI(t, cfg.CLISocketPath, cli.CLIMessage{Command: "vaps"})
	require.True(t, resp.Success, resp.Error)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var vaps []cli.VAPInfo
	require.NoError(t, json.Unmarshal(raw, &vaps))
	assert.Equal(t, []cli.VAPInfo{
		{Name: "wlan0", Registered: true},
		{Name: "wlan0-1", Registered: true},
	}, vaps)

	resp = callCLI(t, cfg.CLISocketPath, cli.CLIMessage{Command: "driver", Args: []string{"get", "wlan0", "0x10"}})
	assert.False(t, resp.Success)

	d.Quit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Quit")
	}
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, notifier.got())
	assert.NoFileExists(t, cfg.CLISocketPath)
}

func TestNewDaemonRejectsBadDiscovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.Source = "ldap"
	_, err := newDaemon(cfg, withHostapConnector(unreachableHostapd{}), withSdNotifier((&recordingNotifier{}).notify))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not create daemon")
}

func TestAppServesFromConfigFile(t *testing.T) {
	cfg := testConfig(t)
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config_manager.SaveConfig(configPath, cfg))
	socket := filepath.Join(filepath.Dir(configPath), "override.sock")

	a := newApp(withHostapConnector(unreachableHostapd{}), withSdNotifier((&recordingNotifier{}).notify))
	a.SetArgs("--config", configPath, "--socket", socket)

	done := make(chan error, 1)
	go func() { done <- a.Run() }()
	a.WaitReady()
	waitForSocket(t, socket)

	resp := callCLI(t, socket, cli.CLIMessage{Command: "status"})
	require.True(t, resp.Success, resp.Error)
	assert.Contains(t, resp.Message, "2 VAPs attached")

	a.Quit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
	assert.False(t, a.UsageError())
}

func TestAppUsageError(t *testing.T) {
	a := newApp()
	a.SetArgs("--no-such-flag")
	require.Error(t, a.Run())
	assert.True(t, a.UsageError())
	a.Quit()
}

func TestAppInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PollTimeout = 0
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config_manager.SaveConfig(configPath, cfg))

	a := newApp(withSdNotifier((&recordingNotifier{}).notify))
	a.SetArgs("-c", configPath)
	err := a.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_timeout")
	assert.False(t, a.UsageError())
}
