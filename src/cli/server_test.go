package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMux struct {
	mu       sync.Mutex
	attached map[string]apmux.HostapEventCallback
	sent     []apmux.VendorCommand
	hostap   []string
	scan     apmux.ScanParams
	health   int
	query    apmux.QueryResult
	queryErr error
}

func newFakeMux() *fakeMux {
	return &fakeMux{attached: map[string]apmux.HostapEventCallback{}}
}

func (f *fakeMux) Status() apmux.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := apmux.Status{LoopRunning: len(f.attached) > 0, Delivery: apmux.DeliveryDirect, Capacity: 33}
	for name := range f.attached {
		st.Slots = append(st.Slots, apmux.SlotStatus{Kind: apmux.KindHostap, Name: name, Connected: true})
	}
	return st
}

func (f *fakeMux) RequestHealthCheck() {
	f.mu.Lock()
	f.health++
	f.mu.Unlock()
}

func (f *fakeMux) AttachHostap(vap string, cb apmux.HostapEventCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attached[vap]; ok {
		return apmux.ErrAlreadyUp
	}
	f.attached[vap] = cb
	return nil
}

func (f *fakeMux) DetachHostap(vap string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attached[vap]; !ok {
		return fmt.Errorf("%w: %s", apmux.ErrInterfaceDown, vap)
	}
	delete(f.attached, vap)
	return nil
}

func (f *fakeMux) SendHostapCommand(vap, header string, fields []apmux.CommandField, reply []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.attached[vap]; !ok {
		return 0, fmt.Errorf("%w: %s", apmux.ErrInterfaceDown, vap)
	}
	line := header
	for _, fl := range fields {
		if fl.Name == "" {
			line += " " + fl.Value
		} else {
			line += " " + fl.Name + "=" + fl.Value
		}
	}
	f.hostap = append(f.hostap, line)
	return copy(reply, "OK\n"), nil
}

func (f *fakeMux) DriverCommandSend(cmd apmux.VendorCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeMux) DriverQuery(ctx context.Context, cmd apmux.VendorCommand) (apmux.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.query, f.queryErr
}

func (f *fakeMux) DriverScanTrigger(ifname string, params apmux.ScanParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scan = params
	return nil
}

func (f *fakeMux) DriverScanDump(ifname string, cb apmux.ScanResultCallback) error {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	cb(apmux.ScanResult{BSSID: mac, Frequency: 2412, SignalMBm: -4550, SSID: "guest"})
	return nil
}

type staticDiscoverer []discovery.VAP

func (d staticDiscoverer) Discover() ([]discovery.VAP, error) { return d, nil }

func newTestServer(t *testing.T) (*CLIServer, *fakeMux) {
	t.Helper()
	mux := newFakeMux()
	disc := staticDiscoverer{{Name: "wlan0", Device: "radio0", Source: discovery.SourceUCI}}
	return NewCLIServer(filepath.Join(t.TempDir(), "apmux.sock"), mux, disc, NewEventLog(16)), mux
}

func TestAttachDetach(t *testing.T) {
	s, mux := newTestServer(t)

	resp := s.processCommand(CLIMessage{Command: "attach", Args: []string{"wlan0"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Success", resp.Result)

	resp = s.processCommand(CLIMessage{Command: "attach", Args: []string{"wlan0"}})
	assert.True(t, resp.Success)
	assert.Equal(t, "AlreadyUp", resp.Result)

	// Events delivered to the registered callback land in the log.
	mux.attached["wlan0"]("wlan0", "AP-STA-CONNECTED", []byte("02:00:00:00:00:02"))
	require.Equal(t, 1, s.events.Len())
	assert.Equal(t, "AP-STA-CONNECTED", s.events.Recent(1)[0].Opcode)

	resp = s.processCommand(CLIMessage{Command: "detach", Args: []string{"wlan0"}})
	assert.True(t, resp.Success)

	resp = s.processCommand(CLIMessage{Command: "detach", Args: []string{"wlan0"}})
	assert.False(t, resp.Success)
	assert.Equal(t, "InterfaceDown", resp.Result)

	resp = s.processCommand(CLIMessage{Command: "attach"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Failure", resp.Result)
}

func TestAttachChainsHostapCallback(t *testing.T) {
	s, mux := newTestServer(t)
	var got []string
	s.SetHostapCallback(func(vap, opcode string, msg []byte) { got = append(got, opcode) })

	require.True(t, s.processCommand(CLIMessage{Command: "attach", Args: []string{"wlan1"}}).Success)
	mux.attached["wlan1"]("wlan1", apmux.ReconnectedOpcode, nil)
	assert.Equal(t, []string{apmux.ReconnectedOpcode}, got)
}

func TestVAPsMergesDiscoveryAndRegistry(t *testing.T) {
	s, _ := newTestServer(t)
	require.True(t, s.processCommand(CLIMessage{Command: "attach", Args: []string{"wlan1"}}).Success)

	resp := s.processCommand(CLIMessage{Command: "vaps"})
	require.True(t, resp.Success)
	vaps := resp.Data.([]VAPInfo)
	require.Len(t, vaps, 2)
	assert.Equal(t, VAPInfo{Name: "wlan0", Device: "radio0", Source: discovery.SourceUCI}, vaps[0])
	assert.Equal(t, VAPInfo{Name: "wlan1", Registered: true, Connected: true}, vaps[1])
}

func TestHostapCommand(t *testing.T) {
	s, mux := newTestServer(t)
	require.True(t, s.processCommand(CLIMessage{Command: "attach", Args: []string{"wlan0"}}).Success)

	resp := s.processCommand(CLIMessage{Command: "hostap", Args: []string{"wlan0", "DISASSOCIATE", "02:00:00:00:00:02", "reason=3"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, HostapReply{VAP: "wlan0", Header: "DISASSOCIATE", Reply: "OK\n"}, resp.Data)
	assert.Equal(t, []string{"DISASSOCIATE 02:00:00:00:00:02 reason=3"}, mux.hostap)

	resp = s.processCommand(CLIMessage{Command: "hostap", Args: []string{"wlan9", "STATUS"}})
	assert.False(t, resp.Success)
	assert.Equal(t, "InterfaceDown", resp.Result)
}

func TestDriverCommands(t *testing.T) {
	s, mux := newTestServer(t)
	mux.query = apmux.QueryResult{Received: true, Data: []byte{0xde, 0xad}}

	resp := s.processCommand(CLIMessage{Command: "driver", Args: []string{"get", "wlan0", "0x10"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, DriverReply{IfName: "wlan0", SubCommand: 0x10, Received: true, Length: 2, Data: "dead"}, resp.Data)

	resp = s.processCommand(CLIMessage{
		Command: "driver",
		Args:    []string{"send", "wlan0", "0x20", "0102"},
		Flags:   map[string]string{"id_type": "phy"},
	})
	require.True(t, resp.Success, resp.Error)
	require.Len(t, mux.sent, 2)
	assert.Equal(t, apmux.VendorCommand{IfName: "wlan0", IDType: apmux.IDTypePhy, SubCommand: 0x20, Payload: []byte{1, 2}}, mux.sent[1])

	mux.query = apmux.QueryResult{}
	resp = s.processCommand(CLIMessage{Command: "driver", Args: []string{"get", "wlan0", "16"}})
	require.True(t, resp.Success)
	assert.False(t, resp.Data.(DriverReply).Received)

	mux.queryErr = apmux.ErrQueryInProgress
	resp = s.processCommand(CLIMessage{Command: "driver", Args: []string{"get", "wlan0", "16"}})
	assert.False(t, resp.Success)

	for _, args := range [][]string{
		{"get", "wlan0"},
		{"get", "wlan0", "nope"},
		{"send", "wlan0", "1", "zz"},
		{"poke", "wlan0", "1"},
	} {
		assert.False(t, s.processCommand(CLIMessage{Command: "driver", Args: args}).Success, args)
	}
	assert.False(t, s.processCommand(CLIMessage{
		Command: "driver",
		Args:    []string{"send", "wlan0", "1"},
		Flags:   map[string]string{"id_type": "radio"},
	}).Success)
}

func TestScanCommands(t *testing.T) {
	s, mux := newTestServer(t)

	resp := s.processCommand(CLIMessage{
		Command: "scan",
		Args:    []string{"trigger", "wlan0"},
		Flags:   map[string]string{"freqs": "2412, 5180", "ssids": "guest,home", "flush": "true"},
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, apmux.ScanParams{Frequencies: []uint32{2412, 5180}, SSIDs: []string{"guest", "home"}, Flush: true}, mux.scan)

	resp = s.processCommand(CLIMessage{Command: "scan", Args: []string{"dump", "wlan0"}})
	require.True(t, resp.Success)
	assert.Equal(t, []ScanEntry{{BSSID: "02:00:00:00:00:01", Frequency: 2412, SignalDBm: -45.5, SSID: "guest"}}, resp.Data)

	resp = s.processCommand(CLIMessage{Command: "scan", Args: []string{"trigger", "wlan0"}, Flags: map[string]string{"freqs": "x"}})
	assert.False(t, resp.Success)
}

func TestEventsAndHealth(t *testing.T) {
	s, mux := newTestServer(t)
	for i := 0; i < 5; i++ {
		s.events.Add(EventEntry{Kind: "hostap", Opcode: fmt.Sprintf("E%d", i)})
	}

	resp := s.processCommand(CLIMessage{Command: "events", Args: []string{"2"}})
	require.True(t, resp.Success)
	entries := resp.Data.([]EventEntry)
	require.Len(t, entries, 2)
	assert.Equal(t, "E3", entries[0].Opcode)
	assert.Equal(t, "E4", entries[1].Opcode)

	assert.False(t, s.processCommand(CLIMessage{Command: "events", Args: []string{"-1"}}).Success)

	require.True(t, s.processCommand(CLIMessage{Command: "health"}).Success)
	assert.Equal(t, 1, mux.health)

	assert.False(t, s.processCommand(CLIMessage{Command: "wallet"}).Success)
}

func TestServerRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	assert.Error(t, s.Start())

	info, err := os.Stat(s.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SocketPermissions), info.Mode().Perm())

	call := func(line string) CLIResponse {
		conn, err := net.Dial("unix", s.SocketPath())
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		scanner := bufio.NewScanner(conn)
		require.True(t, scanner.Scan())
		var resp CLIResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		return resp
	}

	msg, err := json.Marshal(CLIMessage{Command: "status", Timestamp: time.Now()})
	require.NoError(t, err)
	resp := call(string(msg))
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "0 VAPs attached")

	resp = call("{garbage")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Invalid JSON")

	require.NoError(t, s.Stop())
	_, err = os.Stat(s.SocketPath())
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Stop())
}
