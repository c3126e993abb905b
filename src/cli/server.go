package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/discovery"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSocketPath = "/var/run/apmux.sock"
	SocketPermissions = 0660

	// connDeadline bounds a whole request/response exchange.
	connDeadline = 10 * time.Second
	// maxReplyBytes sizes the buffer handed to hostapd commands.
	maxReplyBytes = 4096
)

var cliLogger = logrus.WithField("module", "cli")

// Multiplexer is the part of *apmux.Manager the control server drives.
type Multiplexer interface {
	Status() apmux.Status
	RequestHealthCheck()
	AttachHostap(vapName string, cb apmux.HostapEventCallback) error
	DetachHostap(vapName string) error
	SendHostapCommand(vapName, header string, fields []apmux.CommandField, reply []byte) (int, error)
	DriverCommandSend(cmd apmux.VendorCommand) error
	DriverQuery(ctx context.Context, cmd apmux.VendorCommand) (apmux.QueryResult, error)
	DriverScanTrigger(ifname string, params apmux.ScanParams) error
	DriverScanDump(ifname string, cb apmux.ScanResultCallback) error
}

// CLIServer handles Unix socket communication for CLI commands
type CLIServer struct {
	socketPath string
	mux        Multiplexer
	discoverer discovery.Discoverer
	events     *EventLog
	onEvent    apmux.HostapEventCallback
	startTime  time.Time

	mu       sync.Mutex
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
}

// NewCLIServer creates a new CLI server instance. discoverer may be nil.
func NewCLIServer(socketPath string, mux Multiplexer, discoverer discovery.Discoverer, events *EventLog) *CLIServer {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &CLIServer{
		socketPath: socketPath,
		mux:        mux,
		discoverer: discoverer,
		events:     events,
		startTime:  time.Now(),
	}
}

// SetHostapCallback sets the callback chained after the event log for VAPs
// attached through the attach command.
func (s *CLIServer) SetHostapCallback(cb apmux.HostapEventCallback) {
	s.onEvent = cb
}

// SocketPath is where the server listens.
func (s *CLIServer) SocketPath() string {
	return s.socketPath
}

// Start begins listening on the Unix socket
func (s *CLIServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("CLI server already running")
	}

	// Remove existing socket file if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, SocketPermissions); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	cliLogger.WithField("socket_path", s.socketPath).Info("CLI server started")

	s.wg.Add(1)
	go s.acceptConnections(listener)

	return nil
}

// Stop shuts down the CLI server
func (s *CLIServer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	s.mu.Unlock()

	err := listener.Close()
	s.wg.Wait()

	// Clean up socket file
	os.Remove(s.socketPath)

	cliLogger.Info("CLI server stopped")
	return err
}

func (s *CLIServer) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// acceptConnections handles incoming connections
func (s *CLIServer) acceptConnections(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			cliLogger.WithError(err).Error("Failed to accept connection")
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection processes a single CLI connection
func (s *CLIServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	reader := bufio.NewReaderSize(conn, 8192)

	// Read until newline (our protocol sends data + \n)
	data, err := reader.ReadBytes('\n')
	if err != nil {
		cliLogger.WithError(err).Error("Failed to read from connection")
		return
	}
	data = data[:len(data)-1]

	cliLogger.WithField("data_length", len(data)).Debug("Received CLI message")

	var msg CLIMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		cliLogger.WithError(err).Error("Failed to unmarshal CLI message")
		s.sendError(conn, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	response := s.processCommand(msg)
	s.sendResponse(conn, response)
}

// processCommand executes the CLI command and returns a response
func (s *CLIServer) processCommand(msg CLIMessage) CLIResponse {
	cliLogger.WithFields(logrus.Fields{
		"command": msg.Command,
		"args":    msg.Args,
	}).Debug("Processing CLI command")

	switch msg.Command {
	case "status":
		return s.handleStatusCommand()
	case "vaps":
		return s.handleVAPsCommand()
	case "attach":
		return s.handleAttachCommand(msg.Args)
	case "detach":
		return s.handleDetachCommand(msg.Args)
	case "hostap":
		return s.handleHostapCommand(msg.Args)
	case "driver":
		return s.handleDriverCommand(msg.Args, msg.Flags)
	case "scan":
		return s.handleScanCommand(msg.Args, msg.Flags)
	case "events":
		return s.handleEventsCommand(msg.Args)
	case "health":
		s.mux.RequestHealthCheck()
		return success("Health check requested", nil)
	case "version":
		return s.handleVersionCommand()
	default:
		return failure(fmt.Errorf("unknown command: %s", msg.Command))
	}
}

func success(message string, data interface{}) CLIResponse {
	return CLIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Result:    apmux.ResultSuccess.String(),
		Timestamp: time.Now(),
	}
}

// failure carries the multiplexer's coarse result alongside the error text.
func failure(err error) CLIResponse {
	return CLIResponse{
		Success:   false,
		Error:     err.Error(),
		Result:    apmux.ResultOf(err).String(),
		Timestamp: time.Now(),
	}
}

func usage(format string, args ...interface{}) CLIResponse {
	return failure(fmt.Errorf("%w: %s", apmux.ErrInvalidArgument, fmt.Sprintf(format, args...)))
}

func (s *CLIServer) handleStatusCommand() CLIResponse {
	status := ServiceStatus{
		Running: true,
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Manager: s.mux.Status(),
	}
	attached := 0
	for _, slot := range status.Manager.Slots {
		if slot.Kind == apmux.KindHostap {
			attached++
		}
	}
	return success(fmt.Sprintf("apmux running for %s with %d VAPs attached", status.Uptime, attached), status)
}

// handleVAPsCommand lists discovered VAPs and registered ones, merged by name.
func (s *CLIServer) handleVAPsCommand() CLIResponse {
	byName := map[string]*VAPInfo{}
	var order []string

	if s.discoverer != nil {
		vaps, err := s.discoverer.Discover()
		if err != nil {
			cliLogger.WithError(err).Warn("VAP discovery failed")
		}
		for _, v := range vaps {
			byName[v.Name] = &VAPInfo{Name: v.Name, Device: v.Device, Source: v.Source}
			order = append(order, v.Name)
		}
	}

	for _, slot := range s.mux.Status().Slots {
		if slot.Kind != apmux.KindHostap {
			continue
		}
		info, ok := byName[slot.Name]
		if !ok {
			info = &VAPInfo{Name: slot.Name}
			byName[slot.Name] = info
			order = append(order, slot.Name)
		}
		info.Registered = true
		info.Connected = slot.Connected
	}

	out := make([]VAPInfo, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return success(fmt.Sprintf("%d VAPs", len(out)), out)
}

func (s *CLIServer) handleAttachCommand(args []string) CLIResponse {
	if len(args) != 1 {
		return usage("attach requires exactly one VAP name")
	}
	err := s.mux.AttachHostap(args[0], s.events.HostapCallback(s.onEvent))
	if apmux.IsAlreadyUp(err) {
		resp := success(fmt.Sprintf("%s is already attached", args[0]), nil)
		resp.Result = apmux.ResultAlreadyUp.String()
		return resp
	}
	if err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("Attached %s", args[0]), nil)
}

func (s *CLIServer) handleDetachCommand(args []string) CLIResponse {
	if len(args) != 1 {
		return usage("detach requires exactly one VAP name")
	}
	if err := s.mux.DetachHostap(args[0]); err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("Detached %s", args[0]), nil)
}

// handleHostapCommand sends "<header> [name=value | value]..." to a VAP.
func (s *CLIServer) handleHostapCommand(args []string) CLIResponse {
	if len(args) < 2 {
		return usage("hostap requires a VAP name and a command")
	}
	vap, header := args[0], args[1]

	fields := make([]apmux.CommandField, 0, len(args)-2)
	for _, arg := range args[2:] {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			fields = append(fields, apmux.CommandField{Value: arg})
			continue
		}
		fields = append(fields, apmux.CommandField{Name: name, Value: value})
	}

	reply := make([]byte, maxReplyBytes)
	n, err := s.mux.SendHostapCommand(vap, header, fields, reply)
	if err != nil {
		return failure(err)
	}
	return success(fmt.Sprintf("%s %s: %d bytes", vap, header, n), HostapReply{
		VAP:    vap,
		Header: header,
		Reply:  string(reply[:n]),
	})
}

// handleDriverCommand handles "get|send <ifname> <subcmd> [payload-hex]".
// The id_type flag selects netdev (default), phy or wdev addressing.
func (s *CLIServer) handleDriverCommand(args []string, flags map[string]string) CLIResponse {
	if len(args) < 3 || len(args) > 4 {
		return usage("driver requires get|send, an interface and a subcommand")
	}
	cmd, err := parseVendorCommand(args[1:], flags)
	if err != nil {
		return failure(err)
	}

	switch args[0] {
	case "send":
		if err := s.mux.DriverCommandSend(cmd); err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("Sent subcommand 0x%x to %s", cmd.SubCommand, cmd.IfName), nil)
	case "get":
		res, err := s.mux.DriverQuery(context.Background(), cmd)
		if err != nil {
			return failure(err)
		}
		reply := DriverReply{
			IfName:     cmd.IfName,
			SubCommand: cmd.SubCommand,
			Received:   res.Received,
			Length:     res.Len(),
			Data:       hex.EncodeToString(res.Data),
		}
		if !res.Received {
			return success(fmt.Sprintf("No reply to subcommand 0x%x", cmd.SubCommand), reply)
		}
		return success(fmt.Sprintf("Received %d bytes", res.Len()), reply)
	default:
		return usage("unknown driver action %q (supported: get, send)", args[0])
	}
}

func parseVendorCommand(args []string, flags map[string]string) (apmux.VendorCommand, error) {
	subcmd, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return apmux.VendorCommand{}, fmt.Errorf("%w: subcommand %q: %w", apmux.ErrInvalidArgument, args[1], err)
	}
	cmd := apmux.VendorCommand{IfName: args[0], SubCommand: uint32(subcmd)}

	if len(args) == 3 {
		payload, err := hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
		if err != nil {
			return apmux.VendorCommand{}, fmt.Errorf("%w: payload: %w", apmux.ErrInvalidArgument, err)
		}
		cmd.Payload = payload
	}

	switch flags["id_type"] {
	case "", "netdev":
		cmd.IDType = apmux.IDTypeNetdev
	case "phy":
		cmd.IDType = apmux.IDTypePhy
	case "wdev":
		cmd.IDType = apmux.IDTypeWdev
	default:
		return apmux.VendorCommand{}, fmt.Errorf("%w: unknown id_type %q", apmux.ErrInvalidArgument, flags["id_type"])
	}
	return cmd, nil
}

// handleScanCommand handles "trigger|dump <ifname>". Trigger reads the
// optional flags freqs (comma separated MHz), ssids (comma separated) and
// flush.
func (s *CLIServer) handleScanCommand(args []string, flags map[string]string) CLIResponse {
	if len(args) != 2 {
		return usage("scan requires trigger|dump and an interface")
	}
	ifname := args[1]

	switch args[0] {
	case "trigger":
		params, err := parseScanParams(flags)
		if err != nil {
			return failure(err)
		}
		if err := s.mux.DriverScanTrigger(ifname, params); err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("Scan triggered on %s", ifname), nil)
	case "dump":
		var entries []ScanEntry
		err := s.mux.DriverScanDump(ifname, func(res apmux.ScanResult) {
			entries = append(entries, ScanEntry{
				BSSID:     res.BSSID.String(),
				Frequency: res.Frequency,
				SignalDBm: float64(res.SignalMBm) / 100,
				SSID:      res.SSID,
			})
		})
		if err != nil {
			return failure(err)
		}
		return success(fmt.Sprintf("%d BSSs on %s", len(entries), ifname), entries)
	default:
		return usage("unknown scan action %q (supported: trigger, dump)", args[0])
	}
}

func parseScanParams(flags map[string]string) (apmux.ScanParams, error) {
	var params apmux.ScanParams
	if v := flags["freqs"]; v != "" {
		for _, f := range strings.Split(v, ",") {
			mhz, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
			if err != nil {
				return params, fmt.Errorf("%w: frequency %q", apmux.ErrInvalidArgument, f)
			}
			params.Frequencies = append(params.Frequencies, uint32(mhz))
		}
	}
	if v := flags["ssids"]; v != "" {
		params.SSIDs = strings.Split(v, ",")
	}
	if v := flags["flush"]; v != "" {
		flush, err := strconv.ParseBool(v)
		if err != nil {
			return params, fmt.Errorf("%w: flush %q", apmux.ErrInvalidArgument, v)
		}
		params.Flush = flush
	}
	return params, nil
}

func (s *CLIServer) handleEventsCommand(args []string) CLIResponse {
	n := 0
	if len(args) > 0 {
		var err error
		if n, err = strconv.Atoi(args[0]); err != nil || n < 0 {
			return usage("events count must be a non-negative number, got %q", args[0])
		}
	}
	entries := s.events.Recent(n)
	if entries == nil {
		entries = []EventEntry{}
	}
	return success(fmt.Sprintf("%d events", len(entries)), entries)
}

func (s *CLIServer) handleVersionCommand() CLIResponse {
	return success(GetVersionInfo(), GetFullVersionInfo())
}

// sendResponse sends a JSON response to the client
func (s *CLIServer) sendResponse(conn net.Conn, response CLIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		cliLogger.WithError(err).Error("Failed to marshal response")
		return
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		cliLogger.WithError(err).Error("Failed to send response")
	}
}

// sendError sends an error response to the client
func (s *CLIServer) sendError(conn net.Conn, errorMsg string) {
	s.sendResponse(conn, CLIResponse{
		Success:   false,
		Error:     errorMsg,
		Result:    apmux.ResultFailure.String(),
		Timestamp: time.Now(),
	})
}
