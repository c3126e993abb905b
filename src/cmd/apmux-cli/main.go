package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/cli"
	"github.com/spf13/cobra"
)

// socketEnv overrides the default control socket path.
const socketEnv = "APMUX_SOCKET"

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "apmux-cli",
	Short: "apmux CLI - Control the access point multiplexer",
	Long: `apmux-cli talks to a running apmux daemon over its control socket.
You can list and attach VAPs, send hostapd commands, query the driver and
inspect recent events.`,
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  "Display uptime, the event loop state and every registered interface",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("status", nil, nil)
	},
}

var vapsCmd = &cobra.Command{
	Use:   "vaps",
	Short: "List VAPs",
	Long:  "List discovered VAPs together with their registration state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("vaps", nil, nil)
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach [vap]",
	Short: "Attach a VAP",
	Long:  "Register a VAP and open its hostapd control session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("attach", args, nil)
	},
}

var detachCmd = &cobra.Command{
	Use:   "detach [vap]",
	Short: "Detach a VAP",
	Long:  "Close the hostapd control session of a VAP and release its slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("detach", args, nil)
	},
}

var hostapCmd = &cobra.Command{
	Use:   "hostap [vap] [command] [args...]",
	Short: "Send a hostapd control command",
	Long: `Send a command to the hostapd instance serving a VAP and print its reply.
Arguments of the form name=value are passed as fields, e.g.

  apmux-cli hostap wlan0 DISASSOCIATE 02:00:00:00:00:02 reason=3`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("hostap", args, nil)
	},
}

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Driver vendor commands",
	Long:  "Send nl80211 vendor commands to the driver",
}

var driverGetCmd = &cobra.Command{
	Use:   "get [ifname] [subcmd] [payload-hex]",
	Short: "Query the driver and wait for its reply",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("driver", append([]string{"get"}, args...), driverFlags(cmd))
	},
}

var driverSendCmd = &cobra.Command{
	Use:   "send [ifname] [subcmd] [payload-hex]",
	Short: "Send a vendor command without waiting for a reply",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("driver", append([]string{"send"}, args...), driverFlags(cmd))
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Driver scans",
	Long:  "Trigger scans and dump the BSSs the driver has seen",
}

var scanTriggerCmd = &cobra.Command{
	Use:   "trigger [ifname]",
	Short: "Start a scan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := map[string]string{}
		if freqs, _ := cmd.Flags().GetUintSlice("freq"); len(freqs) > 0 {
			parts := make([]string, len(freqs))
			for i, f := range freqs {
				parts[i] = strconv.FormatUint(uint64(f), 10)
			}
			flags["freqs"] = strings.Join(parts, ",")
		}
		if ssids, _ := cmd.Flags().GetStringSlice("ssid"); len(ssids) > 0 {
			flags["ssids"] = strings.Join(ssids, ",")
		}
		if flush, _ := cmd.Flags().GetBool("flush"); flush {
			flags["flush"] = "true"
		}
		return sendCommandAndDisplay("scan", []string{"trigger", args[0]}, flags)
	},
}

var scanDumpCmd = &cobra.Command{
	Use:   "dump [ifname]",
	Short: "Show scan results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("scan", []string{"dump", args[0]}, nil)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [count]",
	Short: "Show recent events",
	Long:  "Display the most recent hostapd, driver and link events seen by the daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("events", args, nil)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe all VAPs now",
	Long:  "Ask the daemon to run its ping check and recovery pass immediately",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("health", nil, nil)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display apmux version and build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("version", nil, nil)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the apmux service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeServiceCommand("restart")
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show apmux logs",
	Long:  "Display apmux service logs from logread",
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		follow, _ := cmd.Flags().GetBool("follow")
		return executeLogsCommand(tail, follow)
	},
}

func init() {
	defaultSocket := cli.DefaultSocketPath
	if env := os.Getenv(socketEnv); env != "" {
		defaultSocket = env
	}
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", defaultSocket, "control socket of the apmux daemon")

	for _, c := range []*cobra.Command{driverGetCmd, driverSendCmd} {
		c.Flags().String("id-type", "netdev", "how the target is addressed: netdev, phy or wdev")
	}

	scanTriggerCmd.Flags().UintSlice("freq", nil, "frequencies to scan in MHz (default all)")
	scanTriggerCmd.Flags().StringSlice("ssid", nil, "SSIDs to probe for (default wildcard)")
	scanTriggerCmd.Flags().Bool("flush", false, "drop cached results before scanning")

	logsCmd.Flags().IntP("tail", "n", 0, "Number of lines to show from the end (0 = all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output (like tail -f)")

	driverCmd.AddCommand(driverGetCmd, driverSendCmd)
	scanCmd.AddCommand(scanTriggerCmd, scanDumpCmd)
	rootCmd.AddCommand(statusCmd, vapsCmd, attachCmd, detachCmd, hostapCmd, driverCmd, scanCmd,
		eventsCmd, healthCmd, versionCmd, restartCmd, logsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func driverFlags(cmd *cobra.Command) map[string]string {
	idType, _ := cmd.Flags().GetString("id-type")
	return map[string]string{"id_type": idType}
}

func sendCommandAndDisplay(command string, args []string, flags map[string]string) error {
	msg := cli.CLIMessage{
		Command:   command,
		Args:      args,
		Flags:     flags,
		Timestamp: time.Now(),
	}

	response, err := sendCommand(socketPath, msg)
	if err != nil {
		return fmt.Errorf("failed to communicate with apmux: %w\nMake sure the apmux service is running", err)
	}

	displayResponse(os.Stdout, os.Stderr, command, response)

	if !response.Success {
		return fmt.Errorf("command failed (%s)", response.Result)
	}
	return nil
}

func sendCommand(socket string, msg cli.CLIMessage) (*cli.CLIResponse, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to apmux: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("no response from service")
	}

	var response cli.CLIResponse
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

// executeServiceCommand runs the apmux init script.
func executeServiceCommand(action string) error {
	fmt.Printf("Executing: apmux %s...\n", action)
	output, err := exec.Command("/etc/init.d/apmux", action).CombinedOutput()
	if len(output) > 0 {
		fmt.Print(string(output))
	}
	if err != nil {
		return fmt.Errorf("failed to %s apmux: %w", action, err)
	}
	fmt.Printf("Successfully ran %s\n", action)
	return nil
}

// executeLogsCommand executes logread directly to show apmux logs
func executeLogsCommand(tail int, follow bool) error {
	args := []string{"-e", "apmux"}
	if follow {
		args = append(args, "-f")
	}
	if tail > 0 {
		args = append(args, "-l", strconv.Itoa(tail))
	}

	cmd := exec.Command("logread", args...)

	// If following, connect stdout/stderr directly for real-time output
	if follow {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	fmt.Print(string(output))
	return nil
}

func displayResponse(out, errOut io.Writer, command string, response *cli.CLIResponse) {
	if !response.Success {
		fmt.Fprintf(errOut, "Error: %s\n", response.Error)
		return
	}
	if response.Message != "" {
		fmt.Fprintln(out, response.Message)
	}
	if response.Data == nil {
		return
	}

	switch command {
	case "events":
		var entries []cli.EventEntry
		if decodeData(response.Data, &entries) {
			displayEvents(out, entries)
			return
		}
	case "scan":
		var entries []cli.ScanEntry
		if decodeData(response.Data, &entries) {
			displayScan(out, entries)
			return
		}
	case "vaps":
		var vaps []cli.VAPInfo
		if decodeData(response.Data, &vaps) {
			displayVAPs(out, vaps)
			return
		}
	case "hostap":
		var reply cli.HostapReply
		if decodeData(response.Data, &reply) {
			fmt.Fprint(out, reply.Reply)
			if !strings.HasSuffix(reply.Reply, "\n") {
				fmt.Fprintln(out)
			}
			return
		}
	}

	switch v := response.Data.(type) {
	case map[string]interface{}:
		displayMap(out, v, "")
	default:
		// Fallback to JSON pretty print
		if jsonData, err := json.MarshalIndent(v, "", "  "); err == nil {
			fmt.Fprintln(out, string(jsonData))
		}
	}
}

// decodeData re-decodes the generic JSON payload into a typed value.
func decodeData(data interface{}, into interface{}) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, into) == nil
}

func displayEvents(out io.Writer, entries []cli.EventEntry) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tINTERFACE\tEVENT\tDETAIL")
	for _, e := range entries {
		event := e.Opcode
		if event == "" && e.Kind != "link" {
			event = fmt.Sprintf("%d/%d", e.Event, e.Subevent)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("15:04:05.000"), e.Kind, e.Interface, event, strings.TrimSpace(e.Message))
	}
	w.Flush()
}

func displayScan(out io.Writer, entries []cli.ScanEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].SignalDBm > entries[j].SignalDBm })
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BSSID\tFREQ\tSIGNAL\tSSID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%.1f dBm\t%s\n", e.BSSID, e.Frequency, e.SignalDBm, e.SSID)
	}
	w.Flush()
}

func displayVAPs(out io.Writer, vaps []cli.VAPInfo) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VAP\tDEVICE\tSOURCE\tREGISTERED\tCONNECTED")
	for _, v := range vaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n", v.Name, v.Device, v.Source, v.Registered, v.Connected)
	}
	w.Flush()
}

func displayMap(out io.Writer, m map[string]interface{}, prefix string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch v := m[key].(type) {
		case map[string]interface{}:
			fmt.Fprintf(out, "%s%s:\n", prefix, key)
			displayMap(out, v, prefix+"  ")
		case []interface{}:
			fmt.Fprintf(out, "%s%s:\n", prefix, key)
			for _, item := range v {
				if im, ok := item.(map[string]interface{}); ok {
					displayMap(out, im, prefix+"  - ")
					continue
				}
				fmt.Fprintf(out, "%s  - %v\n", prefix, item)
			}
		default:
			fmt.Fprintf(out, "%s%s: %v\n", prefix, key, v)
		}
	}
}
