package cli

import (
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/discovery"
)

// CLIMessage represents communication between CLI client and service
type CLIMessage struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// CLIResponse represents a response from the service
type CLIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Result    string      `json:"result,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ServiceStatus represents basic service status
type ServiceStatus struct {
	Running bool         `json:"running"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Manager apmux.Status `json:"manager"`
}

// VAPInfo joins a discovered interface with its registration state.
type VAPInfo struct {
	Name       string           `json:"name"`
	Device     string           `json:"device,omitempty"`
	Source     discovery.Source `json:"source,omitempty"`
	Registered bool             `json:"registered"`
	Connected  bool             `json:"connected"`
}

// HostapReply is the text hostapd returned for a command.
type HostapReply struct {
	VAP    string `json:"vap"`
	Header string `json:"header"`
	Reply  string `json:"reply"`
}

// DriverReply is the outcome of a driver get.
type DriverReply struct {
	IfName     string `json:"ifname"`
	SubCommand uint32 `json:"subcmd"`
	Received   bool   `json:"received"`
	Length     int    `json:"length"`
	Data       string `json:"data,omitempty"` // hex
}

// ScanEntry is one BSS of a scan dump.
type ScanEntry struct {
	BSSID     string  `json:"bssid"`
	Frequency uint32  `json:"frequency"`
	SignalDBm float64 `json:"signal_dbm"`
	SSID      string  `json:"ssid"`
}

// EventEntry is one event kept for the events command.
type EventEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // "hostap", "vendor" or "nl80211"
	Interface string    `json:"interface,omitempty"`
	Opcode    string    `json:"opcode,omitempty"`
	Event     int       `json:"event,omitempty"`
	Subevent  int       `json:"subevent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Length    int       `json:"length"`
}
