package apmux

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/local_transport"
)

// Kind distinguishes hostapd control sessions from the driver session.
type Kind string

const (
	KindHostap Kind = "hostap"
	KindDriver Kind = "Driver"
)

const (
	// DriverName is the fixed name of the singleton driver slot.
	DriverName = "ALL"

	MaxVAPNameLength       = local_transport.MaxVAPNameLength
	MaxOpcodeLength        = local_transport.MaxOpcodeLength
	MaxHostapMessageLength = local_transport.MaxMessageLength
	MaxDriverMessageLength = 4096

	// ReconnectedOpcode is delivered to a hostap callback after its session
	// has been re-established.
	ReconnectedOpcode = "INTERFACE_RECONNECTED_OK"
)

// Default timing. The poll timeout bounds every loop cycle.
const (
	DefaultMaxVAPs               = 32
	DefaultPollTimeout           = 1 * time.Second
	DefaultPingCheckInterval     = 3 * time.Second
	DefaultRecoveryRetryInterval = 1 * time.Second
	DefaultQueryTimeout          = 1 * time.Second
	DefaultSettleDelay           = 100 * time.Millisecond
	DefaultNotifyTimeout         = 1 * time.Second
)

// DeliveryMode selects how hostap events reach their callbacks.
type DeliveryMode string

const (
	// DeliveryDirect invokes callbacks on the event loop goroutine.
	DeliveryDirect DeliveryMode = "direct"
	// DeliveryRelay sends each event as a fixed-size record over a local
	// socket to a receiver goroutine, which invokes the callback.
	DeliveryRelay DeliveryMode = "relay"
)

// PumpKind selects which driver socket a message pump reads from.
type PumpKind int

const (
	PumpUnsolicited PumpKind = iota
	PumpSolicited
)

func (k PumpKind) String() string {
	if k == PumpSolicited {
		return "solicited"
	}
	return "unsolicited"
}

// IDType says how a vendor command identifies its target.
type IDType int

const (
	IDTypeNetdev IDType = iota
	IDTypePhy
	IDTypeWdev
)

// HostapEventCallback receives one hostap event. It must not attach,
// detach or close the Manager that invoked it.
type HostapEventCallback func(vapName, opcode string, msg []byte)

// DriverEventCallback receives one vendor event from the driver.
type DriverEventCallback func(ifname string, event, subevent int, data []byte)

// NonVendorEvent is a driver notification outside the vendor command space.
type NonVendorEvent struct {
	Command    uint8
	IfName     string
	Attributes []byte
}

// NonVendorEventCallback receives driver notifications that are not vendor
// events.
type NonVendorEventCallback func(ev NonVendorEvent)

// HostapEvent is one message pulled from a hostap session.
type HostapEvent struct {
	Opcode  string
	Message []byte
}

// CommandField is one name=value argument of a hostap command.
type CommandField struct {
	Name  string
	Value string
}

// VendorCommand addresses a vendor subcommand to the driver.
type VendorCommand struct {
	IfName     string
	Command    uint8
	IDType     IDType
	SubCommand uint32
	Payload    []byte
}

func (c VendorCommand) validate() error {
	if err := ValidateVAPName(c.IfName); err != nil {
		return err
	}
	if len(c.Payload) > MaxDriverMessageLength {
		return fmt.Errorf("%w: payload is %d bytes (max %d)", ErrInvalidArgument, len(c.Payload), MaxDriverMessageLength)
	}
	return nil
}

// ScanParams configures a driver scan trigger.
type ScanParams struct {
	Frequencies []uint32
	SSIDs       []string
	Flush       bool
}

// ScanResult is one BSS from a scan dump.
type ScanResult struct {
	BSSID       net.HardwareAddr
	Frequency   uint32
	SignalMBm   int32
	SSID        string
	InfoElement []byte
}

// ScanResultCallback receives each BSS of a scan dump.
type ScanResultCallback func(res ScanResult)

// QueryResult is the outcome of a driver query.
type QueryResult struct {
	Received bool
	Data     []byte
}

// Len is the number of reply bytes.
func (r QueryResult) Len() int {
	return len(r.Data)
}

// SlotStatus describes one registered interface.
type SlotStatus struct {
	Index          int    `json:"index"`
	Kind           Kind   `json:"kind"`
	Name           string `json:"name"`
	Connected      bool   `json:"connected"`
	NeedsReconnect bool   `json:"needs_reconnect"`
}

// Status is a snapshot of the manager.
type Status struct {
	LoopRunning   bool         `json:"loop_running"`
	Delivery      DeliveryMode `json:"delivery"`
	Capacity      int          `json:"capacity"`
	QueryInFlight bool         `json:"query_in_flight"`
	Slots         []SlotStatus `json:"slots"`
}

// ValidateVAPName checks an interface name against its documented bounds.
func ValidateVAPName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty interface name", ErrInvalidArgument)
	}
	if len(name) > MaxVAPNameLength {
		return fmt.Errorf("%w: interface name %q is %d bytes (max %d)", ErrInvalidArgument, name, len(name), MaxVAPNameLength)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: interface name %q contains an illegal character", ErrInvalidArgument, name)
	}
	return nil
}
