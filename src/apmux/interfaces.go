package apmux

// HostapSession is an open control connection to the hostapd instance
// managing one VAP.
type HostapSession interface {
	Close() error
	// IsAlive probes the peer. An error means the probe itself could not run.
	IsAlive() (bool, error)
	EventFd() (int, error)
	// PullEvent reads one pending event. It must not block once EventFd is
	// readable.
	PullEvent() (HostapEvent, error)
	// SendCommand sends header followed by fields and copies the reply into
	// reply, returning the number of bytes written.
	SendCommand(header string, fields []CommandField, reply []byte) (int, error)
}

// HostapConnector opens hostap sessions.
type HostapConnector interface {
	Open(vapName string) (HostapSession, error)
}

// DriverSession is the process-wide connection to the wireless driver.
type DriverSession interface {
	Close() error
	Fds() (eventFd int, queryFd int, err error)
	// PumpMessages reads and dispatches the messages waiting on the socket
	// selected by kind. Vendor events go to vendor, the rest to nonVendor,
	// which may be nil.
	PumpMessages(kind PumpKind, vendor DriverEventCallback, nonVendor NonVendorEventCallback) error
	SendVendorCommand(kind PumpKind, cmd VendorCommand) error
	ScanTrigger(ifname string, params ScanParams) error
	ScanDump(ifname string, cb ScanResultCallback) error
}

// DriverConnector opens the driver session.
type DriverConnector interface {
	Open() (DriverSession, error)
}
