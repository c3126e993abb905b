//go:build linux
// +build linux

package nl80211_driver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	vnetlink "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// pumpTimeout bounds a receive on a socket already reported readable.
const pumpTimeout = 10 * time.Millisecond

// eventGroups are the nl80211 multicast groups the event socket joins.
var eventGroups = []string{
	unix.NL80211_MULTICAST_GROUP_VENDOR,
	unix.NL80211_MULTICAST_GROUP_MLME,
	unix.NL80211_MULTICAST_GROUP_SCAN,
}

// linkResolver maps between interface names and indexes.
type linkResolver interface {
	IndexByName(name string) (int, error)
	NameByIndex(index int) (string, error)
}

type rtnlLinks struct{}

func (rtnlLinks) IndexByName(name string) (int, error) {
	link, err := vnetlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

func (rtnlLinks) NameByIndex(index int) (string, error) {
	link, err := vnetlink.LinkByIndex(index)
	if err != nil {
		return "", err
	}
	return link.Attrs().Name, nil
}

// Session holds three nl80211 sockets: events carries multicast
// notifications, query receives replies to solicited vendor commands, and
// control runs synchronous request/acknowledge exchanges.
type Session struct {
	family  genetlink.Family
	oui     uint32
	events  *genetlink.Conn
	query   *genetlink.Conn
	control *genetlink.Conn
	links   linkResolver

	closeOnce sync.Once
}

// Open dials nl80211 and subscribes to driver notifications.
func (c *Connector) Open() (apmux.DriverSession, error) {
	control, err := genetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("dial generic netlink: %w", err)
	}
	for _, o := range []netlink.ConnOption{netlink.ExtendedAcknowledge, netlink.GetStrictCheck} {
		_ = control.SetOption(o, true)
	}

	family, err := control.GetFamily(unix.NL80211_GENL_NAME)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("%w: %w", ErrFamilyNotFound, err)
	}

	s := &Session{
		family:  family,
		oui:     c.VendorOUI,
		control: control,
		links:   rtnlLinks{},
	}

	if s.events, err = genetlink.Dial(nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("dial event socket: %w", err)
	}
	if s.query, err = genetlink.Dial(nil); err != nil {
		s.Close()
		return nil, fmt.Errorf("dial query socket: %w", err)
	}

	joined := 0
	for _, want := range eventGroups {
		for _, g := range family.Groups {
			if g.Name != want {
				continue
			}
			if err := s.events.JoinGroup(g.ID); err != nil {
				logger.WithError(err).WithField("group", g.Name).Warn("Failed to join nl80211 multicast group")
				continue
			}
			joined++
		}
	}
	if joined == 0 {
		logger.Warn("Joined no nl80211 multicast groups; driver events will not arrive")
	}

	logger.WithFields(logrus.Fields{
		"family_id": family.ID,
		"version":   family.Version,
		"groups":    joined,
		"oui":       fmt.Sprintf("0x%06X", c.VendorOUI),
	}).Info("Opened nl80211 driver session")
	return s, nil
}

// Close closes all sockets.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, c := range []*genetlink.Conn{s.events, s.query, s.control} {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Fds returns the descriptors of the event and query sockets.
func (s *Session) Fds() (int, int, error) {
	eventFd, err := connFd(s.events)
	if err != nil {
		return -1, -1, err
	}
	queryFd, err := connFd(s.query)
	if err != nil {
		return -1, -1, err
	}
	return eventFd, queryFd, nil
}

func connFd(c *genetlink.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// PumpMessages receives one batch from the socket selected by kind and
// dispatches it.
func (s *Session) PumpMessages(kind apmux.PumpKind, vendor apmux.DriverEventCallback, nonVendor apmux.NonVendorEventCallback) error {
	conn := s.events
	if kind == apmux.PumpSolicited {
		conn = s.query
	}

	if err := conn.SetReadDeadline(time.Now().Add(pumpTimeout)); err != nil {
		return err
	}
	msgs, _, err := conn.Receive()
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("receive %s: %w", kind, err)
	}

	for _, m := range msgs {
		s.dispatch(m, vendor, nonVendor)
	}
	return nil
}

func (s *Session) dispatch(m genetlink.Message, vendor apmux.DriverEventCallback, nonVendor apmux.NonVendorEventCallback) {
	if m.Header.Command != unix.NL80211_CMD_VENDOR {
		if nonVendor == nil {
			return
		}
		ev := apmux.NonVendorEvent{Command: m.Header.Command, Attributes: m.Data}
		if info, err := parseVendorEvent(m.Data); err == nil {
			ev.IfName = s.ifname(info)
		}
		nonVendor(ev)
		return
	}

	ev, err := parseVendorEvent(m.Data)
	if err != nil {
		logger.WithError(err).Warn("Dropping malformed vendor message")
		return
	}
	if vendor == nil {
		return
	}
	vendor(s.ifname(ev), int(ev.vendorID), int(ev.subcmd), ev.data)
}

func (s *Session) ifname(ev vendorEvent) string {
	if ev.ifname != "" || ev.ifindex == 0 {
		return ev.ifname
	}
	name, err := s.links.NameByIndex(ev.ifindex)
	if err != nil {
		logger.WithError(err).WithField("ifindex", ev.ifindex).Debug("Could not resolve interface name")
		return ""
	}
	return name
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// SendVendorCommand sends an NL80211_CMD_VENDOR request. Solicited
// commands go out on the query socket so that the reply is picked up by the
// event loop; unsolicited ones are acknowledged synchronously.
func (s *Session) SendVendorCommand(kind apmux.PumpKind, cmd apmux.VendorCommand) error {
	if cmd.Command != 0 && cmd.Command != unix.NL80211_CMD_VENDOR {
		return fmt.Errorf("%w: got 0x%x", ErrUnsupportedCommand, cmd.Command)
	}

	t, err := s.resolveTarget(cmd.IfName, cmd.IDType)
	if err != nil {
		return err
	}
	data, err := encodeVendorRequest(s.oui, t, cmd.SubCommand, cmd.Payload)
	if err != nil {
		return err
	}

	msg := genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_VENDOR, Version: s.family.Version},
		Data:   data,
	}

	if kind == apmux.PumpSolicited {
		_, err = s.query.Send(msg, s.family.ID, netlink.Request)
		return err
	}
	_, err = s.control.Execute(msg, s.family.ID, netlink.Request|netlink.Acknowledge)
	return err
}

func (s *Session) resolveTarget(ifname string, idType apmux.IDType) (target, error) {
	index, err := s.links.IndexByName(ifname)
	if err != nil {
		return target{}, fmt.Errorf("resolve %s: %w", ifname, err)
	}
	t := target{idType: idType, ifindex: uint32(index)}
	if idType == apmux.IDTypeNetdev {
		return t, nil
	}

	info, err := s.interfaceInfo(t.ifindex)
	if err != nil {
		return target{}, fmt.Errorf("query %s: %w", ifname, err)
	}
	t.wiphy = info.wiphy
	t.wdev = info.wdev
	return t, nil
}

func (s *Session) interfaceInfo(ifindex uint32) (interfaceInfo, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, ifindex)
	data, err := ae.Encode()
	if err != nil {
		return interfaceInfo{}, err
	}
	msgs, err := s.control.Execute(genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_GET_INTERFACE, Version: s.family.Version},
		Data:   data,
	}, s.family.ID, netlink.Request)
	if err != nil {
		return interfaceInfo{}, err
	}
	return parseInterfaceInfo(msgs)
}

// ScanTrigger starts a scan. Completion is reported on the event socket as
// a non-vendor NL80211_CMD_NEW_SCAN_RESULTS notification.
func (s *Session) ScanTrigger(ifname string, params apmux.ScanParams) error {
	index, err := s.links.IndexByName(ifname)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ifname, err)
	}
	data, err := encodeScanTrigger(uint32(index), params)
	if err != nil {
		return err
	}
	_, err = s.control.Execute(genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_TRIGGER_SCAN, Version: s.family.Version},
		Data:   data,
	}, s.family.ID, netlink.Request|netlink.Acknowledge)
	return err
}

// ScanDump reports every BSS the driver currently knows on ifname.
func (s *Session) ScanDump(ifname string, cb apmux.ScanResultCallback) error {
	index, err := s.links.IndexByName(ifname)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ifname, err)
	}
	ae := netlink.NewAttributeEncoder()
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, uint32(index))
	data, err := ae.Encode()
	if err != nil {
		return err
	}

	msgs, err := s.control.Execute(genetlink.Message{
		Header: genetlink.Header{Command: unix.NL80211_CMD_GET_SCAN, Version: s.family.Version},
		Data:   data,
	}, s.family.ID, netlink.Request|netlink.Dump)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		res, ok, err := parseScanResult(m.Data)
		if err != nil {
			logger.WithError(err).Debug("Skipping malformed scan result")
			continue
		}
		if ok {
			cb(res)
		}
	}
	return nil
}
