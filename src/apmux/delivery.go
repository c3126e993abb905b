package apmux

import (
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/local_transport"
	"github.com/sirupsen/logrus"
)

// eventDeliverer hands a hostap event to the slot's callback.
type eventDeliverer interface {
	deliver(s *Slot, opcode string, msg []byte)
}

type directDeliverer struct{}

func (directDeliverer) deliver(s *Slot, opcode string, msg []byte) {
	invokeHostapCallback(s.hostapCallback, s.Name, opcode, msg)
}

// relayDeliverer sends the event as a fixed-size record to the receiver
// goroutine so slow callbacks do not hold up the loop.
type relayDeliverer struct {
	path    string
	timeout time.Duration
}

func (d *relayDeliverer) deliver(s *Slot, opcode string, msg []byte) {
	rec := local_transport.EventRecord{
		SlotIndex: int32(s.Index),
		VAPName:   s.Name,
		Opcode:    opcode,
		Message:   msg,
	}
	if err := local_transport.SendRecord(d.path, &rec, d.timeout); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"vap":    s.Name,
			"opcode": opcode,
		}).Warn("Failed to relay hostap event")
	}
}

// handleRelayRecord runs on the receiver goroutine.
func (m *Manager) handleRelayRecord(data []byte) {
	var rec local_transport.EventRecord
	if err := rec.UnmarshalBinary(data); err != nil {
		logger.WithError(err).Warn("Dropping malformed relay record")
		return
	}

	m.registryMu.RLock()
	var cb HostapEventCallback
	if s := m.registry.Slot(int(rec.SlotIndex)); s != nil && s.Kind == KindHostap && s.Name == rec.VAPName {
		cb = s.hostapCallback
	}
	m.registryMu.RUnlock()

	if cb == nil {
		logger.WithFields(logrus.Fields{
			"slot": rec.SlotIndex,
			"vap":  rec.VAPName,
		}).Debug("Relay record for a slot that no longer exists")
		return
	}

	invokeHostapCallback(cb, rec.VAPName, rec.Opcode, rec.Message)
}

func invokeHostapCallback(cb HostapEventCallback, vapName, opcode string, msg []byte) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"vap":    vapName,
				"opcode": opcode,
				"panic":  r,
			}).Error("Hostap event callback panicked")
		}
	}()
	cb(vapName, opcode, msg)
}
