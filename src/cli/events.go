package cli

import (
	"encoding/hex"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/eapache/queue"
)

// maxLoggedBytes caps how much of each event payload is kept.
const maxLoggedBytes = 256

// EventLog keeps the most recent events delivered to the daemon's
// callbacks. It is safe for concurrent use.
type EventLog struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
	now      func() time.Time
}

// NewEventLog returns a log holding at most capacity events. A capacity of
// zero keeps nothing.
func NewEventLog(capacity int) *EventLog {
	if capacity < 0 {
		capacity = 0
	}
	return &EventLog{q: queue.New(), capacity: capacity, now: time.Now}
}

// Add appends e, evicting the oldest entry when full.
func (l *EventLog) Add(e EventEntry) {
	if l == nil || l.capacity == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	for l.q.Length() >= l.capacity {
		l.q.Remove()
	}
	l.q.Add(e)
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 returns
// everything held.
func (l *EventLog) Recent(n int) []EventEntry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.q.Length()
	if n <= 0 || n > total {
		n = total
	}
	out := make([]EventEntry, 0, n)
	for i := total - n; i < total; i++ {
		out = append(out, l.q.Get(i).(EventEntry))
	}
	return out
}

// Len is the number of entries held.
func (l *EventLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.q.Length()
}

// HostapCallback returns a hostap event callback that records into l and
// then calls next, if set.
func (l *EventLog) HostapCallback(next apmux.HostapEventCallback) apmux.HostapEventCallback {
	return func(vapName, opcode string, msg []byte) {
		l.Add(EventEntry{
			Kind:      "hostap",
			Interface: vapName,
			Opcode:    opcode,
			Message:   printable(msg),
			Length:    len(msg),
		})
		if next != nil {
			next(vapName, opcode, msg)
		}
	}
}

// VendorCallback returns a driver vendor event callback that records into l.
func (l *EventLog) VendorCallback() apmux.DriverEventCallback {
	return func(ifname string, event, subevent int, data []byte) {
		l.Add(EventEntry{
			Kind:      "vendor",
			Interface: ifname,
			Event:     event,
			Subevent:  subevent,
			Message:   printable(data),
			Length:    len(data),
		})
	}
}

// NonVendorCallback returns a callback for other nl80211 notifications.
func (l *EventLog) NonVendorCallback() apmux.NonVendorEventCallback {
	return func(ev apmux.NonVendorEvent) {
		l.Add(EventEntry{
			Kind:      "nl80211",
			Interface: ev.IfName,
			Event:     int(ev.Command),
			Length:    len(ev.Attributes),
		})
	}
}

// printable renders text payloads as-is and binary ones as hex.
func printable(b []byte) string {
	if len(b) > maxLoggedBytes {
		b = b[:maxLoggedBytes]
	}
	if utf8.Valid(b) {
		for _, r := range string(b) {
			if r < 0x20 && r != '\n' && r != '\t' {
				return hex.EncodeToString(b)
			}
		}
		return string(b)
	}
	return hex.EncodeToString(b)
}
