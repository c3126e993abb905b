package apmux

import "fmt"

// Slot is one registered interface.
type Slot struct {
	Index          int
	Kind           Kind
	Name           string
	EventFd        int
	QueryFd        int
	NeedsReconnect bool

	hostap         HostapSession
	hostapCallback HostapEventCallback

	driver            DriverSession
	vendorCallback    DriverEventCallback
	nonVendorCallback NonVendorEventCallback
	queryCallback     DriverEventCallback
}

// Connected reports whether the slot holds a live session.
func (s *Slot) Connected() bool {
	return s.hostap != nil || s.driver != nil
}

func (s *Slot) invalidateFds() {
	s.EventFd = -1
	s.QueryFd = -1
}

// Registry is a fixed-capacity table of slots. Indices are stable for the
// lifetime of a slot and freed entries are reused.
//
// Registry does no locking. Its owner serializes access.
type Registry struct {
	slots []*Slot
}

// NewRegistry creates a registry holding at most capacity slots.
func NewRegistry(capacity int) *Registry {
	return &Registry{slots: make([]*Slot, capacity)}
}

// Capacity is the fixed number of entries.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// FindSlot returns the index of the slot matching kind and name exactly.
func (r *Registry) FindSlot(kind Kind, name string) (int, error) {
	for i, s := range r.slots {
		if s != nil && s.Kind == kind && s.Name == name {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// CreateSlot allocates the first free entry. If the pair is already
// registered it returns the existing index with ErrAlreadyExists; when no
// entry is free it returns ErrRegistryFull and changes nothing.
func (r *Registry) CreateSlot(kind Kind, name string) (int, error) {
	if idx, err := r.FindSlot(kind, name); err == nil {
		return idx, ErrAlreadyExists
	}

	for i, s := range r.slots {
		if s == nil {
			r.slots[i] = &Slot{Index: i, Kind: kind, Name: name, EventFd: -1, QueryFd: -1}
			return i, nil
		}
	}

	logger.WithField("capacity", len(r.slots)).Warn("Interface registry is full")
	return -1, fmt.Errorf("%w: %d slots in use", ErrRegistryFull, len(r.slots))
}

// Slot returns the slot at index, or nil.
func (r *Registry) Slot(index int) *Slot {
	if index < 0 || index >= len(r.slots) {
		return nil
	}
	return r.slots[index]
}

// FreeSlot removes the slot at index and returns it. Closing its session is
// up to the caller.
func (r *Registry) FreeSlot(index int) *Slot {
	s := r.Slot(index)
	if s == nil {
		return nil
	}
	r.slots[index] = nil
	return s
}

// AnyActive reports whether any slot holds a live session.
func (r *Registry) AnyActive() bool {
	for _, s := range r.slots {
		if s != nil && s.Connected() {
			return true
		}
	}
	return false
}

// Len is the number of registered slots, connected or not.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Each calls fn for every registered slot in index order.
func (r *Registry) Each(fn func(s *Slot)) {
	for _, s := range r.slots {
		if s != nil {
			fn(s)
		}
	}
}
