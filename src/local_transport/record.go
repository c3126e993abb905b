package local_transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxVAPNameLength is the longest interface name carried in a record.
	MaxVAPNameLength = 16
	// MaxOpcodeLength is the longest event opcode carried in a record.
	MaxOpcodeLength = 64
	// MaxMessageLength is the longest event message carried in a record.
	MaxMessageLength = 4096

	slotIndexSize = 4
	lengthSize    = 4

	// RecordSize is the fixed on-wire size of an EventRecord.
	RecordSize = slotIndexSize + MaxVAPNameLength + MaxOpcodeLength + lengthSize + MaxMessageLength
)

var (
	ErrRecordTooLarge = errors.New("record field exceeds its maximum length")
	ErrShortRecord    = errors.New("short event record")
	ErrInvalidField   = errors.New("record field contains a NUL byte")
)

// EventRecord is the fixed-size record used to relay one hostap event from
// the event loop to the relay receiver.
//
// Layout (little endian):
//
//	slot index      int32
//	vap name        [MaxVAPNameLength]byte, NUL padded
//	opcode          [MaxOpcodeLength]byte, NUL padded
//	message length  uint32
//	message         [MaxMessageLength]byte
type EventRecord struct {
	SlotIndex int32
	VAPName   string
	Opcode    string
	Message   []byte
}

// MessageLength is the number of meaningful bytes in Message.
func (r *EventRecord) MessageLength() int {
	return len(r.Message)
}

// Validate checks every field against its documented bound.
func (r *EventRecord) Validate() error {
	if len(r.VAPName) > MaxVAPNameLength {
		return fmt.Errorf("%w: vap name is %d bytes (max %d)", ErrRecordTooLarge, len(r.VAPName), MaxVAPNameLength)
	}
	if len(r.Opcode) > MaxOpcodeLength {
		return fmt.Errorf("%w: opcode is %d bytes (max %d)", ErrRecordTooLarge, len(r.Opcode), MaxOpcodeLength)
	}
	if len(r.Message) > MaxMessageLength {
		return fmt.Errorf("%w: message is %d bytes (max %d)", ErrRecordTooLarge, len(r.Message), MaxMessageLength)
	}
	if strings.IndexByte(r.VAPName, 0) >= 0 || strings.IndexByte(r.Opcode, 0) >= 0 {
		return ErrInvalidField
	}
	return nil
}

// MarshalBinary encodes the record into exactly RecordSize bytes.
func (r *EventRecord) MarshalBinary() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, RecordSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.SlotIndex))
	off += slotIndexSize
	copy(buf[off:off+MaxVAPNameLength], r.VAPName)
	off += MaxVAPNameLength
	copy(buf[off:off+MaxOpcodeLength], r.Opcode)
	off += MaxOpcodeLength
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Message)))
	off += lengthSize
	copy(buf[off:], r.Message)

	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary. Message is
// never nil afterwards; a nil and an empty message encode identically.
func (r *EventRecord) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortRecord, len(data), RecordSize)
	}

	off := 0
	slot := int32(binary.LittleEndian.Uint32(data[off:]))
	off += slotIndexSize
	name := cString(data[off : off+MaxVAPNameLength])
	off += MaxVAPNameLength
	opcode := cString(data[off : off+MaxOpcodeLength])
	off += MaxOpcodeLength
	msgLen := binary.LittleEndian.Uint32(data[off:])
	off += lengthSize
	if msgLen > MaxMessageLength {
		return fmt.Errorf("%w: message length %d", ErrRecordTooLarge, msgLen)
	}

	r.SlotIndex = slot
	r.VAPName = name
	r.Opcode = opcode
	r.Message = make([]byte, msgLen)
	copy(r.Message, data[off:])
	return nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
