// Package record defines the wire format A3 receives from its IPC front
// end: a fixed 16-byte command record describing one guest BAR access, and
// the naming convention for the per-guest message queues that carry it.
//
// The IPC transport itself (sockets, POSIX message queues) is an external
// collaborator per the mediation engine's scope; this package only pins
// down the byte layout both sides agree on.
package record

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the operation a command record carries.
type Kind uint32

const (
	KindInit      Kind = 0
	KindWrite     Kind = 1
	KindRead      Kind = 2
	KindUtility   Kind = 3
	KindBar3Notify Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindWrite:
		return "WRITE"
	case KindRead:
		return "READ"
	case KindUtility:
		return "UTILITY"
	case KindBar3Notify:
		return "BAR3_NOTIFY"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Bar identifies which PCI base-address region a command targets.
type Bar uint8

const (
	Bar0 Bar = 0
	Bar1 Bar = 1
	Bar3 Bar = 3
	Bar4 Bar = 4
)

// Size is the access width, in bytes, of a single register access.
type Size uint8

const (
	Size1 Size = 1
	Size2 Size = 2
	Size4 Size = 4
)

// Length is the fixed wire size of a Command.
const Length = 16

// Command is the unit of IPC: one guest MMIO access, or a pseudo-op like
// INIT / BAR3_NOTIFY / UTILITY. The reply to a Command reuses the same
// struct, with Value carrying the read result.
type Command struct {
	Kind   Kind
	Value  uint32
	Offset uint32
	Bar    Bar
	Size   Size
	// Reserved bytes [2:4] of the trailing 4-byte field are unused but
	// kept to preserve the 16-byte wire length.
}

// Encode serializes cmd into its 16-byte little-endian wire form.
func (cmd Command) Encode() [Length]byte {
	var buf [Length]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd.Kind))
	binary.LittleEndian.PutUint32(buf[4:8], cmd.Value)
	binary.LittleEndian.PutUint32(buf[8:12], cmd.Offset)
	buf[12] = uint8(cmd.Bar)
	buf[13] = uint8(cmd.Size)
	return buf
}

// Decode parses a 16-byte wire record into a Command.
func Decode(buf []byte) (Command, error) {
	if len(buf) < Length {
		return Command{}, fmt.Errorf("record: short buffer: got %d bytes, want %d", len(buf), Length)
	}
	return Command{
		Kind:   Kind(binary.LittleEndian.Uint32(buf[0:4])),
		Value:  binary.LittleEndian.Uint32(buf[4:8]),
		Offset: binary.LittleEndian.Uint32(buf[8:12]),
		Bar:    Bar(buf[12]),
		Size:   Size(buf[13]),
	}, nil
}

// Reply builds a reply record carrying value back to the guest; every
// other field is left zero.
func Reply(value uint32) Command {
	return Command{Value: value}
}

// MinQueueDepth is the minimum number of outstanding records each named
// queue must be sized to hold.
const MinQueueDepth = 1_000_000

// RequestQueueName returns the name of guest id's inbound command queue.
func RequestQueueName(guestID int) string {
	return fmt.Sprintf("a3_shared_req_queue_%d", guestID)
}

// ResponseQueueName returns the name of guest id's reply queue.
func ResponseQueueName(guestID int) string {
	return fmt.Sprintf("a3_shared_res_queue_%d", guestID)
}

// UtilitySubop enumerates the UTILITY command's suboperations.
type UtilitySubop uint32

const (
	UtilityReadRegister UtilitySubop = iota
	UtilityPGraphStatus
	UtilityClearCounters
)
