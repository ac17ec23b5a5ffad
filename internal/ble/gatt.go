package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UUID is a 128-bit service or characteristic identity.
type UUID = uuid.UUID

// ParseUUID parses the canonical 36-character form.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("ble: parse uuid %q: %w", s, err)
	}
	return u, nil
}

// MustParseUUID is ParseUUID for compile-time constants.
func MustParseUUID(s string) UUID {
	return uuid.MustParse(s)
}

// Flags is the capability set of a characteristic.
type Flags uint8

// Do not re-order; the bit positions follow the GATT property byte.
const (
	FlagRead            Flags = 1 << (iota + 1) // 0x02
	FlagWriteNoResponse                         // 0x04
	FlagWrite                                   // 0x08
	FlagNotify                                  // 0x10
)

func (f Flags) Readable() bool   { return f&FlagRead != 0 }
func (f Flags) Writable() bool   { return f&(FlagWrite|FlagWriteNoResponse) != 0 }
func (f Flags) Notifiable() bool { return f&FlagNotify != 0 }

func (f Flags) String() string {
	var parts []string
	if f&FlagRead != 0 {
		parts = append(parts, "read")
	}
	if f&FlagWrite != 0 {
		parts = append(parts, "write")
	}
	if f&FlagWriteNoResponse != 0 {
		parts = append(parts, "write-nr")
	}
	if f&FlagNotify != 0 {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// WriteHandler receives data a central wrote to a writable characteristic.
// It runs on the stack's context and must not block.
type WriteHandler func(conn ConnHandle, data []byte)

// Characteristic declares one characteristic of a service.
type Characteristic struct {
	UUID    UUID
	Flags   Flags
	Value   []byte       // static read value, optional
	OnWrite WriteHandler // optional
}

// ServiceDescriptor declares one primary service.
type ServiceDescriptor struct {
	UUID            UUID
	Characteristics []Characteristic
}

// MaxCharacteristics is the most characteristics a descriptor may carry.
const MaxCharacteristics = 2

// Validate checks the descriptor shape and identities. Capacity is checked
// separately against the stack.
func (d ServiceDescriptor) Validate() error {
	if d.UUID == uuid.Nil {
		return fmt.Errorf("ble: service uuid is zero: %w", ErrInvalidDescriptor)
	}
	n := len(d.Characteristics)
	if n == 0 || n > MaxCharacteristics {
		return fmt.Errorf("ble: service %s has %d characteristics, want 1..%d: %w", d.UUID, n, MaxCharacteristics, ErrInvalidDescriptor)
	}
	seen := map[UUID]bool{d.UUID: true}
	notify := false
	for i, c := range d.Characteristics {
		if c.UUID == uuid.Nil {
			return fmt.Errorf("ble: characteristic %d uuid is zero: %w", i, ErrInvalidDescriptor)
		}
		if c.Flags == 0 {
			return fmt.Errorf("ble: characteristic %s has no capabilities: %w", c.UUID, ErrInvalidDescriptor)
		}
		if seen[c.UUID] {
			return fmt.Errorf("ble: characteristic %s: %w", c.UUID, ErrDuplicateIdentity)
		}
		seen[c.UUID] = true
		if c.Flags.Notifiable() {
			notify = true
		}
	}
	if !notify {
		return fmt.Errorf("ble: service %s has no notifiable characteristic: %w", d.UUID, ErrInvalidDescriptor)
	}
	return nil
}

// AttributeCount returns how many attribute table entries d occupies:
// the service declaration, a declaration and value per characteristic,
// and a CCCD per notifiable characteristic.
func (d ServiceDescriptor) AttributeCount() int {
	n := 1
	for _, c := range d.Characteristics {
		n += 2
		if c.Flags.Notifiable() {
			n++
		}
	}
	return n
}

// NotifyTarget returns the first notifiable characteristic.
func (d ServiceDescriptor) NotifyTarget() (Characteristic, bool) {
	for _, c := range d.Characteristics {
		if c.Flags.Notifiable() {
			return c, true
		}
	}
	return Characteristic{}, false
}

// HandleTable maps characteristic identities to their runtime value handles.
type HandleTable map[UUID]AttrHandle

// Lookup returns the value handle for u.
func (t HandleTable) Lookup(u UUID) (AttrHandle, bool) {
	h, ok := t[u]
	return h, ok
}

// layoutHandles numbers the attributes of d starting at base, the way a
// GATT server lays out its table: service declaration, then per
// characteristic a declaration, its value and, when notifiable, a CCCD.
// It returns the value handle table and the next free handle.
func layoutHandles(d ServiceDescriptor, base AttrHandle) (HandleTable, AttrHandle) {
	table := make(HandleTable, len(d.Characteristics))
	n := base // service declaration
	for _, c := range d.Characteristics {
		n++ // characteristic declaration
		n++
		table[c.UUID] = n
		if c.Flags.Notifiable() {
			n++ // CCCD
		}
	}
	return table, n + 1
}
