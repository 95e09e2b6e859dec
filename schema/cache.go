// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrCacheFull is reported when a record type is sent for the first time
	// on a connection whose send cache has no free slot.
	ErrCacheFull = errors.New("schema cache is full")

	// ErrBadSlot is reported for a slot index outside the cache.
	ErrBadSlot = errors.New("schema slot out of range")
)

// DefaultSlots is the default capacity of a schema cache.
const DefaultSlots = 16

// A SendCache holds the blobs of record types already announced to the peer.
// Slots are assigned in first-use order and never evicted.
type SendCache struct {
	proto     uint16
	bigEndian bool
	slots     []*Blob
}

// NewSendCache constructs an empty send cache with n slots. Blobs built by
// the cache carry the given protocol version and byte order flag.
// If n <= 0, [DefaultSlots] is used.
func NewSendCache(n int, proto uint16, bigEndian bool) *SendCache {
	if n <= 0 {
		n = DefaultSlots
	}
	return &SendCache{proto: proto, bigEndian: bigEndian, slots: make([]*Blob, n)}
}

// Lookup returns the blob and slot for m, building and inserting a new blob
// at the first free slot on a miss. Blobs are matched by meta, not by name,
// so distinct metas that share a name occupy distinct slots. The isNew flag reports whether the blob
// was just inserted, meaning the caller must send it along with the record.
func (c *SendCache) Lookup(m *Meta) (_ *Blob, slot int, isNew bool, _ error) {
	free := -1
	for i, b := range c.slots {
		if b == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if b.meta == m {
			return b, i, false, nil
		}
	}
	if free < 0 {
		return nil, -1, false, fmt.Errorf("record %q: %w (%d slots)", m.Name, ErrCacheFull, len(c.slots))
	}
	b, err := Build(m, c.proto, c.bigEndian)
	if err != nil {
		return nil, -1, false, err
	}
	c.slots[free] = b
	return b, free, true, nil
}

// Forget empties slot, so that its record type is announced again the next
// time it is sent. It is used when a record could not be sent after its blob
// was inserted.
func (c *SendCache) Forget(slot int) {
	if slot >= 0 && slot < len(c.slots) {
		c.slots[slot] = nil
	}
}

// Len reports the number of occupied slots.
func (c *SendCache) Len() (n int) {
	for _, b := range c.slots {
		if b != nil {
			n++
		}
	}
	return
}

// Clear discards all the blobs in c.
func (c *SendCache) Clear() { clear(c.slots) }

// A RecvCache holds the blobs announced by the peer, indexed by the slot
// the peer assigned.
type RecvCache struct {
	slots []*Blob
}

// NewRecvCache constructs an empty receive cache with n slots.
// If n <= 0, [DefaultSlots] is used.
func NewRecvCache(n int) *RecvCache {
	if n <= 0 {
		n = DefaultSlots
	}
	return &RecvCache{slots: make([]*Blob, n)}
}

// Lookup returns the blob installed at slot, or nil if the slot is empty.
func (c *RecvCache) Lookup(slot int) (*Blob, error) {
	if slot < 0 || slot >= len(c.slots) {
		return nil, fmt.Errorf("slot %d of %d: %w", slot, len(c.slots), ErrBadSlot)
	}
	return c.slots[slot], nil
}

// Install parses data in the specified order and installs the result at
// slot. If m != nil, the blob is resolved against it and the names of the
// local fields not described by the peer are returned. Installing over an
// occupied slot replaces its blob.
func (c *RecvCache) Install(slot int, data []byte, order binary.ByteOrder, m *Meta) (_ *Blob, missing []string, _ error) {
	if slot < 0 || slot >= len(c.slots) {
		return nil, nil, fmt.Errorf("slot %d of %d: %w", slot, len(c.slots), ErrBadSlot)
	}
	b, err := Parse(data, order)
	if err != nil {
		return nil, nil, err
	}
	if m != nil {
		missing = b.Resolve(m)
	}
	c.slots[slot] = b
	return b, missing, nil
}

// Clear discards all the blobs in c.
func (c *RecvCache) Clear() { clear(c.slots) }
