package entity

import "strconv"

// ID is a slot index into a fixed-capacity entity table. Identity, not
// address, is the durable key: the same ID names the entity in every buffer.
type ID uint32

// None is the null handle.
const None ID = ^ID(0)

// DefaultCapacity matches the entity table size the engine ships with.
const DefaultCapacity = 1024

func (id ID) IsNone() bool { return id == None }

// Valid reports whether id addresses a slot of a table with the given capacity.
func (id ID) Valid(capacity int) bool {
	return id != None && int(id) < capacity
}

// Number returns the slot index, or -1 for None.
func (id ID) Number() int64 {
	if id == None {
		return -1
	}
	return int64(id)
}

func (id ID) String() string {
	if id == None {
		return "#none"
	}
	return "#" + strconv.FormatUint(uint64(id), 10)
}
