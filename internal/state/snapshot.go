package state

import (
	"iter"
	"slices"
)

// Buffer mirrors one engine buffer.
type Buffer struct {
	ID          int
	Name        string
	DisplayName string
	Dirty       bool
	Current     bool
}

// Snapshot is an immutable point-in-time copy of the buffer list, ordered
// by buffer ID.
type Snapshot struct {
	buffers []Buffer
}

// All yields every buffer. The sequence may be iterated any number of
// times and always yields the same buffers.
func (s Snapshot) All() iter.Seq[Buffer] {
	return func(yield func(Buffer) bool) {
		for _, b := range s.buffers {
			if !yield(b) {
				return
			}
		}
	}
}

// Dirty yields the buffers with unsaved changes.
func (s Snapshot) Dirty() iter.Seq[Buffer] {
	return func(yield func(Buffer) bool) {
		for _, b := range s.buffers {
			if b.Dirty && !yield(b) {
				return
			}
		}
	}
}

// Len returns the number of buffers.
func (s Snapshot) Len() int {
	return len(s.buffers)
}

// Slice returns a copy of the buffers.
func (s Snapshot) Slice() []Buffer {
	return slices.Clone(s.buffers)
}

// Lookup finds a buffer by ID.
func (s Snapshot) Lookup(id int) (Buffer, bool) {
	i, ok := s.index(id)
	if !ok {
		return Buffer{}, false
	}
	return s.buffers[i], true
}

func (s Snapshot) index(id int) (int, bool) {
	return slices.BinarySearchFunc(s.buffers, id, func(b Buffer, id int) int {
		return b.ID - id
	})
}
