package pool

import (
	"time"
)

// Fragment is a contiguous byte range within a device's memory pool, either
// free or owned by exactly one task. Fragments of a pool are kept in offset
// order and partition [0, totalSize) with no gaps and no overlaps.
type Fragment struct {
	// Offset is the start of the range within the pool.
	Offset uint64
	// Size is the length of the range in bytes.
	Size uint64
	// Free reports whether the range is allocatable.
	Free bool
	// Owner is the owning task id; empty when the fragment is free.
	Owner string
	// LastAccessed is when the fragment was last allocated or freed.
	LastAccessed time.Time
}

// end returns the exclusive end offset of the fragment.
func (f *Fragment) end() uint64 {
	return f.Offset + f.Size
}
