//go:build !unix

package codecache

// NewArena returns the best arena for the platform.
func NewArena(limit int64, exec bool) Arena { return NewHeapArena(limit) }
