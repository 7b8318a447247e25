//go:build cryptvolume_nobackend

package cryptvolume

// No backend compiled in: the availability gate stays unregistered and
// Ensure reports ErrUnsupported for every operation.
