//go:build !cryptvolume_nobackend

package cryptvolume

import (
	"github.com/opd-ai/cryptvolume/backend"
	"github.com/opd-ai/cryptvolume/backend/memluks"
)

// Default builds compile the memluks backend in and hand its factory to
// the availability gate. Building with the cryptvolume_nobackend tag
// leaves the gate empty, and every operation reports ErrUnsupported.
func init() {
	backend.Register(memluks.New)
}
