package cryptvolume

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/cryptvolume/backend"
)

// UUID reports the volume's identity. Fails with ErrInvalidState before
// the handle is bound to header data.
func (d *Device) UUID() (uuid.UUID, error) {
	if err := d.requireBound(); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(d.ctx.UUID())
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed volume UUID %q: %v", backend.ErrBackendRejected, d.ctx.UUID(), err)
	}
	return id, nil
}

// UnderlyingDeviceName reports the path of the device the handle is
// bound to.
func (d *Device) UnderlyingDeviceName() (string, error) {
	if d.state == StateFreed {
		return "", fmt.Errorf("%w: device is %s", backend.ErrInvalidState, d.state)
	}
	return d.ctx.DeviceName(), nil
}

// MappingDir reports the base directory where mapping device nodes
// appear.
func MappingDir() (string, error) {
	be, err := backend.Ensure()
	if err != nil {
		return "", err
	}
	return be.MappingDir(), nil
}
