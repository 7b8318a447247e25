package cryptvolume

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cryptvolume/backend"
)

// DeviceState is a point in the volume handle lifecycle.
type DeviceState uint8

const (
	// StateUnbound means the handle has a device path but no header data
	// yet. Only Format and Load may run here.
	StateUnbound DeviceState = iota
	// StateBound means a header has been formatted or loaded; keyslot
	// and token operations are permitted.
	StateBound
	// StateActive means a mapping exists for this handle.
	StateActive
	// StateSuspended means the mapping exists but I/O is frozen.
	StateSuspended
	// StateFreed means Free has run; the handle is dead.
	StateFreed
)

func (s DeviceState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateFreed:
		return "freed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// AnyKeyslot lets the backend pick the first free keyslot, or any
// keyslot on unlock.
const AnyKeyslot = backend.AnyKeyslot

// FormatOptions describes the header Format writes. Zero values pick
// backend defaults.
type FormatOptions struct {
	Cipher        string // default "aes"
	CipherMode    string // default "xts-plain64"
	UUID          string // default: freshly generated
	VolumeKey     []byte // default: freshly generated
	VolumeKeySize int
	DataOffset    uint64 // 512-byte sectors
	MetadataSize  uint64 // bytes
	SectorSize    int
}

// ActivateOptions adjust mapping creation.
type ActivateOptions struct {
	Readonly      bool
	AllowDiscards bool
}

func (o ActivateOptions) flags() backend.ActivationFlags {
	var f backend.ActivationFlags
	if o.Readonly {
		f |= backend.ActivateReadonly
	}
	if o.AllowDiscards {
		f |= backend.ActivateAllowDiscards
	}
	return f
}

// Device is a volume handle bound to one block device or image at a
// time. Not safe for concurrent use; callers serialize operations.
type Device struct {
	ctx         backend.Context
	be          backend.Backend
	path        string
	state       DeviceState
	mappingName string
}

var installGlobalLogging sync.Once

// ensureBackend resolves the backend through the availability gate and
// installs the process-wide logging bridge on first success.
func ensureBackend() (backend.Backend, error) {
	be, err := backend.Ensure()
	if err != nil {
		return nil, err
	}
	installGlobalLogging.Do(func() { EnableLogging(nil) })
	return be, nil
}

// NewDevice binds a fresh unbound handle to a block device or image
// path. The per-handle logging bridge is installed defensively even
// though the process-wide one is already in place, in case other code
// in this process rebinds the backend's global log callback.
func NewDevice(devicePath string) (*Device, error) {
	be, err := ensureBackend()
	if err != nil {
		return nil, err
	}

	ctx, err := be.Init(devicePath)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", devicePath, err)
	}

	d := &Device{ctx: ctx, be: be, path: devicePath, state: StateUnbound}
	EnableLogging(d)

	logrus.WithFields(logrus.Fields{
		"function": "NewDevice",
		"device":   devicePath,
	}).Debug("Created volume handle")
	return d, nil
}

// NewDeviceByName binds a handle to an already-active mapping, loading
// the header of its underlying device. The handle starts in the active
// state, or suspended when the backend reports the mapping as frozen.
func NewDeviceByName(mappingName string) (*Device, error) {
	be, err := ensureBackend()
	if err != nil {
		return nil, err
	}

	ctx, err := be.InitByName(mappingName)
	if err != nil {
		return nil, fmt.Errorf("binding mapping %q: %w", mappingName, err)
	}

	state := StateActive
	if rep, ok := ctx.(backend.SuspendReporter); ok {
		if suspended, err := rep.MappingSuspended(mappingName); err == nil && suspended {
			state = StateSuspended
		}
	}

	d := &Device{
		ctx:         ctx,
		be:          be,
		path:        ctx.DeviceName(),
		state:       state,
		mappingName: mappingName,
	}
	EnableLogging(d)

	logrus.WithFields(logrus.Fields{
		"function": "NewDeviceByName",
		"mapping":  mappingName,
		"device":   d.path,
	}).Debug("Created volume handle from active mapping")
	return d, nil
}

// State reports the handle's lifecycle state.
func (d *Device) State() DeviceState { return d.state }

// MappingName is the name of the active mapping, empty when none.
func (d *Device) MappingName() string { return d.mappingName }

// require fails with ErrInvalidState unless the handle is in one of the
// given states.
func (d *Device) require(states ...DeviceState) error {
	for _, s := range states {
		if d.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: device is %s", backend.ErrInvalidState, d.state)
}

// requireBound permits any state with header data present.
func (d *Device) requireBound() error {
	return d.require(StateBound, StateActive, StateSuspended)
}

// Format initializes fresh header metadata and cipher parameters.
// Permitted only on an unbound handle.
func (d *Device) Format(o FormatOptions) error {
	if err := d.require(StateUnbound); err != nil {
		return err
	}

	err := d.ctx.Format(backend.FormatParams{
		Type:          "luks2",
		Cipher:        o.Cipher,
		CipherMode:    o.CipherMode,
		UUID:          o.UUID,
		VolumeKey:     o.VolumeKey,
		VolumeKeySize: o.VolumeKeySize,
		DataOffset:    o.DataOffset,
		MetadataSize:  o.MetadataSize,
		SectorSize:    o.SectorSize,
	})
	if err != nil {
		return fmt.Errorf("formatting %s: %w", d.path, err)
	}

	d.state = StateBound
	logrus.WithFields(logrus.Fields{
		"function": "Format",
		"device":   d.path,
		"uuid":     d.ctx.UUID(),
	}).Info("Formatted volume")
	return nil
}

// Load parses an existing header from the device. Permitted only on an
// unbound handle.
func (d *Device) Load() error {
	if err := d.require(StateUnbound); err != nil {
		return err
	}
	if err := d.ctx.Load(); err != nil {
		return fmt.Errorf("loading %s: %w", d.path, err)
	}

	d.state = StateBound
	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"device":   d.path,
		"uuid":     d.ctx.UUID(),
	}).Debug("Loaded volume header")
	return nil
}

// SetDataDevice points payload I/O at a separate device for
// detached-header setups. Permitted before activation.
func (d *Device) SetDataDevice(path string) error {
	if err := d.require(StateUnbound, StateBound); err != nil {
		return err
	}
	return d.ctx.SetDataDevice(path)
}

// Free releases the handle. At most once; the handle is invalid
// afterwards. An active mapping survives, it is owned by the OS, not by
// this handle.
func (d *Device) Free() {
	if d.state == StateFreed {
		logrus.WithFields(logrus.Fields{
			"function": "Free",
			"device":   d.path,
		}).Warn("Free called twice on volume handle")
		return
	}
	d.ctx.Free()
	d.state = StateFreed
}

// KeyslotMax reports how many keyslots the backend supports per volume.
func (d *Device) KeyslotMax() (int, error) {
	if err := d.requireBound(); err != nil {
		return 0, err
	}
	return d.ctx.KeyslotMax(), nil
}

// AddKeyslotByVolumeKey wraps the volume key under a passphrase in a
// fresh keyslot. Pass AnyKeyslot to let the backend choose; pass a nil
// volumeKey to use the key already held by the handle. Returns the
// keyslot index written.
func (d *Device) AddKeyslotByVolumeKey(keyslot int, volumeKey, passphrase []byte) (int, error) {
	if err := d.requireBound(); err != nil {
		return -1, err
	}

	slot, err := d.ctx.AddKeyslotByVolumeKey(keyslot, volumeKey, passphrase)
	if err != nil {
		return -1, fmt.Errorf("adding keyslot: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "AddKeyslotByVolumeKey",
		"device":   d.path,
		"keyslot":  slot,
	}).Info("Added keyslot")
	return slot, nil
}

// DestroyKeyslot removes a keyslot and its key material.
func (d *Device) DestroyKeyslot(keyslot int) error {
	if err := d.requireBound(); err != nil {
		return err
	}
	if err := d.ctx.DestroyKeyslot(keyslot); err != nil {
		return fmt.Errorf("destroying keyslot %d: %w", keyslot, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "DestroyKeyslot",
		"device":   d.path,
		"keyslot":  keyslot,
	}).Info("Destroyed keyslot")
	return nil
}

// VolumeKey recovers the volume key using a passphrase. Returns the key
// and the keyslot that unlocked it.
func (d *Device) VolumeKey(passphrase []byte) ([]byte, int, error) {
	if err := d.requireBound(); err != nil {
		return nil, -1, err
	}
	return d.ctx.VolumeKey(passphrase)
}

// ActivateByPassphrase creates the mapping after unlocking any keyslot
// with the passphrase. Returns the keyslot that unlocked.
func (d *Device) ActivateByPassphrase(name string, passphrase []byte, o ActivateOptions) (int, error) {
	if err := d.require(StateBound); err != nil {
		return -1, err
	}

	slot, err := d.ctx.ActivateByPassphrase(name, backend.AnyKeyslot, passphrase, o.flags())
	if err != nil {
		return -1, fmt.Errorf("activating %q: %w", name, err)
	}

	d.state = StateActive
	d.mappingName = name
	logrus.WithFields(logrus.Fields{
		"function": "ActivateByPassphrase",
		"device":   d.path,
		"mapping":  name,
		"keyslot":  slot,
	}).Info("Activated volume")
	return slot, nil
}

// ActivateByVolumeKey creates the mapping from an explicit volume key,
// or from the key the handle already holds when volumeKey is nil.
func (d *Device) ActivateByVolumeKey(name string, volumeKey []byte, o ActivateOptions) error {
	if err := d.require(StateBound); err != nil {
		return err
	}

	if err := d.ctx.ActivateByVolumeKey(name, volumeKey, o.flags()); err != nil {
		return fmt.Errorf("activating %q: %w", name, err)
	}

	d.state = StateActive
	d.mappingName = name
	logrus.WithFields(logrus.Fields{
		"function": "ActivateByVolumeKey",
		"device":   d.path,
		"mapping":  name,
	}).Info("Activated volume")
	return nil
}

// ActivateBySignedKey creates the mapping from a volume key checked
// against a detached signature. Fails with ErrUnsupported when the
// backend lacks the capability.
func (d *Device) ActivateBySignedKey(name string, volumeKey, signature []byte, o ActivateOptions) error {
	if err := d.require(StateBound); err != nil {
		return err
	}

	act, ok := d.ctx.(backend.SignedKeyActivator)
	if !ok {
		return fmt.Errorf("%w: backend cannot activate by signed key", backend.ErrUnsupported)
	}
	if err := act.ActivateBySignedKey(name, volumeKey, signature, o.flags()); err != nil {
		return fmt.Errorf("activating %q: %w", name, err)
	}

	d.state = StateActive
	d.mappingName = name
	return nil
}

// Deactivate destroys the mapping, returning the handle to the bound
// state. Permitted while active or suspended.
func (d *Device) Deactivate() error {
	if err := d.require(StateActive, StateSuspended); err != nil {
		return err
	}

	if err := d.ctx.Deactivate(d.mappingName); err != nil {
		return fmt.Errorf("deactivating %q: %w", d.mappingName, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Deactivate",
		"device":   d.path,
		"mapping":  d.mappingName,
	}).Info("Deactivated volume")
	d.state = StateBound
	d.mappingName = ""
	return nil
}

// Suspend freezes I/O on the mapping and drops its key material until
// resumed.
func (d *Device) Suspend() error {
	if err := d.require(StateActive); err != nil {
		return err
	}
	if err := d.ctx.Suspend(d.mappingName); err != nil {
		return fmt.Errorf("suspending %q: %w", d.mappingName, err)
	}
	d.state = StateSuspended
	return nil
}

// ResumeByVolumeKey unfreezes a suspended mapping, re-supplying the
// volume key. A nil key uses the key the handle already holds.
func (d *Device) ResumeByVolumeKey(volumeKey []byte) error {
	if err := d.require(StateSuspended); err != nil {
		return err
	}
	if err := d.ctx.ResumeByVolumeKey(d.mappingName, volumeKey); err != nil {
		return fmt.Errorf("resuming %q: %w", d.mappingName, err)
	}
	d.state = StateActive
	return nil
}

// Resize changes the mapped payload size in 512-byte sectors; zero
// grows to the full payload area. Permitted only while active.
func (d *Device) Resize(sizeSectors uint64) error {
	if err := d.require(StateActive); err != nil {
		return err
	}
	if err := d.ctx.Resize(d.mappingName, sizeSectors); err != nil {
		return fmt.Errorf("resizing %q: %w", d.mappingName, err)
	}
	return nil
}

// ReencryptInitByPassphrase prepares a resumable in-place reencryption
// pass; see ReencryptRun. With resume set it picks up an interrupted
// pass recorded in the header rather than starting a fresh one. After a
// crash the init step must not be skipped: load the header, init with
// resume, then run.
func (d *Device) ReencryptInitByPassphrase(passphrase []byte, resume bool) error {
	if err := d.requireBound(); err != nil {
		return err
	}
	err := d.ctx.ReencryptInitByPassphrase(passphrase, backend.AnyKeyslot, backend.ReencryptParams{Resume: resume})
	if err != nil {
		return fmt.Errorf("initializing reencryption: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReencryptInitByPassphrase",
		"device":   d.path,
		"resume":   resume,
	}).Info("Initialized reencryption")
	return nil
}

// ReencryptRun performs the reencryption pass. Blocking, potentially
// for a very long time; the only interruption mechanisms are the
// progress callback returning false and process-level signals, both of
// which leave a resumable checkpoint in the header.
func (d *Device) ReencryptRun(progress func(size, offset uint64) bool) error {
	if err := d.requireBound(); err != nil {
		return err
	}
	if err := d.ctx.ReencryptRun(progress); err != nil {
		return fmt.Errorf("reencrypting %s: %w", d.path, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ReencryptRun",
		"device":   d.path,
	}).Info("Reencryption complete")
	return nil
}

// RestoreHeader replaces the on-disk header with one from a backup
// image and reloads it into the handle.
func (d *Device) RestoreHeader(backupPath string) error {
	if err := d.requireBound(); err != nil {
		return err
	}
	if err := d.ctx.RestoreHeader(backupPath); err != nil {
		return fmt.Errorf("restoring header from %s: %w", backupPath, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "RestoreHeader",
		"device":   d.path,
		"backup":   backupPath,
	}).Info("Restored volume header")
	return nil
}

// SetMinimalPBKDF applies the minimal key derivation policy to the
// handle; see MinimalPBKDF for when that is appropriate.
func (d *Device) SetMinimalPBKDF() error {
	if d.state == StateFreed {
		return fmt.Errorf("%w: device is %s", backend.ErrInvalidState, d.state)
	}
	if err := d.ctx.SetPBKDF(MinimalPBKDF()); err != nil {
		return fmt.Errorf("setting minimal pbkdf: %w", err)
	}
	return nil
}

// Cipher reports the volume's cipher name, empty before bind.
func (d *Device) Cipher() string { return d.ctx.Cipher() }

// CipherMode reports the volume's cipher mode, empty before bind.
func (d *Device) CipherMode() string { return d.ctx.CipherMode() }

// Type reports the volume type, empty before bind.
func (d *Device) Type() string { return d.ctx.Type() }
