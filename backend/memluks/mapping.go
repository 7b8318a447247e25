package memluks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/cryptvolume/backend"
)

// mapping is an entry in the in-process mapping table, the stand-in for
// a device-mapper target. While suspended the held volume key is wiped;
// resume requires the key to be supplied again.
type mapping struct {
	name        string
	devicePath  string
	uuid        string
	sizeSectors uint64
	readonly    bool
	suspended   bool
	volumeKey   []byte
}

// payloadSizeSectors computes the mapped payload size from the image
// size and the data offset.
func (d *device) payloadSizeSectors() (uint64, error) {
	info, err := os.Stat(d.dataDevice())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	total := uint64(info.Size()) / sectorSize
	offset := d.hdr.dataOffset
	if d.dataPath != "" {
		offset = 0 // detached header: payload device is all payload
	}
	if total <= offset {
		return 0, fmt.Errorf("%w: no payload area beyond data offset", backend.ErrBackendRejected)
	}
	return total - offset, nil
}

// activate installs the mapping under the given name after the volume
// key has been verified against the header digest.
func (d *device) activate(name string, volumeKey []byte, flags backend.ActivationFlags) error {
	size, err := d.payloadSizeSectors()
	if err != nil {
		return err
	}

	d.lib.mu.Lock()
	if _, exists := d.lib.mappings[name]; exists {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: mapping %q already exists", backend.ErrBackendRejected, name)
	}
	d.lib.mappings[name] = &mapping{
		name:        name,
		devicePath:  d.path,
		uuid:        d.hdr.uuid,
		sizeSectors: size,
		readonly:    flags&backend.ActivateReadonly != 0,
		volumeKey:   append([]byte(nil), volumeKey...),
	}
	node := filepath.Join(d.lib.mappingDir, name)
	d.lib.mu.Unlock()

	// The node is informational; failing to create it never fails the
	// activation itself.
	if err := os.WriteFile(node, []byte(d.hdr.uuid+"\n"), 0o600); err != nil {
		d.lib.log(nil, backend.LogDebug, "cannot create mapping node %s: %v", node, err)
	}
	return nil
}

// ActivateByPassphrase unlocks a keyslot (or any keyslot for
// AnyKeyslot) and creates the mapping. Returns the keyslot that
// unlocked.
func (d *device) ActivateByPassphrase(name string, keyslot int, passphrase []byte, flags backend.ActivationFlags) (int, error) {
	if err := d.requireHeader(); err != nil {
		return -1, err
	}

	var key []byte
	var slot int
	var err error
	if keyslot == backend.AnyKeyslot {
		key, slot, err = d.unlockAny(passphrase)
	} else {
		if keyslot < 0 || keyslot >= keyslotMaxCount {
			return -1, fmt.Errorf("%w: keyslot %d out of range", backend.ErrIndexInvalid, keyslot)
		}
		key, err = d.unlockKeyslot(keyslot, passphrase)
		slot = keyslot
	}
	if err != nil {
		return -1, err
	}

	if err := d.activate(name, key, flags); err != nil {
		return -1, err
	}
	d.volumeKey = append([]byte(nil), key...)
	d.lib.log(d, backend.LogNormal, "activated %s as mapping %q via keyslot %d", d.hdr.uuid, name, slot)
	return slot, nil
}

// ActivateByVolumeKey verifies the supplied key against the header
// digest and creates the mapping.
func (d *device) ActivateByVolumeKey(name string, volumeKey []byte, flags backend.ActivationFlags) error {
	if err := d.requireHeader(); err != nil {
		return err
	}
	if volumeKey == nil {
		volumeKey = d.volumeKey
	}
	if volumeKey == nil {
		return fmt.Errorf("%w: no volume key available", backend.ErrBackendRejected)
	}

	digest := d.hdr.meta.Digests[d.activeDigestID()]
	if digest != nil {
		ok, err := verifyDigest(digest, volumeKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: volume key does not match header digest", backend.ErrBackendRejected)
		}
	}

	if err := d.activate(name, volumeKey, flags); err != nil {
		return err
	}
	d.lib.log(d, backend.LogNormal, "activated %s as mapping %q by volume key", d.hdr.uuid, name)
	return nil
}

// Deactivate destroys the mapping and wipes its held key.
func (d *device) Deactivate(name string) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}

	d.lib.mu.Lock()
	m, ok := d.lib.mappings[name]
	if ok {
		delete(d.lib.mappings, name)
	}
	dir := d.lib.mappingDir
	d.lib.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no active mapping %q", backend.ErrNotFound, name)
	}
	for i := range m.volumeKey {
		m.volumeKey[i] = 0
	}
	os.Remove(filepath.Join(dir, name))
	d.lib.log(d, backend.LogNormal, "deactivated mapping %q", name)
	return nil
}

// Suspend freezes the mapping and wipes its held key, so resume needs
// the volume key supplied again.
func (d *device) Suspend(name string) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}

	d.lib.mu.Lock()
	m, ok := d.lib.mappings[name]
	if !ok {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: no active mapping %q", backend.ErrNotFound, name)
	}
	if m.suspended {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: mapping %q already suspended", backend.ErrBackendRejected, name)
	}
	m.suspended = true
	for i := range m.volumeKey {
		m.volumeKey[i] = 0
	}
	m.volumeKey = nil
	d.lib.mu.Unlock()

	d.lib.log(d, backend.LogVerbose, "suspended mapping %q", name)
	return nil
}

// ResumeByVolumeKey verifies the key against the header digest and
// unfreezes the mapping.
func (d *device) ResumeByVolumeKey(name string, volumeKey []byte) error {
	if err := d.requireHeader(); err != nil {
		return err
	}
	if volumeKey == nil {
		volumeKey = d.volumeKey
	}
	if volumeKey == nil {
		return fmt.Errorf("%w: no volume key available", backend.ErrBackendRejected)
	}

	digest := d.hdr.meta.Digests[d.activeDigestID()]
	if digest != nil {
		ok, err := verifyDigest(digest, volumeKey)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: volume key does not match header digest", backend.ErrBackendRejected)
		}
	}

	d.lib.mu.Lock()
	m, ok := d.lib.mappings[name]
	if !ok {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: no active mapping %q", backend.ErrNotFound, name)
	}
	if !m.suspended {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: mapping %q is not suspended", backend.ErrBackendRejected, name)
	}
	m.suspended = false
	m.volumeKey = append([]byte(nil), volumeKey...)
	d.lib.mu.Unlock()

	d.lib.log(d, backend.LogVerbose, "resumed mapping %q", name)
	return nil
}

// Resize changes the mapped payload size. Zero means grow to the full
// payload area.
func (d *device) Resize(name string, sizeSectors uint64) error {
	if err := d.requireHeader(); err != nil {
		return err
	}

	if sizeSectors == 0 {
		full, err := d.payloadSizeSectors()
		if err != nil {
			return err
		}
		sizeSectors = full
	}

	d.lib.mu.Lock()
	m, ok := d.lib.mappings[name]
	if !ok {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: no active mapping %q", backend.ErrNotFound, name)
	}
	if m.suspended {
		d.lib.mu.Unlock()
		return fmt.Errorf("%w: mapping %q is suspended", backend.ErrBackendRejected, name)
	}
	m.sizeSectors = sizeSectors
	d.lib.mu.Unlock()

	d.lib.log(d, backend.LogVerbose, "resized mapping %q to %d sectors", name, sizeSectors)
	return nil
}

// MappingSuspended reports whether the named mapping is suspended.
func (d *device) MappingSuspended(name string) (bool, error) {
	d.lib.mu.Lock()
	defer d.lib.mu.Unlock()
	m, ok := d.lib.mappings[name]
	if !ok {
		return false, fmt.Errorf("%w: no active mapping %q", backend.ErrNotFound, name)
	}
	return m.suspended, nil
}

// mappingState looks up a mapping for tests and diagnostics.
func (l *Library) mappingState(name string) (suspended bool, sizeSectors uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, found := l.mappings[name]
	if !found {
		return false, 0, false
	}
	return m.suspended, m.sizeSectors, true
}
