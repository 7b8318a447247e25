package cryptvolume

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opd-ai/cryptvolume/backend"
)

var mappingSeq atomic.Uint64

// uniqueMapping returns a mapping name unused by other tests in this
// process; the backend's mapping table is process-wide.
func uniqueMapping(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, mappingSeq.Add(1))
}

func newTestImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volume.img")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatalf("Failed to create test image: %v", err)
	}
	return path
}

// newFormattedDevice returns a bound device with the cheap test policy
// applied so keyslot operations stay fast.
func newFormattedDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := NewDevice(newTestImage(t, 256*1024))
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	t.Cleanup(dev.Free)
	if err := dev.SetMinimalPBKDF(); err != nil {
		t.Fatalf("SetMinimalPBKDF failed: %v", err)
	}
	if err := dev.Format(FormatOptions{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	return dev
}

func TestNewDeviceStartsUnbound(t *testing.T) {
	dev, err := NewDevice(newTestImage(t, 256*1024))
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer dev.Free()

	if dev.State() != StateUnbound {
		t.Errorf("Expected unbound state, got %v", dev.State())
	}
}

func TestNewDeviceMissingPath(t *testing.T) {
	_, err := NewDevice(filepath.Join(t.TempDir(), "absent.img"))
	if !errors.Is(err, backend.ErrIO) {
		t.Errorf("Expected ErrIO for missing device, got %v", err)
	}
}

func TestKeyslotBeforeFormatIsInvalidState(t *testing.T) {
	dev, err := NewDevice(newTestImage(t, 256*1024))
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer dev.Free()

	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("pw")); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState before format, got %v", err)
	}
	if _, err := dev.TokenJSON(0, ""); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for token read before format, got %v", err)
	}
	if _, err := dev.UUID(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for UUID before format, got %v", err)
	}
}

func TestKeyslotAfterFormatGetsFreshIndex(t *testing.T) {
	dev := newFormattedDevice(t)

	slot1, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("first"))
	if err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}
	slot2, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("second"))
	if err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}
	if slot1 == slot2 {
		t.Errorf("Expected fresh keyslot indices, got %d twice", slot1)
	}

	max, err := dev.KeyslotMax()
	if err != nil {
		t.Fatalf("KeyslotMax failed: %v", err)
	}
	if slot1 < 0 || slot1 >= max || slot2 < 0 || slot2 >= max {
		t.Errorf("Keyslot indices %d, %d outside [0, %d)", slot1, slot2, max)
	}
}

func TestIndependentKeyslotsSameVolumeKey(t *testing.T) {
	dev := newFormattedDevice(t)

	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("alpha")); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}
	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("beta")); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}

	key1, slot1, err := dev.VolumeKey([]byte("alpha"))
	if err != nil {
		t.Fatalf("VolumeKey(alpha) failed: %v", err)
	}
	key2, slot2, err := dev.VolumeKey([]byte("beta"))
	if err != nil {
		t.Fatalf("VolumeKey(beta) failed: %v", err)
	}
	if slot1 == slot2 {
		t.Errorf("Expected distinct keyslots, both %d", slot1)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("Independent keyslots should decrypt to the same volume key")
	}
}

func TestFormatTwiceIsInvalidState(t *testing.T) {
	dev := newFormattedDevice(t)
	if err := dev.Format(FormatOptions{}); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState formatting twice, got %v", err)
	}
	if err := dev.Load(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState loading after format, got %v", err)
	}
}

func TestFailedFormatLeavesHandleUnbound(t *testing.T) {
	// Device too small for the data offset: format must fail and the
	// handle must stay unbound so a corrected format can follow.
	path := newTestImage(t, 1024)
	dev, err := NewDevice(path)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer dev.Free()

	if err := dev.Format(FormatOptions{}); err == nil {
		t.Fatal("Format should fail on a tiny device")
	}
	if dev.State() != StateUnbound {
		t.Errorf("Expected handle to stay unbound after failed format, got %v", dev.State())
	}
}

func TestActivateLifecycleStateMachine(t *testing.T) {
	dev := newFormattedDevice(t)
	name := uniqueMapping("lifecycle")

	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("pw")); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}

	// Resize and suspend require an active mapping.
	if err := dev.Resize(0); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resizing while bound, got %v", err)
	}
	if err := dev.Suspend(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState suspending while bound, got %v", err)
	}

	slot, err := dev.ActivateByPassphrase(name, []byte("pw"), ActivateOptions{})
	if err != nil {
		t.Fatalf("ActivateByPassphrase failed: %v", err)
	}
	if slot < 0 {
		t.Errorf("Expected unlocking keyslot index, got %d", slot)
	}
	if dev.State() != StateActive || dev.MappingName() != name {
		t.Errorf("Expected active state with mapping %q, got %v/%q", name, dev.State(), dev.MappingName())
	}

	if _, err := dev.ActivateByPassphrase(name, []byte("pw"), ActivateOptions{}); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState activating twice, got %v", err)
	}

	if err := dev.Resize(64); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	if err := dev.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if dev.State() != StateSuspended {
		t.Errorf("Expected suspended state, got %v", dev.State())
	}
	if err := dev.Suspend(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState suspending twice, got %v", err)
	}
	if err := dev.Resize(0); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resizing while suspended, got %v", err)
	}

	key, _, err := dev.VolumeKey([]byte("pw"))
	if err != nil {
		t.Fatalf("VolumeKey failed: %v", err)
	}
	if err := dev.ResumeByVolumeKey(key); err != nil {
		t.Fatalf("ResumeByVolumeKey failed: %v", err)
	}
	if dev.State() != StateActive {
		t.Errorf("Expected active state after resume, got %v", dev.State())
	}

	if err := dev.Deactivate(); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if dev.State() != StateBound || dev.MappingName() != "" {
		t.Errorf("Expected bound state without mapping, got %v/%q", dev.State(), dev.MappingName())
	}
	if err := dev.Deactivate(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState deactivating twice, got %v", err)
	}
}

func TestActivateWrongPassphraseLeavesStateBound(t *testing.T) {
	dev := newFormattedDevice(t)
	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("right")); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}

	_, err := dev.ActivateByPassphrase(uniqueMapping("wrongpw"), []byte("wrong"), ActivateOptions{})
	if !errors.Is(err, backend.ErrBackendRejected) {
		t.Errorf("Expected ErrBackendRejected for wrong passphrase, got %v", err)
	}
	if dev.State() != StateBound {
		t.Errorf("Expected handle to stay bound after failed activation, got %v", dev.State())
	}
}

func TestActivateByVolumeKey(t *testing.T) {
	dev := newFormattedDevice(t)
	name := uniqueMapping("byvk")

	if err := dev.ActivateByVolumeKey(name, nil, ActivateOptions{}); err != nil {
		t.Fatalf("ActivateByVolumeKey failed: %v", err)
	}
	defer dev.Deactivate()

	if dev.State() != StateActive {
		t.Errorf("Expected active state, got %v", dev.State())
	}
}

func TestActivateBySignedKeyUnsupported(t *testing.T) {
	dev := newFormattedDevice(t)

	err := dev.ActivateBySignedKey(uniqueMapping("signed"), make([]byte, 64), []byte("sig"), ActivateOptions{})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported from backend without signed-key support, got %v", err)
	}
	if dev.State() != StateBound {
		t.Errorf("Expected handle to stay bound, got %v", dev.State())
	}
}

func TestNewDeviceByName(t *testing.T) {
	dev := newFormattedDevice(t)
	name := uniqueMapping("byname")

	if err := dev.ActivateByVolumeKey(name, nil, ActivateOptions{}); err != nil {
		t.Fatalf("ActivateByVolumeKey failed: %v", err)
	}
	defer dev.Deactivate()

	other, err := NewDeviceByName(name)
	if err != nil {
		t.Fatalf("NewDeviceByName failed: %v", err)
	}
	defer other.Free()

	if other.State() != StateActive {
		t.Errorf("Expected active state, got %v", other.State())
	}
	id1, err := dev.UUID()
	if err != nil {
		t.Fatalf("UUID failed: %v", err)
	}
	id2, err := other.UUID()
	if err != nil {
		t.Fatalf("UUID via mapping failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected matching UUIDs, got %s and %s", id1, id2)
	}

	name1, err := dev.UnderlyingDeviceName()
	if err != nil {
		t.Fatalf("UnderlyingDeviceName failed: %v", err)
	}
	name2, err := other.UnderlyingDeviceName()
	if err != nil {
		t.Fatalf("UnderlyingDeviceName via mapping failed: %v", err)
	}
	if name1 != name2 {
		t.Errorf("Expected matching device paths, got %s and %s", name1, name2)
	}

	if _, err := NewDeviceByName(uniqueMapping("never-activated")); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown mapping, got %v", err)
	}
}

func TestNewDeviceByNameSuspendedMapping(t *testing.T) {
	passphrase := []byte("byname suspend pw")
	dev := newFormattedDevice(t)
	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, passphrase); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}
	name := uniqueMapping("byname-susp")

	if err := dev.ActivateByVolumeKey(name, nil, ActivateOptions{}); err != nil {
		t.Fatalf("ActivateByVolumeKey failed: %v", err)
	}
	defer dev.Deactivate()
	if err := dev.Suspend(); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}

	other, err := NewDeviceByName(name)
	if err != nil {
		t.Fatalf("NewDeviceByName failed: %v", err)
	}
	defer other.Free()

	if other.State() != StateSuspended {
		t.Fatalf("Expected suspended state, got %v", other.State())
	}

	key, _, err := other.VolumeKey(passphrase)
	if err != nil {
		t.Fatalf("VolumeKey failed: %v", err)
	}
	if err := other.ResumeByVolumeKey(key); err != nil {
		t.Fatalf("ResumeByVolumeKey via fresh handle failed: %v", err)
	}
	if other.State() != StateActive {
		t.Errorf("Expected active state after resume, got %v", other.State())
	}
}

func TestMappingDirNonEmpty(t *testing.T) {
	dir, err := MappingDir()
	if err != nil {
		t.Fatalf("MappingDir failed: %v", err)
	}
	if dir == "" {
		t.Error("MappingDir should not be empty")
	}
}

func TestFreeInvalidatesHandle(t *testing.T) {
	dev, err := NewDevice(newTestImage(t, 256*1024))
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}

	dev.Free()
	if dev.State() != StateFreed {
		t.Errorf("Expected freed state, got %v", dev.State())
	}
	if err := dev.Load(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after free, got %v", err)
	}
	if _, err := dev.UnderlyingDeviceName(); !errors.Is(err, backend.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after free, got %v", err)
	}

	// Second free is tolerated and stays a no-op.
	dev.Free()
	if dev.State() != StateFreed {
		t.Errorf("Expected freed state after double free, got %v", dev.State())
	}
}

func TestLoadExistingVolume(t *testing.T) {
	path := newTestImage(t, 256*1024)
	dev, err := NewDevice(path)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	if err := dev.SetMinimalPBKDF(); err != nil {
		t.Fatalf("SetMinimalPBKDF failed: %v", err)
	}
	if err := dev.Format(FormatOptions{Cipher: "aes", CipherMode: "xts-plain64"}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("survive")); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}
	want, err := dev.UUID()
	if err != nil {
		t.Fatalf("UUID failed: %v", err)
	}
	dev.Free()

	reloaded, err := NewDevice(path)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer reloaded.Free()
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, err := reloaded.UUID()
	if err != nil {
		t.Fatalf("UUID failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected UUID %s after reload, got %s", want, got)
	}
	if _, _, err := reloaded.VolumeKey([]byte("survive")); err != nil {
		t.Errorf("Keyslot should survive reload: %v", err)
	}
	if reloaded.Cipher() != "aes" || reloaded.CipherMode() != "xts-plain64" {
		t.Errorf("Unexpected cipher %s-%s after reload", reloaded.Cipher(), reloaded.CipherMode())
	}
}

func TestRestoreHeaderRoundTrip(t *testing.T) {
	path := newTestImage(t, 256*1024)
	dev, err := NewDevice(path)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer dev.Free()
	if err := dev.SetMinimalPBKDF(); err != nil {
		t.Fatalf("SetMinimalPBKDF failed: %v", err)
	}
	if err := dev.Format(FormatOptions{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	slot, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("pw"))
	if err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}

	// Back up the header region, damage the keyslot, restore.
	backup := filepath.Join(t.TempDir(), "header.bak")
	raw := make([]byte, 16*1024)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Opening image failed: %v", err)
	}
	if _, err := f.ReadAt(raw, 0); err != nil {
		t.Fatalf("Reading header failed: %v", err)
	}
	f.Close()
	if err := os.WriteFile(backup, raw, 0o600); err != nil {
		t.Fatalf("Writing backup failed: %v", err)
	}

	if err := dev.DestroyKeyslot(slot); err != nil {
		t.Fatalf("DestroyKeyslot failed: %v", err)
	}
	if err := dev.RestoreHeader(backup); err != nil {
		t.Fatalf("RestoreHeader failed: %v", err)
	}
	if _, _, err := dev.VolumeKey([]byte("pw")); err != nil {
		t.Errorf("Keyslot should unlock after header restore: %v", err)
	}
}

func TestReencryptInterruptedResumesNotRestarts(t *testing.T) {
	path := newTestImage(t, 512*1024)
	dev, err := NewDevice(path)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	if err := dev.SetMinimalPBKDF(); err != nil {
		t.Fatalf("SetMinimalPBKDF failed: %v", err)
	}
	if err := dev.Format(FormatOptions{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if _, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("pw")); err != nil {
		t.Fatalf("AddKeyslotByVolumeKey failed: %v", err)
	}

	if err := dev.ReencryptInitByPassphrase([]byte("pw"), false); err != nil {
		t.Fatalf("ReencryptInitByPassphrase failed: %v", err)
	}

	var interruptedAt uint64
	err = dev.ReencryptRun(func(size, offset uint64) bool {
		interruptedAt = offset
		return false
	})
	if err == nil {
		t.Fatal("Expected interrupted run to report an error")
	}
	if interruptedAt == 0 {
		t.Fatal("Expected some progress before interruption")
	}
	dev.Free() // simulated crash

	resumed, err := NewDevice(path)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer resumed.Free()
	if err := resumed.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Skipping the init step after a crash must not work.
	if err := resumed.ReencryptRun(nil); !errors.Is(err, backend.ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState without init, got %v", err)
	}

	if err := resumed.ReencryptInitByPassphrase([]byte("pw"), true); err != nil {
		t.Fatalf("Resume init failed: %v", err)
	}
	var firstOffset uint64
	if err := resumed.ReencryptRun(func(size, offset uint64) bool {
		if firstOffset == 0 {
			firstOffset = offset
		}
		return true
	}); err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}
	if firstOffset <= interruptedAt {
		t.Errorf("Resume should continue past offset %d, first reported %d", interruptedAt, firstOffset)
	}
	if _, _, err := resumed.VolumeKey([]byte("pw")); err != nil {
		t.Errorf("Unlock after reencryption failed: %v", err)
	}
}
