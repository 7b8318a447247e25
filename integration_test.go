package cryptvolume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cryptvolume/backend"
)

// TestVolumeLifecycleEndToEnd walks a volume through its full life:
// format, enroll a keyslot and token, activate, suspend/resume, resize,
// reencrypt, and unlock through the token binding afterwards.
func TestVolumeLifecycleEndToEnd(t *testing.T) {
	path := newTestImage(t, 512*1024)
	passphrase := []byte("correct horse battery staple")
	name := uniqueMapping("e2e")

	dev, err := NewDevice(path)
	require.NoError(t, err, "creating handle")
	defer dev.Free()

	require.NoError(t, dev.SetMinimalPBKDF())
	require.NoError(t, dev.Format(FormatOptions{Cipher: "aes", CipherMode: "xts-plain64"}))

	slot, err := dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, passphrase)
	require.NoError(t, err, "enrolling keyslot")

	tokenIndex, err := dev.AddTokenJSON(NewToken("luks2-recovery", slot, map[string]any{
		"recovery-hint": "printed card in the safe",
	}))
	require.NoError(t, err, "writing token")

	// The token binding leads back to the enrolled keyslot.
	token, err := dev.TokenJSON(tokenIndex, "luks2-recovery")
	require.NoError(t, err)
	bound, err := KeyslotFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, slot, bound, "token should bind the enrolled keyslot")

	unlocked, err := dev.ActivateByPassphrase(name, passphrase, ActivateOptions{})
	require.NoError(t, err, "activating")
	assert.Equal(t, slot, unlocked)
	assert.Equal(t, StateActive, dev.State())

	// Freeze I/O, recover the key, thaw.
	require.NoError(t, dev.Suspend())
	key, _, err := dev.VolumeKey(passphrase)
	require.NoError(t, err)
	require.NoError(t, dev.ResumeByVolumeKey(key))
	require.NoError(t, dev.Resize(0))

	require.NoError(t, dev.Deactivate())
	assert.Equal(t, StateBound, dev.State())

	// Rotate the volume key in place.
	require.NoError(t, dev.ReencryptInitByPassphrase(passphrase, false))
	var lastSize, lastOffset uint64
	require.NoError(t, dev.ReencryptRun(func(size, offset uint64) bool {
		lastSize, lastOffset = size, offset
		return true
	}))
	assert.Equal(t, lastSize, lastOffset, "reencryption should reach the end of the payload")

	newKey, _, err := dev.VolumeKey(passphrase)
	require.NoError(t, err, "passphrase should survive reencryption")
	assert.NotEqual(t, key, newKey, "volume key should rotate")

	// The handle remains usable for another activation cycle.
	require.NoError(t, dev.ActivateByVolumeKey(name, newKey, ActivateOptions{}))
	require.NoError(t, dev.Deactivate())

	id, err := dev.UUID()
	require.NoError(t, err)
	assert.NotEmpty(t, id.String())
}

// TestStateErrorsAreActionable verifies that operations on a dead
// handle fail with a sentinel the caller can match and a message that
// names the offending state.
func TestStateErrorsAreActionable(t *testing.T) {
	dev, err := NewDevice(newTestImage(t, 256*1024))
	require.NoError(t, err)
	dev.Free()

	_, err = dev.AddKeyslotByVolumeKey(AnyKeyslot, nil, []byte("pw"))
	assert.ErrorIs(t, err, backend.ErrInvalidState)
	assert.Contains(t, err.Error(), "freed", "error should name the offending state")
}
