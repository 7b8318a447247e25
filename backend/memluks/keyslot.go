package memluks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/cryptvolume/backend"
)

const (
	saltSize         = 32
	wrapKeySize      = 32 // AES-256-GCM wrapping key
	digestIterations = 4096
)

// defaultPBKDF is the policy applied when the caller never sets one:
// argon2id with moderate cost, the stand-in for a benchmark-calibrated
// policy in this backend.
var defaultPBKDF = backend.PBKDF{
	Type:       backend.KDFArgon2id,
	TimeMS:     2000,
	Iterations: 4, // argon2 passes
	MemoryKB:   64 * 1024,
	Threads:    2,
}

// deriveKey stretches a passphrase into a wrapping key under the given
// policy.
func deriveKey(passphrase, salt []byte, kdf kdfJSON) ([]byte, error) {
	switch backend.KDFType(kdf.Type) {
	case backend.KDFPBKDF2:
		var h func() hash.Hash
		switch kdf.Hash {
		case "sha256":
			h = sha256.New
		case "sha512", "":
			h = sha512.New
		default:
			return nil, fmt.Errorf("%w: unsupported kdf hash %q", backend.ErrBackendRejected, kdf.Hash)
		}
		iter := int(kdf.Iterations)
		if iter <= 0 {
			return nil, fmt.Errorf("%w: pbkdf2 requires an iteration count", backend.ErrBackendRejected)
		}
		return pbkdf2.Key(passphrase, salt, iter, wrapKeySize, h), nil

	case backend.KDFArgon2i:
		return argon2.Key(passphrase, salt, kdf.Time, kdf.Memory, uint8(kdf.CPUs), wrapKeySize), nil

	case backend.KDFArgon2id:
		return argon2.IDKey(passphrase, salt, kdf.Time, kdf.Memory, uint8(kdf.CPUs), wrapKeySize), nil

	default:
		return nil, fmt.Errorf("%w: unsupported kdf type %q", backend.ErrBackendRejected, kdf.Type)
	}
}

// kdfParams renders a PBKDF policy into the keyslot kdf object, minting a
// fresh salt.
func kdfParams(p backend.PBKDF) (kdfJSON, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return kdfJSON{}, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}

	kdf := kdfJSON{
		Type: string(p.Type),
		Salt: base64.StdEncoding.EncodeToString(salt),
	}
	switch p.Type {
	case backend.KDFPBKDF2:
		kdf.Hash = p.Hash
		kdf.Iterations = p.Iterations
	case backend.KDFArgon2i, backend.KDFArgon2id:
		kdf.Time = p.Iterations // passes
		kdf.Memory = p.MemoryKB
		kdf.CPUs = p.Threads
	default:
		return kdfJSON{}, fmt.Errorf("%w: unsupported kdf type %q", backend.ErrBackendRejected, p.Type)
	}
	return kdf, nil
}

// wrapVolumeKey seals the volume key with AES-256-GCM under the derived
// wrapping key. The nonce is prepended to the sealed blob.
func wrapVolumeKey(volumeKey, wrapKey []byte) (string, error) {
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrBackendRejected, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrBackendRejected, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	sealed := aead.Seal(nonce, nonce, volumeKey, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// unwrapVolumeKey reverses wrapVolumeKey. A GCM authentication failure
// means the passphrase was wrong for this keyslot.
func unwrapVolumeKey(blob string, wrapKey []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt keyslot area: %v", backend.ErrIO, err)
	}
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendRejected, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrBackendRejected, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: corrupt keyslot area", backend.ErrIO)
	}
	key, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase", backend.ErrBackendRejected)
	}
	return key, nil
}

func decodeSalt(s string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt kdf salt: %v", backend.ErrIO, err)
	}
	return salt, nil
}

// newDigest derives a PBKDF2-SHA256 digest of the volume key, the check
// value keyslot unlocks are verified against.
func newDigest(volumeKey []byte) (*digestJSON, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	sum := pbkdf2.Key(volumeKey, salt, digestIterations, sha256.Size, sha256.New)
	return &digestJSON{
		Type:       "pbkdf2",
		Hash:       "sha256",
		Iterations: digestIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Digest:     base64.StdEncoding.EncodeToString(sum),
	}, nil
}

// verifyDigest checks a candidate volume key against a stored digest.
func verifyDigest(d *digestJSON, volumeKey []byte) (bool, error) {
	if d.Type != "pbkdf2" || d.Hash != "sha256" {
		return false, fmt.Errorf("%w: unsupported digest type %s/%s", backend.ErrBackendRejected, d.Type, d.Hash)
	}
	salt, err := base64.StdEncoding.DecodeString(d.Salt)
	if err != nil {
		return false, fmt.Errorf("%w: corrupt digest salt: %v", backend.ErrIO, err)
	}
	want, err := base64.StdEncoding.DecodeString(d.Digest)
	if err != nil {
		return false, fmt.Errorf("%w: corrupt digest value: %v", backend.ErrIO, err)
	}
	got := pbkdf2.Key(volumeKey, salt, int(d.Iterations), len(want), sha256.New)
	return hmac.Equal(got, want), nil
}
