package memluks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/opd-ai/cryptvolume/backend"
)

// reencryptChunkSize is the unit of work between checkpoints. Each chunk
// is rewritten in place and the committed offset persisted before the
// next chunk starts, so an interrupted pass resumes at the last
// checkpoint.
const reencryptChunkSize = 64 * 1024

type reencState struct {
	oldKey []byte
	newKey []byte
}

// ReencryptInitByPassphrase prepares an in-place reencryption pass. A
// fresh init mints a new volume key, wraps it into a new keyslot under
// the same passphrase and checkpoints the pass in the header. With
// Resume set it picks up an interrupted pass recorded there instead.
func (d *device) ReencryptInitByPassphrase(passphrase []byte, keyslot int, p backend.ReencryptParams) error {
	if err := d.requireHeader(); err != nil {
		return err
	}

	if p.Resume {
		return d.reencryptResume(passphrase)
	}

	if d.hdr.meta.Reencrypt != nil {
		return fmt.Errorf("%w: reencryption already in progress, resume it instead", backend.ErrBackendRejected)
	}

	oldKey, slot, err := d.unlockWith(passphrase, keyslot)
	if err != nil {
		return err
	}

	newKey := make([]byte, len(oldKey))
	if _, err := rand.Read(newKey); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrIO, err)
	}

	newDigestID := freeIndex(len(d.hdr.meta.Digests)+1, func(i int) bool {
		_, used := d.hdr.meta.Digests[i]
		return used
	})
	newSlot := freeIndex(keyslotMaxCount, func(i int) bool {
		_, used := d.hdr.meta.Keyslots[i]
		return used
	})
	if newSlot < 0 {
		return fmt.Errorf("%w: no free keyslot for reencryption", backend.ErrBackendRejected)
	}

	digest, err := newDigest(newKey)
	if err != nil {
		return err
	}
	digest.Keyslots = []string{fmt.Sprintf("%d", newSlot)}

	ks, err := d.buildKeyslot(newKey, passphrase)
	if err != nil {
		return err
	}

	cipherName := p.Cipher
	mode := p.CipherMode
	if cipherName == "" {
		cipherName = d.hdr.cipher
	}
	if mode == "" {
		mode = d.hdr.cipherMode
	}

	unlock, err := d.lockMetadata()
	if err != nil {
		return err
	}
	defer unlock()

	d.hdr.meta.Keyslots[newSlot] = ks
	d.hdr.meta.Digests[newDigestID] = digest
	d.hdr.meta.Reencrypt = &reencryptJSON{
		Mode:       "reencrypt",
		Offset:     0,
		Cipher:     cipherName,
		CipherMode: mode,
		NewKeyslot: newSlot,
		NewDigest:  newDigestID,
	}
	d.hdr.meta.Config.Requirements = appendRequirement(d.hdr.meta.Config.Requirements, reencryptRequirement)
	if err := d.hdr.writeHeaderFile(d.path); err != nil {
		delete(d.hdr.meta.Keyslots, newSlot)
		delete(d.hdr.meta.Digests, newDigestID)
		d.hdr.meta.Reencrypt = nil
		d.hdr.meta.Config.Requirements = removeRequirement(d.hdr.meta.Config.Requirements, reencryptRequirement)
		return err
	}

	d.reenc = &reencState{oldKey: oldKey, newKey: newKey}
	d.lib.log(d, backend.LogNormal,
		"initialized reencryption of volume %s (keyslot %d unlocked, new keyslot %d)", d.hdr.uuid, slot, newSlot)
	return nil
}

// reencryptResume rebuilds the run state of an interrupted pass from
// the header checkpoint.
func (d *device) reencryptResume(passphrase []byte) error {
	re := d.hdr.meta.Reencrypt
	if re == nil {
		return fmt.Errorf("%w: header records no reencryption in progress", backend.ErrBackendRejected)
	}

	oldKey, _, err := d.unlockAny(passphrase)
	if err != nil {
		return err
	}
	newDigest := d.hdr.meta.Digests[re.NewDigest]
	if newDigest == nil {
		return fmt.Errorf("%w: reencryption digest missing from header", backend.ErrBackendRejected)
	}
	newKey, err := d.unlockKeyslotAgainst(re.NewKeyslot, passphrase, newDigest)
	if err != nil {
		return err
	}

	d.reenc = &reencState{oldKey: oldKey, newKey: newKey}
	d.lib.log(d, backend.LogNormal,
		"resuming reencryption of volume %s at offset %d", d.hdr.uuid, re.Offset)
	return nil
}

// unlockWith unlocks a specific keyslot, or any for AnyKeyslot.
func (d *device) unlockWith(passphrase []byte, keyslot int) ([]byte, int, error) {
	if keyslot == backend.AnyKeyslot {
		return d.unlockAny(passphrase)
	}
	if keyslot < 0 || keyslot >= keyslotMaxCount {
		return nil, -1, fmt.Errorf("%w: keyslot %d out of range", backend.ErrIndexInvalid, keyslot)
	}
	key, err := d.unlockKeyslot(keyslot, passphrase)
	if err != nil {
		return nil, -1, err
	}
	return key, keyslot, nil
}

// buildKeyslot wraps a key under the current PBKDF policy without
// touching the metadata maps.
func (d *device) buildKeyslot(volumeKey, passphrase []byte) (*keyslotJSON, error) {
	kdf, err := kdfParams(d.currentPBKDF())
	if err != nil {
		return nil, err
	}
	salt, err := decodeSalt(kdf.Salt)
	if err != nil {
		return nil, err
	}
	wrapKey, err := deriveKey(passphrase, salt, kdf)
	if err != nil {
		return nil, err
	}
	blob, err := wrapVolumeKey(volumeKey, wrapKey)
	if err != nil {
		return nil, err
	}
	return &keyslotJSON{
		Type:    "luks2",
		KeySize: len(volumeKey),
		KDF:     kdf,
		Area: areaJSON{
			Type:       "raw",
			Encryption: "aes-gcm",
			KeySize:    wrapKeySize,
			Blob:       blob,
		},
	}, nil
}

// ReencryptRun performs the pass chunk by chunk, committing a header
// checkpoint after every chunk. The progress callback returning false
// interrupts at the last committed checkpoint; a later init with Resume
// continues from there. Blocking; may take arbitrarily long.
func (d *device) ReencryptRun(progress backend.ReencryptProgress) error {
	if err := d.requireHeader(); err != nil {
		return err
	}
	if d.reenc == nil || d.hdr.meta.Reencrypt == nil {
		return fmt.Errorf("%w: reencryption not initialized", backend.ErrInvalidState)
	}

	re := d.hdr.meta.Reencrypt
	f, err := os.OpenFile(d.dataDevice(), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	defer f.Close()

	payloadStart := int64(d.hdr.dataOffset) * sectorSize
	if d.dataPath != "" {
		payloadStart = 0
	}
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	payloadSize := uint64(info.Size() - payloadStart)

	buf := make([]byte, reencryptChunkSize)
	if err := d.reencryptRecoverHotzone(f, payloadStart, payloadSize, buf); err != nil {
		return err
	}
	for re.Offset < payloadSize {
		n := uint64(reencryptChunkSize)
		if re.Offset+n > payloadSize {
			n = payloadSize - re.Offset
		}
		chunk := buf[:n]
		pos := payloadStart + int64(re.Offset)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return fmt.Errorf("%w: reading payload: %v", backend.ErrIO, err)
		}

		sector := re.Offset / sectorSize
		if err := cryptSectors(d.reenc.oldKey, chunk, sector); err != nil {
			return err
		}
		if err := cryptSectors(d.reenc.newKey, chunk, sector); err != nil {
			return err
		}

		// The hotzone hash commits before the payload overwrite. A crash
		// between the two leaves the checkpoint able to tell whether the
		// chunk on disk is still the old data or already the new.
		sum := sha256.Sum256(chunk)
		re.HotzoneHash = hex.EncodeToString(sum[:])
		re.HotzoneLen = n
		if err := d.hdr.writeHeaderFile(d.path); err != nil {
			re.HotzoneHash, re.HotzoneLen = "", 0
			return err
		}

		if _, err := f.WriteAt(chunk, pos); err != nil {
			return fmt.Errorf("%w: writing payload: %v", backend.ErrIO, err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: syncing payload: %v", backend.ErrIO, err)
		}

		re.Offset += n
		re.HotzoneHash, re.HotzoneLen = "", 0
		if err := d.hdr.writeHeaderFile(d.path); err != nil {
			return err
		}

		if progress != nil && !progress(payloadSize, re.Offset) {
			d.lib.log(d, backend.LogNormal,
				"reencryption of volume %s interrupted at offset %d", d.hdr.uuid, re.Offset)
			return fmt.Errorf("%w: reencryption interrupted at offset %d", backend.ErrIO, re.Offset)
		}
	}

	return d.reencryptFinish()
}

// reencryptRecoverHotzone settles a chunk left in flight by a crash. When
// the committed hotzone hash matches the chunk on disk at the checkpoint
// offset, the overwrite finished before the process died and the offset
// advances past it. Otherwise the old data is still in place and the
// chunk is redone from scratch. Either way the hotzone is cleared.
func (d *device) reencryptRecoverHotzone(f *os.File, payloadStart int64, payloadSize uint64, buf []byte) error {
	re := d.hdr.meta.Reencrypt
	if re.HotzoneHash == "" {
		return nil
	}
	n := re.HotzoneLen
	if n > 0 && n <= uint64(len(buf)) && re.Offset+n <= payloadSize {
		chunk := buf[:n]
		if _, err := f.ReadAt(chunk, payloadStart+int64(re.Offset)); err != nil && err != io.EOF {
			return fmt.Errorf("%w: reading payload: %v", backend.ErrIO, err)
		}
		sum := sha256.Sum256(chunk)
		if hex.EncodeToString(sum[:]) == re.HotzoneHash {
			re.Offset += n
			d.lib.log(d, backend.LogVerbose,
				"reencryption of volume %s: chunk at offset %d already rewritten, skipping", d.hdr.uuid, re.Offset-n)
		}
	}
	re.HotzoneHash, re.HotzoneLen = "", 0
	return d.hdr.writeHeaderFile(d.path)
}

// reencryptFinish promotes the new key: the new keyslot and digest
// replace every old one, the segment cipher switches over and the
// checkpoint state is cleared.
func (d *device) reencryptFinish() error {
	re := d.hdr.meta.Reencrypt

	unlock, err := d.lockMetadata()
	if err != nil {
		return err
	}
	defer unlock()

	for i := range d.hdr.meta.Keyslots {
		if i != re.NewKeyslot {
			delete(d.hdr.meta.Keyslots, i)
		}
	}
	for i := range d.hdr.meta.Digests {
		if i != re.NewDigest {
			delete(d.hdr.meta.Digests, i)
		}
	}
	d.hdr.meta.Digests[re.NewDigest].Segments = []string{"0"}
	if seg, ok := d.hdr.meta.Segments[0]; ok {
		seg.Encryption = joinEncryption(re.Cipher, re.CipherMode)
	}
	d.hdr.cipher = re.Cipher
	d.hdr.cipherMode = re.CipherMode
	d.hdr.meta.Reencrypt = nil
	d.hdr.meta.Config.Requirements = removeRequirement(d.hdr.meta.Config.Requirements, reencryptRequirement)

	if err := d.hdr.writeHeaderFile(d.path); err != nil {
		return err
	}

	d.volumeKey = append([]byte(nil), d.reenc.newKey...)
	for i := range d.reenc.oldKey {
		d.reenc.oldKey[i] = 0
	}
	d.reenc = nil
	d.lib.log(d, backend.LogNormal, "reencryption of volume %s complete", d.hdr.uuid)
	return nil
}

// cryptSectors applies AES-256-CTR in place with a big-endian sector
// number IV. CTR is its own inverse, so the same routine encrypts and
// decrypts.
func cryptSectors(volumeKey, data []byte, startSector uint64) error {
	if len(volumeKey) < 32 {
		return fmt.Errorf("%w: volume key too short for payload cipher", backend.ErrBackendRejected)
	}
	block, err := aes.NewCipher(volumeKey[:32])
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrBackendRejected, err)
	}

	for off := 0; off < len(data); off += sectorSize {
		end := off + sectorSize
		if end > len(data) {
			end = len(data)
		}
		var iv [aes.BlockSize]byte
		binary.BigEndian.PutUint64(iv[8:], startSector+uint64(off)/sectorSize)
		cipher.NewCTR(block, iv[:]).XORKeyStream(data[off:end], data[off:end])
	}
	return nil
}

func freeIndex(limit int, used func(int) bool) int {
	for i := 0; i < limit; i++ {
		if !used(i) {
			return i
		}
	}
	return -1
}

func appendRequirement(reqs []string, r string) []string {
	for _, v := range reqs {
		if v == r {
			return reqs
		}
	}
	return append(reqs, r)
}

func removeRequirement(reqs []string, r string) []string {
	out := reqs[:0]
	for _, v := range reqs {
		if v != r {
			out = append(out, v)
		}
	}
	return out
}
