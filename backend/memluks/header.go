package memluks

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opd-ai/cryptvolume/backend"
)

// On-disk layout: a fixed 512-byte binary header, the JSON metadata area
// filling the rest of the metadata region, then the payload area starting
// at the data offset. All binary fields are big-endian.
const (
	fixedHeaderSize = 512
	uuidFieldSize   = 40

	defaultMetadataSize  = 16 * 1024
	maxMetadataSize      = 4 * 1024 * 1024
	defaultDataOffset    = 32 // sectors; leaves room for the metadata region
	defaultVolumeKeySize = 64
	sectorSize           = 512
)

var headerMagic = [6]byte{'L', 'U', 'K', 'S', 0xba, 0xbe}

const headerVersion = 2

type binaryHeader struct {
	Magic        [6]byte
	Version      uint16
	MetadataSize uint64
	SeqID        uint64
	UUID         [uuidFieldSize]byte
	JSONLen      uint64
	Checksum     [32]byte
}

// JSON metadata area shapes. Indices are decimal map keys, matching the
// LUKS2 metadata convention.
type metadata struct {
	Keyslots  map[int]*keyslotJSON    `json:"keyslots"`
	Tokens    map[int]json.RawMessage `json:"tokens"`
	Segments  map[int]*segmentJSON    `json:"segments"`
	Digests   map[int]*digestJSON     `json:"digests"`
	Config    configJSON              `json:"config"`
	Reencrypt *reencryptJSON          `json:"reencrypt,omitempty"`
}

type keyslotJSON struct {
	Type     string   `json:"type"`
	KeySize  int      `json:"key_size"`
	KDF      kdfJSON  `json:"kdf"`
	Area     areaJSON `json:"area"`
	Priority string   `json:"priority,omitempty"`
}

type kdfJSON struct {
	Type string `json:"type"`
	Salt string `json:"salt"`

	// pbkdf2 fields
	Hash       string `json:"hash,omitempty"`
	Iterations uint32 `json:"iterations,omitempty"`

	// argon2 fields
	Time   uint32 `json:"time,omitempty"`
	Memory uint32 `json:"memory,omitempty"`
	CPUs   uint32 `json:"cpus,omitempty"`
}

type areaJSON struct {
	Type       string `json:"type"`
	Encryption string `json:"encryption"`
	KeySize    int    `json:"key_size"`
	// Wrapped volume key, base64. This dialect stores keyslot material
	// inline in the metadata area rather than in a separate binary
	// region.
	Blob string `json:"blob"`
}

type segmentJSON struct {
	Type       string `json:"type"`
	Offset     uint64 `json:"offset"`
	IVTweak    uint64 `json:"iv_tweak"`
	Size       string `json:"size"`
	Encryption string `json:"encryption"`
	SectorSize int    `json:"sector_size"`
}

type digestJSON struct {
	Type       string   `json:"type"`
	Keyslots   []string `json:"keyslots"`
	Segments   []string `json:"segments"`
	Hash       string   `json:"hash"`
	Iterations uint32   `json:"iterations"`
	Salt       string   `json:"salt"`
	Digest     string   `json:"digest"`
}

type configJSON struct {
	JSONSize     uint64   `json:"json_size"`
	KeyslotsSize uint64   `json:"keyslots_size"`
	Flags        []string `json:"flags,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// reencryptJSON checkpoints an in-progress reencryption pass so an
// interrupted run can resume from the last committed offset. The hotzone
// fields describe the chunk being rewritten at Offset: its hash is
// committed before the payload overwrite, so a resume can tell whether
// that chunk was already transformed when the process died mid-write.
type reencryptJSON struct {
	Mode        string `json:"mode"`
	Offset      uint64 `json:"offset"`
	Cipher      string `json:"cipher"`
	CipherMode  string `json:"cipher_mode"`
	NewKeyslot  int    `json:"new_keyslot"`
	NewDigest   int    `json:"new_digest"`
	HotzoneHash string `json:"hotzone_hash,omitempty"`
	HotzoneLen  uint64 `json:"hotzone_len,omitempty"`
}

const reencryptRequirement = "online-reencrypt"

type header struct {
	metadataSize uint64
	seqID        uint64
	uuid         string
	dataOffset   uint64 // sectors
	cipher       string
	cipherMode   string
	keySize      int
	meta         *metadata
}

func newMetadata() *metadata {
	return &metadata{
		Keyslots: make(map[int]*keyslotJSON),
		Tokens:   make(map[int]json.RawMessage),
		Segments: make(map[int]*segmentJSON),
		Digests:  make(map[int]*digestJSON),
	}
}

// encode serializes the header into the metadata region image.
func (h *header) encode() ([]byte, error) {
	text, err := json.Marshal(h.meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrSerialization, err)
	}
	capacity := h.metadataSize - fixedHeaderSize
	if uint64(len(text)) > capacity {
		return nil, fmt.Errorf("%w: metadata area full (%d > %d bytes)",
			backend.ErrBackendRejected, len(text), capacity)
	}

	bh := binaryHeader{
		Magic:        headerMagic,
		Version:      headerVersion,
		MetadataSize: h.metadataSize,
		SeqID:        h.seqID,
		JSONLen:      uint64(len(text)),
		Checksum:     sha256.Sum256(text),
	}
	copy(bh.UUID[:], h.uuid)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, &bh); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	if pad := fixedHeaderSize - buf.Len(); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.Write(text)
	return buf.Bytes(), nil
}

// decodeHeader parses a metadata region image back into a header. The
// caller fills in fields derived from the segment table afterwards.
func decodeHeader(raw []byte) (*header, error) {
	if len(raw) < fixedHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", backend.ErrIO, len(raw))
	}

	var bh binaryHeader
	if err := binary.Read(bytes.NewReader(raw[:fixedHeaderSize]), binary.BigEndian, &bh); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	if bh.Magic != headerMagic {
		return nil, fmt.Errorf("%w: bad header magic", backend.ErrBackendRejected)
	}
	if bh.Version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported header version %d", backend.ErrBackendRejected, bh.Version)
	}
	if err := validateGeometry(&bh); err != nil {
		return nil, err
	}
	if uint64(len(raw)) < fixedHeaderSize+bh.JSONLen {
		return nil, fmt.Errorf("%w: truncated metadata area", backend.ErrIO)
	}

	text := raw[fixedHeaderSize : fixedHeaderSize+bh.JSONLen]
	if sha256.Sum256(text) != bh.Checksum {
		return nil, fmt.Errorf("%w: metadata checksum mismatch", backend.ErrIO)
	}

	meta := newMetadata()
	if err := json.Unmarshal(text, meta); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrSerialization, err)
	}

	h := &header{
		metadataSize: bh.MetadataSize,
		seqID:        bh.SeqID,
		uuid:         string(bytes.TrimRight(bh.UUID[:], "\x00")),
		meta:         meta,
	}

	// The active segment carries the cipher geometry.
	if seg, ok := meta.Segments[0]; ok {
		h.dataOffset = seg.Offset / sectorSize
		h.cipher, h.cipherMode = splitEncryption(seg.Encryption)
	}
	if ks, ok := meta.Keyslots[firstKeyslotIndex(meta)]; ok {
		h.keySize = ks.KeySize
	} else if seg, ok := meta.Segments[0]; ok && seg.Type == "crypt" {
		h.keySize = defaultVolumeKeySize
	}
	return h, nil
}

// validateGeometry rejects implausible size fields before anything is
// allocated from them. A corrupt header must fail with an error, not
// drive the process into an oversized allocation.
func validateGeometry(bh *binaryHeader) error {
	if bh.MetadataSize < fixedHeaderSize || bh.MetadataSize > maxMetadataSize {
		return fmt.Errorf("%w: implausible metadata size %d", backend.ErrBackendRejected, bh.MetadataSize)
	}
	if bh.JSONLen > bh.MetadataSize-fixedHeaderSize {
		return fmt.Errorf("%w: metadata length %d exceeds metadata area", backend.ErrBackendRejected, bh.JSONLen)
	}
	return nil
}

func firstKeyslotIndex(m *metadata) int {
	for i := range m.Keyslots {
		return i
	}
	return -1
}

func splitEncryption(enc string) (cipher, mode string) {
	for i := 0; i < len(enc); i++ {
		if enc[i] == '-' {
			return enc[:i], enc[i+1:]
		}
	}
	return enc, ""
}

func joinEncryption(cipher, mode string) string {
	if mode == "" {
		return cipher
	}
	return cipher + "-" + mode
}

// readHeaderFile loads and parses the metadata region of a device image.
func readHeaderFile(path string) (*header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	defer f.Close()

	fixed := make([]byte, fixedHeaderSize)
	if _, err := f.ReadAt(fixed, 0); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", backend.ErrIO, err)
	}
	var bh binaryHeader
	if err := binary.Read(bytes.NewReader(fixed), binary.BigEndian, &bh); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	if bh.Magic != headerMagic {
		return nil, fmt.Errorf("%w: device is not a memluks volume", backend.ErrBackendRejected)
	}
	if err := validateGeometry(&bh); err != nil {
		return nil, err
	}

	raw := make([]byte, fixedHeaderSize+bh.JSONLen)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("%w: reading metadata area: %v", backend.ErrIO, err)
	}
	return decodeHeader(raw)
}

// writeHeaderFile commits the header to the device image. The metadata
// region is written in one pass; the sequence number advances so stale
// cached copies are detectable.
func (h *header) writeHeaderFile(path string) error {
	h.seqID++
	raw, err := h.encode()
	if err != nil {
		h.seqID--
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		h.seqID--
		return fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(raw, 0); err != nil {
		h.seqID--
		return fmt.Errorf("%w: writing header: %v", backend.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		h.seqID--
		return fmt.Errorf("%w: syncing header: %v", backend.ErrIO, err)
	}
	return nil
}
