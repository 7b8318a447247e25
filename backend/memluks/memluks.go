package memluks

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/opd-ai/cryptvolume/backend"
)

const (
	backendVersion = "memluks 1.2.0"

	keyslotMaxCount = 32
	tokenMaxCount   = 32

	defaultMappingDir = "/dev/mapper"
)

// Options configures a Library instance.
type Options struct {
	// MappingDir is where mapping nodes appear. Empty means /dev/mapper.
	MappingDir string
	// TokenPath is the external token plugin search directory.
	TokenPath string
}

// Library is the backend entry point, the analogue of a loaded
// libcryptsetup: it constructs per-device contexts and carries the
// process-wide log and debug knobs.
type Library struct {
	mu         sync.Mutex
	mappings   map[string]*mapping
	mappingDir string
	tokenPath  string
	globalLog  backend.LogFunc
	debug      backend.DebugLevel
}

// New returns a Library with default options. It is the factory the
// availability gate resolves in default builds.
func New() (backend.Backend, error) {
	return NewWithOptions(Options{}), nil
}

// NewWithOptions returns a Library with explicit options.
func NewWithOptions(o Options) *Library {
	dir := o.MappingDir
	if dir == "" {
		dir = defaultMappingDir
	}
	return &Library{
		mappings:   make(map[string]*mapping),
		mappingDir: dir,
		tokenPath:  o.TokenPath,
	}
}

// Version identifies the backend implementation.
func (l *Library) Version() string { return backendVersion }

// MappingDir is the base directory where mapping nodes appear.
func (l *Library) MappingDir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mappingDir
}

// TokenExternalPath is the directory searched for token plugin modules.
func (l *Library) TokenExternalPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokenPath
}

// SetTokenExternalPath redirects the token plugin search directory.
func (l *Library) SetTokenExternalPath(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokenPath = dir
}

// SetLogCallback installs the log sink, process-wide when ctx is nil or
// per-context otherwise. Last writer wins.
func (l *Library) SetLogCallback(ctx backend.Context, fn backend.LogFunc) {
	if d, ok := ctx.(*device); ok && d != nil {
		d.logFn = fn
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalLog = fn
}

// SetDebugLevel adjusts backend-internal debug verbosity.
func (l *Library) SetDebugLevel(level backend.DebugLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = level
}

// log emits through the per-context callback when set, else the global
// one. Debug output is dropped unless DebugAll is in effect.
func (l *Library) log(d *device, sev backend.LogSeverity, format string, args ...interface{}) {
	l.mu.Lock()
	fn := l.globalLog
	debug := l.debug
	l.mu.Unlock()

	if d != nil && d.logFn != nil {
		fn = d.logFn
	}
	if fn == nil {
		return
	}
	if sev == backend.LogDebug && debug != backend.DebugAll {
		return
	}
	fn(sev, fmt.Sprintf(format, args...))
}

// Init binds a fresh context to a block device or image path.
func (l *Library) Init(devicePath string) (backend.Context, error) {
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	return &device{lib: l, path: devicePath, metadataLocking: true}, nil
}

// InitByName binds a context to an already-active mapping, loading the
// header of its underlying device.
func (l *Library) InitByName(mappingName string) (backend.Context, error) {
	l.mu.Lock()
	m, ok := l.mappings[mappingName]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no active mapping %q", backend.ErrNotFound, mappingName)
	}

	d := &device{lib: l, path: m.devicePath, metadataLocking: true}
	if err := d.Load(); err != nil {
		return nil, err
	}
	return d, nil
}

// device is a per-volume crypt context.
type device struct {
	lib      *Library
	path     string
	dataPath string
	hdr      *header
	logFn    backend.LogFunc

	pbkdf     *backend.PBKDF
	volumeKey []byte // retained after Format or a successful unlock
	reenc     *reencState

	metadataLocking bool
	freed           bool
}

func (d *device) requireHeader() error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}
	if d.hdr == nil {
		return fmt.Errorf("%w: no volume loaded", backend.ErrInvalidState)
	}
	return nil
}

// dataDevice is where payload I/O goes: the bound device unless a
// detached-header data device was set.
func (d *device) dataDevice() string {
	if d.dataPath != "" {
		return d.dataPath
	}
	return d.path
}

// Format writes a fresh header. The device image must already exist and
// be large enough for the metadata region.
func (d *device) Format(p backend.FormatParams) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}
	if d.hdr != nil {
		return fmt.Errorf("%w: context already holds a volume", backend.ErrInvalidState)
	}
	if p.Type != "" && p.Type != "luks2" {
		return fmt.Errorf("%w: unsupported volume type %q", backend.ErrBackendRejected, p.Type)
	}

	cipherName := p.Cipher
	if cipherName == "" {
		cipherName = "aes"
	}
	mode := p.CipherMode
	if mode == "" {
		mode = "xts-plain64"
	}

	id := p.UUID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: bad volume UUID %q: %v", backend.ErrBackendRejected, id, err)
	}

	keySize := p.VolumeKeySize
	if keySize == 0 {
		keySize = defaultVolumeKeySize
	}
	volumeKey := p.VolumeKey
	if volumeKey == nil {
		volumeKey = make([]byte, keySize)
		if _, err := rand.Read(volumeKey); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrIO, err)
		}
	} else {
		keySize = len(volumeKey)
	}

	metadataSize := p.MetadataSize
	if metadataSize == 0 {
		metadataSize = defaultMetadataSize
	}
	if metadataSize < fixedHeaderSize*2 {
		return fmt.Errorf("%w: metadata size %d too small", backend.ErrBackendRejected, metadataSize)
	}
	dataOffset := p.DataOffset
	if dataOffset == 0 {
		dataOffset = defaultDataOffset
	}
	if dataOffset*sectorSize < metadataSize {
		return fmt.Errorf("%w: data offset overlaps metadata area", backend.ErrBackendRejected)
	}

	segSectorSize := p.SectorSize
	if segSectorSize == 0 {
		segSectorSize = sectorSize
	}

	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	if uint64(info.Size()) < dataOffset*sectorSize {
		return fmt.Errorf("%w: device smaller than data offset", backend.ErrBackendRejected)
	}

	digest, err := newDigest(volumeKey)
	if err != nil {
		return err
	}
	digest.Segments = []string{"0"}

	h := &header{
		metadataSize: metadataSize,
		uuid:         id,
		dataOffset:   dataOffset,
		cipher:       cipherName,
		cipherMode:   mode,
		keySize:      keySize,
		meta:         newMetadata(),
	}
	h.meta.Segments[0] = &segmentJSON{
		Type:       "crypt",
		Offset:     dataOffset * sectorSize,
		Size:       "dynamic",
		Encryption: joinEncryption(cipherName, mode),
		SectorSize: segSectorSize,
	}
	h.meta.Digests[0] = digest
	h.meta.Config = configJSON{
		JSONSize:     metadataSize - fixedHeaderSize,
		KeyslotsSize: p.KeyslotsSize,
	}

	unlock, err := d.lockMetadata()
	if err != nil {
		return err
	}
	defer unlock()

	if err := h.writeHeaderFile(d.path); err != nil {
		return err
	}

	d.hdr = h
	d.volumeKey = append([]byte(nil), volumeKey...)
	d.lib.log(d, backend.LogNormal, "formatted %s as %s volume %s", d.path, joinEncryption(cipherName, mode), id)
	return nil
}

// Load parses an existing header from the bound device.
func (d *device) Load() error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}
	if d.hdr != nil {
		return fmt.Errorf("%w: context already holds a volume", backend.ErrInvalidState)
	}

	h, err := readHeaderFile(d.path)
	if err != nil {
		d.lib.log(d, backend.LogError, "loading header from %s: %v", d.path, err)
		return err
	}
	d.hdr = h
	d.lib.log(d, backend.LogVerbose, "loaded volume %s from %s", h.uuid, d.path)
	return nil
}

// Free releases the context and scrubs retained key material.
func (d *device) Free() {
	for i := range d.volumeKey {
		d.volumeKey[i] = 0
	}
	d.volumeKey = nil
	d.reenc = nil
	d.hdr = nil
	d.freed = true
}

// SetDataDevice points payload I/O at a separate device.
func (d *device) SetDataDevice(path string) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrIO, err)
	}
	d.dataPath = path
	return nil
}

// MetadataLocking toggles the advisory lock around metadata mutation.
func (d *device) MetadataLocking(enabled bool) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}
	d.metadataLocking = enabled
	return nil
}

// SetPBKDF attaches a key derivation policy to subsequent keyslot
// operations.
func (d *device) SetPBKDF(p backend.PBKDF) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}
	switch p.Type {
	case backend.KDFPBKDF2, backend.KDFArgon2i, backend.KDFArgon2id:
	default:
		return fmt.Errorf("%w: unsupported kdf type %q", backend.ErrBackendRejected, p.Type)
	}
	if p.Type == backend.KDFPBKDF2 && p.Flags&backend.PBKDFNoBenchmark != 0 && p.Iterations == 0 {
		return fmt.Errorf("%w: pbkdf2 without benchmarking requires an iteration count", backend.ErrBackendRejected)
	}
	cp := p
	d.pbkdf = &cp
	return nil
}

func (d *device) currentPBKDF() backend.PBKDF {
	if d.pbkdf != nil {
		return *d.pbkdf
	}
	return defaultPBKDF
}

// KeyslotMax reports how many keyslots the header can hold.
func (d *device) KeyslotMax() int { return keyslotMaxCount }

// AddKeyslotByVolumeKey wraps the volume key with a passphrase into the
// given keyslot, or the first free one for AnyKeyslot. A nil volumeKey
// uses the key retained in the context. Returns the keyslot written.
func (d *device) AddKeyslotByVolumeKey(keyslot int, volumeKey, passphrase []byte) (int, error) {
	if err := d.requireHeader(); err != nil {
		return -1, err
	}
	if len(passphrase) == 0 {
		return -1, fmt.Errorf("%w: empty passphrase", backend.ErrBackendRejected)
	}

	if volumeKey == nil {
		if d.volumeKey == nil {
			return -1, fmt.Errorf("%w: no volume key available in context", backend.ErrBackendRejected)
		}
		volumeKey = d.volumeKey
	}

	// The key must unlock the active digest; rejecting here keeps
	// independent keyslots converging on the same master key.
	digest := d.hdr.meta.Digests[d.activeDigestID()]
	if digest == nil {
		return -1, fmt.Errorf("%w: header has no volume key digest", backend.ErrBackendRejected)
	}
	ok, err := verifyDigest(digest, volumeKey)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, fmt.Errorf("%w: volume key does not match header digest", backend.ErrBackendRejected)
	}

	if keyslot == backend.AnyKeyslot {
		keyslot = -1
		for i := 0; i < keyslotMaxCount; i++ {
			if _, used := d.hdr.meta.Keyslots[i]; !used {
				keyslot = i
				break
			}
		}
		if keyslot < 0 {
			return -1, fmt.Errorf("%w: all keyslots in use", backend.ErrBackendRejected)
		}
	} else {
		if keyslot < 0 || keyslot >= keyslotMaxCount {
			return -1, fmt.Errorf("%w: keyslot %d out of range", backend.ErrIndexInvalid, keyslot)
		}
		if _, used := d.hdr.meta.Keyslots[keyslot]; used {
			return -1, fmt.Errorf("%w: keyslot %d already in use", backend.ErrBackendRejected, keyslot)
		}
	}

	kdf, err := kdfParams(d.currentPBKDF())
	if err != nil {
		return -1, err
	}
	salt, err := decodeSalt(kdf.Salt)
	if err != nil {
		return -1, err
	}
	wrapKey, err := deriveKey(passphrase, salt, kdf)
	if err != nil {
		return -1, err
	}
	blob, err := wrapVolumeKey(volumeKey, wrapKey)
	if err != nil {
		return -1, err
	}

	ks := &keyslotJSON{
		Type:    "luks2",
		KeySize: len(volumeKey),
		KDF:     kdf,
		Area: areaJSON{
			Type:       "raw",
			Encryption: "aes-gcm",
			KeySize:    wrapKeySize,
			Blob:       blob,
		},
	}

	unlock, err := d.lockMetadata()
	if err != nil {
		return -1, err
	}
	defer unlock()

	d.hdr.meta.Keyslots[keyslot] = ks
	digest.Keyslots = appendIndex(digest.Keyslots, keyslot)
	if err := d.hdr.writeHeaderFile(d.path); err != nil {
		delete(d.hdr.meta.Keyslots, keyslot)
		digest.Keyslots = removeIndex(digest.Keyslots, keyslot)
		return -1, err
	}

	d.lib.log(d, backend.LogVerbose, "added keyslot %d to volume %s", keyslot, d.hdr.uuid)
	return keyslot, nil
}

// DestroyKeyslot removes a keyslot and its wrapped key material.
func (d *device) DestroyKeyslot(keyslot int) error {
	if err := d.requireHeader(); err != nil {
		return err
	}
	if keyslot < 0 || keyslot >= keyslotMaxCount {
		return fmt.Errorf("%w: keyslot %d out of range", backend.ErrIndexInvalid, keyslot)
	}
	ks, ok := d.hdr.meta.Keyslots[keyslot]
	if !ok {
		return fmt.Errorf("%w: keyslot %d is not in use", backend.ErrNotFound, keyslot)
	}

	unlock, err := d.lockMetadata()
	if err != nil {
		return err
	}
	defer unlock()

	delete(d.hdr.meta.Keyslots, keyslot)
	var touched []*digestJSON
	for _, dg := range d.hdr.meta.Digests {
		if containsIndex(dg.Keyslots, keyslot) {
			dg.Keyslots = removeIndex(dg.Keyslots, keyslot)
			touched = append(touched, dg)
		}
	}
	if err := d.hdr.writeHeaderFile(d.path); err != nil {
		d.hdr.meta.Keyslots[keyslot] = ks
		for _, dg := range touched {
			dg.Keyslots = appendIndex(dg.Keyslots, keyslot)
		}
		return err
	}

	d.lib.log(d, backend.LogNormal, "destroyed keyslot %d of volume %s", keyslot, d.hdr.uuid)
	return nil
}

// VolumeKey recovers the volume key by trying the passphrase against
// each keyslot and verifying the result against the active digest.
func (d *device) VolumeKey(passphrase []byte) ([]byte, int, error) {
	if err := d.requireHeader(); err != nil {
		return nil, -1, err
	}
	return d.unlockAny(passphrase)
}

func (d *device) unlockKeyslot(keyslot int, passphrase []byte) ([]byte, error) {
	return d.unlockKeyslotAgainst(keyslot, passphrase, d.hdr.meta.Digests[d.activeDigestID()])
}

// unlockKeyslotAgainst unwraps a keyslot and verifies the result against
// the given digest. During a reencryption pass the new keyslot belongs to
// the new digest, not the active one, so the caller picks which applies.
func (d *device) unlockKeyslotAgainst(keyslot int, passphrase []byte, digest *digestJSON) ([]byte, error) {
	ks, ok := d.hdr.meta.Keyslots[keyslot]
	if !ok {
		return nil, fmt.Errorf("%w: keyslot %d is not in use", backend.ErrNotFound, keyslot)
	}
	salt, err := decodeSalt(ks.KDF.Salt)
	if err != nil {
		return nil, err
	}
	wrapKey, err := deriveKey(passphrase, salt, ks.KDF)
	if err != nil {
		return nil, err
	}
	key, err := unwrapVolumeKey(ks.Area.Blob, wrapKey)
	if err != nil {
		return nil, err
	}

	if digest != nil {
		ok, err := verifyDigest(digest, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: keyslot %d does not match volume key digest", backend.ErrBackendRejected, keyslot)
		}
	}
	return key, nil
}

// unlockAny tries every keyslot in index order.
func (d *device) unlockAny(passphrase []byte) ([]byte, int, error) {
	for i := 0; i < keyslotMaxCount; i++ {
		if _, used := d.hdr.meta.Keyslots[i]; !used {
			continue
		}
		key, err := d.unlockKeyslot(i, passphrase)
		if err == nil {
			d.volumeKey = append([]byte(nil), key...)
			d.lib.log(d, backend.LogDebug, "keyslot %d unlocked volume %s", i, d.hdr.uuid)
			return key, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: wrong passphrase", backend.ErrBackendRejected)
}

// activeDigestID is the digest bound to the active segment. During a
// reencryption pass the original digest stays active until completion.
func (d *device) activeDigestID() int {
	for id, dg := range d.hdr.meta.Digests {
		if d.hdr.meta.Reencrypt != nil && id == d.hdr.meta.Reencrypt.NewDigest {
			continue
		}
		if containsIndex(dg.Segments, 0) {
			return id
		}
	}
	return 0
}

// Header queries.

func (d *device) Type() string {
	if d.hdr == nil {
		return ""
	}
	return "luks2"
}

func (d *device) Cipher() string {
	if d.hdr == nil {
		return ""
	}
	return d.hdr.cipher
}

func (d *device) CipherMode() string {
	if d.hdr == nil {
		return ""
	}
	return d.hdr.cipherMode
}

func (d *device) UUID() string {
	if d.hdr == nil {
		return ""
	}
	return d.hdr.uuid
}

func (d *device) DeviceName() string { return d.path }

func (d *device) DataOffset() uint64 {
	if d.hdr == nil {
		return 0
	}
	return d.hdr.dataOffset
}

func (d *device) VolumeKeySize() int {
	if d.hdr == nil {
		return 0
	}
	return d.hdr.keySize
}

// RestoreHeader replaces the on-disk metadata region with one read from
// a backup image, then reloads it into the context. The volume UUIDs
// must agree when the context already holds a header.
func (d *device) RestoreHeader(backupPath string) error {
	if d.freed {
		return fmt.Errorf("%w: context already freed", backend.ErrInvalidState)
	}

	h, err := readHeaderFile(backupPath)
	if err != nil {
		return err
	}
	if d.hdr != nil && d.hdr.uuid != h.uuid {
		return fmt.Errorf("%w: backup header belongs to volume %s, not %s",
			backend.ErrBackendRejected, h.uuid, d.hdr.uuid)
	}

	unlock, err := d.lockMetadata()
	if err != nil {
		return err
	}
	defer unlock()

	if err := h.writeHeaderFile(d.path); err != nil {
		return err
	}
	d.hdr = h
	d.lib.log(d, backend.LogNormal, "restored header of volume %s from %s", h.uuid, backupPath)
	return nil
}

// Index-list helpers for the digest keyslot/segment references, which
// the metadata stores as decimal strings.

func appendIndex(list []string, idx int) []string {
	s := fmt.Sprintf("%d", idx)
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeIndex(list []string, idx int) []string {
	s := fmt.Sprintf("%d", idx)
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func containsIndex(list []string, idx int) bool {
	s := fmt.Sprintf("%d", idx)
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
