package backend

// Sentinel indices accepted by keyslot and token operations.
const (
	// AnyKeyslot lets the backend pick the first free keyslot.
	AnyKeyslot = -1
	// AnyToken lets the backend pick the first free token index.
	AnyToken = -1
)

// LogSeverity is the backend-internal log severity scale. The logging
// bridge in the root package translates it to host log levels.
type LogSeverity int

const (
	LogNormal LogSeverity = iota
	LogError
	LogVerbose
	LogDebug
)

// DebugLevel widens or suppresses backend-internal debug output.
type DebugLevel int

const (
	DebugNone DebugLevel = iota
	DebugAll
)

// LogFunc receives backend log output. The message carries no trailing
// newline.
type LogFunc func(severity LogSeverity, message string)

// KDFType names a key derivation function family.
type KDFType string

const (
	KDFPBKDF2   KDFType = "pbkdf2"
	KDFArgon2i  KDFType = "argon2i"
	KDFArgon2id KDFType = "argon2id"
)

// PBKDFFlags adjust how the backend interprets a PBKDF policy.
type PBKDFFlags uint32

const (
	// PBKDFNoBenchmark pins the policy to its explicit iteration count
	// instead of time-based benchmarking.
	PBKDFNoBenchmark PBKDFFlags = 1 << iota
)

// PBKDF is a key derivation policy attached to subsequent keyslot
// operations. Immutable once constructed.
type PBKDF struct {
	Type       KDFType
	Hash       string
	Iterations uint32
	TimeMS     uint32
	MemoryKB   uint32
	Threads    uint32
	Flags      PBKDFFlags
}

// FormatParams describes the header a Format call writes.
type FormatParams struct {
	Type          string // volume type, "luks2"
	Cipher        string // e.g. "aes"
	CipherMode    string // e.g. "xts-plain64"
	UUID          string // empty means the backend generates one
	VolumeKey     []byte // nil means the backend generates one
	VolumeKeySize int    // used when VolumeKey is nil
	DataOffset    uint64 // data start in 512-byte sectors, 0 means default
	MetadataSize  uint64 // metadata area bytes, 0 means default
	KeyslotsSize  uint64 // binary keyslot area bytes, 0 means default
	SectorSize    int    // encryption sector size, 0 means 512
}

// ActivationFlags adjust mapping creation.
type ActivationFlags uint32

const (
	// ActivateReadonly creates the mapping read-only.
	ActivateReadonly ActivationFlags = 1 << iota
	// ActivateAllowDiscards passes discard requests through the mapping.
	ActivateAllowDiscards
)

// TokenState reports what occupies a token index.
type TokenState int

const (
	TokenInactive TokenState = iota
	TokenInternal            // token with a registered in-tree handler
	TokenExternal            // token whose handler lives in a plugin module
)

// ReencryptParams configures an in-place reencryption pass.
type ReencryptParams struct {
	Cipher     string
	CipherMode string
	// Resume continues an interrupted pass instead of starting a fresh
	// one. The backend rejects Resume when the header records no
	// in-progress pass, and rejects a fresh init when it records one.
	Resume bool
}

// ReencryptProgress is invoked after each reencrypted chunk with the
// device size and the current offset, both in bytes. Returning false
// interrupts the pass at the last committed checkpoint.
type ReencryptProgress func(size, offset uint64) bool

// Backend is the library-level surface: it constructs per-device
// contexts and carries the process-wide knobs libcryptsetup-style
// backends expose globally.
type Backend interface {
	// Version identifies the backend implementation for diagnostics.
	Version() string

	// Init binds a fresh context to a block device or image path.
	Init(devicePath string) (Context, error)

	// InitByName binds a context to an already-active mapping.
	InitByName(mappingName string) (Context, error)

	// SetLogCallback installs the log sink. A nil context installs the
	// process-wide default; a non-nil context overrides it for that
	// context only. Last writer wins when both are set concurrently.
	SetLogCallback(ctx Context, fn LogFunc)

	// SetDebugLevel adjusts backend-internal debug verbosity.
	SetDebugLevel(level DebugLevel)

	// MappingDir is the base directory where mapping device nodes appear.
	MappingDir() string

	// TokenExternalPath is the directory searched for external token
	// plugin modules.
	TokenExternalPath() string

	// SetTokenExternalPath redirects the plugin search directory. Used
	// only by the development-build environment override.
	SetTokenExternalPath(dir string)
}

// Context is a per-device crypt context: the backend half of a volume
// handle. Contexts are not safe for concurrent use; callers serialize
// all operations against one context.
type Context interface {
	// Format writes a fresh header with the given parameters. Valid only
	// before Format or Load has run on this context.
	Format(p FormatParams) error

	// Load parses an existing header from the bound device.
	Load() error

	// Free releases the context. Idempotence is the caller's problem;
	// the management layer guarantees at-most-once.
	Free()

	// SetDataDevice points payload I/O at a separate device, for
	// detached-header setups.
	SetDataDevice(path string) error

	// MetadataLocking toggles the advisory lock taken around metadata
	// mutation. Enabled by default.
	MetadataLocking(enabled bool) error

	// SetPBKDF attaches a key derivation policy to subsequent keyslot
	// operations.
	SetPBKDF(p PBKDF) error

	KeyslotMax() int
	AddKeyslotByVolumeKey(keyslot int, volumeKey, passphrase []byte) (int, error)
	DestroyKeyslot(keyslot int) error

	TokenMax() int
	TokenStatus(token int) (TokenState, string)
	// TokenJSONGet returns the raw JSON text stored at the index.
	TokenJSONGet(token int) (string, error)
	// TokenJSONSet stores JSON text at the index, or at the first free
	// index when token is AnyToken. Returns the index written.
	TokenJSONSet(token int, json string) (int, error)

	ActivateByPassphrase(name string, keyslot int, passphrase []byte, flags ActivationFlags) (int, error)
	ActivateByVolumeKey(name string, volumeKey []byte, flags ActivationFlags) error
	Deactivate(name string) error
	Suspend(name string) error
	ResumeByVolumeKey(name string, volumeKey []byte) error
	Resize(name string, sizeSectors uint64) error

	// VolumeKey recovers the volume key using a passphrase, returning
	// the key and the keyslot that unlocked it.
	VolumeKey(passphrase []byte) ([]byte, int, error)

	ReencryptInitByPassphrase(passphrase []byte, keyslot int, p ReencryptParams) error
	ReencryptRun(progress ReencryptProgress) error

	RestoreHeader(backupPath string) error

	// Header queries. Valid only after Format or Load.
	Type() string
	Cipher() string
	CipherMode() string
	UUID() string
	DeviceName() string
	DataOffset() uint64
	VolumeKeySize() int
}

// SignedKeyActivator is an optional capability: backends that support
// signature-verified key activation additionally implement it.
type SignedKeyActivator interface {
	ActivateBySignedKey(name string, volumeKey, signature []byte, flags ActivationFlags) error
}

// SuspendReporter is an optional capability: backends that can report
// whether a named mapping is currently suspended additionally
// implement it.
type SuspendReporter interface {
	MappingSuspended(name string) (bool, error)
}
