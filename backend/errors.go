package backend

import "errors"

// Error taxonomy shared by the backend and the management layer above it.
// Local validation failures are resolved into the specific member before
// returning; backend failures are wrapped so the originating detail stays
// visible while errors.Is still matches the taxonomy member.
var (
	// ErrUnsupported indicates the backend is not compiled in or failed
	// its one-time initialization.
	ErrUnsupported = errors.New("volume encryption backend is not available")

	// ErrInvalidState indicates an operation was issued against a handle
	// that is not in the required lifecycle state.
	ErrInvalidState = errors.New("operation not permitted in current device state")

	// ErrIndexInvalid indicates a keyslot or token index out of range or
	// a malformed index value.
	ErrIndexInvalid = errors.New("keyslot or token index invalid")

	// ErrNotFound indicates the requested keyslot or token does not exist.
	ErrNotFound = errors.New("keyslot or token not found")

	// ErrTypeMismatch indicates a token type or shape assumption was
	// violated.
	ErrTypeMismatch = errors.New("token type or shape mismatch")

	// ErrSerialization indicates token JSON could not be serialized or
	// parsed.
	ErrSerialization = errors.New("token serialization failed")

	// ErrBackendRejected indicates a device or metadata level failure
	// reported by the backend, such as a full header area, a busy device
	// or a wrong passphrase.
	ErrBackendRejected = errors.New("backend rejected operation")

	// ErrIO indicates a transient input/output failure.
	ErrIO = errors.New("i/o failure")
)
