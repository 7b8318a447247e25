// Package cryptvolume implements a LUKS2-compatible volume encryption
// management layer: formatting and loading encrypted volumes, keyslot
// and token lifecycle, activation and deactivation of mapped devices,
// and resumable in-place reencryption.
//
// The cryptographic heavy lifting lives in a pluggable backend resolved
// once per process through an availability gate; this package owns the
// lifecycle state machine, token policy and error taxonomy on top of it.
//
// Example:
//
//	dev, err := cryptvolume.NewDevice("/dev/sdb1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Free()
//
//	if err := dev.Load(); err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := dev.ActivateByPassphrase("backup", passphrase, cryptvolume.ActivateOptions{}); err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Deactivate()
//
// # Lifecycle
//
// A Device starts unbound. Format or Load bind it to header data; only
// then are keyslot and token operations permitted. Activation creates an
// OS-visible mapping which can be suspended and resumed without freeing
// the handle. Every operation that fails leaves the device in its prior
// state, except reencryption, whose progress is deliberately persisted
// so an interrupted pass resumes instead of restarting.
//
// A Device is not safe for concurrent use; callers serialize all
// operations against one handle. The backend's advisory metadata lock
// guards against concurrent processes and stays enabled by default.
package cryptvolume
