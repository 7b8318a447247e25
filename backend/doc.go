// Package backend defines the capability surface of the underlying
// volume-encryption backend and the process-wide availability gate that
// guards access to it.
//
// The backend is an external collaborator: it owns header parsing, keyslot
// key wrapping, token storage and mapping creation. This package abstracts
// it behind the Backend and Context interfaces so the management layer in
// the cryptvolume root package never binds to a concrete implementation.
// A build may carry no backend at all, in which case Ensure reports
// ErrUnsupported and every downstream operation aborts with that error.
//
// Example:
//
//	be, err := backend.Ensure()
//	if err != nil {
//	    return err // backend not compiled in or failed to initialize
//	}
//	ctx, err := be.Init("/dev/sdb1")
package backend
