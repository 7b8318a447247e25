package memluks

import (
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/cryptvolume/backend"
)

const (
	lockRetryInterval = 20 * time.Millisecond
	lockTimeout       = 5 * time.Second
)

// lockMetadata takes the named advisory lock guarding metadata mutation
// against concurrent processes. It is a sidecar lock file next to the
// device image, created exclusively; a stale lock holds writers off
// until the timeout. The returned func releases the lock. When locking
// is disabled for this context the returned func is a no-op.
func (d *device) lockMetadata() (func(), error) {
	if !d.metadataLocking {
		return func() {}, nil
	}

	lockPath := d.path + ".lock"
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: taking metadata lock: %v", backend.ErrIO, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: metadata lock %s held too long", backend.ErrBackendRejected, lockPath)
		}
		time.Sleep(lockRetryInterval)
	}
}
