package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// The availability gate performs one-time resolution of the backend,
// the Go analogue of deferred dynamic-symbol binding against an
// optionally-absent native library. The outcome is cached for the
// process lifetime: after a hard failure every later Ensure returns the
// identical error without re-probing. A transient failure of the very
// first probe is retried exactly once.
var gate struct {
	mu       sync.Mutex
	factory  func() (Backend, error)
	be       Backend
	err      error
	attempts int
	settled  bool
}

// Register installs the backend factory. Called at most once, from an
// init function of the build that compiles a backend in. Registering
// after the gate has settled has no effect.
func Register(factory func() (Backend, error)) {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.settled {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"package":  "backend",
		}).Warn("Backend registered after gate settled, ignoring")
		return
	}
	gate.factory = factory
}

// Ensure confirms the backend is present and usable, resolving it on
// first call. Every component calls this before touching backend state;
// on failure the calling operation aborts with the returned error.
func Ensure() (Backend, error) {
	gate.mu.Lock()
	defer gate.mu.Unlock()

	if gate.settled {
		return gate.be, gate.err
	}

	if gate.factory == nil {
		gate.attempts++
		gate.err = fmt.Errorf("%w: no backend compiled in", ErrUnsupported)
		gate.settled = true
		logrus.WithFields(logrus.Fields{
			"function": "Ensure",
			"package":  "backend",
			"attempts": gate.attempts,
		}).Error("No volume encryption backend compiled in")
		return nil, gate.err
	}

	gate.attempts++
	be, err := gate.factory()
	if err != nil {
		// One retry of the first probe is permitted when the failure
		// looks transient. Anything else settles the gate for good.
		if gate.attempts == 1 && errors.Is(err, ErrIO) {
			logrus.WithFields(logrus.Fields{
				"function": "Ensure",
				"package":  "backend",
				"error":    err.Error(),
			}).Warn("Backend probe failed transiently, will retry once")
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		gate.err = fmt.Errorf("%w: %v", ErrUnsupported, err)
		gate.settled = true
		logrus.WithFields(logrus.Fields{
			"function": "Ensure",
			"package":  "backend",
			"attempts": gate.attempts,
			"error":    err.Error(),
		}).Error("Backend probe failed")
		return nil, gate.err
	}

	gate.be = be
	gate.settled = true
	logrus.WithFields(logrus.Fields{
		"function": "Ensure",
		"package":  "backend",
		"version":  be.Version(),
	}).Debug("Backend resolved")
	return gate.be, nil
}

// ProbeAttempts reports how many times the gate has probed the backend
// factory. Diagnostic; used to verify the gate never re-probes after a
// hard failure.
func ProbeAttempts() int {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	return gate.attempts
}
