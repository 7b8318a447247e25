package cryptvolume

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cryptvolume/backend"
)

// TokenPathEnv names the environment variable that, in development
// builds only, redirects the backend's token plugin search directory.
// It exists to test pluggable token modules locally and never changes
// production behavior: release builds ignore it entirely.
const TokenPathEnv = "CRYPTVOLUME_TOKEN_PATH"

// EnableLogging installs the logging bridge, routing backend log output
// into logrus. With a nil device it installs the process-wide default
// callback; with a device it installs a per-handle override. Both are
// set defensively because the backend's global callback may be rebound
// by other in-process users; when that happens, last writer wins.
//
// Failure to install degrades to "no backend debug logging" and never
// aborts the caller's primary operation.
func EnableLogging(d *Device) {
	be, err := backend.Ensure()
	if err != nil {
		// Gracefully ignore: this is just logging, and the failed probe
		// already produced a diagnostic of its own.
		return
	}

	var ctx backend.Context
	if d != nil {
		ctx = d.ctx
	}
	be.SetLogCallback(ctx, bridgeBackendLog)

	if debugLogging {
		be.SetDebugLevel(backend.DebugAll)
	} else {
		be.SetDebugLevel(backend.DebugNone)
	}

	if tokenPathOverride {
		if dir := os.Getenv(TokenPathEnv); dir != "" {
			be.SetTokenExternalPath(dir)
		}
	}
}

// bridgeBackendLog maps backend severities onto logrus levels. The
// backend's "normal" output is operator-facing notice-grade text, so it
// lands at Info together with verbose output.
func bridgeBackendLog(sev backend.LogSeverity, msg string) {
	switch sev {
	case backend.LogNormal:
		logrus.Info(msg)
	case backend.LogError:
		logrus.Error(msg)
	case backend.LogVerbose:
		logrus.Info(msg)
	case backend.LogDebug:
		logrus.Debug(msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "bridgeBackendLog",
			"severity": int(sev),
		}).Error("Unknown backend log severity")
		logrus.Error(msg)
	}
}
