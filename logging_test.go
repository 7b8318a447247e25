package cryptvolume

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/opd-ai/cryptvolume/backend"
)

func TestBridgeSeverityMapping(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	orig := logrus.StandardLogger().Out
	origLevel := logrus.GetLevel()
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.AddHook(hook)
	defer func() {
		logrus.SetOutput(orig)
		logrus.SetLevel(origLevel)
		logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	}()

	cases := []struct {
		sev  backend.LogSeverity
		want logrus.Level
	}{
		{backend.LogNormal, logrus.InfoLevel},
		{backend.LogError, logrus.ErrorLevel},
		{backend.LogVerbose, logrus.InfoLevel},
		{backend.LogDebug, logrus.DebugLevel},
	}
	for _, tc := range cases {
		hook.Reset()
		bridgeBackendLog(tc.sev, "message text")
		if len(hook.Entries) != 1 {
			t.Fatalf("Severity %d: expected 1 entry, got %d", tc.sev, len(hook.Entries))
		}
		if hook.LastEntry().Level != tc.want {
			t.Errorf("Severity %d: expected level %v, got %v", tc.sev, tc.want, hook.LastEntry().Level)
		}
		if hook.LastEntry().Message != "message text" {
			t.Errorf("Severity %d: message not passed through: %q", tc.sev, hook.LastEntry().Message)
		}
	}
}

func TestBridgeUnknownSeverity(t *testing.T) {
	_, hook := test.NewNullLogger()
	logrus.AddHook(hook)
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	bridgeBackendLog(backend.LogSeverity(99), "odd message")

	var sawDiagnostic, sawMessage bool
	for _, e := range hook.AllEntries() {
		if e.Level != logrus.ErrorLevel {
			t.Errorf("Unknown severity must log at error, got %v", e.Level)
		}
		if strings.Contains(e.Message, "Unknown backend log severity") {
			sawDiagnostic = true
			if e.Data["severity"] != 99 {
				t.Errorf("Diagnostic should name the severity, got %v", e.Data["severity"])
			}
		}
		if e.Message == "odd message" {
			sawMessage = true
		}
	}
	if !sawDiagnostic {
		t.Error("Expected a diagnostic naming the unknown severity")
	}
	if !sawMessage {
		t.Error("The message itself must still be logged")
	}
}

func TestEnableLoggingToleratesNilHandle(t *testing.T) {
	// Installs the process-wide default; must not panic or error.
	EnableLogging(nil)
}

func TestEnableLoggingPerHandle(t *testing.T) {
	dev := newFormattedDevice(t)
	EnableLogging(dev)
}

func TestBackendLogReachesLogrus(t *testing.T) {
	_, hook := test.NewNullLogger()
	logrus.AddHook(hook)
	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	// A format run emits backend "normal" output through the bridge.
	dev, err := NewDevice(newTestImage(t, 256*1024))
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	defer dev.Free()
	if err := dev.SetMinimalPBKDF(); err != nil {
		t.Fatalf("SetMinimalPBKDF failed: %v", err)
	}
	if err := dev.Format(FormatOptions{}); err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	var sawBackendLine bool
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "formatted") {
			sawBackendLine = true
		}
	}
	if !sawBackendLine {
		t.Error("Expected backend format output to reach logrus through the bridge")
	}
}
