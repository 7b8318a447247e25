//go:build !cryptvolume_debug

package cryptvolume

// Release build: backend debug output is suppressed and the token path
// environment override is inert.
const (
	debugLogging      = false
	tokenPathOverride = false
)
