//go:build cryptvolume_debug

package cryptvolume

// Development build: backend debug verbosity is widened and the token
// plugin search path may be redirected through TokenPathEnv.
const (
	debugLogging      = true
	tokenPathOverride = true
)
