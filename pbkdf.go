package cryptvolume

import "github.com/opd-ai/cryptvolume/backend"

// MinimalPBKDF is the low-cost key derivation policy for keyslots whose
// input key material is already high entropy, such as a randomly
// generated master key. Strengthening random keys with a slow KDF buys
// nothing, so the policy pins PBKDF2-SHA512 at 1000 iterations, the
// recommended minimum per NIST SP 800-132 ch. 5.2, and disables
// time-based benchmarking. Never use it for human passphrases.
func MinimalPBKDF() backend.PBKDF {
	return backend.PBKDF{
		Type:       backend.KDFPBKDF2,
		Hash:       "sha512",
		Iterations: 1000,
		Flags:      backend.PBKDFNoBenchmark,
	}
}
