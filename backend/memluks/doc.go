// Package memluks is a pure-Go volume encryption backend speaking a
// LUKS2-style on-disk dialect: a binary header followed by a JSON
// metadata area holding keyslots, tokens, segments, digests and config,
// with the payload area beyond the data offset.
//
// Keyslots wrap the volume key with AES-256-GCM under a key derived from
// the passphrase via argon2id or PBKDF2. The volume key is verified
// against a PBKDF2-SHA256 digest, as LUKS2 does. Payload encryption uses
// AES-256-CTR with a sector-number IV. Mappings are tracked in an
// in-process table; mapping nodes appear as files under the configured
// mapping directory.
//
// The package implements backend.Backend and backend.Context and is the
// implementation resolved by the availability gate in default builds.
package memluks
