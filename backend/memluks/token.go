package memluks

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/cryptvolume/backend"
)

// Token handler names this backend resolves in-tree. Anything else is
// assumed to live in an external plugin module.
var internalTokenTypes = map[string]bool{
	"luks2-keyring": true,
}

// TokenMax reports how many token indices the header can hold.
func (d *device) TokenMax() int { return tokenMaxCount }

// TokenStatus reports what occupies a token index, and the stored type
// string when something does.
func (d *device) TokenStatus(token int) (backend.TokenState, string) {
	if d.hdr == nil || token < 0 || token >= tokenMaxCount {
		return backend.TokenInactive, ""
	}
	raw, ok := d.hdr.meta.Tokens[token]
	if !ok {
		return backend.TokenInactive, ""
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type == "" {
		return backend.TokenInactive, ""
	}
	if internalTokenTypes[probe.Type] {
		return backend.TokenInternal, probe.Type
	}
	return backend.TokenExternal, probe.Type
}

// TokenJSONGet returns the raw JSON text stored at the index.
func (d *device) TokenJSONGet(token int) (string, error) {
	if err := d.requireHeader(); err != nil {
		return "", err
	}
	if token < 0 || token >= tokenMaxCount {
		return "", fmt.Errorf("%w: token %d out of range", backend.ErrIndexInvalid, token)
	}
	raw, ok := d.hdr.meta.Tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: no token at index %d", backend.ErrNotFound, token)
	}
	return string(raw), nil
}

// TokenJSONSet stores JSON text at the index, or at the first free index
// for AnyToken. The write fully replaces the slot or fails leaving the
// prior content intact. Returns the index written.
func (d *device) TokenJSONSet(token int, text string) (int, error) {
	if err := d.requireHeader(); err != nil {
		return -1, err
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return -1, fmt.Errorf("%w: token is not valid JSON: %v", backend.ErrBackendRejected, err)
	}
	if probe.Type == "" {
		return -1, fmt.Errorf("%w: token JSON lacks a type field", backend.ErrBackendRejected)
	}

	if token == backend.AnyToken {
		token = -1
		for i := 0; i < tokenMaxCount; i++ {
			if _, used := d.hdr.meta.Tokens[i]; !used {
				token = i
				break
			}
		}
		if token < 0 {
			return -1, fmt.Errorf("%w: all token slots in use", backend.ErrBackendRejected)
		}
	} else if token < 0 || token >= tokenMaxCount {
		return -1, fmt.Errorf("%w: token %d out of range", backend.ErrIndexInvalid, token)
	}

	unlock, err := d.lockMetadata()
	if err != nil {
		return -1, err
	}
	defer unlock()

	prior, hadPrior := d.hdr.meta.Tokens[token]
	d.hdr.meta.Tokens[token] = json.RawMessage(text)
	if err := d.hdr.writeHeaderFile(d.path); err != nil {
		if hadPrior {
			d.hdr.meta.Tokens[token] = prior
		} else {
			delete(d.hdr.meta.Tokens, token)
		}
		return -1, err
	}

	d.lib.log(d, backend.LogDebug, "wrote token %d (%s) to volume %s", token, probe.Type, d.hdr.uuid)
	return token, nil
}
