package cryptvolume

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cryptvolume/backend"
)

// Token JSON shape produced by this layer:
//
//	{"type": "<mechanism>", "keyslots": ["<decimal-index>"], ...}
//
// The general LUKS2 token format allows several keyslots per token;
// tokens written here always carry exactly one, and KeyslotFromToken
// enforces that singleton rule at this boundary only. The parser below
// stays permissive about everything else so tokens written by other
// producers still read back intact.

// NewToken builds a token object binding a mechanism to one keyslot.
// Extra mechanism-specific fields may be merged in; "type" and
// "keyslots" are reserved and always overwritten.
func NewToken(mechanism string, keyslot int, fields map[string]any) map[string]any {
	v := make(map[string]any, len(fields)+2)
	for k, val := range fields {
		v[k] = val
	}
	v["type"] = mechanism
	v["keyslots"] = []any{strconv.Itoa(keyslot)}
	return v
}

// TokenMax reports how many token indices the backend supports per
// volume.
func (d *Device) TokenMax() (int, error) {
	if err := d.requireBound(); err != nil {
		return 0, err
	}
	return d.ctx.TokenMax(), nil
}

// TokenJSON reads and parses the token at the given index. A non-empty
// verifyType additionally checks the stored "type" field, failing with
// ErrTypeMismatch on disagreement. An index outside the valid range, or
// a stored object without a "type" field, fails with ErrIndexInvalid;
// an empty slot fails with ErrNotFound.
func (d *Device) TokenJSON(index int, verifyType string) (map[string]any, error) {
	if err := d.requireBound(); err != nil {
		return nil, err
	}
	if index < 0 || index >= d.ctx.TokenMax() {
		return nil, fmt.Errorf("%w: token index %d out of range", backend.ErrIndexInvalid, index)
	}

	text, err := d.ctx.TokenJSONGet(index)
	if err != nil {
		return nil, fmt.Errorf("reading token %d: %w", index, err)
	}

	var v map[string]any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("%w: token %d: %v", backend.ErrSerialization, index, err)
	}

	storedType, _ := v["type"].(string)
	if storedType == "" {
		return nil, fmt.Errorf("%w: token %d lacks a type field", backend.ErrIndexInvalid, index)
	}
	if verifyType != "" && storedType != verifyType {
		return nil, fmt.Errorf("%w: token %d is %q, expected %q",
			backend.ErrTypeMismatch, index, storedType, verifyType)
	}
	return v, nil
}

// AddTokenJSON serializes a token object and writes it at the first
// free index, returning that index. The write fully replaces a slot or
// fails leaving prior content intact; serialization failures and
// backend write rejections surface as distinct taxonomy members.
func (d *Device) AddTokenJSON(v map[string]any) (int, error) {
	if err := d.requireBound(); err != nil {
		return -1, err
	}

	text, err := json.Marshal(v)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", backend.ErrSerialization, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "AddTokenJSON",
		"device":   d.path,
		"token":    string(text),
	}).Debug("Adding token")

	index, err := d.ctx.TokenJSONSet(backend.AnyToken, string(text))
	if err != nil {
		return -1, fmt.Errorf("writing token: %w", err)
	}
	return index, nil
}

// KeyslotFromToken extracts the keyslot index a token binds. The
// "keyslots" field must be an array holding exactly one decimal string;
// tokens from other producers carrying several keyslots are rejected
// with ErrTypeMismatch, not truncated.
func KeyslotFromToken(v map[string]any) (int, error) {
	w, ok := v["keyslots"]
	if !ok {
		return -1, fmt.Errorf("%w: token has no keyslots field", backend.ErrNotFound)
	}

	arr, ok := w.([]any)
	if !ok || len(arr) != 1 {
		return -1, fmt.Errorf("%w: keyslots must be an array of exactly one element", backend.ErrTypeMismatch)
	}
	s, ok := arr[0].(string)
	if !ok {
		return -1, fmt.Errorf("%w: keyslot reference must be a string", backend.ErrTypeMismatch)
	}

	keyslot, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("parsing keyslot reference %q: %w", s, err)
	}
	if keyslot < 0 {
		return -1, fmt.Errorf("%w: negative keyslot %d", backend.ErrIndexInvalid, keyslot)
	}
	return keyslot, nil
}
