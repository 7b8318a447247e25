package cryptvolume

import (
	"errors"
	"reflect"
	"strconv"
	"testing"

	"github.com/opd-ai/cryptvolume/backend"
)

func TestTokenRoundTrip(t *testing.T) {
	dev := newFormattedDevice(t)

	token := NewToken("luks2-fido2", 3, map[string]any{
		"fido2-credential": "q83vEg",
		"fido2-rp":         "io.cryptvolume",
	})
	index, err := dev.AddTokenJSON(token)
	if err != nil {
		t.Fatalf("AddTokenJSON failed: %v", err)
	}

	got, err := dev.TokenJSON(index, "")
	if err != nil {
		t.Fatalf("TokenJSON failed: %v", err)
	}
	want := map[string]any{
		"type":             "luks2-fido2",
		"keyslots":         []any{"3"},
		"fido2-credential": "q83vEg",
		"fido2-rp":         "io.cryptvolume",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Round-trip mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestTokenIndexOutOfRange(t *testing.T) {
	dev := newFormattedDevice(t)

	max, err := dev.TokenMax()
	if err != nil {
		t.Fatalf("TokenMax failed: %v", err)
	}
	for _, index := range []int{-1, max, max + 7} {
		if _, err := dev.TokenJSON(index, ""); !errors.Is(err, backend.ErrIndexInvalid) {
			t.Errorf("TokenJSON(%d): expected ErrIndexInvalid, got %v", index, err)
		}
	}
}

func TestTokenNotFound(t *testing.T) {
	dev := newFormattedDevice(t)

	if _, err := dev.TokenJSON(5, ""); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty slot, got %v", err)
	}
}

func TestTokenTypeVerification(t *testing.T) {
	dev := newFormattedDevice(t)

	index, err := dev.AddTokenJSON(NewToken("luks2-bar", 0, nil))
	if err != nil {
		t.Fatalf("AddTokenJSON failed: %v", err)
	}

	if _, err := dev.TokenJSON(index, "luks2-foo"); !errors.Is(err, backend.ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch for wrong type, got %v", err)
	}

	v, err := dev.TokenJSON(index, "luks2-bar")
	if err != nil {
		t.Fatalf("Expected matching type to succeed, got %v", err)
	}
	if v["type"] != "luks2-bar" {
		t.Errorf("Expected type luks2-bar, got %v", v["type"])
	}
}

func TestAddTokenSerializationFailure(t *testing.T) {
	dev := newFormattedDevice(t)

	// Channels are not JSON-serializable; the failure must resolve to
	// the serialization taxonomy member, not a backend rejection.
	_, err := dev.AddTokenJSON(map[string]any{"type": "luks2-test", "bad": make(chan int)})
	if !errors.Is(err, backend.ErrSerialization) {
		t.Errorf("Expected ErrSerialization, got %v", err)
	}
}

func TestAddTokenBackendRejection(t *testing.T) {
	dev := newFormattedDevice(t)

	max, err := dev.TokenMax()
	if err != nil {
		t.Fatalf("TokenMax failed: %v", err)
	}
	for i := 0; i < max; i++ {
		if _, err := dev.AddTokenJSON(NewToken("luks2-fill", i, nil)); err != nil {
			t.Fatalf("AddTokenJSON %d failed: %v", i, err)
		}
	}

	_, err = dev.AddTokenJSON(NewToken("luks2-overflow", 0, nil))
	if !errors.Is(err, backend.ErrBackendRejected) {
		t.Errorf("Expected ErrBackendRejected when token area full, got %v", err)
	}
	if errors.Is(err, backend.ErrSerialization) {
		t.Error("Backend rejection must stay distinct from serialization failure")
	}
}

func TestKeyslotFromToken(t *testing.T) {
	keyslot, err := KeyslotFromToken(map[string]any{"keyslots": []any{"3"}})
	if err != nil {
		t.Fatalf("KeyslotFromToken failed: %v", err)
	}
	if keyslot != 3 {
		t.Errorf("Expected keyslot 3, got %d", keyslot)
	}
}

func TestKeyslotFromTokenMultipleRejected(t *testing.T) {
	// Several keyslots is legal in the general format, but tokens from
	// this producer always carry one; reject, never truncate.
	_, err := KeyslotFromToken(map[string]any{"keyslots": []any{"3", "4"}})
	if !errors.Is(err, backend.ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch for two keyslots, got %v", err)
	}
}

func TestKeyslotFromTokenMissing(t *testing.T) {
	_, err := KeyslotFromToken(map[string]any{"type": "luks2-test"})
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing keyslots, got %v", err)
	}
}

func TestKeyslotFromTokenNegative(t *testing.T) {
	_, err := KeyslotFromToken(map[string]any{"keyslots": []any{"-1"}})
	if !errors.Is(err, backend.ErrIndexInvalid) {
		t.Errorf("Expected ErrIndexInvalid for negative keyslot, got %v", err)
	}
}

func TestKeyslotFromTokenShapeErrors(t *testing.T) {
	cases := []struct {
		name string
		v    map[string]any
	}{
		{"not an array", map[string]any{"keyslots": "3"}},
		{"empty array", map[string]any{"keyslots": []any{}}},
		{"non-string element", map[string]any{"keyslots": []any{float64(3)}}},
	}
	for _, tc := range cases {
		if _, err := KeyslotFromToken(tc.v); !errors.Is(err, backend.ErrTypeMismatch) {
			t.Errorf("%s: expected ErrTypeMismatch, got %v", tc.name, err)
		}
	}
}

func TestKeyslotFromTokenParseError(t *testing.T) {
	_, err := KeyslotFromToken(map[string]any{"keyslots": []any{"not-a-number"}})
	if err == nil {
		t.Fatal("Expected error for non-numeric keyslot")
	}
	var numErr *strconv.NumError
	if !errors.As(err, &numErr) {
		t.Errorf("Expected the parse error to propagate, got %v", err)
	}
}

func TestTokenWriteFailureLeavesSlotIntact(t *testing.T) {
	dev := newFormattedDevice(t)

	index, err := dev.AddTokenJSON(NewToken("luks2-keep", 1, nil))
	if err != nil {
		t.Fatalf("AddTokenJSON failed: %v", err)
	}

	max, err := dev.TokenMax()
	if err != nil {
		t.Fatalf("TokenMax failed: %v", err)
	}
	for i := 1; i < max; i++ {
		if _, err := dev.AddTokenJSON(NewToken("luks2-fill", i, nil)); err != nil {
			t.Fatalf("AddTokenJSON %d failed: %v", i, err)
		}
	}
	if _, err := dev.AddTokenJSON(NewToken("luks2-overflow", 0, nil)); err == nil {
		t.Fatal("Expected overflow write to fail")
	}

	// The earlier token is untouched by the failed write.
	v, err := dev.TokenJSON(index, "luks2-keep")
	if err != nil {
		t.Fatalf("TokenJSON after failed write: %v", err)
	}
	keyslot, err := KeyslotFromToken(v)
	if err != nil {
		t.Fatalf("KeyslotFromToken failed: %v", err)
	}
	if keyslot != 1 {
		t.Errorf("Expected keyslot 1, got %d", keyslot)
	}
}
