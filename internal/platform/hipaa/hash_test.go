package hipaa

import (
	"errors"
	"testing"
	"time"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash("4711", "pepper")
	b := Hash("4711", "pepper")
	if a != b {
		t.Errorf("expected identical hashes, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == "4711" {
		t.Error("expected value to be hashed")
	}
}

func TestHash_KnownDigest(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash("c", "ab"); got != want {
		t.Errorf("Hash(c, ab) = %q, want %q", got, want)
	}
}

func TestHash_DifferentSaltsDiffer(t *testing.T) {
	if Hash("4711", "s1") == Hash("4711", "s2") {
		t.Error("expected different salts to produce different hashes")
	}
}

func TestHash_EmptySaltPassesThrough(t *testing.T) {
	if got := Hash("4711", ""); got != "4711" {
		t.Errorf("expected pass-through, got %q", got)
	}
}

func TestHashValue_Integers(t *testing.T) {
	fromInt, err := HashValue(int64(4711), "salt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromInt != Hash("4711", "salt") {
		t.Error("expected int64 identifier to hash like its decimal string")
	}
}

func TestHashValue_RejectsUnsupported(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"nil", nil},
		{"bool", true},
		{"float", 1.5},
		{"time", time.Now()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HashValue(tt.value, "salt")
			if !errors.Is(err, ErrHashing) {
				t.Errorf("expected ErrHashing, got %v", err)
			}
		})
	}
}
