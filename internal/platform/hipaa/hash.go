package hipaa

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// ErrHashing is returned when an identifier cannot be turned into a hash
// input. Callers must treat it as fatal: an identifier that was supposed to
// be hashed must never flow onwards in clear text.
var ErrHashing = errors.New("identifier hashing failed")

// Hash returns the lowercase hex SHA-256 digest of salt+value. An empty salt
// is an explicit pass-through and returns value unchanged.
//
// The output is deterministic so identifiers hashed under the same salt can
// be joined across separate extractions.
func Hash(value, salt string) string {
	if salt == "" {
		return value
	}
	sum := sha256.Sum256([]byte(salt + value))
	return hex.EncodeToString(sum[:])
}

// HashValue hashes a raw identifier as returned by the records store.
// Strings and integer types are accepted; anything else yields ErrHashing.
func HashValue(value any, salt string) (string, error) {
	s, err := IdentifierString(value)
	if err != nil {
		return "", err
	}
	return Hash(s, salt), nil
}

// IdentifierString renders a raw identifier scalar as the string that is fed
// to Hash.
func IdentifierString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case nil:
		return "", fmt.Errorf("%w: identifier is null", ErrHashing)
	default:
		return "", fmt.Errorf("%w: unsupported identifier type %T", ErrHashing, value)
	}
}
