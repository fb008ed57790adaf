// Package auth guards the status server's mutating endpoints with an API key
// stored as an Argon2id hash.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

// ErrInvalidAPIKey is returned when a key does not match the stored hash, or
// the hash is malformed.
var ErrInvalidAPIKey = errors.New("invalid api key")

// Argon2id parameters for newly hashed keys.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// HashAPIKey returns a PHC-formatted Argon2id hash of key:
// $argon2id$v=19$m=65536,t=3,p=4$salt$hash
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key must not be empty")
	}
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(key), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyAPIKey checks key against a hash produced by HashAPIKey. The hash
// carries its own parameters.
func VerifyAPIKey(encodedHash, key string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidAPIKey
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return ErrInvalidAPIKey
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return ErrInvalidAPIKey
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidAPIKey
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return ErrInvalidAPIKey
	}

	computed := argon2.IDKey([]byte(key), salt, time, memory, threads, uint32(len(expected)))
	if subtle.ConstantTimeCompare(expected, computed) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// NewAPIKeyGate returns a middleware that admits requests whose X-API-Key
// matches keyHash. An empty keyHash rejects everything, so the guarded
// endpoints stay closed until a key is configured.
func NewAPIKeyGate(keyHash string, log *slog.Logger) func(http.Handler) http.Handler {
	log = logutil.NoopIfNil(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				writeError(w, http.StatusForbidden, "api key not configured")
				return
			}
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				writeError(w, http.StatusUnauthorized, "api key required")
				return
			}
			if err := VerifyAPIKey(keyHash, key); err != nil {
				logutil.FromContextOr(r.Context(), log).Warn("api key rejected")
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
