package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashToken returns an encoded argon2id hash suitable for admin.token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token required")
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyToken compares token against an encoded argon2id hash.
func VerifyToken(token, encoded string) (bool, error) {
	if token == "" || encoded == "" {
		return false, errors.New("token and hash required")
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false, errors.New("invalid hash format")
	}

	var (
		memory, iterations uint32
		threads            uint8
	)
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("parse params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	calculated := argon2.IDKey([]byte(token), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(calculated, expected) == 1, nil
}

// AdminGuard checks bearer tokens for the admin endpoints. A guard without a
// configured hash admits every request.
type AdminGuard struct {
	hash string
}

func NewAdminGuard(encodedHash string) (*AdminGuard, error) {
	hash := strings.TrimSpace(encodedHash)
	if hash != "" && !strings.HasPrefix(hash, "argon2id$") {
		return nil, errors.New("admin token hash must be an argon2id hash")
	}
	return &AdminGuard{hash: hash}, nil
}

// Enabled reports whether a token is required.
func (g *AdminGuard) Enabled() bool {
	return g != nil && g.hash != ""
}

// Authorize validates an Authorization header value.
func (g *AdminGuard) Authorize(header string) bool {
	if !g.Enabled() {
		return true
	}
	token, ok := bearerToken(header)
	if !ok {
		return false
	}
	valid, err := VerifyToken(token, g.hash)
	return err == nil && valid
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
