package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrInvalidHash = errors.New("invalid password hash")

// argonParams are the cost parameters stored in the PHC string.
type argonParams struct {
	memory      uint32 // KiB
	iterations  uint32
	parallelism uint8
}

func (p argonParams) String() string {
	return fmt.Sprintf("m=%d,t=%d,p=%d", p.memory, p.iterations, p.parallelism)
}

type PasswordHasher struct {
	params  argonParams
	saltLen int
	keyLen  uint32
}

func NewPasswordHasher() *PasswordHasher {
	return NewPasswordHasherWithParams(64*1024, 3, uint8(min(runtime.NumCPU(), 4)))
}

// NewPasswordHasherWithParams is for callers that cannot afford the default
// memory cost, such as tests. Verification always uses the parameters
// encoded in the hash.
func NewPasswordHasherWithParams(memoryKiB, iterations uint32, parallelism uint8) *PasswordHasher {
	return &PasswordHasher{
		params:  argonParams{memory: memoryKiB, iterations: iterations, parallelism: parallelism},
		saltLen: 16,
		keyLen:  32,
	}
}

func (ph *PasswordHasher) derive(password string, salt []byte, p argonParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, keyLen)
}

// HashPassword returns a PHC string: $argon2id$v=19$m=...,t=...,p=...$salt$key
func (ph *PasswordHasher) HashPassword(password string) (string, error) {
	salt := make([]byte, ph.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := ph.derive(password, salt, ph.params, ph.keyLen)
	b64 := base64.RawStdEncoding
	return strings.Join([]string{
		"",
		"argon2id",
		fmt.Sprintf("v=%d", argon2.Version),
		ph.params.String(),
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	}, "$"), nil
}

// VerifyPassword reports whether password matches encodedHash.
func (ph *PasswordHasher) VerifyPassword(password, encodedHash string) (bool, error) {
	p, salt, key, err := decodeHash(encodedHash)
	if err != nil {
		return false, err
	}
	computed := ph.derive(password, salt, p, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var p argonParams

	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return p, nil, nil, ErrInvalidHash
	}

	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, fields[2])
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if p.memory == 0 || p.iterations == 0 || p.parallelism == 0 {
		return p, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrInvalidHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return p, nil, nil, fmt.Errorf("%w: salt: %v", ErrInvalidHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: key", ErrInvalidHash)
	}
	return p, salt, key, nil
}
