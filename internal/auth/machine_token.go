package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const machineTokenPrefix = "osc_"

// MachineTokenGenerator issues tokens for PLCs and scripts. Only the SHA-256
// of a token is ever stored.
type MachineTokenGenerator struct{}

func NewMachineTokenGenerator() *MachineTokenGenerator {
	return &MachineTokenGenerator{}
}

// GenerateMachineToken returns osc_<uuid>_<64 hex> and its hash.
func (m *MachineTokenGenerator) GenerateMachineToken() (token, hash string, err error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = machineTokenPrefix + uuid.NewString() + "_" + hex.EncodeToString(secret[:])
	return token, m.HashToken(token), nil
}

func (m *MachineTokenGenerator) HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidateTokenFormat checks the shape of a token before it is hashed.
func (m *MachineTokenGenerator) ValidateTokenFormat(token string) bool {
	rest, ok := strings.CutPrefix(token, machineTokenPrefix)
	if !ok {
		return false
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || len(secret) != 64 {
		return false
	}
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	_, err := hex.DecodeString(secret)
	return err == nil
}
