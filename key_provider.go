package cryptdir

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of the derived key in bytes
const KeySize = 32

const nameKeyInfo = "cryptdir filenames"

// PassphraseKeyProvider derives the key by hashing a passphrase with SHA-256,
// base64-encoding the digest and keeping its first 32 characters.
type PassphraseKeyProvider struct {
	passphrase []byte
}

// NewPassphraseKeyProvider creates a key provider for the given passphrase
func NewPassphraseKeyProvider(passphrase string) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: []byte(passphrase)}
}

// Key derives the key from the passphrase
func (p *PassphraseKeyProvider) Key() ([]byte, error) {
	if len(p.passphrase) == 0 {
		return nil, ErrEmptyKey
	}
	return DeriveKey(p.passphrase), nil
}

// EnvKeyProvider reads the passphrase from an environment variable
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// Key derives the key from the passphrase held in the environment variable
func (e *EnvKeyProvider) Key() ([]byte, error) {
	passphrase := os.Getenv(e.envVar)
	if passphrase == "" {
		return nil, fmt.Errorf("environment variable %s not set: %w", e.envVar, ErrEmptyKey)
	}
	return DeriveKey([]byte(passphrase)), nil
}

// DeriveKey turns a passphrase into key material.
func DeriveKey(passphrase []byte) []byte {
	sum := sha256.Sum256(passphrase)
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	return []byte(encoded[:KeySize])
}

// deriveNameKey derives the HMAC key used for on-disk names, separate from
// the content key.
func deriveNameKey(key []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, key, nil, []byte(nameKeyInfo))
	nameKey := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, nameKey); err != nil {
		return nil, fmt.Errorf("failed to derive name key: %w", err)
	}
	return nameKey, nil
}

// hashName returns the on-disk name for a file map key.
func hashName(nameKey []byte, mapKey string) string {
	mac := hmac.New(sha256.New, nameKey)
	mac.Write([]byte(mapKey))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
