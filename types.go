package cryptdir

import (
	"crypto/rand"
	"io"
)

// CipherSuite represents the stream cipher used for blob encryption
type CipherSuite uint8

const (
	// CipherAES256CTR uses AES-256 in counter mode with the full 16-byte IV
	CipherAES256CTR CipherSuite = iota
	// CipherChaCha20 uses the ChaCha20 stream cipher; the first 12 IV bytes are the nonce
	CipherChaCha20
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256CTR:
		return "aes-256-ctr"
	case CipherChaCha20:
		return "chacha20"
	default:
		return "unknown"
	}
}

// ParseCipherSuite returns the suite named by s.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "aes-256-ctr", "aes":
		return CipherAES256CTR, nil
	case "chacha20", "chacha":
		return CipherChaCha20, nil
	default:
		return 0, NewValidationError("cipher", s, ErrUnsupportedCipher.Error())
	}
}

// KeyProvider supplies the derived key material for one invocation.
type KeyProvider interface {
	// Key returns the derived 32-byte key.
	Key() ([]byte, error)
}

// Config contains configuration for the cipher engine
type Config struct {
	// Cipher suite to use for encryption
	Cipher CipherSuite

	// KeyProvider supplies the encryption key
	KeyProvider KeyProvider

	// Rand is the IV source. Defaults to crypto/rand.
	Rand io.Reader

	// ChunkSize is the read size of the streaming stages (default 64KB)
	ChunkSize int
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	if c.Cipher != CipherAES256CTR && c.Cipher != CipherChaCha20 {
		return ErrUnsupportedCipher
	}
	return ValidateSize(c.ChunkSize, "chunk_size", 0, 0)
}

func (c *Config) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Config) chunkSize() int {
	if c.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}
