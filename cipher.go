package cryptdir

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

const (
	// IVSize is the size of the random IV prefixed to every blob
	IVSize = 16
	// MarkerSize is the size of the all-zero marker encrypted ahead of the plaintext
	MarkerSize = 4
	// HeaderSize is the number of blob bytes needed to validate a key
	HeaderSize = IVSize + MarkerSize
)

// ChaCha20MaxStream is the keystream available to one ChaCha20 blob: 2^32
// blocks of 64 bytes, counting the marker. The 128-bit AES-CTR counter has
// no practical limit.
const ChaCha20MaxStream int64 = 1 << 38

// CipherEngine creates keystreams for a blob IV
type CipherEngine interface {
	// NewStream returns a fresh keystream positioned at the start of the blob
	NewStream(iv []byte) (cipher.Stream, error)
}

// boundedEngine is implemented by engines whose keystream runs out.
// MaxStream is the number of bytes one stream may cover.
type boundedEngine interface {
	MaxStream() int64
}

// AESCTREngine implements CipherEngine using AES-256-CTR
type AESCTREngine struct {
	block cipher.Block
}

// NewAESCTREngine creates a new AES-256-CTR cipher engine
func NewAESCTREngine(key []byte) (*AESCTREngine, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, fmt.Errorf("AES-256: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	return &AESCTREngine{block: block}, nil
}

// NewStream returns an AES-CTR keystream using iv as the initial counter block
func (e *AESCTREngine) NewStream(iv []byte) (cipher.Stream, error) {
	if err := ValidateIV(iv); err != nil {
		return nil, err
	}
	return cipher.NewCTR(e.block, iv), nil
}

// ChaCha20Engine implements CipherEngine using the ChaCha20 stream cipher
type ChaCha20Engine struct {
	key       []byte
	maxStream int64
}

// NewChaCha20Engine creates a new ChaCha20 cipher engine
func NewChaCha20Engine(key []byte) (*ChaCha20Engine, error) {
	if err := ValidateKey(key, chacha20.KeySize); err != nil {
		return nil, fmt.Errorf("ChaCha20: %w", err)
	}
	return &ChaCha20Engine{key: append([]byte(nil), key...), maxStream: ChaCha20MaxStream}, nil
}

// MaxStream returns the number of bytes one keystream can cover. The
// underlying cipher panics past this point, so callers stop short of it.
func (e *ChaCha20Engine) MaxStream() int64 {
	return e.maxStream
}

// NewStream returns a ChaCha20 keystream. Only the first 12 IV bytes are used.
func (e *ChaCha20Engine) NewStream(iv []byte) (cipher.Stream, error) {
	if err := ValidateIV(iv); err != nil {
		return nil, err
	}
	c, err := chacha20.NewUnauthenticatedCipher(e.key, iv[:chacha20.NonceSize])
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20 cipher: %w", err)
	}
	return c, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256CTR:
		return NewAESCTREngine(key)
	case CipherChaCha20:
		return NewChaCha20Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// GenerateIV reads a fresh IV from r
func GenerateIV(r io.Reader) ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, nil
}
