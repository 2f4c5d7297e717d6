package cryptdir

import (
	"crypto/subtle"
	"fmt"
	"io"
)

// Encryption is the stateless-per-call encrypt/decrypt/validate engine.
// It is safe for concurrent use.
type Encryption struct {
	engine    CipherEngine
	suite     CipherSuite
	rand      io.Reader
	chunkSize int
	nameKey   []byte
}

// New creates an Encryption engine from config
func New(config *Config) (*Encryption, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	key, err := config.KeyProvider.Key()
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	engine, err := NewCipherEngine(config.Cipher, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher engine: %w", err)
	}

	nameKey, err := deriveNameKey(key)
	if err != nil {
		return nil, err
	}

	return &Encryption{
		engine:    engine,
		suite:     config.Cipher,
		rand:      config.rand(),
		chunkSize: config.chunkSize(),
		nameKey:   nameKey,
	}, nil
}

// NewWithKey creates an AES-256-CTR engine for a passphrase
func NewWithKey(passphrase string) (*Encryption, error) {
	return New(&Config{
		Cipher:      CipherAES256CTR,
		KeyProvider: NewPassphraseKeyProvider(passphrase),
	})
}

// Cipher returns the cipher suite in use
func (e *Encryption) Cipher() CipherSuite {
	return e.suite
}

// EncryptBuffer returns IV || E(marker || plain) under a fresh IV.
func (e *Encryption) EncryptBuffer(plain []byte) ([]byte, error) {
	if err := e.checkStream("encrypt", int64(MarkerSize+len(plain))); err != nil {
		return nil, err
	}
	iv, err := GenerateIV(e.rand)
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}
	stream, err := e.engine.NewStream(iv)
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}

	out := make([]byte, HeaderSize+len(plain))
	copy(out, iv)
	body := out[IVSize:]
	copy(body[MarkerSize:], plain)
	stream.XORKeyStream(body, body)
	return out, nil
}

// DecryptBuffer reverses EncryptBuffer. It fails with ErrWrongKeyOrCorrupt
// when the marker does not decrypt to zero bytes.
func (e *Encryption) DecryptBuffer(blob []byte) ([]byte, error) {
	if len(blob) < HeaderSize {
		return nil, NewEncryptionError("decrypt", "", fmt.Errorf("blob too short: %w", ErrWrongKeyOrCorrupt))
	}
	if err := e.checkStream("decrypt", int64(len(blob)-IVSize)); err != nil {
		return nil, err
	}
	stream, err := e.engine.NewStream(blob[:IVSize])
	if err != nil {
		return nil, NewEncryptionError("decrypt", "", err)
	}

	body := make([]byte, len(blob)-IVSize)
	stream.XORKeyStream(body, blob[IVSize:])
	if !markerOK(body[:MarkerSize]) {
		return nil, NewEncryptionError("decrypt", "", ErrWrongKeyOrCorrupt)
	}
	return body[MarkerSize:], nil
}

// ValidateBuffer reports whether blob decrypts under this key. Only the
// header is examined and blob is never modified.
func (e *Encryption) ValidateBuffer(blob []byte) bool {
	if len(blob) < HeaderSize {
		return false
	}
	stream, err := e.engine.NewStream(blob[:IVSize])
	if err != nil {
		return false
	}
	marker := make([]byte, MarkerSize)
	stream.XORKeyStream(marker, blob[IVSize:HeaderSize])
	return markerOK(marker)
}

// NameFor returns the on-disk name for a file map key.
func (e *Encryption) NameFor(mapKey string) string {
	return hashName(e.nameKey, mapKey)
}

// maxStream returns the keystream limit of the engine, or 0 when unbounded
func (e *Encryption) maxStream() int64 {
	if b, ok := e.engine.(boundedEngine); ok {
		return b.MaxStream()
	}
	return 0
}

func (e *Encryption) checkStream(op string, n int64) error {
	if limit := e.maxStream(); limit > 0 && n > limit {
		return NewEncryptionError(op, "", fmt.Errorf("%w: %d bytes, limit %d", ErrStreamTooLong, n, limit))
	}
	return nil
}

func markerOK(marker []byte) bool {
	var zero [MarkerSize]byte
	return subtle.ConstantTimeCompare(marker, zero[:]) == 1
}
