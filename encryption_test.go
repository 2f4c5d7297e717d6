package cryptdir

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

func newTestEncryption(t *testing.T, passphrase string, suite CipherSuite) *Encryption {
	t.Helper()

	enc, err := New(&Config{
		Cipher:      suite,
		KeyProvider: NewPassphraseKeyProvider(passphrase),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return enc
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() failed: %v", err)
	}
	return b
}

func TestBufferRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 4096, 1<<20 + 1}

	for _, suite := range []CipherSuite{CipherAES256CTR, CipherChaCha20} {
		enc := newTestEncryption(t, "k1", suite)
		for _, size := range sizes {
			plain := randomBytes(t, size)

			blob, err := enc.EncryptBuffer(plain)
			if err != nil {
				t.Fatalf("%s: EncryptBuffer(%d) failed: %v", suite, size, err)
			}
			if len(blob) != size+HeaderSize {
				t.Errorf("%s: blob length = %d, want %d", suite, len(blob), size+HeaderSize)
			}
			if !enc.ValidateBuffer(blob) {
				t.Errorf("%s: ValidateBuffer() = false for own blob", suite)
			}

			got, err := enc.DecryptBuffer(blob)
			if err != nil {
				t.Fatalf("%s: DecryptBuffer(%d) failed: %v", suite, size, err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("%s: round trip of %d bytes does not match", suite, size)
			}
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1 := newTestEncryption(t, "k1", CipherAES256CTR)
	enc2 := newTestEncryption(t, "k2", CipherAES256CTR)

	blob, err := enc1.EncryptBuffer([]byte("hello"))
	if err != nil {
		t.Fatalf("EncryptBuffer() failed: %v", err)
	}

	if enc2.ValidateBuffer(blob) {
		t.Error("ValidateBuffer() = true under the wrong key")
	}
	if _, err := enc2.DecryptBuffer(blob); !errors.Is(err, ErrWrongKeyOrCorrupt) {
		t.Errorf("DecryptBuffer() error = %v, want ErrWrongKeyOrCorrupt", err)
	}
	if err := enc2.Validate(bytes.NewReader(blob)); !IsWrongKey(err) {
		t.Errorf("Validate() error = %v, want wrong key", err)
	}
}

func TestDecryptShortBlob(t *testing.T) {
	enc := newTestEncryption(t, "k1", CipherAES256CTR)

	for _, n := range []int{0, 1, IVSize, HeaderSize - 1} {
		blob := make([]byte, n)
		if enc.ValidateBuffer(blob) {
			t.Errorf("ValidateBuffer(%d bytes) = true", n)
		}
		if _, err := enc.DecryptBuffer(blob); !errors.Is(err, ErrWrongKeyOrCorrupt) {
			t.Errorf("DecryptBuffer(%d bytes) error = %v, want ErrWrongKeyOrCorrupt", n, err)
		}
		var out bytes.Buffer
		if _, err := enc.DecryptStream(&out, bytes.NewReader(blob)); !errors.Is(err, ErrWrongKeyOrCorrupt) {
			t.Errorf("DecryptStream(%d bytes) error = %v, want ErrWrongKeyOrCorrupt", n, err)
		}
	}
}

func TestIVUniqueness(t *testing.T) {
	enc := newTestEncryption(t, "k1", CipherAES256CTR)
	plain := []byte("same plaintext every time")

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		blob, err := enc.EncryptBuffer(plain)
		if err != nil {
			t.Fatalf("EncryptBuffer() failed: %v", err)
		}
		iv := string(blob[:IVSize])
		if seen[iv] {
			t.Fatalf("IV reused after %d encryptions", i)
		}
		seen[iv] = true
	}
}

func TestStreamMatchesBuffer(t *testing.T) {
	iv := bytes.Repeat([]byte{0x42}, IVSize)
	plain := randomBytes(t, 3*DefaultChunkSize+123)

	newFixed := func() *Encryption {
		enc, err := New(&Config{
			KeyProvider: NewPassphraseKeyProvider("k1"),
			// every encryption draws exactly one IV
			Rand:      bytes.NewReader(iv),
			ChunkSize: 1000,
		})
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		return enc
	}

	blob, err := newFixed().EncryptBuffer(plain)
	if err != nil {
		t.Fatalf("EncryptBuffer() failed: %v", err)
	}

	var streamed bytes.Buffer
	n, err := newFixed().EncryptStream(&streamed, bytes.NewReader(plain))
	if err != nil {
		t.Fatalf("EncryptStream() failed: %v", err)
	}
	if n != int64(len(blob)) {
		t.Errorf("EncryptStream() wrote %d bytes, want %d", n, len(blob))
	}
	if !bytes.Equal(streamed.Bytes(), blob) {
		t.Error("streamed blob differs from buffered blob")
	}

	var decrypted bytes.Buffer
	if _, err := newFixed().DecryptStream(&decrypted, bytes.NewReader(blob)); err != nil {
		t.Fatalf("DecryptStream() failed: %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), plain) {
		t.Error("DecryptStream() output differs from plaintext")
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestValidateStreamReadsHeaderOnly(t *testing.T) {
	enc := newTestEncryption(t, "k1", CipherAES256CTR)

	blob, err := enc.EncryptBuffer(randomBytes(t, 1<<16))
	if err != nil {
		t.Fatalf("EncryptBuffer() failed: %v", err)
	}

	cr := &countingReader{r: bytes.NewReader(blob)}
	if !enc.ValidateStream(cr) {
		t.Fatal("ValidateStream() = false for own blob")
	}
	if cr.n > HeaderSize {
		t.Errorf("ValidateStream() consumed %d bytes, want at most %d", cr.n, HeaderSize)
	}

	other := newTestEncryption(t, "k2", CipherAES256CTR)
	if other.ValidateStream(bytes.NewReader(blob)) {
		t.Error("ValidateStream() = true under the wrong key")
	}
}

func TestSuitesAreDistinct(t *testing.T) {
	aes := newTestEncryption(t, "k1", CipherAES256CTR)
	chacha := newTestEncryption(t, "k1", CipherChaCha20)

	blob, err := aes.EncryptBuffer([]byte("payload"))
	if err != nil {
		t.Fatalf("EncryptBuffer() failed: %v", err)
	}
	if chacha.ValidateBuffer(blob) {
		t.Error("ChaCha20 engine accepted an AES-CTR blob")
	}
	if aes.Cipher() != CipherAES256CTR || chacha.Cipher() != CipherChaCha20 {
		t.Error("Cipher() does not report the configured suite")
	}
}

func TestNameFor(t *testing.T) {
	enc1 := newTestEncryption(t, "k1", CipherAES256CTR)
	enc1b := newTestEncryption(t, "k1", CipherAES256CTR)
	enc2 := newTestEncryption(t, "k2", CipherAES256CTR)

	name := enc1.NameFor("/b/c.txt")
	if name != enc1b.NameFor("/b/c.txt") {
		t.Error("NameFor() is not deterministic for the same key")
	}
	if name == enc2.NameFor("/b/c.txt") {
		t.Error("NameFor() does not depend on the key")
	}
	if name == enc1.NameFor("/a.txt") {
		t.Error("NameFor() collides for different paths")
	}
	if name == enc1.NameFor(BootstrapKey) {
		t.Error("NameFor() collides with the bootstrap name")
	}
	for _, r := range name {
		if r == '/' || r == ':' || r == '=' {
			t.Errorf("NameFor() = %q contains %q", name, r)
		}
	}
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   error
	}{
		{"nil config", nil, ErrNilConfig},
		{"nil provider", &Config{}, ErrNilKeyProvider},
		{"bad cipher", &Config{Cipher: 9, KeyProvider: NewPassphraseKeyProvider("k")}, ErrUnsupportedCipher},
		{"empty key", &Config{KeyProvider: NewPassphraseKeyProvider("")}, ErrEmptyKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config); !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseCipherSuite(t *testing.T) {
	tests := []struct {
		in      string
		want    CipherSuite
		wantErr bool
	}{
		{"", CipherAES256CTR, false},
		{"aes-256-ctr", CipherAES256CTR, false},
		{"chacha20", CipherChaCha20, false},
		{"rot13", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseCipherSuite(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCipherSuite(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCipherSuite(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestChaCha20StreamLimit(t *testing.T) {
	enc := newTestEncryption(t, "k1", CipherChaCha20)
	engine := enc.engine.(*ChaCha20Engine)
	if got := engine.MaxStream(); got != ChaCha20MaxStream {
		t.Fatalf("MaxStream() = %d, want %d", got, ChaCha20MaxStream)
	}

	long, err := enc.EncryptBuffer(randomBytes(t, 200))
	if err != nil {
		t.Fatalf("EncryptBuffer() failed: %v", err)
	}

	// 96 plaintext bytes plus the marker fill the keystream exactly
	engine.maxStream = 100
	fits := randomBytes(t, 96)

	blob, err := enc.EncryptBuffer(fits)
	if err != nil {
		t.Fatalf("EncryptBuffer(96) failed: %v", err)
	}
	if got, err := enc.DecryptBuffer(blob); err != nil || !bytes.Equal(got, fits) {
		t.Errorf("DecryptBuffer(96) = %v, want round trip", err)
	}
	var out bytes.Buffer
	if _, err := enc.EncryptStream(&out, bytes.NewReader(fits)); err != nil {
		t.Fatalf("EncryptStream(96) failed: %v", err)
	}
	var plain bytes.Buffer
	if _, err := enc.DecryptStream(&plain, &out); err != nil || !bytes.Equal(plain.Bytes(), fits) {
		t.Errorf("DecryptStream(96) = %v, want round trip", err)
	}

	tooLong := randomBytes(t, 97)
	if _, err := enc.EncryptBuffer(tooLong); !errors.Is(err, ErrStreamTooLong) || !IsEncryptionError(err) {
		t.Errorf("EncryptBuffer(97) error = %v, want ErrStreamTooLong", err)
	}
	if _, err := enc.EncryptStream(io.Discard, bytes.NewReader(tooLong)); !errors.Is(err, ErrStreamTooLong) {
		t.Errorf("EncryptStream(97) error = %v, want ErrStreamTooLong", err)
	}
	if _, err := enc.DecryptBuffer(long); !errors.Is(err, ErrStreamTooLong) {
		t.Errorf("DecryptBuffer(200) error = %v, want ErrStreamTooLong", err)
	}
	if _, err := enc.DecryptStream(io.Discard, bytes.NewReader(long)); !errors.Is(err, ErrStreamTooLong) {
		t.Errorf("DecryptStream(200) error = %v, want ErrStreamTooLong", err)
	}
	if !enc.ValidateBuffer(long) {
		t.Error("ValidateBuffer() = false; validation reads the header only")
	}
}

func TestAESHasNoStreamLimit(t *testing.T) {
	enc := newTestEncryption(t, "k1", CipherAES256CTR)
	if got := enc.maxStream(); got != 0 {
		t.Errorf("maxStream() = %d, want 0", got)
	}
}
