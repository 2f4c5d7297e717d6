package cryptdir

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used by the streaming stages
const DefaultChunkSize = 64 * 1024

// cipherReader is the cipher stage: every byte read from src is XORed with
// the keystream. When limit is positive, no more than limit bytes are
// transformed and any further input fails with ErrStreamTooLong.
type cipherReader struct {
	op     string
	src    io.Reader
	stream cipher.Stream
	limit  int64
	done   int64
}

func (e *Encryption) newCipherReader(op string, src io.Reader, stream cipher.Stream) *cipherReader {
	return &cipherReader{op: op, src: src, stream: stream, limit: e.maxStream()}
}

func (r *cipherReader) Read(p []byte) (int, error) {
	if r.limit > 0 {
		left := r.limit - r.done
		if left == 0 {
			return r.overflow()
		}
		if int64(len(p)) > left {
			p = p[:left]
		}
	}
	n, err := r.src.Read(p)
	if n > 0 {
		r.stream.XORKeyStream(p[:n], p[:n])
		r.done += int64(n)
	}
	return n, err
}

// overflow checks for input left over once the keystream is used up
func (r *cipherReader) overflow() (int, error) {
	var b [1]byte
	n, err := r.src.Read(b[:])
	if n > 0 {
		return 0, NewEncryptionError(r.op, "", fmt.Errorf("%w: limit %d", ErrStreamTooLong, r.limit))
	}
	return 0, err
}

// EncryptReader returns a reader producing the blob for src. The marker is
// injected ahead of the first plaintext chunk and the IV is emitted before
// the first ciphertext chunk, so the output is byte-identical to
// EncryptBuffer over the whole payload with the same IV.
func (e *Encryption) EncryptReader(src io.Reader) (io.Reader, error) {
	iv, err := GenerateIV(e.rand)
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}
	stream, err := e.engine.NewStream(iv)
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}

	framed := io.MultiReader(bytes.NewReader(make([]byte, MarkerSize)), src)
	return io.MultiReader(bytes.NewReader(iv), e.newCipherReader("encrypt", framed, stream)), nil
}

// decryptReader builds its cipher state from the first IVSize bytes and
// strips the marker on the first Read.
type decryptReader struct {
	e      *Encryption
	src    io.Reader
	plain  io.Reader
	err    error
	primed bool
}

// DecryptReader returns a reader producing the plaintext of the blob in src.
// A wrong key surfaces as ErrWrongKeyOrCorrupt from the first Read; callers
// must discard any partial output on error.
func (e *Encryption) DecryptReader(src io.Reader) io.Reader {
	return &decryptReader{e: e, src: src}
}

func (r *decryptReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if !r.primed {
		r.primed = true
		plain, err := r.e.openStream(r.src)
		if err != nil {
			r.err = err
			return 0, err
		}
		r.plain = plain
	}
	n, err := r.plain.Read(p)
	if err != nil {
		r.err = err
	}
	return n, err
}

// openStream consumes the header of src and returns the plaintext stage.
func (e *Encryption) openStream(src io.Reader) (io.Reader, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return nil, headerError("decrypt", err)
	}
	stream, err := e.engine.NewStream(iv)
	if err != nil {
		return nil, NewEncryptionError("decrypt", "", err)
	}

	plain := e.newCipherReader("decrypt", src, stream)
	marker := make([]byte, MarkerSize)
	if _, err := io.ReadFull(plain, marker); err != nil {
		return nil, headerError("decrypt", err)
	}
	if !markerOK(marker) {
		return nil, NewEncryptionError("decrypt", "", ErrWrongKeyOrCorrupt)
	}
	return plain, nil
}

// Validate reads only the blob header from src and checks the marker.
func (e *Encryption) Validate(src io.Reader) error {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return headerError("validate", err)
	}
	if !e.ValidateBuffer(header) {
		return NewEncryptionError("validate", "", ErrWrongKeyOrCorrupt)
	}
	return nil
}

// ValidateStream reports whether src starts with a blob header valid under
// this key. It never consumes more than HeaderSize bytes.
func (e *Encryption) ValidateStream(src io.Reader) bool {
	return e.Validate(src) == nil
}

// EncryptStream encrypts src into dst and returns the number of bytes written.
func (e *Encryption) EncryptStream(dst io.Writer, src io.Reader) (int64, error) {
	r, err := e.EncryptReader(src)
	if err != nil {
		return 0, err
	}
	return e.copy(dst, r)
}

// DecryptStream decrypts the blob in src into dst.
func (e *Encryption) DecryptStream(dst io.Writer, src io.Reader) (int64, error) {
	return e.copy(dst, e.DecryptReader(src))
}

func (e *Encryption) copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, e.chunkSize)
	// hide ReaderFrom so the chunk size is honoured
	return io.CopyBuffer(struct{ io.Writer }{dst}, src, buf)
}

func headerError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewEncryptionError(op, "", fmt.Errorf("truncated header: %w", ErrWrongKeyOrCorrupt))
	}
	return NewIOError("read", "", err)
}
