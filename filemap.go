package cryptdir

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// BootstrapKey is the reserved file map key under which the map records its
// own on-disk name.
const BootstrapKey = "fileMap"

const maxMapLine = 1 << 20

var errStopIteration = errors.New("stop iteration")

// FileMap is an append-only mapping from plaintext relative path to on-disk
// name. Entries are spilled to a temporary file, one per line:
//
//	base64url(plainPath) ":" onDiskName
//
// so the mapping is never held in memory as a whole.
type FileMap struct {
	fsys   absfs.FileSystem
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   absfs.File
	w      *bufio.Writer
	closed bool
}

// FileMapOption configures a FileMap.
type FileMapOption func(*FileMap)

// WithMapLogger sets the logger used to report skipped entries.
func WithMapLogger(logger *slog.Logger) FileMapOption {
	return func(m *FileMap) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewFileMap allocates a fresh backing file in fsys.TempDir(). The file holds
// plaintext paths and is readable by its owner only. When seed is not empty,
// the bootstrap entry BootstrapKey -> seed is written first.
func NewFileMap(fsys absfs.FileSystem, seed string, opts ...FileMapOption) (*FileMap, error) {
	dir := fsys.TempDir()
	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, NewIOError("mkdir", dir, err)
	}

	name := path.Join(dir, "cryptdir-filemap-"+uuid.NewString())
	f, err := fsys.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, NewIOError("create", name, err)
	}

	m := &FileMap{
		fsys:   fsys,
		path:   name,
		logger: slog.New(slog.DiscardHandler),
		file:   f,
		w:      bufio.NewWriter(f),
	}
	for _, opt := range opts {
		opt(m)
	}

	if seed != "" {
		if err := m.AddEntry(BootstrapKey, seed); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Path returns the location of the backing file
func (m *FileMap) Path() string {
	return m.path
}

// AddEntry appends one entry. It is safe for concurrent use; appends are
// serialized internally.
func (m *FileMap) AddEntry(plainPath, onDiskName string) error {
	if onDiskName == "" || strings.ContainsAny(onDiskName, ":\n") {
		return NewValidationError("on_disk_name", onDiskName, "must be non-empty and free of ':' and newlines")
	}
	line := base64.RawURLEncoding.EncodeToString([]byte(plainPath)) + ":" + onDiskName + "\n"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewIOError("write", m.path, fmt.Errorf("file map closed"))
	}
	if _, err := m.w.WriteString(line); err != nil {
		return NewIOError("write", m.path, err)
	}
	return nil
}

// Open flushes pending entries and opens the backing file for reading.
func (m *FileMap) Open() (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewIOError("open", m.path, fmt.Errorf("file map closed"))
	}
	if err := m.w.Flush(); err != nil {
		return nil, NewIOError("write", m.path, err)
	}
	f, err := m.fsys.Open(m.path)
	if err != nil {
		return nil, NewIOError("open", m.path, err)
	}
	return f, nil
}

// ForEachEntry streams the backing file and calls fn for each entry.
// Malformed lines are logged and skipped. An error from fn stops iteration
// and is returned.
func (m *FileMap) ForEachEntry(fn func(plainPath, onDiskName string) error) error {
	r, err := m.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMapLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		plain, onDisk, err := parseMapLine(line)
		if err != nil {
			m.logger.Warn("skipping file map entry",
				slog.Int("line", lineNo),
				slog.Any("error", err))
			continue
		}
		if err := fn(plain, onDisk); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return NewIOError("read", m.path, err)
	}
	return nil
}

// Lookup returns the on-disk name recorded for plainPath.
func (m *FileMap) Lookup(plainPath string) (string, bool, error) {
	var found string
	var ok bool
	err := m.ForEachEntry(func(plain, onDisk string) error {
		if plain == plainPath {
			found, ok = onDisk, true
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return "", false, err
	}
	return found, ok, nil
}

// Close releases and removes the backing file. It is idempotent.
func (m *FileMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	cerr := m.file.Close()
	if err := m.fsys.Remove(m.path); err != nil {
		return NewIOError("remove", m.path, err)
	}
	if cerr != nil {
		return NewIOError("close", m.path, cerr)
	}
	return nil
}

func parseMapLine(line string) (string, string, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 2 || fields[1] == "" {
		return "", "", fmt.Errorf("%w: expected 2 fields, got %d", ErrMalformedMapEntry, len(fields))
	}
	plain, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(fields[0], "="))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformedMapEntry, err)
	}
	return string(plain), fields[1], nil
}

// LoadFileMap copies a serialized map from r into a fresh backing file.
// Both the line format and the legacy JSON array form are accepted.
func LoadFileMap(fsys absfs.FileSystem, r io.Reader, opts ...FileMapOption) (*FileMap, error) {
	br := bufio.NewReader(r)
	if legacy, err := startsWithArray(br); err != nil {
		return nil, err
	} else if legacy {
		data, err := io.ReadAll(br)
		if err != nil {
			return nil, err
		}
		m, err := ParseLegacyFileMap(fsys, data, opts...)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("%w: legacy map is not an array", ErrMalformedMapEntry)
		}
		return m, nil
	}

	m, err := NewFileMap(fsys, "", opts...)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	_, err = io.Copy(m.w, br)
	m.mu.Unlock()
	if err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// startsWithArray peeks past leading whitespace for a '['.
func startsWithArray(br *bufio.Reader) (bool, error) {
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			br.ReadByte()
		case '[':
			return true, nil
		default:
			return false, nil
		}
	}
}

// ParseLegacyFileMap reads the legacy fully materialized form, a JSON array
// of [plainName, onDiskName] pairs. It returns nil, nil when data is valid
// JSON but not an array. Pairs of the wrong shape are skipped.
func ParseLegacyFileMap(fsys absfs.FileSystem, data []byte, opts ...FileMapOption) (*FileMap, error) {
	var parsed any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse legacy file map: %w", err)
	}
	items, ok := parsed.([]any)
	if !ok {
		return nil, nil
	}

	m, err := NewFileMap(fsys, "", opts...)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		plain, onDisk, ok := legacyPair(item)
		if !ok {
			m.logger.Warn("skipping legacy file map entry", slog.Int("index", i))
			continue
		}
		if err := m.AddEntry(plain, onDisk); err != nil {
			m.logger.Warn("skipping legacy file map entry", slog.Int("index", i), slog.Any("error", err))
		}
	}
	return m, nil
}

func legacyPair(item any) (string, string, bool) {
	pair, ok := item.([]any)
	if !ok || len(pair) != 2 {
		return "", "", false
	}
	plain, ok1 := pair[0].(string)
	onDisk, ok2 := pair[1].(string)
	return plain, onDisk, ok1 && ok2
}
