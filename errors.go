package cryptdir

import (
	"errors"
	"fmt"
)

// Sentinel errors, checked with errors.Is.
var (
	ErrInvalidPath       = errors.New("invalid path")
	ErrNotFound          = errors.New("item not found")
	ErrOutputCollision   = errors.New("output path already exists")
	ErrWrongKeyOrCorrupt = errors.New("wrong key or corrupted data")
	ErrFileMapNotFound   = errors.New("file map not found")
	ErrMalformedMapEntry = errors.New("malformed file map entry")
	ErrNotADirectory     = errors.New("not a directory")
	ErrUnsupportedItem   = errors.New("unsupported item type")
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
	ErrStreamTooLong     = errors.New("payload exceeds the cipher stream limit")
	ErrEmptyKey          = errors.New("key cannot be empty")
	ErrNilConfig         = errors.New("config cannot be nil")
	ErrNilKeyProvider    = errors.New("key provider cannot be nil")
)

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt", "decrypt" or "validate"
	Path      string // File path, if applicable
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Operation, e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a filesystem read/write/mkdir/remove failure.
type IOError struct {
	Operation string // "read", "write", "open", "mkdir", "remove", etc.
	Path      string
	Err       error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("io error: %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ItemError reports which work item failed and why.
type ItemError struct {
	Op   string // "encrypt" or "decrypt"
	Path string // input path of the work item
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsWrongKey reports whether err stems from a failed marker check.
func IsWrongKey(err error) bool {
	return errors.Is(err, ErrWrongKeyOrCorrupt)
}
