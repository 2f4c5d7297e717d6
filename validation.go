package cryptdir

import (
	"fmt"
)

// Input validation helpers shared by the engines and the options

// ValidateKey checks that a key has the expected size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrEmptyKey,
		}
	}
	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
		}
	}
	return nil
}

// ValidateIV checks that an IV is IVSize bytes long
func ValidateIV(iv []byte) error {
	if len(iv) != IVSize {
		return &ValidationError{
			Field:   "iv",
			Value:   len(iv),
			Message: fmt.Sprintf("invalid iv size: got %d bytes, expected %d bytes", len(iv), IVSize),
		}
	}
	return nil
}

// ValidateSize checks that size lies within [minSize, maxSize]. A maxSize of
// zero means no upper bound.
func ValidateSize(size int, name string, minSize, maxSize int) error {
	if size < 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: "cannot be negative",
		}
	}
	if size < minSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("too small: got %d, minimum is %d", size, minSize),
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("must not exceed %d", maxSize),
		}
	}
	return nil
}
