package cryptdir

import (
	"errors"
	"log/slog"
)

const maxConcurrency = 1024

// Options configures a Runner.
type Options struct {
	// Force removes an existing output path instead of failing with
	// ErrOutputCollision.
	Force bool

	// ItemConcurrency bounds how many work items run at once.
	ItemConcurrency int

	// FileConcurrency bounds how many files are encrypted or decrypted at
	// once across all items.
	FileConcurrency int

	// ValidateConcurrency bounds the pre-flight key checks of a decrypt.
	ValidateConcurrency int

	// TreeConcurrency bounds concurrent directory reads during traversal.
	TreeConcurrency int

	// Logger receives progress and rollback diagnostics. Defaults to a
	// discarding logger.
	Logger *slog.Logger

	// OnFile, if set, is called after each file is written with its
	// plaintext relative path and plaintext size. It may be called
	// concurrently.
	OnFile func(path string, size int64)
}

// DefaultOptions returns the default pipeline options
func DefaultOptions() Options {
	return Options{
		ItemConcurrency:     DefaultItemConcurrency,
		FileConcurrency:     DefaultFileConcurrency,
		ValidateConcurrency: DefaultValidateConcurrency,
		TreeConcurrency:     DefaultTreeConcurrency,
	}
}

// Validate checks the options for out-of-range values
func (o *Options) Validate() error {
	var errs []error
	check := func(field string, v int) {
		if err := ValidateSize(v, field, 0, maxConcurrency); err != nil {
			errs = append(errs, err)
		}
	}
	check("item_concurrency", o.ItemConcurrency)
	check("file_concurrency", o.FileConcurrency)
	check("validate_concurrency", o.ValidateConcurrency)
	check("tree_concurrency", o.TreeConcurrency)
	return errors.Join(errs...)
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ItemConcurrency == 0 {
		o.ItemConcurrency = d.ItemConcurrency
	}
	if o.FileConcurrency == 0 {
		o.FileConcurrency = d.FileConcurrency
	}
	if o.ValidateConcurrency == 0 {
		o.ValidateConcurrency = d.ValidateConcurrency
	}
	if o.TreeConcurrency == 0 {
		o.TreeConcurrency = d.TreeConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
