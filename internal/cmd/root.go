// Package cmd implements the cryptdir command line.
package cmd

import (
	"github.com/absfs/cryptdir"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	key             string
	keyEnv          string
	cipher          string
	force           bool
	concurrency     int
	fileConcurrency int
	debug           bool
	quiet           bool
}

// NewRootCmd builds the cryptdir command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "cryptdir",
		Short: "Encrypt and decrypt files and directory trees",
		Long: `cryptdir encrypts files and directory trees with a key derived from a passphrase.

A file PATH is written to PATH.encrypted. A directory is written to a flat
PATH.encrypted directory whose file names reveal nothing about the original
tree. Decrypting writes to PATH.decrypted.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.key, "key", "k", "", "passphrase (prompted for when omitted)")
	pf.StringVar(&flags.keyEnv, "key-env", "", "read the passphrase from this environment variable")
	pf.StringVar(&flags.cipher, "cipher", cryptdir.CipherAES256CTR.String(), "cipher suite: aes-256-ctr or chacha20")
	pf.BoolVarP(&flags.force, "force", "f", false, "overwrite existing output")
	pf.IntVar(&flags.concurrency, "concurrency", cryptdir.DefaultItemConcurrency, "items processed at once")
	pf.IntVar(&flags.fileConcurrency, "file-concurrency", cryptdir.DefaultFileConcurrency, "files processed at once across all items")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "hide the progress bar")
	root.MarkFlagsMutuallyExclusive("key", "key-env")

	root.AddCommand(
		newEncryptCmd(flags),
		newDecryptCmd(flags),
	)
	return root
}
