package cmd

import (
	"github.com/absfs/cryptdir"
	"github.com/spf13/cobra"
)

func newEncryptCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt PATH...",
		Short: "Encrypt files and directories",
		Example: `  cryptdir encrypt notes.txt photos/
  CRYPTDIR_KEY=secret cryptdir encrypt --key-env CRYPTDIR_KEY photos/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, cryptdir.OpEncrypt, args)
		},
	}
}
