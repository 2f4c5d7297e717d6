package cmd

import (
	"github.com/absfs/cryptdir"
	"github.com/spf13/cobra"
)

func newDecryptCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "decrypt PATH...",
		Short:   "Decrypt files and directories produced by encrypt",
		Example: `  cryptdir decrypt notes.txt.encrypted photos.encrypted/`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, cryptdir.OpDecrypt, args)
		},
	}
}
