package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/absfs/cryptdir"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errNoKey = errors.New("no key given and stdin is not a terminal; use --key or --key-env")

func run(cmd *cobra.Command, flags *globalFlags, op cryptdir.Operation, args []string) error {
	suite, err := cryptdir.ParseCipherSuite(flags.cipher)
	if err != nil {
		return err
	}
	provider, err := keyProvider(cmd, flags, op)
	if err != nil {
		return err
	}
	enc, err := cryptdir.New(&cryptdir.Config{Cipher: suite, KeyProvider: provider})
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	opts := cryptdir.DefaultOptions()
	opts.Force = flags.force
	opts.ItemConcurrency = flags.concurrency
	opts.FileConcurrency = flags.fileConcurrency
	opts.Logger = newLogger(cmd.ErrOrStderr(), flags.debug)
	opts.OnFile = func(_ string, size int64) {
		if bar != nil {
			bar.Add64(size)
		}
	}

	fsys, err := cryptdir.NewHostFS()
	if err != nil {
		return err
	}
	runner, err := cryptdir.NewRunner(fsys, enc, opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	plan := runner.Plan(ctx, op, args...)
	fmt.Fprintf(out, "Found %d files (%s)\n", plan.Files, humanize.Bytes(uint64(plan.Bytes)))

	if !flags.quiet && len(plan.Items) > 0 {
		bar = newProgressBar(cmd.ErrOrStderr(), op, plan.Bytes)
	}
	start := time.Now()
	report := runner.Execute(ctx, plan)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	printReport(out, report, time.Since(start))
	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d of %d items failed", n, len(report.Results))
	}
	return nil
}

// keyProvider picks the key source: --key, then --key-env, then a prompt.
func keyProvider(cmd *cobra.Command, flags *globalFlags, op cryptdir.Operation) (cryptdir.KeyProvider, error) {
	switch {
	case flags.key != "":
		return cryptdir.NewPassphraseKeyProvider(flags.key), nil
	case flags.keyEnv != "":
		return cryptdir.NewEnvKeyProvider(flags.keyEnv), nil
	}
	passphrase, err := promptPassphrase(cmd.ErrOrStderr(), op == cryptdir.OpEncrypt)
	if err != nil {
		return nil, err
	}
	return cryptdir.NewPassphraseKeyProvider(passphrase), nil
}

func promptPassphrase(w io.Writer, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoKey
	}

	fmt.Fprint(w, "Passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", cryptdir.ErrEmptyKey
	}
	if confirm {
		fmt.Fprint(w, "Confirm passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase confirmation: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newProgressBar(w io.Writer, op cryptdir.Operation, total int64) *progressbar.ProgressBar {
	verb := "Encrypting"
	if op == cryptdir.OpDecrypt {
		verb = "Decrypting"
	}
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(verb),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func printReport(w io.Writer, report *cryptdir.Report, elapsed time.Duration) {
	for _, res := range report.Results {
		if res.OK() {
			fmt.Fprintf(w, "ok      %s -> %s\n", res.Item.InputPath, res.Item.OutputPath)
			continue
		}
		fmt.Fprintf(w, "failed  %s: %v\n", res.Item.InputPath, res.Err)
	}
	fmt.Fprintf(w, "%s: %d succeeded, %d failed, %s in %s\n",
		report.Op, report.Succeeded(), report.Failed(),
		humanize.Bytes(uint64(report.Bytes)), elapsed.Round(time.Millisecond))
}
