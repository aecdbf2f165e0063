package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <batch-file>",
		Short: "Decode an encoded record batch",
		Long: `Decode a file holding an encoded record batch and print its records.

A malformed batch prints the records before the bad one, then the error.

Exit codes:
  0 - Batch decoded
  1 - Batch is malformed
  2 - Command error (file not readable)

Examples:
  scenesync decode lobby.bin
  scenesync decode lobby.bin --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDecode(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := NewFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	data, err := os.ReadFile(path)
	if err != nil {
		_ = out.Error(CodeIO, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read batch", err)
	}

	view, err := decodeView("", data)
	if err != nil {
		if opts.Format == "json" {
			_ = out.Error(CodeMalformed, err.Error(), view)
		} else {
			printRecords(out.Writer, view.Records)
			fmt.Fprintf(out.Writer, "Error [%s]: %v\n", CodeMalformed, err)
		}
		return WrapExitError(ExitFailure, "malformed batch", err)
	}

	return out.Emit(view, func(w io.Writer) {
		fmt.Fprintf(w, "%d record(s), %d bytes\n", len(view.Records), view.Bytes)
		if len(view.Records) > 0 {
			printRecords(w, view.Records)
		}
	})
}
