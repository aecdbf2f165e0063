package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/rpc"
)

// PullOptions holds flags for the pull command.
type PullOptions struct {
	ClientOptions
	Out string
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull pending authored records from a scene",
		Long: `Pull the records authored on a scene since the last pull.

Pulling drains the server's outbox for the scene, so each record is
returned once. With --out the encoded batch is written to a file that push
--raw accepts; otherwise the records are printed.

Exit codes:
  0 - Pull succeeded (an empty batch is not an error)
  1 - Server returned an error
  2 - Command error (server unreachable, unwritable file)

Examples:
  scenesync pull --scene lobby
  scenesync pull --scene lobby --out lobby.bin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write the encoded batch to a file")

	return cmd
}

func runPull(opts *PullOptions, cmd *cobra.Command) error {
	out := NewFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	c, ctx, cancel, err := opts.dial(cmd)
	if err != nil {
		_ = out.Error(CodeTransport, err.Error(), nil)
		return err
	}
	defer cancel()
	defer c.Close()

	batch, err := c.Pull(ctx, opts.Scene)
	var remote *rpc.RemoteError
	switch {
	case errors.As(err, &remote):
		_ = out.Error(CodeRemote, remote.Message, nil)
		return WrapExitError(ExitFailure, "pull rejected", err)
	case err != nil:
		_ = out.Error(CodeTransport, err.Error(), nil)
		return WrapExitError(ExitCommandError, "pull failed", err)
	}

	view, err := decodeView(opts.Scene, batch)
	if err != nil {
		_ = out.Error(CodeMalformed, err.Error(), view)
		return WrapExitError(ExitFailure, "server sent a malformed batch", err)
	}

	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, batch, 0o644); err != nil {
			_ = out.Error(CodeIO, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to write batch", err)
		}
		out.VerboseLog("wrote %d bytes to %s", len(batch), opts.Out)
	}

	return out.Emit(view, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %d record(s), %d bytes\n", opts.Scene, len(view.Records), view.Bytes)
		if len(view.Records) > 0 {
			printRecords(w, view.Records)
		}
	})
}
