package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/rpc"
	"github.com/roach88/scenesync/internal/service"
)

const defaultAddr = "127.0.0.1:7420"

// ClientOptions holds the flags shared by push and pull.
type ClientOptions struct {
	*RootOptions
	Addr    string
	Scene   string
	Timeout time.Duration
}

func (o *ClientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Addr, "addr", defaultAddr, "server RPC address")
	cmd.Flags().StringVar(&o.Scene, "scene", "", "scene id (required)")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 30*time.Second, "call timeout")
	_ = cmd.MarkFlagRequired("scene")
}

func (o *ClientOptions) dial(cmd *cobra.Command) (*rpc.Client, context.Context, context.CancelFunc, error) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, o.Timeout)
	c, err := rpc.Dial(ctx, o.Addr, rpc.WithCallTimeout(o.Timeout))
	if err != nil {
		cancel()
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to connect", err)
	}
	return c, ctx, cancel, nil
}

// PushOptions holds flags for the push command.
type PushOptions struct {
	ClientOptions
	File string
	Raw  bool
}

// pushResult is the JSON output of push.
type pushResult struct {
	Scene   string `json:"scene"`
	Applied uint32 `json:"applied"`
	Stale   uint32 `json:"stale"`
	Skipped uint32 `json:"skipped"`
	Dropped uint32 `json:"dropped"`
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a record batch to a scene",
		Long: `Push a record batch to a scene on a running server and print the ack.

The batch is read from a YAML record file, or with --raw from a file holding
an encoded batch as produced by pull --out.

Exit codes:
  0 - Batch accepted (stale, skipped and dropped records are not errors)
  1 - Server rejected part of the batch
  2 - Command error (unreadable file, server unreachable)

Examples:
  scenesync push --scene lobby --file records.yaml
  scenesync push --addr 10.0.0.5:7420 --scene lobby --file batch.bin --raw`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "record file to push (required)")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "file is an encoded batch, not YAML")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runPush(opts *PushOptions, cmd *cobra.Command) error {
	out := NewFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	batch, err := readBatch(opts.File, opts.Raw)
	if err != nil {
		_ = out.Error(CodeIO, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read batch", err)
	}
	out.VerboseLog("pushing %d bytes to %s on %s", len(batch), opts.Scene, opts.Addr)

	c, ctx, cancel, err := opts.dial(cmd)
	if err != nil {
		_ = out.Error(CodeTransport, err.Error(), nil)
		return err
	}
	defer cancel()
	defer c.Close()

	ack, err := c.Push(ctx, opts.Scene, batch)
	var remote *rpc.RemoteError
	switch {
	case errors.As(err, &remote):
		_ = out.Error(CodeRemote, remote.Message, ackResult(opts.Scene, ack))
		return WrapExitError(ExitFailure, "push rejected", err)
	case err != nil:
		_ = out.Error(CodeTransport, err.Error(), nil)
		return WrapExitError(ExitCommandError, "push failed", err)
	}

	res := ackResult(opts.Scene, ack)
	return out.Emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %s\n", opts.Scene, ack)
	})
}

func ackResult(scene string, a service.Ack) pushResult {
	return pushResult{Scene: scene, Applied: a.Applied, Stale: a.Stale, Skipped: a.Skipped, Dropped: a.Dropped}
}
