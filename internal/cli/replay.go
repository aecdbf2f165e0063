package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scenesync/internal/ecs"
	"github.com/roach88/scenesync/internal/harness"
	"github.com/roach88/scenesync/internal/store"
	"github.com/roach88/scenesync/internal/wire"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Scene    string // optional - specific scene only
	Records  bool
}

// ReplaySceneResult holds the replay result for a single scene.
type ReplaySceneResult struct {
	Scene         string               `json:"scene"`
	Entries       int                  `json:"entries"`
	Accepted      int                  `json:"accepted"`
	LastSeq       int64                `json:"last_seq"`
	Digest        string               `json:"digest"`
	Deterministic bool                 `json:"deterministic"`
	Snapshot      string               `json:"snapshot"` // "match", "mismatch", "stale" or "none"
	Records       []harness.RecordView `json:"records,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Scenes      []ReplaySceneResult `json:"scenes"`
	TotalScenes int                 `json:"total_scenes"`
	AllVerified bool                `json:"all_verified"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild scene state from the journal and verify it",
		Long: `Rebuild each scene's state from its record journal and verify it.

Every scene is replayed twice to check the rebuilt state is deterministic.
When the scene has a snapshot taken after its last journal entry, the
rebuilt state must also equal the snapshot.

Exit codes:
  0 - All scenes verified
  1 - Verification failed (replays differ or snapshot mismatch)
  2 - Command error (database not found, etc.)

Examples:
  scenesync replay --db ./scenesync.db
  scenesync replay --db ./scenesync.db --scene lobby --records
  scenesync replay --db ./scenesync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Scene, "scene", "", "replay specific scene only")
	cmd.Flags().BoolVar(&opts.Records, "records", false, "include the rebuilt records")

	return cmd
}

// openExisting opens a database that must already exist. store.Open would
// otherwise create an empty one.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := NewFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := openExisting(opts.Database)
	if err != nil {
		_ = out.Error(CodeIO, err.Error(), nil)
		return err
	}
	defer st.Close()

	var scenes []string
	if opts.Scene != "" {
		scenes = []string{ecs.NormalizeID(opts.Scene)}
	} else {
		summaries, err := st.ListScenes(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list scenes", err)
		}
		for _, s := range summaries {
			scenes = append(scenes, s.SceneID)
		}
	}

	result := ReplayResult{
		Scenes:      make([]ReplaySceneResult, 0, len(scenes)),
		TotalScenes: len(scenes),
		AllVerified: true,
	}
	for _, id := range scenes {
		out.VerboseLog("replaying %s", id)
		sr, err := replayAndVerifyScene(ctx, st, id, opts.Records)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay scene %s", id), err)
		}
		result.Scenes = append(result.Scenes, sr)
		if !sr.Deterministic || sr.Snapshot == "mismatch" {
			result.AllVerified = false
		}
	}

	if !result.AllVerified {
		if opts.Format == "json" {
			_ = out.Error(CodeVerify, "replay verification failed", result)
		} else {
			outputReplayText(out.Writer, result)
		}
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return out.Emit(result, func(w io.Writer) {
		outputReplayText(w, result)
	})
}

// replayAndVerifyScene replays one scene twice and checks it against its
// snapshot when the snapshot covers the whole journal.
func replayAndVerifyScene(ctx context.Context, st *store.Store, sceneID string, withRecords bool) (ReplaySceneResult, error) {
	first, err := st.Replay(ctx, sceneID)
	if err != nil {
		return ReplaySceneResult{}, fmt.Errorf("first replay failed: %w", err)
	}
	second, err := st.Replay(ctx, sceneID)
	if err != nil {
		return ReplaySceneResult{}, fmt.Errorf("second replay failed: %w", err)
	}

	records := first.Protocol.Records()
	digest, err := wire.Digest(records)
	if err != nil {
		return ReplaySceneResult{}, err
	}
	again, err := wire.Digest(second.Protocol.Records())
	if err != nil {
		return ReplaySceneResult{}, err
	}

	res := ReplaySceneResult{
		Scene:         sceneID,
		Entries:       first.Entries,
		Accepted:      first.Accepted,
		LastSeq:       first.LastSeq,
		Digest:        digest,
		Deterministic: digest == again && first.Accepted == second.Accepted,
		Snapshot:      "none",
	}

	snap, takenAt, ok, err := st.LoadSnapshot(ctx, sceneID)
	if err != nil {
		return ReplaySceneResult{}, err
	}
	if ok {
		switch snapDigest, err := wire.Digest(snap); {
		case err != nil:
			return ReplaySceneResult{}, err
		case first.LastSeq > takenAt:
			res.Snapshot = "stale"
		case snapDigest == digest:
			res.Snapshot = "match"
		default:
			res.Snapshot = "mismatch"
		}
	}

	if withRecords {
		res.Records = make([]harness.RecordView, 0, len(records))
		for _, r := range records {
			res.Records = append(res.Records, harness.ViewRecord(r))
		}
	}
	return res, nil
}

func outputReplayText(w io.Writer, result ReplayResult) {
	if result.TotalScenes == 0 {
		fmt.Fprintln(w, "No scenes found in database.")
		return
	}

	fmt.Fprintf(w, "Replay Summary: %d scene(s)\n", result.TotalScenes)
	fmt.Fprintln(w)
	for _, s := range result.Scenes {
		status := "✓"
		if !s.Deterministic || s.Snapshot == "mismatch" {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d entries, %d accepted, last seq %d, snapshot %s\n",
			status, s.Scene, s.Entries, s.Accepted, s.LastSeq, s.Snapshot)
		fmt.Fprintf(w, "  digest %s\n", s.Digest)
		if len(s.Records) > 0 {
			printRecords(w, s.Records)
		}
	}
	fmt.Fprintln(w)
	if result.AllVerified {
		fmt.Fprintln(w, "All scenes verified.")
	} else {
		fmt.Fprintln(w, "Verification FAILED.")
	}
}
