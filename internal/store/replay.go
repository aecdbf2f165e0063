package store

import (
	"context"
	"fmt"

	"github.com/roach88/scenesync/internal/crdt"
)

// ReplayResult is the state rebuilt from a scene's journal.
type ReplayResult struct {
	SceneID  string
	Protocol *crdt.Protocol
	Entries  int
	Accepted int
	LastSeq  int64
}

// Replay rebuilds a scene's conflict state by running its whole journal,
// inbound and outbound, through a fresh protocol.
func (s *Store) Replay(ctx context.Context, sceneID string) (ReplayResult, error) {
	entries, err := s.ReadJournal(ctx, sceneID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay %q: %w", sceneID, err)
	}

	res := ReplayResult{
		SceneID:  sceneID,
		Protocol: crdt.NewProtocol(),
		Entries:  len(entries),
	}
	for _, e := range entries {
		if _, ok := res.Protocol.Process(e.Record); ok {
			res.Accepted++
		}
		res.LastSeq = e.Seq
	}
	return res, nil
}
