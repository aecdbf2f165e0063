package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/roach88/scenesync/internal/crdt"
)

// JournalEntry is one row of the records journal.
type JournalEntry struct {
	Seq       int64
	SceneID   string
	Direction Direction
	Record    crdt.Record
}

// SceneSummary describes what the store holds for one scene.
type SceneSummary struct {
	SceneID     string
	Inbound     int
	Outbound    int
	LastSeq     int64
	HasSnapshot bool
}

// ReadJournal returns a scene's journal in seq order.
func (s *Store) ReadJournal(ctx context.Context, sceneID string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, scene_id, direction, primary_key, secondary_key, timestamp, payload
		FROM records
		WHERE scene_id = ?
		ORDER BY seq ASC
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e         JournalEntry
			dir       string
			p, sk, ts int64
			payload   []byte
		)
		if err := rows.Scan(&e.Seq, &e.SceneID, &dir, &p, &sk, &ts, &payload); err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		e.Direction = Direction(dir)
		e.Record = toRecord(p, sk, ts, payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// LoadSnapshot returns a scene's snapshot ordered by key and the journal seq
// it was taken at. ok is false when no snapshot exists.
func (s *Store) LoadSnapshot(ctx context.Context, sceneID string) (records []crdt.Record, takenAt int64, ok bool, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT primary_key, secondary_key, timestamp, payload, taken_at_seq
		FROM snapshots
		WHERE scene_id = ?
		ORDER BY primary_key ASC, secondary_key ASC
	`, sceneID)
	if err != nil {
		return nil, 0, false, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p, sk, ts int64
			payload   []byte
		)
		if err := rows.Scan(&p, &sk, &ts, &payload, &takenAt); err != nil {
			return nil, 0, false, fmt.Errorf("load snapshot: %w", err)
		}
		records = append(records, toRecord(p, sk, ts, payload))
		ok = true
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, fmt.Errorf("load snapshot: %w", err)
	}
	return records, takenAt, ok, nil
}

// ListScenes summarises every scene that has journal rows or a snapshot,
// ordered by scene id.
func (s *Store) ListScenes(ctx context.Context) ([]SceneSummary, error) {
	byID := make(map[string]*SceneSummary)

	rows, err := s.db.QueryContext(ctx, `
		SELECT scene_id,
		       SUM(CASE WHEN direction = 'in' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN direction = 'out' THEN 1 ELSE 0 END),
		       MAX(seq)
		FROM records
		GROUP BY scene_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	for rows.Next() {
		var sum SceneSummary
		if err := rows.Scan(&sum.SceneID, &sum.Inbound, &sum.Outbound, &sum.LastSeq); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list scenes: %w", err)
		}
		byID[sum.SceneID] = &sum
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT DISTINCT scene_id FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list scenes: %w", err)
		}
		sum, ok := byID[id]
		if !ok {
			sum = &SceneSummary{SceneID: id}
			byID[id] = sum
		}
		sum.HasSnapshot = true
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}

	out := make([]SceneSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, *sum)
	}
	slices.SortFunc(out, func(a, b SceneSummary) int {
		switch {
		case a.SceneID < b.SceneID:
			return -1
		case a.SceneID > b.SceneID:
			return 1
		}
		return 0
	})
	return out, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func toRecord(p, sk, ts int64, payload []byte) crdt.Record {
	r := crdt.Record{
		PrimaryKey:   uint32(p),
		SecondaryKey: uint32(sk),
		Timestamp:    uint32(ts),
	}
	if len(payload) > 0 {
		r.Payload = payload
	}
	return r
}
