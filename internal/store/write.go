package store

import (
	"context"
	"fmt"

	"github.com/roach88/scenesync/internal/crdt"
)

// Direction tells whether a journaled record came from a peer or was
// authored locally.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

func (d Direction) valid() bool {
	return d == Inbound || d == Outbound
}

// AppendRecords journals records for a scene in one transaction. An empty
// slice is a no-op.
func (s *Store) AppendRecords(ctx context.Context, sceneID string, dir Direction, records []crdt.Record) error {
	if !dir.valid() {
		return fmt.Errorf("append records: invalid direction %q", dir)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (scene_id, direction, primary_key, secondary_key, timestamp, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			sceneID,
			string(dir),
			int64(r.PrimaryKey),
			int64(r.SecondaryKey),
			int64(r.Timestamp),
			nullablePayload(r.Payload),
		); err != nil {
			return fmt.Errorf("append records: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot of a scene. The snapshot is
// stamped with the highest journal seq at the time of writing.
func (s *Store) SaveSnapshot(ctx context.Context, sceneID string, records []crdt.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()

	var takenAt int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM records`).Scan(&takenAt); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE scene_id = ?`, sceneID); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (scene_id, primary_key, secondary_key, timestamp, payload, taken_at_seq)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			sceneID,
			int64(r.PrimaryKey),
			int64(r.SecondaryKey),
			int64(r.Timestamp),
			nullablePayload(r.Payload),
			takenAt,
		); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes a scene's snapshot, if any.
func (s *Store) DeleteSnapshot(ctx context.Context, sceneID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE scene_id = ?`, sceneID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Deletions are stored as NULL so nil and empty payloads read back the same.
func nullablePayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return p
}
