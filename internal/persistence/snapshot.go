package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"LevVault/internal/vault"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads state snapshots for recovery. On warm
// restart the service loads the latest verified snapshot, then replays
// logged calls from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the persisted image of the engine state at a sequence.
type SnapshotData struct {
	Sequence  int64          `json:"sequence"`
	StateHash []byte         `json:"state_hash"`
	Vault     vault.Snapshot `json:"vault"`
	CreatedAt time.Time      `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns the serialized
// size in bytes. Saving at an existing sequence overwrites the stored image.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return len(data), err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) on a cold start with no snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after its state hash has been
// checked against the call log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE vault_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCallsFrom loads call records from a given sequence for replay.
func (sm *SnapshotManager) LoadCallsFrom(ctx context.Context, fromSequence int64, limit int) ([]CallRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT record_id, sequence, call_type, caller, payload, state_hash, prev_hash, timestamp
		FROM vault_log.calls
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRow
	for rows.Next() {
		var c CallRow
		if err := rows.Scan(
			&c.RecordID, &c.Sequence, &c.CallType, &c.Caller,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}

	return calls, rows.Err()
}

// GetLatestSequence returns the highest sequence in the call log, zero when
// the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.calls
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
