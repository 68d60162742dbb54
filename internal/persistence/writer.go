package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CallRow represents a row in vault_log.calls.
type CallRow struct {
	RecordID  string
	Sequence  int64
	CallType  string
	Caller    string
	Payload   []byte // JSON-encoded call payload
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// CallLogWriter writes applied calls to Postgres using multi-row INSERT.
// Writes are idempotent on sequence so a retried batch never duplicates.
type CallLogWriter struct {
	db *sql.DB
}

func NewCallLogWriter(db *sql.DB) *CallLogWriter {
	return &CallLogWriter{db: db}
}

// WriteCallBatch writes a batch of call records inside tx.
func (w *CallLogWriter) WriteCallBatch(ctx context.Context, tx *sql.Tx, calls []CallRow) error {
	if len(calls) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.calls
		(record_id, sequence, call_type, caller, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(calls))
	args := make([]interface{}, 0, len(calls)*8)

	for i, c := range calls {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			c.RecordID, c.Sequence, c.CallType, c.Caller,
			c.Payload, c.StateHash, c.PrevHash, c.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
