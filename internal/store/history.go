package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// AppendHistory appends an entry with a monotonically increasing
// per-instance sequence. Uses an immediate write-lock acquisition so
// concurrent appenders cannot interleave sequence reads and writes.
func (s *LibSQLStore) AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. A write-intent
	// statement forces lock acquisition before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM history WHERE instance_id = ?`, entry.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (instance_id, from_node, to_node, action, actor, detail, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, nullStr(entry.FromNode), nullStr(entry.ToNode), entry.Action,
		nullStr(entry.Actor), nullRaw(entry.Detail), seq, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history entry: %w", err)
	}
	return nil
}

// ListHistory returns an instance's history ordered by sequence ASC.
func (s *LibSQLStore) ListHistory(ctx context.Context, instanceID string, filter HistoryFilter) ([]*schema.HistoryEntry, error) {
	query := `SELECT id, instance_id, from_node, to_node, action, actor, detail, sequence, timestamp
	 FROM history WHERE instance_id = ?`
	args := []any{instanceID}
	var conds []string
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Since > 0 {
		conds = append(conds, "sequence > ?")
		args = append(args, filter.Since)
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sequence"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.HistoryEntry
	for rows.Next() {
		e := &schema.HistoryEntry{}
		var fromNode, toNode, actor, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &fromNode, &toNode, &e.Action,
			&actor, &detail, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FromNode = fromNode.String
		e.ToNode = toNode.String
		e.Actor = actor.String
		e.Detail = rawOrNil(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}
