package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/reelsmith/reelsmith/store"
)

func (d *DB) UpsertPipelineSession(ctx context.Context, upsert *store.PipelineSession) error {
	stmt := `INSERT INTO pipeline_session (uid, user_id, stage, snapshot, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uid)
		DO UPDATE SET stage = EXCLUDED.stage, snapshot = EXCLUDED.snapshot, updated_ts = EXCLUDED.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.UID, upsert.UserID, upsert.Stage, upsert.Snapshot, upsert.CreatedTs, upsert.UpdatedTs); err != nil {
		return fmt.Errorf("failed to upsert pipeline_session: %w", err)
	}
	return nil
}

func (d *DB) GetPipelineSession(ctx context.Context, uid string) (*store.PipelineSession, error) {
	stmt := `SELECT uid, user_id, stage, snapshot, created_ts, updated_ts FROM pipeline_session WHERE uid = $1`
	session := &store.PipelineSession{}
	err := d.db.QueryRowContext(ctx, stmt, uid).Scan(
		&session.UID, &session.UserID, &session.Stage, &session.Snapshot, &session.CreatedTs, &session.UpdatedTs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline_session: %w", err)
	}
	return session, nil
}

func (d *DB) ListPipelineSessions(ctx context.Context, find *store.FindPipelineSession) ([]*store.PipelineSession, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.Stage != nil {
		where, args = append(where, "stage = "+placeholder(len(args)+1)), append(args, *find.Stage)
	}

	query := `SELECT uid, user_id, stage, snapshot, created_ts, updated_ts FROM pipeline_session WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline_sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.PipelineSession, 0)
	for rows.Next() {
		s := &store.PipelineSession{}
		if err := rows.Scan(&s.UID, &s.UserID, &s.Stage, &s.Snapshot, &s.CreatedTs, &s.UpdatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline_session: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pipeline_sessions: %w", err)
	}
	return list, nil
}
