package repo

import (
	"context"
	"database/sql"

	"onboardline/internal/domain"
)

// EventFilters narrows ListEvents.
type EventFilters struct {
	EntityKind string
	EntityID   string
	Limit      int
}

// ListEvents returns the newest audit events first.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) InsertSyncRun(ctx context.Context, tx *sql.Tx, run domain.SyncRun) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO sync_runs(id,started_at,finished_at,checked,updated,deleted,failed) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.StartedAt, run.FinishedAt, run.Checked, run.Updated, run.Deleted, run.Failed)
	return err
}

// ListSyncRuns returns the most recent reconciliation passes.
func (r Repo) ListSyncRuns(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,started_at,finished_at,checked,updated,deleted,failed FROM sync_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SyncRun
	for rows.Next() {
		var run domain.SyncRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Checked, &run.Updated, &run.Deleted, &run.Failed); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
