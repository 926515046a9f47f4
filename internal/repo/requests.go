package repo

import (
	"context"
	"database/sql"
	"errors"

	"onboardline/internal/domain"
)

const requestColumns = `issue_key,user_email,request_type_name,status,opened_at,closed_at`

func scanRequest(row rowScanner) (domain.Request, error) {
	var req domain.Request
	var email, typeName, closedAt sql.NullString
	if err := row.Scan(&req.IssueKey, &email, &typeName, &req.Status, &req.OpenedAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return req, ErrNotFound
		}
		return req, err
	}
	req.UserEmail = email.String
	req.RequestTypeName = typeName.String
	req.ClosedAt = stringPtr(closedAt)
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, issueKey string) (domain.Request, error) {
	return scanRequest(r.on(tx).QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE issue_key=?`, issueKey))
}

// ListRequests returns tracked requests newest first.
func (r Repo) ListRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY opened_at DESC, issue_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?)`,
		req.IssueKey, nullable(req.UserEmail), nullable(req.RequestTypeName), req.Status, req.OpenedAt, nullableStringPtr(req.ClosedAt))
	return err
}

// EnsureRequest inserts the request unless its issue key is already tracked.
// It reports whether a row was written.
func (r Repo) EnsureRequest(ctx context.Context, tx *sql.Tx, req domain.Request) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?) ON CONFLICT(issue_key) DO NOTHING`,
		req.IssueKey, nullable(req.UserEmail), nullable(req.RequestTypeName), req.Status, req.OpenedAt, nullableStringPtr(req.ClosedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, issueKey, status string, closedAt *string) error {
	return mustAffect(r.on(tx).ExecContext(ctx, `UPDATE requests SET status=?, closed_at=? WHERE issue_key=?`, status, nullableStringPtr(closedAt), issueKey))
}

func (r Repo) UpdateRequestUser(ctx context.Context, tx *sql.Tx, issueKey, email string) error {
	return mustAffect(r.on(tx).ExecContext(ctx, `UPDATE requests SET user_email=? WHERE issue_key=?`, email, issueKey))
}

func (r Repo) DeleteRequest(ctx context.Context, tx *sql.Tx, issueKey string) error {
	return mustAffect(r.on(tx).ExecContext(ctx, `DELETE FROM requests WHERE issue_key=?`, issueKey))
}

// OpenRequestKeys returns keys of requests that are neither closed nor gone from the ticketing system.
func (r Repo) OpenRequestKeys(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT issue_key FROM requests WHERE closed_at IS NULL AND status <> ? ORDER BY issue_key`, domain.StatusDeletedInJira)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// TimeSpentByRequestType averages opened_at to closed_at over closed requests,
// grouped by request type. Timestamps are compared to the second, ignoring zone suffixes.
func (r Repo) TimeSpentByRequestType(ctx context.Context) ([]domain.TimeSpent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(request_type_name,''), COUNT(*),
AVG((julianday(substr(closed_at,1,19)) - julianday(substr(opened_at,1,19))) * 24.0)
FROM requests
WHERE closed_at IS NOT NULL AND closed_at <> ''
GROUP BY COALESCE(request_type_name,'')
ORDER BY COALESCE(request_type_name,'')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TimeSpent
	for rows.Next() {
		var ts domain.TimeSpent
		var avg sql.NullFloat64
		if err := rows.Scan(&ts.RequestTypeName, &ts.Closed, &avg); err != nil {
			return nil, err
		}
		ts.AvgHours = avg.Float64
		out = append(out, ts)
	}
	return out, rows.Err()
}
