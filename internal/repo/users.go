package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"onboardline/internal/domain"
)

// UserFields returns the operator-defined user field names in schema order.
// The key field is always first.
func (r Repo) UserFields(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM user_fields ORDER BY position, name`)
	if err != nil {
		return nil, err
	}
	names, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := []string{domain.UserKeyField}
	for _, n := range names {
		if n != domain.UserKeyField {
			out = append(out, n)
		}
	}
	return out, nil
}

// AddUserField appends a field to the schema; existing fields are left alone.
func (r Repo) AddUserField(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO user_fields(name, position)
SELECT ?, COALESCE(MAX(position), 0) + 1 FROM user_fields WHERE true
ON CONFLICT(name) DO NOTHING`, name)
	return err
}

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User, now string) error {
	attrs := map[string]string{}
	for _, a := range u.Attributes {
		if a.Name == domain.UserKeyField {
			continue
		}
		attrs[a.Name] = a.Value
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode user attributes: %w", err)
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO users(email,attributes_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(email) DO UPDATE SET attributes_json=excluded.attributes_json, updated_at=excluded.updated_at`,
		u.Email, string(data), now, now)
	return err
}

func (r Repo) UserExists(ctx context.Context, tx *sql.Tx, email string) (bool, error) {
	var n int
	if err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE email=?`, email).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteUser(ctx context.Context, tx *sql.Tx, email string) error {
	return mustAffect(r.on(tx).ExecContext(ctx, `DELETE FROM users WHERE email=?`, email))
}

// InstanceIDsForUser lists the instances onboarding email.
func (r Repo) InstanceIDsForUser(ctx context.Context, tx *sql.Tx, email string) ([]int64, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM onboarding_instances WHERE user_email=? ORDER BY id`, email)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}

// GetUser looks a user up by the key field.
func (r Repo) GetUser(ctx context.Context, email string) (domain.User, error) {
	fields, err := r.UserFields(ctx)
	if err != nil {
		return domain.User{}, err
	}
	var raw string
	err = r.DB.QueryRowContext(ctx, `SELECT attributes_json FROM users WHERE email=?`, email).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return decodeUser(email, raw, fields)
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	fields, err := r.UserFields(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT email, attributes_json FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		var email, raw string
		if err := rows.Scan(&email, &raw); err != nil {
			return nil, err
		}
		u, err := decodeUser(email, raw, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// decodeUser orders attributes by the schema; values for fields no longer in
// the schema follow in name order.
func decodeUser(email, raw string, fields []string) (domain.User, error) {
	u := domain.User{Email: email}
	attrs := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
			return u, fmt.Errorf("decode attributes of user %s: %w", email, err)
		}
	}
	u.Attributes = append(u.Attributes, domain.Attribute{Name: domain.UserKeyField, Value: email})
	seen := map[string]bool{domain.UserKeyField: true}
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		u.Attributes = append(u.Attributes, domain.Attribute{Name: f, Value: attrs[f]})
	}
	var extra []string
	for name := range attrs {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		u.Attributes = append(u.Attributes, domain.Attribute{Name: name, Value: attrs[name]})
	}
	return u, nil
}
