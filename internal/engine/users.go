package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"onboardline/internal/domain"
	"onboardline/internal/events"
)

// userRecord checks attrs against the field schema and builds the stored
// record. The key field comes from email, never from attrs.
func (e Engine) userRecord(ctx context.Context, email string, attrs map[string]string) (domain.User, error) {
	fields, err := e.Users.UserFields(ctx)
	if err != nil {
		return domain.User{}, err
	}
	names := lo.Without(lo.Keys(attrs), domain.UserKeyField)
	sort.Strings(names)
	if unknown, _ := lo.Difference(names, fields); len(unknown) > 0 {
		return domain.User{}, ValidationError{Field: "attributes", Reason: fmt.Sprintf("unknown user fields %v", unknown)}
	}
	u := domain.User{Email: email}
	for _, f := range fields {
		if v, ok := attrs[f]; ok && f != domain.UserKeyField {
			u.Attributes = append(u.Attributes, domain.Attribute{Name: f, Value: v})
		}
	}
	return u, nil
}

// CreateUser adds a directory record. Attribute names must be user fields.
func (e Engine) CreateUser(ctx context.Context, email string, attrs map[string]string, actorID string) (domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.User{}, ValidationError{Field: "email", Reason: "is required"}
	}
	u, err := e.userRecord(ctx, email, attrs)
	if err != nil {
		return domain.User{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.UserExists(ctx, tx, email)
	if err != nil {
		return domain.User{}, err
	}
	if exists {
		return domain.User{}, ConflictError{Reason: "a user with this email already exists", Blocking: []string{email}}
	}
	if err := e.Repo.UpsertUser(ctx, tx, u, e.timestamp()); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UserCreated, "user", email, actorID, events.EventPayload{"fields": len(u.Attributes)}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Users.GetUser(ctx, email)
}

// UpdateUser replaces every non-key attribute of an existing user.
func (e Engine) UpdateUser(ctx context.Context, email string, attrs map[string]string, actorID string) (domain.User, error) {
	u, err := e.userRecord(ctx, email, attrs)
	if err != nil {
		return domain.User{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.UserExists(ctx, tx, email)
	if err != nil {
		return domain.User{}, err
	}
	if !exists {
		return domain.User{}, NotFoundError{Kind: "user", ID: email}
	}
	if err := e.Repo.UpsertUser(ctx, tx, u, e.timestamp()); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UserUpdated, "user", email, actorID, events.EventPayload{"fields": len(u.Attributes)}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Users.GetUser(ctx, email)
}

// DeleteUser removes a user nobody is onboarding.
func (e Engine) DeleteUser(ctx context.Context, email, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ids, err := e.Repo.InstanceIDsForUser(ctx, tx, email)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		return ConflictError{
			Reason:   "user has onboarding instances",
			Blocking: lo.Map(ids, func(id int64, _ int) string { return "instance " + strconv.FormatInt(id, 10) }),
		}
	}
	if err := e.Repo.DeleteUser(ctx, tx, email); err != nil {
		return notFound(err, "user", email)
	}
	if err := e.Events.Append(ctx, tx, events.UserDeleted, "user", email, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
