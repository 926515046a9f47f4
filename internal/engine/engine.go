package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"onboardline/internal/domain"
	"onboardline/internal/events"
	"onboardline/internal/jira"
	"onboardline/internal/repo"
)

// Gateway is the part of the ticketing system the engine drives.
type Gateway interface {
	CreateRequest(ctx context.Context, serviceDeskID, requestTypeID string, fields map[string]any) (jira.Issue, error)
	FetchIssue(ctx context.Context, issueKey string) (jira.Issue, error)
}

// UserDirectory resolves user records by their key field.
type UserDirectory interface {
	GetUser(ctx context.Context, email string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UserFields(ctx context.Context) ([]string, error)
}

// Engine owns every write to templates, packages, instances and tasks.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Gateway Gateway
	Users   UserDirectory
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, gw Gateway) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{Now: time.Now},
		Gateway: gw,
		Users:   r,
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

// WithNow returns a copy of e whose clock and event timestamps use now.
func (e Engine) WithNow(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
