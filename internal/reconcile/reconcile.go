// Package reconcile pulls ticket status from the ticketing system into the
// requests mirror and the tasks that hold the same issue key.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/events"
	"onboardline/internal/jira"
	"onboardline/internal/repo"
)

// Fetcher reads one ticket.
type Fetcher interface {
	FetchIssue(ctx context.Context, issueKey string) (jira.Issue, error)
}

type Reconciler struct {
	DB      *sql.DB
	Repo    repo.Repo
	Gateway Fetcher
	Events  events.Writer
	Logger  *slog.Logger
	// Workers bounds concurrent gateway fetches. 1 keeps keys strictly sequential.
	Workers int
	Now     func() time.Time
	NewID   func() string

	running sync.Mutex
}

func New(db *sql.DB, gw Fetcher) *Reconciler {
	return &Reconciler{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Gateway: gw,
		Events:  events.Writer{Now: time.Now},
		Logger:  slog.Default(),
		Workers: 1,
		Now:     time.Now,
		NewID:   uuid.NewString,
	}
}

// Report summarizes one pass. Errors holds the keys that were skipped.
type Report struct {
	domain.SyncRun
	Errors map[string]string `json:"errors,omitempty"`
}

type outcome int

const (
	unchanged outcome = iota
	updated
	deleted
)

// Run reconciles every issue key held by an open request or by a task. A
// failing key is logged and counted; it never stops the others. Only the
// store failing to load the key set or to record the pass fails the run.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.running.Lock()
	defer r.running.Unlock()

	report := Report{SyncRun: domain.SyncRun{ID: r.newID(), StartedAt: r.timestamp()}, Errors: map[string]string{}}
	keys, err := r.keys(ctx)
	if err != nil {
		return report, fmt.Errorf("collect issue keys: %w", err)
	}
	report.Checked = len(keys)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(r.Workers, 1))
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.reconcileKey(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Errors[key] = err.Error()
				r.logger().Warn("reconcile: skipped key", "run", report.ID, "issue_key", key, "err", err)
			case res == updated:
				report.Updated++
			case res == deleted:
				report.Deleted++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.FinishedAt = r.timestamp()
	if err := r.record(ctx, report.SyncRun); err != nil {
		return report, fmt.Errorf("record sync run: %w", err)
	}
	r.logger().Info("reconcile: pass finished", "run", report.ID, "checked", report.Checked,
		"updated", report.Updated, "deleted", report.Deleted, "failed", report.Failed)
	return report, nil
}

// Start runs a pass every interval until ctx is done. A zero interval disables the loop.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
					r.logger().Error("reconcile: pass failed", "err", err)
				}
			}
		}
	}()
}

func (r *Reconciler) keys(ctx context.Context) ([]string, error) {
	open, err := r.Repo.OpenRequestKeys(ctx)
	if err != nil {
		return nil, err
	}
	held, err := r.Repo.TaskIssueKeys(ctx)
	if err != nil {
		return nil, err
	}
	keys := lo.Uniq(append(open, held...))
	sort.Strings(keys)
	return keys, nil
}

// reconcileKey fetches one ticket and writes what changed in its own transaction.
func (r *Reconciler) reconcileKey(ctx context.Context, key string) (outcome, error) {
	issue, err := r.Gateway.FetchIssue(ctx, key)
	switch {
	case jira.IsNotFound(err):
		changed, err := r.apply(ctx, key, domain.StatusDeletedInJira, nil, true)
		if err != nil || !changed {
			return unchanged, err
		}
		return deleted, nil
	case err != nil:
		return unchanged, err
	}
	var closedAt *string
	if issue.CurrentStatus.IsTerminal() {
		d := issue.CurrentStatus.StatusDate.ISO8601
		closedAt = &d
	}
	changed, err := r.apply(ctx, key, issue.CurrentStatus.Status, closedAt, false)
	if err != nil || !changed {
		return unchanged, err
	}
	return updated, nil
}

// apply moves the request row and every task holding key to status. For a
// terminal ticket closedAt is non-nil; an empty date keeps an existing close
// time or falls back to now. A vanished ticket keeps its request close time.
func (r *Reconciler) apply(ctx context.Context, key, status string, closedAt *string, vanished bool) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	now := r.timestamp()
	changed := false

	req, err := r.Repo.GetRequest(ctx, tx, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return false, err
	default:
		next := closedAt
		switch {
		case vanished:
			next = req.ClosedAt
		case next != nil && *next == "":
			next = req.ClosedAt
			if next == nil {
				next = &now
			}
		}
		if req.Status != status || !samePtr(req.ClosedAt, next) {
			if err := r.Repo.UpdateRequestStatus(ctx, tx, key, status, next); err != nil {
				return false, fmt.Errorf("update request: %w", err)
			}
			changed = true
		}
	}

	tasks, err := r.Repo.TasksByIssueKey(ctx, tx, key)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status == status {
			continue
		}
		next := engine.ApplyStatus(t, status, now)
		if err := r.Repo.UpdateTask(ctx, tx, next); err != nil {
			return false, fmt.Errorf("update task %d/%d: %w", t.InstanceID, t.TemplateID, err)
		}
		ref := engine.TaskRef{InstanceID: t.InstanceID, TemplateID: t.TemplateID}
		if err := r.Events.Append(ctx, tx, events.TaskReconciled, "task", ref.String(), "", events.EventPayload{
			"issue_key": key, "from": t.Status, "to": status,
		}); err != nil {
			return false, err
		}
		changed = true
	}
	if !changed {
		return false, nil
	}
	return true, tx.Commit()
}

func (r *Reconciler) record(ctx context.Context, run domain.SyncRun) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertSyncRun(ctx, tx, run); err != nil {
		return err
	}
	if err := r.Events.Append(ctx, tx, events.SyncCompleted, "sync_run", run.ID, "", events.EventPayload{
		"checked": run.Checked, "updated": run.Updated, "deleted": run.Deleted, "failed": run.Failed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *Reconciler) timestamp() string {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (r *Reconciler) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
