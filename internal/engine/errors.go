package engine

import (
	"errors"
	"fmt"
	"strings"

	"onboardline/internal/repo"
)

// NotFoundError names a missing template, package, instance, task, user or request.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// ConflictError rejects an operation because of the listed items.
type ConflictError struct {
	Reason   string
	Blocking []string
}

func (e ConflictError) Error() string {
	if len(e.Blocking) == 0 {
		return e.Reason
	}
	return e.Reason + ": " + strings.Join(e.Blocking, ", ")
}

// ValidationError reports bad or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// notFound turns repo.ErrNotFound into a NotFoundError for kind/id and passes other errors through.
func notFound(err error, kind string, id any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
	}
	return err
}
