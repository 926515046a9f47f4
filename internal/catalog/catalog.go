// Package catalog imports user fields, users, templates and onboarding
// templates from a YAML seed file. Everything is matched by name so the same
// file can be imported again to update an existing workspace.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/repo"
)

type Catalog struct {
	UserFields []string   `yaml:"user_fields"`
	Users      []User     `yaml:"users"`
	Templates  []Template `yaml:"templates"`
	Packages   []Package  `yaml:"packages"`
}

type User struct {
	Email      string            `yaml:"email"`
	Attributes map[string]string `yaml:"attributes"`
}

type Template struct {
	Name            string                  `yaml:"name"`
	Manual          bool                    `yaml:"manual"`
	ServiceDeskID   string                  `yaml:"service_desk_id"`
	RequestTypeID   string                  `yaml:"request_type_id"`
	ServiceDeskName string                  `yaml:"service_desk_name"`
	RequestTypeName string                  `yaml:"request_type_name"`
	Instructions    string                  `yaml:"instructions"`
	FieldMappings   map[string]FieldMapping `yaml:"field_mappings"`
	DependsOn       []string                `yaml:"depends_on"`
}

type FieldMapping struct {
	Type   string `yaml:"type"`
	Value  string `yaml:"value"`
	Schema *struct {
		Type  string `yaml:"type"`
		Items string `yaml:"items"`
	} `yaml:"schema"`
}

type Package struct {
	Name      string   `yaml:"name"`
	Templates []string `yaml:"templates"`
}

// Summary counts what an import touched.
type Summary struct {
	UserFields int `json:"user_fields"`
	Users      int `json:"users"`
	Templates  int `json:"templates"`
	Packages   int `json:"packages"`
}

// Parse decodes a catalog, rejecting unknown keys.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	return c, nil
}

func FromFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	return Parse(data)
}

// Import applies c through the engine. Templates are written in two passes:
// first their own fields, then their dependency lists, so dependencies may
// refer to templates declared later in the file.
func Import(ctx context.Context, e engine.Engine, c Catalog, actorID string) (Summary, error) {
	var s Summary
	for _, f := range c.UserFields {
		if err := e.Repo.AddUserField(ctx, nil, f); err != nil {
			return s, fmt.Errorf("add user field %q: %w", f, err)
		}
		s.UserFields++
	}
	fields, err := e.Repo.UserFields(ctx)
	if err != nil {
		return s, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if e.Now != nil {
		now = e.Now().UTC().Format(time.RFC3339)
	}
	for _, u := range c.Users {
		user, err := toUser(u, fields)
		if err != nil {
			return s, err
		}
		if err := e.Repo.UpsertUser(ctx, nil, user, now); err != nil {
			return s, fmt.Errorf("upsert user %s: %w", u.Email, err)
		}
		s.Users++
	}

	ids := map[string]int64{}
	for _, t := range c.Templates {
		id, err := upsertTemplate(ctx, e, t, nil, actorID)
		if err != nil {
			return s, err
		}
		ids[t.Name] = id
		s.Templates++
	}
	for _, t := range c.Templates {
		if len(t.DependsOn) == 0 {
			continue
		}
		deps, err := resolve(ctx, e, ids, t.DependsOn)
		if err != nil {
			return s, fmt.Errorf("template %q: %w", t.Name, err)
		}
		if _, err := upsertTemplate(ctx, e, t, deps, actorID); err != nil {
			return s, err
		}
	}

	for _, p := range c.Packages {
		members, err := resolve(ctx, e, ids, p.Templates)
		if err != nil {
			return s, fmt.Errorf("onboarding template %q: %w", p.Name, err)
		}
		id, err := e.Repo.OnboardingTemplateIDByName(ctx, nil, p.Name)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			_, err = e.CreateOnboardingTemplate(ctx, p.Name, members, actorID)
		case err == nil:
			_, err = e.UpdateOnboardingTemplate(ctx, id, p.Name, members, actorID)
		}
		if err != nil {
			return s, fmt.Errorf("onboarding template %q: %w", p.Name, err)
		}
		s.Packages++
	}
	return s, nil
}

func upsertTemplate(ctx context.Context, e engine.Engine, t Template, deps []int64, actorID string) (int64, error) {
	in := engine.TemplateInput{
		Name:            t.Name,
		IsManual:        t.Manual,
		ServiceDeskID:   t.ServiceDeskID,
		RequestTypeID:   t.RequestTypeID,
		ServiceDeskName: t.ServiceDeskName,
		RequestTypeName: t.RequestTypeName,
		Instructions:    t.Instructions,
		FieldMappings:   toMappings(t.FieldMappings),
		DependsOn:       deps,
	}
	id, err := e.Repo.TemplateIDByName(ctx, nil, t.Name)
	if errors.Is(err, repo.ErrNotFound) {
		created, err := e.CreateTemplate(ctx, in, actorID)
		if err != nil {
			return 0, fmt.Errorf("template %q: %w", t.Name, err)
		}
		return created.ID, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := e.UpdateTemplate(ctx, id, in, actorID); err != nil {
		return 0, fmt.Errorf("template %q: %w", t.Name, err)
	}
	return id, nil
}

// resolve maps template names to ids, looking past the file at stored templates.
func resolve(ctx context.Context, e engine.Engine, ids map[string]int64, names []string) ([]int64, error) {
	out := make([]int64, 0, len(names))
	for _, n := range names {
		if id, ok := ids[n]; ok {
			out = append(out, id)
			continue
		}
		id, err := e.Repo.TemplateIDByName(ctx, nil, n)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, engine.NotFoundError{Kind: "template", ID: n}
		}
		if err != nil {
			return nil, err
		}
		ids[n] = id
		out = append(out, id)
	}
	return out, nil
}

func toMappings(in map[string]FieldMapping) map[string]domain.FieldMapping {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]domain.FieldMapping, len(in))
	for id, m := range in {
		fm := domain.FieldMapping{Type: m.Type, Value: m.Value}
		if m.Schema != nil {
			fm.Schema = &domain.FieldSchema{Type: m.Schema.Type, Items: m.Schema.Items}
		}
		out[id] = fm
	}
	return out
}

// toUser orders attributes by the field schema; unknown attributes are rejected.
func toUser(u User, fields []string) (domain.User, error) {
	if u.Email == "" {
		return domain.User{}, engine.ValidationError{Field: "users.email", Reason: "is required"}
	}
	names := lo.Keys(u.Attributes)
	sort.Strings(names)
	if unknown, _ := lo.Difference(names, fields); len(unknown) > 0 {
		return domain.User{}, engine.ValidationError{Field: "users." + u.Email, Reason: fmt.Sprintf("unknown user fields %v", unknown)}
	}
	user := domain.User{Email: u.Email}
	for _, f := range fields {
		if v, ok := u.Attributes[f]; ok && f != domain.UserKeyField {
			user.Attributes = append(user.Attributes, domain.Attribute{Name: f, Value: v})
		}
	}
	return user, nil
}
