package jira

import (
	"math"
	"strconv"
	"strings"

	"onboardline/internal/domain"
)

// BuildFieldValues fills requestFieldValues for a template from a user record.
// Dynamic mappings copy the named user attribute and are skipped when the user
// has no such attribute; static mappings use their literal. The schema hint
// shapes the value: user pickers become name references, options become id
// references when numeric and value references otherwise, arrays wrap.
func BuildFieldValues(mappings map[string]domain.FieldMapping, user domain.User) map[string]any {
	out := make(map[string]any, len(mappings))
	for fieldID, m := range mappings {
		value := m.Value
		if m.Type == domain.MappingDynamic {
			v, ok := user.Get(m.Value)
			if !ok {
				continue
			}
			value = v
		}
		out[fieldID] = shape(value, m.Schema)
	}
	return out
}

func shape(value string, schema *domain.FieldSchema) any {
	if schema == nil {
		return value
	}
	switch {
	case schema.Type == "array" && schema.Items == "user":
		return []map[string]string{{"name": value}}
	case schema.Type == "user":
		return map[string]string{"name": value}
	case schema.Type == "array" && schema.Items == "option":
		return []map[string]string{optionRef(value)}
	case schema.Type == "option":
		return optionRef(value)
	case schema.Type == "array":
		return []string{value}
	default:
		return value
	}
}

func optionRef(value string) map[string]string {
	if isNumeric(value) {
		return map[string]string{"id": value}
	}
	return map[string]string{"value": value}
}

func isNumeric(v string) bool {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
}
