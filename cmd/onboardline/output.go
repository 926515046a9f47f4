package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"onboardline/internal/domain"
	"onboardline/internal/engine"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func statusColor(status string) *color.Color {
	switch {
	case domain.IsDone(status):
		return color.New(color.FgGreen)
	case status == domain.StatusDeletedInJira:
		return color.New(color.FgRed)
	case status == domain.StatusNotStarted:
		return color.New(color.Reset)
	default:
		return color.New(color.FgYellow)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func taskState(t engine.TaskView) string {
	switch {
	case t.IsBypassed:
		return "bypassed"
	case t.Locked:
		return "locked by " + strings.Join(t.BlockedBy, ", ")
	default:
		return ""
	}
}

func printInstance(v engine.InstanceView, tree []engine.TreeEntry) {
	fmt.Printf("#%d %s  %s  (started %s)\n", v.ID, v.UserEmail, v.OnboardingTemplateName, v.CreatedAt)
	children := map[int64][]engine.TreeEntry{}
	var roots []engine.TreeEntry
	for _, entry := range tree {
		if entry.ParentTemplateID != nil {
			children[*entry.ParentTemplateID] = append(children[*entry.ParentTemplateID], entry)
		} else {
			roots = append(roots, entry)
		}
	}
	for i, r := range roots {
		printTaskTree(r, children, "", i == len(roots)-1)
	}
}

func printTaskTree(e engine.TreeEntry, children map[int64][]engine.TreeEntry, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	label := e.TemplateName
	if e.IsManual {
		label += " (manual)"
	}
	line := fmt.Sprintf("%s%s%s [%s]", prefix, connector, label, statusColor(e.Status).Sprint(e.Status))
	if key := deref(e.IssueKey); key != "" {
		line += " " + key
	}
	if state := taskState(e.TaskView); state != "" {
		faint := color.New(color.Faint)
		if e.Locked {
			faint = color.New(color.FgRed, color.Faint)
		}
		line += " " + faint.Sprint(state)
	}
	fmt.Println(line)
	kids := children[e.TemplateID]
	for i, c := range kids {
		printTaskTree(c, children, newPrefix, i == len(kids)-1)
	}
}
