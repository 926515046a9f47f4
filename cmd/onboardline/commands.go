package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"onboardline/internal/app"
	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/repo"
)

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Inspect templates (edit them with import or the API)"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				names := map[int64]string{}
				for _, t := range items {
					names[t.ID] = t.Name
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Name", "Kind", "Request type", "Depends on"})
				for _, tmpl := range items {
					kind := "automated"
					if tmpl.IsManual {
						kind = "manual"
					}
					var deps []string
					for _, d := range tmpl.DependsOn {
						deps = append(deps, names[d])
					}
					t.AppendRow(table.Row{tmpl.ID, tmpl.Name, kind, tmpl.RequestTypeName, strings.Join(deps, ", ")})
				}
				t.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one template with its field mappings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "template id")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tmpl, err := e.GetTemplate(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(tmpl)
			})
		},
	})
	return cmd
}

func packageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "package", Short: "Inspect onboarding templates"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List onboarding templates with their members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pkgs, err := e.ListOnboardingTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pkgs)
				}
				templates, err := e.ListTemplates(ctx)
				if err != nil {
					return err
				}
				names := map[int64]string{}
				for _, t := range templates {
					names[t.ID] = t.Name
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Name", "Templates", "Updated"})
				for _, p := range pkgs {
					var members []string
					for _, id := range p.TemplateIDs {
						members = append(members, names[id])
					}
					t.AppendRow(table.Row{p.ID, p.Name, strings.Join(members, ", "), p.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	})
	return cmd
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Manage onboarding instances"}

	var user string
	var pkg int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstances(ctx, repo.InstanceFilters{UserEmail: user, OnboardingTemplateID: pkg})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "User", "Onboarding template", "Done", "Locked", "Created"})
				for _, v := range items {
					var done, locked int
					for _, task := range v.Tasks {
						if domain.IsDone(task.Status) {
							done++
						}
						if task.Locked {
							locked++
						}
					}
					t.AppendRow(table.Row{v.ID, v.UserEmail, v.OnboardingTemplateName, fmt.Sprintf("%d/%d", done, len(v.Tasks)), locked, v.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&user, "user", "", "filter by user email")
	list.Flags().Int64Var(&pkg, "package", 0, "filter by onboarding template id")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an instance as a dependency tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "instance id")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				tree, err := e.InstanceTree(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"instance": v.Instance, "onboarding_template_name": v.OnboardingTemplateName, "tree": tree})
				}
				printInstance(v, tree)
				return nil
			})
		},
	}

	var createUser string
	var createPkg int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Start onboarding a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateInstance(ctx, createUser, createPkg, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				tree, err := e.InstanceTree(ctx, v.ID)
				if err != nil {
					return err
				}
				printInstance(v, tree)
				return nil
			})
		},
	}
	create.Flags().StringVar(&createUser, "user", "", "user email")
	create.Flags().Int64Var(&createPkg, "package", 0, "onboarding template id")
	_ = create.MarkFlagRequired("user")
	_ = create.MarkFlagRequired("package")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an instance that has no linked tickets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "instance id")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteInstance(ctx, id, actorID()); err != nil {
					return err
				}
				fmt.Println("deleted instance", id)
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, create, del)
	return cmd
}

// taskAction builds a task subcommand taking <instance-id> <template-id> plus extra args.
func taskAction(use, short string, extra int, run func(context.Context, engine.Engine, engine.TaskRef, []string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2 + extra),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseTaskRef(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := run(ctx, e, ref, args[2:])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Printf("task %s: %s %s\n", ref, statusColor(task.Status).Sprint(task.Status), deref(task.IssueKey))
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Drive one task of an instance"}
	cmd.AddCommand(
		taskAction("execute <instance-id> <template-id>", "Raise the task's Jira request", 0,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, _ []string) (domain.Task, error) {
				return e.Execute(ctx, ref, actorID())
			}),
		taskAction("associate <instance-id> <template-id> <issue-key>", "Link an existing Jira ticket", 1,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, args []string) (domain.Task, error) {
				return e.Associate(ctx, ref, args[0], actorID())
			}),
		taskAction("manual-complete <instance-id> <template-id>", "Complete a manual task", 0,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, _ []string) (domain.Task, error) {
				return e.ManualComplete(ctx, ref, actorID())
			}),
		taskAction("manual-associate <instance-id> <template-id> <issue-key> <status>", "Record a ticket on a manual task", 2,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, args []string) (domain.Task, error) {
				return e.ManualAssociate(ctx, ref, args[0], args[1], actorID())
			}),
		taskAction("status <instance-id> <template-id> <issue-key> <status>", "Set the status of the task's ticket", 2,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, args []string) (domain.Task, error) {
				return e.UpdateStatus(ctx, ref, args[0], args[1], actorID())
			}),
		taskAction("unassign <instance-id> <template-id> <issue-key>", "Detach the task's ticket", 1,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, args []string) (domain.Task, error) {
				return e.Unassign(ctx, ref, args[0], actorID())
			}),
		taskAction("bypass <instance-id> <template-id>", "Unlock a task regardless of prerequisites", 0,
			func(ctx context.Context, e engine.Engine, ref engine.TaskRef, _ []string) (domain.Task, error) {
				return e.Bypass(ctx, ref, actorID())
			}),
	)
	return cmd
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Tracked Jira requests"}

	var syncFirst bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if syncFirst {
					if _, err := a.Reconciler.Run(ctx); err != nil {
						a.Logger.Warn("sync before listing failed", "err", err)
					}
				}
				items, err := a.Engine.ListRequests(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"Key", "User", "Type", "Status", "Opened", "Closed"})
				for _, r := range items {
					t.AppendRow(table.Row{r.IssueKey, r.UserEmail, r.RequestTypeName, statusColor(r.Status).Sprint(r.Status), r.OpenedAt, deref(r.ClosedAt)})
				}
				t.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&syncFirst, "sync", false, "run a reconciliation pass first")

	assign := &cobra.Command{
		Use:   "assign <issue-key> <user-email>",
		Short: "Reassign a tracked request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ReassignRequest(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <issue-key>",
		Short: "Forget a tracked request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRequest(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted request", args[0])
				return nil
			})
		},
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Average hours closed requests stayed open, per request type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.TimeSpent(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"Request type", "Closed", "Avg hours"})
				for _, ts := range items {
					t.AppendRow(table.Row{ts.RequestTypeName, ts.Closed, fmt.Sprintf("%.1f", ts.AvgHours)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(list, assign, del, stats)
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Directory users"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users with their attributes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Users.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				fields, err := e.Users.UserFields(ctx)
				if err != nil {
					return err
				}
				t := newTable()
				header := table.Row{}
				for _, f := range fields {
					header = append(header, f)
				}
				t.AppendHeader(header)
				for _, u := range users {
					row := table.Row{}
					for _, f := range fields {
						v, _ := u.Get(f)
						row = append(row, v)
					}
					t.AppendRow(row)
				}
				t.Render()
				return nil
			})
		},
	})

	var createAttrs map[string]string
	create := &cobra.Command{
		Use:   "create <email>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, args[0], createAttrs, actorID())
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	create.Flags().StringToStringVar(&createAttrs, "set", nil, "field=value, repeatable")

	var updateAttrs map[string]string
	update := &cobra.Command{
		Use:   "update <email>",
		Short: "Replace a user's attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpdateUser(ctx, args[0], updateAttrs, actorID())
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	update.Flags().StringToStringVar(&updateAttrs, "set", nil, "field=value, repeatable; unset fields are cleared")

	del := &cobra.Command{
		Use:   "delete <email>",
		Short: "Delete a user nobody is onboarding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteUser(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted user", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, update, del)
	return cmd
}

func jiraCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jira", Short: "Browse Jira Service Desk metadata"}
	cmd.AddCommand(&cobra.Command{
		Use:   "desks",
		Short: "List service desks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				desks, err := a.Gateway.ListServiceDesks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(desks)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Project", "Key"})
				for _, d := range desks {
					t.AppendRow(table.Row{d.ID, d.ProjectName, d.ProjectKey})
				}
				t.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "request-types <desk-id>",
		Short: "List request types of a service desk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				types, err := a.Gateway.ListRequestTypes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(types)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "Name", "Description"})
				for _, rt := range types {
					t.AppendRow(table.Row{rt.ID, rt.Name, rt.Description})
				}
				t.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fields <desk-id> <request-type-id>",
		Short: "List fields of a request type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fields, err := a.Gateway.ListRequestTypeFields(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				t := newTable()
				t.AppendHeader(table.Row{"Field", "Name", "Required", "Schema"})
				for _, f := range fields {
					schema := f.JiraSchema.Type
					if f.JiraSchema.Items != "" {
						schema += "<" + f.JiraSchema.Items + ">"
					}
					t.AppendRow(table.Row{f.FieldID, f.Name, f.Required, schema})
				}
				t.Render()
				return nil
			})
		},
	})
	return cmd
}

func executeTemplateCmd() *cobra.Command {
	var templateID int64
	var users []string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "execute-template",
		Short: "Raise a template's request for one or more users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.ExecuteTemplate(ctx, templateID, users, dryRun, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") || dryRun {
					return printJSON(results)
				}
				t := newTable()
				t.AppendHeader(table.Row{"User", "Status", "Issue", "Error"})
				for _, r := range results {
					t.AppendRow(table.Row{r.User, r.Status, r.IssueKey, r.Error})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&templateID, "template", 0, "template id")
	cmd.Flags().StringSliceVar(&users, "user", nil, "user email (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print payloads without creating requests")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
