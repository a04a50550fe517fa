package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"escalator/internal/app"
	"escalator/internal/domain"
	"escalator/internal/engine"
)

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage automation rules"}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleShowCmd())
	rule.AddCommand(ruleToggleCmd("enable", true))
	rule.AddCommand(ruleToggleCmd("disable", false))
	rule.AddCommand(ruleDeleteCmd())
	return rule
}

// readRuleSpecs accepts a single rule or a list, in YAML or JSON.
func readRuleSpecs(path string) ([]domain.RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	unmarshal := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(path), ".json") {
		unmarshal = json.Unmarshal
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "-") {
		var specs []domain.RuleSpec
		if err := unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return specs, nil
	}
	var spec domain.RuleSpec
	if err := unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return []domain.RuleSpec{spec}, nil
}

func ruleCreateCmd() *cobra.Command {
	var file, workspaceID, createdBy string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create rules from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			specs, err := readRuleSpecs(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var created []domain.Rule
				for i, spec := range specs {
					if workspaceID != "" {
						spec.WorkspaceID = workspaceID
					}
					if spec.CreatedBy == "" {
						spec.CreatedBy = createdBy
					}
					r, err := spec.Rule()
					if err != nil {
						return fmt.Errorf("rule %d: %w", i+1, err)
					}
					r, err = a.Repo.CreateRule(ctx, r)
					if err != nil {
						return fmt.Errorf("rule %d: %w", i+1, err)
					}
					created = append(created, r)
				}
				return printRules(created)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule file (.yml, .yaml or .json)")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "override workspace_id of every rule")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "creator recorded on rules without one")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var workspaceID, itemType string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" {
				return fmt.Errorf("--workspace-id required")
			}
			f := domain.RuleFilter{WorkspaceID: workspaceID, ActiveOnly: activeOnly}
			if itemType != "" {
				t, err := domain.ParseItemType(itemType)
				if err != nil {
					return err
				}
				f.ItemType = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Repo.ListRules(ctx, f)
				if err != nil {
					return err
				}
				return printRules(rules)
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id")
	cmd.Flags().StringVar(&itemType, "item-type", "", "TASK, BUDGET_REQUEST or RESOURCE_REQUEST")
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "only active rules")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule in its file form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Repo.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				out, err := yaml.Marshal(r.Spec())
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func ruleToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.SetRuleActive(ctx, args[0], active); err != nil {
					return err
				}
				fmt.Printf("rule %s %sd\n", args[0], use)
				return nil
			})
		},
	}
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule and its escalation states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.DeleteRule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("rule %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func printRules(rules []domain.Rule) error {
	if viper.GetBool("json") {
		if rules == nil {
			rules = []domain.Rule{}
		}
		return printJSON(rules)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Workspace", "Item type", "Trigger", "Action", "Escalation", "Active"})
	for _, r := range rules {
		esc := ""
		if p := r.Escalation; p != nil {
			esc = fmt.Sprintf("%dh -> %s", p.TriggerAfterHours, p.EscalateTo)
			if p.SLAHours != nil {
				esc += fmt.Sprintf(" (sla %dh)", *p.SLAHours)
			}
		}
		tw.AppendRow(table.Row{r.ID, r.WorkspaceID, r.ItemType, r.Trigger.TriggerType(), r.Action.ActionType(), esc, r.IsActive})
	}
	tw.Render()
	return nil
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemStatusCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var id, workspaceID, itemType, title, status, priority, creator, due string
	var assignees, tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an item and run CREATED rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" || title == "" {
				return fmt.Errorf("--workspace-id and --title required")
			}
			t, err := domain.ParseItemType(itemType)
			if err != nil {
				return err
			}
			it := domain.Item{
				ID:          id,
				WorkspaceID: workspaceID,
				Type:        t,
				Title:       title,
				Status:      status,
				Priority:    strings.ToUpper(priority),
				Tags:        tags,
				Assignees:   assignees,
				CreatorID:   creator,
			}
			if due != "" {
				at, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("--due: %w", err)
				}
				it.DueAt = &at
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it.CreatedAt = a.Engine.Now().UTC()
				created, err := a.Repo.CreateItem(ctx, it)
				if err != nil {
					return err
				}
				_, entries, err := a.Engine.Ingest(ctx, engine.RawEvent{ItemID: created.ID, Kind: string(domain.EventCreated)})
				if err != nil {
					return err
				}
				return printItemChange(ctx, a, created.ID, entries)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (default generated)")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "owning workspace")
	cmd.Flags().StringVar(&itemType, "type", "TASK", "TASK, BUDGET_REQUEST or RESOURCE_REQUEST")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&status, "status", "OPEN", "initial status")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&creator, "creator", "cli", "creator actor id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	cmd.Flags().StringSliceVar(&assignees, "assignee", nil, "assignee actor id, repeatable")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				printItem(it)
				return nil
			})
		},
	}
}

func itemStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <item-id> <status>",
		Short: "Change item status and run STATUS_CHANGED rules",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				to := domain.NormalizeStatus(args[1])
				if to == it.Status {
					return fmt.Errorf("item %s is already %s", it.ID, to)
				}
				if err := a.Repo.SetItemStatus(ctx, it.ID, to, a.Engine.Now().UTC()); err != nil {
					return err
				}
				_, entries, err := a.Engine.Ingest(ctx, engine.RawEvent{
					ItemID:     it.ID,
					Kind:       string(domain.EventStatusChanged),
					FromStatus: it.Status,
					ToStatus:   to,
				})
				if err != nil {
					return err
				}
				return printItemChange(ctx, a, it.ID, entries)
			})
		},
	}
}

func printItem(it domain.Item) {
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", it.ID},
		{"Workspace", it.WorkspaceID},
		{"Type", it.Type},
		{"Title", it.Title},
		{"Status", it.Status},
		{"Priority", it.Priority},
		{"Tags", strings.Join(it.Tags, ", ")},
		{"Assignees", strings.Join(it.Assignees, ", ")},
		{"Creator", it.CreatorID},
		{"Created", it.CreatedAt.UTC().Format(time.RFC3339)},
		{"Status changed", it.StatusChangedAt.UTC().Format(time.RFC3339)},
		{"Due", formatTime(it.DueAt)},
	})
	tw.Render()
}

func printItemChange(ctx context.Context, a *app.App, itemID string, entries []domain.ActivityEntry) error {
	it, err := a.Repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"item": it, "activity": nonNil(entries)})
	}
	printItem(it)
	if len(entries) > 0 {
		printActivity(entries)
	}
	return nil
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Feed domain events to the engine"}
	var raw engine.RawEvent
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one event reported by an external item source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, entries, err := a.Engine.Ingest(ctx, raw)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"event": e, "activity": nonNil(entries)})
				}
				fmt.Printf("event %s (%s) matched %d rule(s)\n", e.ID, e.Kind, len(entries))
				if len(entries) > 0 {
					printActivity(entries)
				}
				return nil
			})
		},
	}
	ingest.Flags().StringVar(&raw.ItemID, "item", "", "item id")
	ingest.Flags().StringVar(&raw.Kind, "kind", "", "CREATED or STATUS_CHANGED")
	ingest.Flags().StringVar(&raw.FromStatus, "from", "", "previous status")
	ingest.Flags().StringVar(&raw.ToStatus, "to", "", "new status")
	evt.AddCommand(ingest)

	var itemID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Journal.List(ctx, itemID, 0, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(entries))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Occurred", "Kind", "Source", "Item", "Rule", "Level", "Transition"})
				for _, e := range entries {
					transition := ""
					if e.Event.ToStatus != "" {
						transition = e.Event.FromStatus + " -> " + e.Event.ToStatus
					}
					tw.AppendRow(table.Row{e.Seq, e.Event.OccurredAt.UTC().Format(time.RFC3339), e.Event.Kind, e.Event.Source,
						e.Event.ItemID, e.Event.RuleID, e.Event.Level, transition})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&itemID, "item", "", "only events of this item")
	tail.Flags().IntVarP(&limit, "limit", "n", 50, "number of events")
	evt.AddCommand(tail)
	return evt
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage the workspace hierarchy"}

	var id, name, kind, parent, lead string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			w := domain.Workspace{ID: id, Name: name, Kind: domain.WorkspaceKind(strings.ToUpper(kind))}
			if parent != "" {
				w.ParentID = &parent
			}
			if lead != "" {
				w.LeadID = &lead
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Repo.CreateWorkspace(ctx, w)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(created)
				}
				fmt.Printf("workspace %s created\n", created.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "workspace id (default generated)")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&kind, "kind", "TEAM", "ROOT, DEPARTMENT or TEAM")
	create.Flags().StringVar(&parent, "parent", "", "parent workspace id")
	create.Flags().StringVar(&lead, "lead", "", "lead actor id")
	ws.AddCommand(create)
	ws.AddCommand(workspaceMemberCmd())
	return ws
}

func workspaceMemberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage role memberships"}
	member.AddCommand(&cobra.Command{
		Use:   "add <workspace-id> <actor-id> <role>",
		Short: "Grant a role in a workspace",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.AddMember(ctx, domain.Member{WorkspaceID: args[0], ActorID: args[1], Role: args[2]})
			})
		},
	})
	member.AddCommand(&cobra.Command{
		Use:   "remove <workspace-id> <actor-id> <role>",
		Short: "Revoke a role in a workspace",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.RemoveMember(ctx, domain.Member{WorkspaceID: args[0], ActorID: args[1], Role: args[2]})
			})
		},
	})
	member.AddCommand(&cobra.Command{
		Use:   "list <workspace-id>",
		Short: "List role memberships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				members, err := a.Repo.ListMembers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(members))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Actor", "Role"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ActorID, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	})
	return member
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect rule activity"}
	var f domain.ActivityFilter
	var outcome string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent rule firings, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outcome != "" {
				f.Outcome = domain.Outcome(strings.ToUpper(outcome))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Repo.ListActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(entries))
				}
				printActivity(entries)
				return nil
			})
		},
	}
	tail.Flags().StringVar(&f.RuleID, "rule", "", "only this rule")
	tail.Flags().StringVar(&f.ItemID, "item", "", "only this item")
	tail.Flags().StringVar(&outcome, "outcome", "", "APPLIED, SKIPPED or FAILED")
	tail.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of entries")
	act.AddCommand(tail)
	return act
}

func printActivity(entries []domain.ActivityEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Fired", "Rule", "Item", "Event", "Level", "Action", "Outcome", "Reason"})
	for _, e := range entries {
		level := ""
		if e.Level > 0 {
			level = fmt.Sprint(e.Level)
		}
		tw.AppendRow(table.Row{e.FiredAt.UTC().Format(time.RFC3339), e.RuleID, e.ItemID, e.EventKind, level, e.ActionTaken, e.Outcome, e.Reason})
	}
	tw.Render()
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Inspect and reset escalation states"}
	st.AddCommand(&cobra.Command{
		Use:   "list <item-id>",
		Short: "List escalation states of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states, err := a.Repo.ListStates(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nonNil(states))
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Rule", "Status", "Level", "Last triggered", "Anchor", "Updated"})
				for _, s := range states {
					tw.AppendRow(table.Row{s.RuleID, s.Status, s.Level, formatTime(s.LastTriggeredAt),
						s.AnchorAt.UTC().Format(time.RFC3339), s.UpdatedAt.UTC().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	var ruleID string
	reset := &cobra.Command{
		Use:   "reset <item-id>",
		Short: "Reset escalation states so timers can fire again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Repo.ResetStates(ctx, args[0], ruleID)
				if err != nil {
					return err
				}
				fmt.Printf("reset %d state(s)\n", n)
				return nil
			})
		},
	}
	reset.Flags().StringVar(&ruleID, "rule", "", "only the state of this rule")
	st.AddCommand(reset)
	return st
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
