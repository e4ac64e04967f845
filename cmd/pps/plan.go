package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ppscore/internal/domain"
	"ppscore/internal/engine"
	"ppscore/internal/gantt"
	"ppscore/internal/repo"
)

func depCmd() *cobra.Command {
	dep := &cobra.Command{
		Use:   "dep",
		Short: "Manage dependencies",
		Long:  "Dependencies order todos. Adding an edge that closes a cycle is rejected with the path that would loop.",
	}
	dep.AddCommand(depAddCmd())
	dep.AddCommand(depRemoveCmd())
	dep.AddCommand(depListCmd())
	dep.AddCommand(depCheckCmd())
	return dep
}

func depCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the active dependency graph is acyclic and print a dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				order, err := e.CheckGraph(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "order": order})
				}
				fmt.Printf("graph OK: %d todos in dependency order\n", len(order))
				for _, id := range order {
					fmt.Println(id)
				}
				return nil
			})
		},
	}
	return cmd
}

func depAddCmd() *cobra.Command {
	var depType string
	var lag int
	cmd := &cobra.Command{
		Use:   "add <predecessor> <successor>",
		Short: "Add a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AddDependency(ctx, engine.DependencyOptions{
					PredecessorID: ids[0],
					SuccessorID:   ids[1],
					Type:          domain.DependencyType(depType),
					LagMinutes:    lag,
					Origin:        "cli",
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", string(domain.FinishToStart), "finish_to_start|start_to_start|finish_to_finish")
	cmd.Flags().IntVar(&lag, "lag", 0, "lag minutes")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Deactivate a dependency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.DeactivateDependency(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func depListCmd() *cobra.Command {
	var f repo.DependencyFilter
	var todo string
	var selection []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todo != "" {
				id, err := parseID(todo)
				if err != nil {
					return err
				}
				f.TodoID = &id
			}
			ids, err := parseIDs(selection)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var deps []domain.Dependency
				if len(ids) > 0 {
					deps, err = e.EdgesForSelection(ctx, ids)
				} else {
					deps, err = e.ListDependencies(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deps)
				}
				tw := newTable("ID", "Pred", "Succ", "Type", "Lag", "Active", "Origin")
				for _, d := range deps {
					tw.AppendRow([]any{d.ID, d.PredecessorID, d.SuccessorID, d.Type, d.LagMinutes, d.IsActive, d.Origin})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&todo, "todo", "", "edges touching this todo")
	cmd.Flags().StringArrayVar(&selection, "selection", []string{}, "active edges with both ends in these ids (comma separated or repeatable)")
	cmd.Flags().BoolVar(&f.IncludeInactive, "all", false, "include deactivated edges")
	return cmd
}

func autolinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autolink <id>...",
		Short: "Chain the selected todos by priority",
		Long:  "Replaces every active edge inside the selection with one finish_to_start chain ordered by priority then id.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AutoLinkSelection(ctx, ids, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("chain %v: created %d edge(s), deactivated %d\n", res.Chain, res.CreatedEdgeCount, res.DeactivatedEdgeCount)
				return nil
			})
		},
	}
	return cmd
}

func conflictsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "conflicts",
		Short: "Detect and review scheduling conflicts",
	}
	c.AddCommand(conflictsDetectCmd())
	c.AddCommand(conflictsListCmd())
	c.AddCommand(conflictsResolveCmd())
	return c
}

func printConflicts(items []domain.Conflict) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Type", "Severity", "Todo", "Related", "Resolved", "Message")
	for _, c := range items {
		related := ""
		if c.RelatedTodoID != nil {
			related = fmt.Sprint(*c.RelatedTodoID)
		}
		tw.AppendRow([]any{c.ID, c.Type, c.Severity, c.TodoID, related, c.Resolved, c.Message})
	}
	tw.Render()
	return nil
}

func conflictsDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect [id...]",
		Short: "Run conflict detection (all todos when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.DetectConflicts(ctx, ids, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printConflicts(items)
			})
		},
	}
	return cmd
}

func conflictsListCmd() *cobra.Command {
	var f repo.ConflictFilter
	var todo string
	var unresolved bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todo != "" {
				id, err := parseID(todo)
				if err != nil {
					return err
				}
				f.TodoID = &id
			}
			if unresolved {
				no := false
				f.Resolved = &no
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListConflicts(ctx, f)
				if err != nil {
					return err
				}
				return printConflicts(items)
			})
		},
	}
	cmd.Flags().StringVar(&todo, "todo", "", "conflicts referencing this todo")
	cmd.Flags().StringVar(&f.Type, "type", "", "conflict type")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func conflictsResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a conflict resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ResolveConflict(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func groupsCmd() *cobra.Command {
	var by, status, department string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Aggregate todos by order, parent or department",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.Groups(ctx, by, repo.TodoFilter{Status: status, DepartmentID: department})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := newTable("Key", "Label", "Todos", "Min prio", "Minutes", "Next start", "Delivery", "Done %", "Urgent")
				for _, g := range groups {
					tw.AppendRow([]any{
						g.Key, g.Label, g.TotalCount, g.MinPriority, g.TotalDurationMinutes,
						formatTime(g.NextStart), formatTime(g.EarliestDelivery),
						fmt.Sprintf("%.0f", g.ProgressPercent), g.Urgent,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "order", "order|parent|department")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&department, "department", "", "department filter")
	return cmd
}

func ganttCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gantt",
		Short: "Gantt export and sync",
	}
	g.AddCommand(ganttExportCmd())
	g.AddCommand(ganttSyncCmd())
	return g
}

func ganttExportCmd() *cobra.Command {
	var f repo.TodoFilter
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the chart view as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GanttView(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order id")
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "department")
	cmd.Flags().StringVar(&f.MachineID, "machine", "", "machine")
	return cmd
}

func ganttSyncCmd() *cobra.Command {
	var file, batchID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply a chart diff",
		Long:  "Reads a sync request (created/updated/deleted tasks and links) from a file or - for stdin. A batch id is generated when the request has none; replaying the same batch id is idempotent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req gantt.SyncRequest
			if err := readJSONInput(file, &req); err != nil {
				return err
			}
			if batchID != "" {
				req.BatchID = batchID
			}
			if req.BatchID == "" {
				req.BatchID = uuid.NewString()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resp, err := e.SyncGantt(ctx, req, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Printf("batch %s: created %d task(s), updated %d, deleted %d; links +%d ~%d -%d; %d error(s), %d conflict(s)\n",
					resp.BatchID, len(resp.CreatedTaskIDs), resp.UpdatedCount, resp.DeletedCount,
					resp.CreatedLinkCount, resp.UpdatedLinkCount, resp.DeletedLinkCount,
					len(resp.Errors), len(resp.Conflicts))
				for _, ie := range resp.Errors {
					fmt.Printf("  %s %s %d: %s (%s)\n", ie.Entity, ie.Op, ie.ID, ie.Message, ie.Code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "sync request JSON (- for stdin)")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id (uuid); overrides the request")
	return cmd
}

func readJSONInput(path string, v any) error {
	var r io.Reader = os.Stdin
	name := "stdin"
	if path != "" && path != "-" {
		name = path
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
