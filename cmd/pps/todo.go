package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ppscore/internal/domain"
	"ppscore/internal/engine"
	"ppscore/internal/repo"
)

func todoCmd() *cobra.Command {
	todo := &cobra.Command{
		Use:   "todo",
		Short: "Manage todos",
		Long:  "Todos are the schedulable units: orders, articles, bom items and operations. Every update carries the version you read; a stale version is rejected.",
	}
	todo.AddCommand(todoListCmd())
	todo.AddCommand(todoGetCmd())
	todo.AddCommand(todoCreateCmd())
	todo.AddCommand(todoUpdateCmd())
	todo.AddCommand(todoDeleteCmd())
	todo.AddCommand(todoSegmentsCmd())
	return todo
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printTodos(todos []domain.Todo) error {
	if viper.GetBool("json") {
		return printJSON(todos)
	}
	tw := newTable("ID", "Name", "Type", "Status", "Prio", "Start", "End", "Min", "Resource", "V")
	for _, t := range todos {
		tw.AppendRow([]any{
			t.ID, t.Name, t.Type, t.Status, t.Priority,
			formatTime(t.PlannedStart), formatTime(t.PlannedEnd), t.TotalDurationMinutes,
			t.PrimaryResource().String(), t.Version,
		})
	}
	tw.Render()
	return nil
}

func todoListCmd() *cobra.Command {
	var f repo.TodoFilter
	var parent string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List todos",
		RunE: func(cmd *cobra.Command, args []string) error {
			if parent != "" {
				id, err := parseID(parent)
				if err != nil {
					return err
				}
				f.ParentID = &id
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				todos, err := e.ListTodos(ctx, f)
				if err != nil {
					return err
				}
				return printTodos(todos)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "todo type filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent todo id")
	cmd.Flags().StringVar(&f.MachineID, "machine", "", "assigned machine")
	cmd.Flags().StringVar(&f.EmployeeID, "employee", "", "assigned employee")
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "assigned department")
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order id")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "include-deleted", false, "include soft deleted todos")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func todoGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTodo(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

// todoFlags holds the field flags shared by create and update.
type todoFlags struct {
	name, todoType, status, blockReason     string
	parent, orderID, orderName              string
	start, end, actualStart, actualEnd      string
	delivery                                string
	department, machine, employee, category string
	setup, run, duration, priority          int
	progress, quantity                      float64
}

func (f *todoFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "name")
	cmd.Flags().StringVar(&f.todoType, "type", "", "todo type (container_order|container_article|bom_item|operation|eigene|task|project)")
	cmd.Flags().StringVar(&f.status, "status", "", "status (new|pending|planned|in_progress|completed|blocked)")
	cmd.Flags().StringVar(&f.blockReason, "block-reason", "", "reason when blocked")
	cmd.Flags().StringVar(&f.parent, "parent", "", "parent todo id")
	cmd.Flags().StringVar(&f.orderID, "order-id", "", "order id")
	cmd.Flags().StringVar(&f.orderName, "order-name", "", "order name")
	cmd.Flags().StringVar(&f.start, "start", "", "planned start (RFC3339)")
	cmd.Flags().StringVar(&f.end, "end", "", "planned end (RFC3339)")
	cmd.Flags().StringVar(&f.delivery, "delivery", "", "delivery date (RFC3339)")
	cmd.Flags().StringVar(&f.department, "department", "", "assigned department")
	cmd.Flags().StringVar(&f.machine, "machine", "", "assigned machine")
	cmd.Flags().StringVar(&f.employee, "employee", "", "assigned employee")
	cmd.Flags().StringVar(&f.category, "category", "", "work category code")
	cmd.Flags().IntVar(&f.setup, "setup", 0, "setup minutes")
	cmd.Flags().IntVar(&f.run, "run", 0, "run minutes")
	cmd.Flags().IntVar(&f.duration, "duration", 0, "total duration minutes (manual)")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "priority (lower is more urgent)")
	cmd.Flags().Float64Var(&f.progress, "progress", 0, "progress 0..1")
	cmd.Flags().Float64Var(&f.quantity, "quantity", 0, "quantity")
}

func todoCreateCmd() *cobra.Command {
	var f todoFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a todo",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TodoCreateOptions{
				Name:             f.name,
				Type:             domain.TodoType(f.todoType),
				OrderID:          optionalString(f.orderID),
				OrderName:        optionalString(f.orderName),
				SetupTimeMinutes: f.setup,
				RunTimeMinutes:   f.run,
				DepartmentID:     optionalString(f.department),
				MachineID:        optionalString(f.machine),
				EmployeeID:       optionalString(f.employee),
				WorkCategory:     optionalString(f.category),
				Status:           domain.TodoStatus(f.status),
				BlockReason:      optionalString(f.blockReason),
				Progress:         f.progress,
				Quantity:         f.quantity,
				ActorID:          viper.GetString("actor-id"),
			}
			var err error
			if f.parent != "" {
				id, err := parseID(f.parent)
				if err != nil {
					return err
				}
				opts.ParentID = &id
			}
			if opts.PlannedStart, err = parseTime(f.start); err != nil {
				return err
			}
			if opts.PlannedEnd, err = parseTime(f.end); err != nil {
				return err
			}
			if opts.DeliveryDate, err = parseTime(f.delivery); err != nil {
				return err
			}
			if cmd.Flags().Changed("duration") {
				opts.TotalDurationMinutes = &f.duration
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &f.priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTodo(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	f.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func todoUpdateCmd() *cobra.Command {
	var f todoFlags
	var version int
	var manual, reopen bool
	var clears []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p := engine.TodoPatch{
				ID:      id,
				Version: version,
				Reopen:  reopen,
				Clear:   clears,
				ActorID: viper.GetString("actor-id"),
			}
			changed := cmd.Flags().Changed
			str := func(name, v string) *string {
				if !changed(name) {
					return nil
				}
				return &v
			}
			p.Name = str("name", f.name)
			p.OrderID = str("order-id", f.orderID)
			p.OrderName = str("order-name", f.orderName)
			p.DepartmentID = str("department", f.department)
			p.MachineID = str("machine", f.machine)
			p.EmployeeID = str("employee", f.employee)
			p.WorkCategory = str("category", f.category)
			p.BlockReason = str("block-reason", f.blockReason)
			if changed("type") {
				tt := domain.TodoType(f.todoType)
				p.Type = &tt
			}
			if changed("status") {
				st := domain.TodoStatus(f.status)
				p.Status = &st
			}
			if changed("parent") {
				parent, err := parseID(f.parent)
				if err != nil {
					return err
				}
				p.ParentID = &parent
			}
			for _, tf := range []struct {
				flag, value string
				dst         **time.Time
			}{
				{"start", f.start, &p.PlannedStart},
				{"end", f.end, &p.PlannedEnd},
				{"actual-start", f.actualStart, &p.ActualStart},
				{"actual-end", f.actualEnd, &p.ActualEnd},
				{"delivery", f.delivery, &p.DeliveryDate},
			} {
				if !changed(tf.flag) {
					continue
				}
				if *tf.dst, err = parseTime(tf.value); err != nil {
					return err
				}
			}
			if changed("setup") {
				p.SetupTimeMinutes = &f.setup
			}
			if changed("run") {
				p.RunTimeMinutes = &f.run
			}
			if changed("duration") {
				p.TotalDurationMinutes = &f.duration
			}
			if changed("manual-duration") {
				p.IsDurationManual = &manual
			}
			if changed("priority") {
				p.Priority = &f.priority
			}
			if changed("progress") {
				p.Progress = &f.progress
			}
			if changed("quantity") {
				p.Quantity = &f.quantity
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTodo(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.actualStart, "actual-start", "", "actual start (RFC3339)")
	cmd.Flags().StringVar(&f.actualEnd, "actual-end", "", "actual end (RFC3339)")
	cmd.Flags().IntVar(&version, "version", 0, "version read before editing")
	cmd.Flags().BoolVar(&manual, "manual-duration", false, "mark duration as manual")
	cmd.Flags().BoolVar(&reopen, "reopen", false, "allow leaving completed")
	cmd.Flags().StringArrayVar(&clears, "clear", []string{}, "nullable field to reset (repeatable)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func todoDeleteCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft delete a todo and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteTodo(ctx, id, version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("deleted %d todo(s), deactivated %d edge(s)\n", len(res.DeletedIDs), len(res.DeactivatedEdgeIDs))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version read before deleting")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func todoSegmentsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "segments <id>",
		Short: "Show or replace the split segments of a todo",
		Long:  "Without --set prints the segments. With --set reads a JSON array of {segment_index,start_time,end_time,machine_id,employee_id} from a file or - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if file == "" {
					segs, err := e.ListSegments(ctx, id)
					if err != nil {
						return err
					}
					return printJSONOrTable(segs)
				}
				var segs []domain.Segment
				if err := readJSONInput(file, &segs); err != nil {
					return err
				}
				for i := range segs {
					segs[i].TodoID = id
				}
				out, err := e.SetSegments(ctx, id, segs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&file, "set", "", "JSON file with segments (- for stdin)")
	return cmd
}
