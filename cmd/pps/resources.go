package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ppscore/internal/domain"
	"ppscore/internal/engine"
)

func resourceCmd() *cobra.Command {
	res := &cobra.Command{
		Use:   "resource",
		Short: "Manage departments, machines and employees",
	}
	res.AddCommand(resourceAddCmd())
	res.AddCommand(resourceListCmd())
	res.AddCommand(resourceQualifyCmd())
	return res
}

func resourceAddCmd() *cobra.Command {
	var r domain.Resource
	var department, calendar string
	cmd := &cobra.Command{
		Use:   "add <kind> <id>",
		Short: "Create or update a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Kind = domain.ResourceKind(args[0])
			r.ID = args[1]
			r.DepartmentID = optionalString(department)
			r.CalendarID = optionalString(calendar)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpsertResource(ctx, r, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&r.Name, "name", "", "display name")
	cmd.Flags().StringVar(&department, "department", "", "owning department")
	cmd.Flags().StringVar(&calendar, "calendar", "", "work calendar id")
	cmd.Flags().Float64Var(&r.Capacity, "capacity", 1, "parallel capacity")
	return cmd
}

func resourceListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListResources(ctx, domain.ResourceKind(kind))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Kind", "ID", "Name", "Department", "Capacity", "Calendar")
				for _, r := range items {
					tw.AppendRow([]any{r.Kind, r.ID, r.Name, deref(r.DepartmentID), r.Capacity, deref(r.CalendarID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "department|machine|employee")
	return cmd
}

func resourceQualifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qualify <kind> <id> [category=level...]",
		Short: "Show or replace the qualifications of a resource",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := domain.ResourceRef{Kind: domain.ResourceKind(args[0]), ID: args[1]}
			quals, err := parseQualifications(args[2:])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var out []domain.Qualification
				if len(quals) == 0 && !viper.GetBool("force") {
					out, err = e.ListQualifications(ctx, ref)
				} else {
					out, err = e.SetQualifications(ctx, ref, quals, viper.GetString("actor-id"))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func parseQualifications(args []string) ([]domain.Qualification, error) {
	quals := make([]domain.Qualification, 0, len(args))
	for _, arg := range args {
		code, level, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(code) == "" {
			return nil, fmt.Errorf("qualification %q must look like category=level", arg)
		}
		n, err := strconv.Atoi(level)
		if err != nil {
			return nil, fmt.Errorf("qualification %q: level must be an integer", arg)
		}
		quals = append(quals, domain.Qualification{Category: strings.TrimSpace(code), Level: n})
	}
	return quals, nil
}

func calendarCmd() *cobra.Command {
	cal := &cobra.Command{
		Use:   "calendar",
		Short: "Manage work calendars",
	}
	cal.AddCommand(calendarSetCmd())
	cal.AddCommand(calendarShowCmd())
	return cal
}

func calendarSetCmd() *cobra.Command {
	var name, tz string
	var windows, exceptions []string
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or replace a calendar",
		Long:  "Windows look like mon=08:00-16:00 (repeatable). Exceptions are non-working days as YYYY-MM-DD.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := domain.WorkCalendar{ID: args[0], Name: name, Timezone: tz}
			for _, w := range windows {
				win, err := parseWindow(w)
				if err != nil {
					return err
				}
				c.Windows = append(c.Windows, win)
			}
			for _, day := range exceptions {
				c.Exceptions = append(c.Exceptions, domain.CalendarException{Day: day})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpsertCalendar(ctx, c, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone (defaults to planning.timezone)")
	cmd.Flags().StringArrayVar(&windows, "window", []string{}, "working window day=HH:MM-HH:MM")
	cmd.Flags().StringArrayVar(&exceptions, "closed", []string{}, "non-working day YYYY-MM-DD")
	return cmd
}

func calendarShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCalendar(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

var weekdays = map[string]int{"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6}

func parseWindow(s string) (domain.CalendarWindow, error) {
	day, span, ok := strings.Cut(strings.ToLower(s), "=")
	if !ok {
		return domain.CalendarWindow{}, fmt.Errorf("window %q must look like mon=08:00-16:00", s)
	}
	wd, ok := weekdays[day]
	if !ok {
		return domain.CalendarWindow{}, fmt.Errorf("window %q: unknown day %q", s, day)
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return domain.CalendarWindow{}, fmt.Errorf("window %q must look like mon=08:00-16:00", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return domain.CalendarWindow{}, err
	}
	end, err := parseClock(to)
	if err != nil {
		return domain.CalendarWindow{}, err
	}
	return domain.CalendarWindow{Weekday: time.Weekday(wd), StartMinute: start, EndMinute: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		if strings.TrimSpace(s) == "24:00" {
			return 24 * 60, nil
		}
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func categoryCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "category",
		Short: "Manage work categories",
	}
	cat.AddCommand(categorySetCmd())
	cat.AddCommand(categoryListCmd())
	return cat
}

func categorySetCmd() *cobra.Command {
	var c domain.WorkCategory
	cmd := &cobra.Command{
		Use:   "set <code>",
		Short: "Create or update a work category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Code = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.UpsertCategory(ctx, c, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&c.Name, "name", "", "display name")
	cmd.Flags().IntVar(&c.MinLevel, "min-level", 0, "minimum qualification level")
	return cmd
}

func categoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCategories(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}
