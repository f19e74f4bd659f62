package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/engine"
)

func claimCmd() *cobra.Command {
	claim := &cobra.Command{
		Use:   "claim <path>",
		Short: "Claim a file; queues you when someone else holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				res, err := e.ClaimFile(ctx, name, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Renewed {
					success("already holding %s", res.Claim.Path)
				} else {
					success("claimed %s", res.Claim.Path)
				}
				return nil
			})
		},
	}
	var force bool
	release := &cobra.Command{
		Use:   "release <path>",
		Short: "Release a claim and notify the next agent in line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				var res engine.ReleaseResult
				var err error
				if force {
					res, err = e.ForceRelease(ctx, name, args[0])
				} else {
					res, err = e.ReleaseFile(ctx, name, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("released %s held by %s", res.Path, res.Holder)
				if res.Notified != "" {
					fmt.Printf("notified %s\n", res.Notified)
				}
				return nil
			})
		},
	}
	release.Flags().BoolVar(&force, "force", false, "release another agent's claim (requires claim.force_release)")
	var holder string
	list := &cobra.Command{
		Use:   "list",
		Short: "List claims with their waitlists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claims, err := e.GetClaims(ctx, holder)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				renderClaims(claims)
				return nil
			})
		},
	}
	list.Flags().StringVar(&holder, "holder", "", "only claims held by this agent")
	claim.AddCommand(release, list)
	return claim
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Battle plan directives",
		Long:  "Each project and zone has at most one active battle plan. Setting a new one supersedes the old; plans are never edited.",
	}
	var setOpts engine.SetPlanOptions
	set := &cobra.Command{
		Use:   "set <body>",
		Short: "Install a new active plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				setOpts.Caller, setOpts.Body = name, args[0]
				res, err := e.SetBattlePlan(ctx, setOpts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("plan %d active", res.Plan.ID)
				if res.Superseded != 0 {
					fmt.Printf("superseded plan %d\n", res.Superseded)
				}
				return nil
			})
		},
	}
	set.Flags().StringVar(&setOpts.Project, "project", "", "project scope")
	set.Flags().StringVar(&setOpts.Zone, "zone", "", "zone scope")

	var status, project, zone string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := engine.PlanQuery{Status: status}
			if cmd.Flags().Changed("project") {
				q.Project = &project
			}
			if cmd.Flags().Changed("zone") {
				q.Zone = &zone
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plans, err := e.GetBattlePlan(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				renderPlans(plans)
				return nil
			})
		},
	}
	show.Flags().StringVar(&status, "status", "", "status filter (defaults to active; \"any\" for all)")
	show.Flags().StringVar(&project, "project", "", "project scope")
	show.Flags().StringVar(&zone, "zone", "", "zone scope")

	update := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Mark a plan completed, abandoned or obsolete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid plan id %q", args[0])
			}
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				p, err := e.UpdateBattlePlanStatus(ctx, name, id, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	plan.AddCommand(set, show, update)
	return plan
}

func raidCmd() *cobra.Command {
	raid := &cobra.Command{Use: "raid", Short: "Raid log entries"}
	var priority string
	add := &cobra.Command{
		Use:   "log <body>",
		Short: "Append an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				entry, err := e.LogRaid(ctx, name, args[0], priority)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				success("raid entry %d (%s)", entry.ID, entry.Priority)
				return nil
			})
		},
	}
	add.Flags().StringVar(&priority, "priority", "", "low, normal, high or critical (defaults to normal)")

	var q engine.RaidQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "Show entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.GetRaidLog(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				renderRaid(entries)
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&q.Priorities, "priority", nil, "priority filter (repeatable)")
	list.Flags().StringVar(&q.Author, "author", "", "author filter")
	list.Flags().IntVar(&q.Count, "count", 0, "number of entries (defaults to raid_log.default_count)")
	raid.AddCommand(add, list)
	return raid
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow open -> assigned -> in_progress -> fixed -> verified -> closed; abandoned, stale and obsolete are exits. A task cannot be assigned while a dependency is unclosed, and cannot close without a result artifact.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskResultCmd())
	task.AddCommand(taskCloseCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskThawCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.CreateTaskOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task from a spec artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				opts.Caller = name
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.SpecPath, "spec", "", "spec artifact path")
	cmd.Flags().StringVar(&opts.Project, "project", "", "project")
	cmd.Flags().StringVar(&opts.Zone, "zone", "", "zone")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <assignee>",
		Short: "Assign a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				t, err := e.AssignTask(ctx, name, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.UpdateTaskOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Record progress and optionally move the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				opts.Agent, opts.ID = name, args[0]
				res, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					warning("%s", w)
				}
				return printJSONOrTable(res.Task)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Progress, "progress", "", "progress note")
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status")
	cmd.Flags().StringArrayVar(&opts.Files, "file", nil, "touched file (repeatable)")
	return cmd
}

func taskResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <id> <path>",
		Short: "Attach the result artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				t, err := e.SubmitResult(ctx, name, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a verified task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				t, err := e.CloseTask(ctx, name, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var q engine.TaskQuery
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks (live statuses by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.GetTasks(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&q.Statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&q.Assignee, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&q.Project, "project", "", "project filter")
	cmd.Flags().StringVar(&q.Zone, "zone", "", "zone filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "max tasks (defaults to tasks.default_count)")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskThawCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thaw",
		Short: "Reopen assignments frozen by an emergency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				res, err := e.ThawAssignments(ctx, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("%d tasks assignable again", res.Affected)
				return nil
			})
		},
	}
}
