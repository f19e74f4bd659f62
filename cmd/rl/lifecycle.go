package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/engine"
)

func partyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "party",
		Short: "Show agents, claims and workload together",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ps, err := e.PartyStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ps)
				}
				renderAgents(ps.Agents)
				if len(ps.Claims) > 0 {
					renderClaims(ps.Claims)
				}
				for _, a := range ps.Activity {
					fmt.Printf("%s: %d live tasks, activity %d, %d claims\n", a.Agent, a.LiveTasks, a.ActivitySum, a.Claims)
				}
				return nil
			})
		},
	}
}

func activityCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show live tasks by activity, flagging churn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.CheckActivity(ctx, agent)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderActivity(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agent, "assignee", "", "only tasks assigned to this agent")
	return cmd
}

func freshnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freshness",
		Short: "List artifacts changed since your last context report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				rep, err := e.CheckFreshness(ctx, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if !rep.Stale {
					success("nothing changed across %d paths", rep.CheckedPaths)
					return nil
				}
				warning("%d of %d paths changed since your last report", len(rep.Changed), rep.CheckedPaths)
				for _, p := range rep.Changed {
					fmt.Println("  " + p)
				}
				return nil
			})
		},
	}
}

func coldStartCmd() *cobra.Command {
	var inherit string
	cmd := &cobra.Command{
		Use:   "cold-start",
		Short: "Get a briefing: plans, raid log, tasks, party and inherited manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				b, err := e.ColdStart(ctx, name, inherit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Session %d, %s as %s\n", b.Session.ID, b.Agent.Name, b.Agent.Class)
				renderPlans(b.Plans)
				renderRaid(b.RaidLog)
				renderTasks(b.Tasks)
				renderAgents(b.Agents)
				for _, m := range b.Manifests {
					fmt.Printf("inherited from %s: %v %s\n", m.Agent, m.Paths, m.Note)
				}
				reminder(b.Reminder)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&inherit, "inherit", "", "agent whose manifests to pick up (defaults to you)")
	return cmd
}

func fenixDownCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "fenix-down <path>...",
		Short: "Leave a manifest of artifacts for your successor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				m, err := e.FenixDown(ctx, name, args, note)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				success("manifest %s with %d paths", m.ID, len(m.Paths))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note for the successor")
	return cmd
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Session debrief and rollover"}
	session.AddCommand(&cobra.Command{
		Use:   "debrief <path>",
		Short: "Attach the debrief artifact to the open session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				s, err := e.Debrief(ctx, name, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	var pruneLow bool
	end := &cobra.Command{
		Use:   "end",
		Short: "End the session and start the next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				res, err := e.EndSession(ctx, name, pruneLow)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("session %d ended, session %d started", res.Ended.ID, res.Next.ID)
				if res.Pruned > 0 {
					fmt.Printf("pruned %d low priority raid entries\n", res.Pruned)
				}
				return nil
			})
		},
	}
	end.Flags().BoolVar(&pruneLow, "prune-low", false, "delete low priority raid entries")
	session.AddCommand(end)
	return session
}

func heartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <target>",
		Short: "Challenge an agent; it is deregistered if it stays silent past the deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				h, err := e.Heartbeat(ctx, name, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(h)
				}
				success("heartbeat sent to %s, deadline %s", h.Target, h.Deadline)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reap agents that missed their heartbeat deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reaped, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reaped)
				}
				if len(reaped) == 0 {
					fmt.Println("nothing to reap")
				}
				for _, r := range reaped {
					warning("reaped %s, released %v", r.Agent, r.Released)
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				renderEvents(evts)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}
