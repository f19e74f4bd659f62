package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/engine"
)

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage party membership",
		Long:  "Agents register under a class that decides their permissions, allowed models and staleness window. Names are unique within the registry.",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentDeregisterCmd())
	agent.AddCommand(agentRenameCmd())
	agent.AddCommand(agentStatusCmd())
	agent.AddCommand(agentZoneCmd())
	agent.AddCommand(agentContextCmd())
	agent.AddCommand(agentShowCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.RegisterOptions
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Join the party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Register(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("registered %s as %s (%s), stale after %s", res.Agent.Name, res.Agent.Class, res.Agent.Model, res.StaleAfter)
				fmt.Printf("permissions: %v\n", res.Permissions)
				if len(res.Onboarding) == 0 {
					warning("no onboarding docs found; expected %s and %s", engine.ProtocolDoc, engine.ClassProfile(res.Agent.Class))
				}
				for _, doc := range res.Onboarding {
					reminder("read " + doc + " before starting work")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Class, "class", "", "agent class")
	cmd.Flags().StringVar(&opts.Model, "model", "", "model identifier")
	cmd.Flags().StringVar(&opts.Transport, "transport", "", "transport (defaults to terminal)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Zone, "zone", "", "zone")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func agentDeregisterCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "deregister <name>",
		Short: "Leave the party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				res, err := e.Deregister(ctx, name, args[0], force)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("deregistered %s", res.Agent)
				for _, p := range res.Released {
					warning("released claim on %s", p)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release held claims instead of refusing")
	return cmd
}

func agentRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename an agent, rewriting every reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				a, err := e.Rename(ctx, name, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <text>",
		Short: "Set your free-form status line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				a, err := e.SetStatus(ctx, name, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentZoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zone <name> <zone>",
		Short: "Move an agent to a zone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				a, err := e.SetZone(ctx, name, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentContextCmd() *cobra.Command {
	var opts engine.ReportUsageOptions
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Report context usage",
		Long:  "Reporting context usage keeps the inbox gate open; a report older than the class staleness window blocks sending.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				opts.Name = name
				v, err := e.ReportUsage(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				success("%s at %s", v.Name, v.HP)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "what is currently loaded")
	cmd.Flags().IntVar(&opts.Used, "used", 0, "tokens used")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "token limit")
	_ = cmd.MarkFlagRequired("used")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func whoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "who",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.Who(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				renderAgents(views)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var opts engine.SendOptions
	cmd := &cobra.Command{
		Use:   "send <to> <body>",
		Short: "Send a message (\"all\" broadcasts)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				opts.From, opts.To, opts.Body = name, args[0], args[1]
				res, err := e.Send(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("message %d sent to %s", res.Message.ID, res.Message.To)
				if len(res.CopiedTo) > 0 {
					fmt.Printf("copied to: %v\n", res.CopiedTo)
				}
				if res.Trigger != nil {
					fmt.Printf("trigger %s applied\n", res.Trigger.Token)
				}
				for _, w := range res.Warnings {
					warning("%s", w)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "", "trigger token (emergency, all_clear, blocker)")
	cmd.Flags().StringSliceVar(&opts.CC, "cc", nil, "extra recipients to copy")
	return cmd
}

func inboxCmd() *cobra.Command {
	inbox := &cobra.Command{
		Use:   "inbox",
		Short: "Drain your inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				res, err := e.CheckInbox(ctx, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if len(res.Messages) == 0 {
					fmt.Println("inbox empty")
				} else {
					renderMessages(res.Messages)
				}
				reminder(res.Reminder)
				return nil
			})
		},
	}
	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete old messages from your inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, name string) error {
				if !cmd.Flags().Changed("older-than") {
					olderThan = e.Config.Messaging.PurgeOlderThan
				}
				res, err := e.PurgeInbox(ctx, name, olderThan)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				success("deleted %d, acknowledged %d", res.Deleted, res.Acknowledged)
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (defaults to messaging.purge_older_than)")
	inbox.AddCommand(purge)
	return inbox
}

func historyCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.GetHistory(ctx, count)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				renderMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of messages (defaults to messaging.history_count)")
	return cmd
}
