package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"raidline/internal/domain"
	"raidline/internal/engine"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func success(format string, a ...any) {
	green.Fprintf(os.Stderr, "✓ "+format+"\n", a...)
}

func warning(format string, a ...any) {
	yellow.Fprintf(os.Stderr, "warning: "+format+"\n", a...)
}

// reminder prints engine nudges such as the context-report reminder.
func reminder(msg string) {
	if msg != "" {
		cyan.Fprintln(os.Stderr, msg)
	}
}

// printError renders a classified rejection with its kind, code and details
// so the caller can self-correct.
func printError(err error) {
	kind, code := engine.Classify(err)
	if kind == "" {
		red.Fprintln(os.Stderr, "error:", err)
		return
	}
	red.Fprintf(os.Stderr, "%s [%s]: %v\n", kind, code, err)
	details := engine.DetailsOf(err)
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(os.Stderr, "  %s: %v\n", k, details[k])
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

// renderRecord prints one entity as a field/value table using its JSON field names.
func renderRecord(v any) error {
	rows, err := recordRows(v)
	if err != nil {
		return err
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func recordRows(v any) ([]table.Row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("render %T as a record: %w", v, err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]table.Row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, table.Row{k, formatValue(fields[k])})
	}
	return rows, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		b, _ := json.Marshal(x)
		return string(b)
	}
	return fmt.Sprint(v)
}

func renderAgents(views []domain.AgentView) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Name", "Class", "Model", "Zone", "Status", "HP", "Seen (min)", "Stale"})
	for _, v := range views {
		stale := ""
		if v.Stale {
			stale = yellow.Sprint("stale")
		}
		tw.AppendRow(table.Row{v.Name, v.Class, v.Model, v.Zone, v.Status, v.HP, fmt.Sprintf("%.1f", v.MinutesSinceSeen), stale})
	}
	tw.Render()
}

func renderTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Project", "Zone", "Activity", "Depends on"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, deref(t.Assignee), t.Project, t.Zone, t.ActivityCount, strings.Join(t.DependsOn, ",")})
	}
	tw.Render()
}

func renderClaims(claims []domain.Claim) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Path", "Holder", "Since", "Waitlist"})
	for _, c := range claims {
		waiting := make([]string, 0, len(c.Waitlist))
		for _, w := range c.Waitlist {
			waiting = append(waiting, w.Agent)
		}
		tw.AppendRow(table.Row{c.Path, c.Holder, c.AcquiredAt, strings.Join(waiting, ",")})
	}
	tw.Render()
}

func renderMessages(msgs []domain.Message) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "From", "To", "Trigger", "At", "Body"})
	for _, m := range msgs {
		to := m.To
		if m.IsCC {
			to = "cc:" + to
		}
		tw.AppendRow(table.Row{m.ID, m.From, to, deref(m.Trigger), m.CreatedAt, m.Body})
	}
	tw.Render()
}

func renderPlans(plans []domain.BattlePlan) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Status", "Project", "Zone", "Author", "Updated", "Body"})
	for _, p := range plans {
		tw.AppendRow(table.Row{p.ID, p.Status, p.Project, p.Zone, p.Author, p.UpdatedAt, p.Body})
	}
	tw.Render()
}

func renderRaid(entries []domain.RaidLogEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Priority", "Author", "At", "Body"})
	for _, r := range entries {
		priority := r.Priority
		switch r.Priority {
		case "critical":
			priority = red.Sprint(priority)
		case "high":
			priority = yellow.Sprint(priority)
		}
		tw.AppendRow(table.Row{r.ID, priority, r.Author, r.CreatedAt, r.Body})
	}
	tw.Render()
}

func renderActivity(items []engine.TaskActivity) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Task", "Status", "Assignee", "Activity", "Level"})
	for _, a := range items {
		level := a.Level
		switch a.Level {
		case "escalated":
			level = red.Sprint(level)
		case "warning":
			level = yellow.Sprint(level)
		}
		tw.AppendRow(table.Row{a.Task.ID, a.Task.Status, deref(a.Task.Assignee), a.Task.ActivityCount, level})
	}
	tw.Render()
}

func renderEvents(evts []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "At", "Type", "Entity", "Actor", "Payload"})
	for _, e := range evts {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += ":" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.Actor, e.Payload})
	}
	tw.Render()
}
