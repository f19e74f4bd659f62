package engine

import (
	"context"
	"sort"
	"time"

	"raidline/internal/domain"
	"raidline/internal/repo"
)

type AgentActivity struct {
	Agent       string `json:"agent"`
	LiveTasks   int    `json:"live_tasks"`
	ActivitySum int    `json:"activity_sum"`
	Claims      int    `json:"claims"`
}

// PartyStatus is the registry, claim table and per-agent workload read together.
type PartyStatus struct {
	Agents   []domain.AgentView `json:"agents"`
	Claims   []domain.Claim     `json:"claims"`
	Activity []AgentActivity    `json:"activity"`
}

func (e Engine) PartyStatus(ctx context.Context) (ps PartyStatus, err error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ps, err
	}
	defer tx.Rollback()

	agents, err := e.Repo.ListAgents(ctx, tx)
	if err != nil {
		return ps, err
	}
	if ps.Claims, err = e.Repo.ListClaims(ctx, tx, ""); err != nil {
		return ps, err
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Statuses: LiveTaskStatuses})
	if err != nil {
		return ps, err
	}
	now := e.now()
	byAgent := map[string]*AgentActivity{}
	ps.Agents = make([]domain.AgentView, 0, len(agents))
	ps.Activity = make([]AgentActivity, 0, len(agents))
	for _, a := range agents {
		ps.Agents = append(ps.Agents, e.view(a, now))
		ps.Activity = append(ps.Activity, AgentActivity{Agent: a.Name})
	}
	for i := range ps.Activity {
		byAgent[ps.Activity[i].Agent] = &ps.Activity[i]
	}
	for _, t := range tasks {
		if t.Assignee == nil {
			continue
		}
		if act, ok := byAgent[*t.Assignee]; ok {
			act.LiveTasks++
			act.ActivitySum += t.ActivityCount
		}
	}
	for _, c := range ps.Claims {
		if act, ok := byAgent[c.Holder]; ok {
			act.Claims++
		}
	}
	if ps.Claims == nil {
		ps.Claims = []domain.Claim{}
	}
	return ps, nil
}

type TaskActivity struct {
	Task  domain.Task `json:"task"`
	Level string      `json:"level" enum:"ok,warning,escalated"`
}

// CheckActivity lists live tasks, optionally for one assignee, busiest first.
func (e Engine) CheckActivity(ctx context.Context, agent string) ([]TaskActivity, error) {
	if agent != "" {
		if _, err := e.requireAgent(ctx, e.DB, agent); err != nil {
			return nil, err
		}
	}
	tasks, err := e.Repo.ListTasks(ctx, e.DB, repo.TaskFilters{Statuses: LiveTaskStatuses, Assignee: agent})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].ActivityCount > tasks[j].ActivityCount
	})
	out := make([]TaskActivity, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskActivity{Task: t, Level: e.activityLevel(t.ActivityCount)})
	}
	return out, nil
}

type FreshnessReport struct {
	Agent        string   `json:"agent"`
	ReportedAt   *string  `json:"reported_at,omitempty"`
	Stale        bool     `json:"stale"`
	Changed      []string `json:"changed"`
	CheckedPaths int      `json:"checked_paths"`
}

// CheckFreshness lists the artifacts referenced by live tasks and claims that
// changed after name last reported usage. Without a report every existing
// artifact counts as changed.
func (e Engine) CheckFreshness(ctx context.Context, name string) (rep FreshnessReport, err error) {
	defer e.track(ctx, "check_freshness", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()

	a, err := e.requireAgent(ctx, tx, name)
	if err != nil {
		return rep, err
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Statuses: LiveTaskStatuses})
	if err != nil {
		return rep, err
	}
	claims, err := e.Repo.ListClaims(ctx, tx, "")
	if err != nil {
		return rep, err
	}
	paths := referencedPaths(tasks, claims)
	since := time.Time{}
	if a.ContextUpdatedAt != nil {
		if since, err = parseStamp(*a.ContextUpdatedAt); err != nil {
			return rep, invariantViolation("agent", a.Name, "unparseable context_updated_at %q", *a.ContextUpdatedAt)
		}
	}
	changed, err := e.Artifacts.ModifiedAfter(paths, since)
	if err != nil {
		return rep, err
	}
	if changed == nil {
		changed = []string{}
	}
	return FreshnessReport{
		Agent:        a.Name,
		ReportedAt:   a.ContextUpdatedAt,
		Stale:        e.freshness(a, e.now()).Stale(),
		Changed:      changed,
		CheckedPaths: len(paths),
	}, nil
}

func referencedPaths(tasks []domain.Task, claims []domain.Claim) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, t := range tasks {
		add(t.SpecPath)
		if t.ResultPath != nil {
			add(*t.ResultPath)
		}
		for _, f := range t.Files {
			add(f)
		}
	}
	for _, c := range claims {
		add(c.Path)
	}
	sort.Strings(out)
	return out
}
