package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/repo"
)

const (
	PlanActive     = "active"
	PlanSuperseded = "superseded"
	PlanCompleted  = "completed"
	PlanAbandoned  = "abandoned"
	PlanObsolete   = "obsolete"
)

var planTransitions = map[string][]string{
	PlanActive:     {PlanSuperseded, PlanCompleted, PlanAbandoned, PlanObsolete},
	PlanSuperseded: {PlanObsolete},
}

var planStatuses = map[string]bool{
	PlanActive: true, PlanSuperseded: true, PlanCompleted: true, PlanAbandoned: true, PlanObsolete: true,
}

var raidPriorities = map[string]bool{"low": true, "normal": true, "high": true, "critical": true}

type SetPlanOptions struct {
	Caller  string
	Body    string
	Project string
	Zone    string
}

type SetPlanResult struct {
	Plan       domain.BattlePlan `json:"plan"`
	Superseded int64             `json:"superseded"`
}

// SetBattlePlan supersedes the active plan of the scope and installs a new one
// in the same transaction.
func (e Engine) SetBattlePlan(ctx context.Context, opts SetPlanOptions) (res SetPlanResult, err error) {
	defer e.track(ctx, "set_battle_plan", &err)
	if strings.TrimSpace(opts.Body) == "" {
		return res, invalidArg("plan body is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, opts.Caller, auth.PermPlanSet); err != nil {
		return res, err
	}
	now := stamp(e.now())
	if res.Superseded, err = e.Repo.SupersedeActive(ctx, tx, opts.Project, opts.Zone, now); err != nil {
		return res, err
	}
	if res.Superseded > 1 {
		return res, invariantViolation("plan_scope", opts.Project+"/"+opts.Zone, "%d active plans in one scope", res.Superseded)
	}
	p := domain.BattlePlan{
		Author:    opts.Caller,
		Body:      opts.Body,
		Status:    PlanActive,
		Project:   opts.Project,
		Zone:      opts.Zone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.ID, err = e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return res, err
	}
	if err := e.appendEvent(ctx, tx, "plan.set", "plan", fmt.Sprint(p.ID), opts.Caller, events.EventPayload{
		"project": p.Project, "zone": p.Zone, "superseded": res.Superseded,
	}); err != nil {
		return res, err
	}
	res.Plan = p
	return res, tx.Commit()
}

// PlanQuery filters GetBattlePlan. Status defaults to active; nil scope fields match any scope.
type PlanQuery struct {
	Status  string
	Project *string
	Zone    *string
}

func (e Engine) GetBattlePlan(ctx context.Context, q PlanQuery) ([]domain.BattlePlan, error) {
	if q.Status == "" {
		q.Status = PlanActive
	}
	if q.Status != "any" && !planStatuses[q.Status] {
		return nil, invalidArg("unknown plan status %s", q.Status)
	}
	f := repo.PlanFilters{Status: q.Status, Project: q.Project, Zone: q.Zone}
	if q.Status == "any" {
		f.Status = ""
	}
	plans, err := e.Repo.ListPlans(ctx, e.DB, f)
	if err != nil {
		return nil, err
	}
	if plans == nil {
		plans = []domain.BattlePlan{}
	}
	return plans, nil
}

func (e Engine) UpdateBattlePlanStatus(ctx context.Context, caller string, id int64, status string) (p domain.BattlePlan, err error) {
	defer e.track(ctx, "update_battle_plan_status", &err)
	if !planStatuses[status] {
		return p, invalidArg("unknown plan status %s", status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, caller, auth.PermPlanUpdate); err != nil {
		return p, err
	}
	p, err = e.Repo.GetPlan(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, newError(KindNotFound, CodeUnknownPlan, map[string]any{"plan": id}, "battle plan %d not found", id)
	}
	if err != nil {
		return p, err
	}
	entityID := fmt.Sprint(id)
	if err := e.ensureHealthy(ctx, tx, "plan", entityID); err != nil {
		return p, err
	}
	allowed := false
	for _, next := range planTransitions[p.Status] {
		if next == status {
			allowed = true
		}
	}
	if !allowed {
		return p, newError(KindInvalidTransition, CodeInvalidTransition,
			map[string]any{"from": p.Status, "to": status, "allowed": planTransitions[p.Status]},
			"invalid plan transition %s -> %s", p.Status, status)
	}
	from := p.Status
	p.Status = status
	p.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdatePlanStatus(ctx, tx, id, status, p.UpdatedAt); err != nil {
		return p, err
	}
	if err := e.appendEvent(ctx, tx, "plan.status", "plan", entityID, caller, events.EventPayload{"from": from, "to": status}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// LogRaid appends to the raid log. Priority defaults to normal.
func (e Engine) LogRaid(ctx context.Context, author, body, priority string) (entry domain.RaidLogEntry, err error) {
	defer e.track(ctx, "log_raid", &err)
	if priority == "" {
		priority = "normal"
	}
	if !raidPriorities[priority] {
		return entry, invalidArg("priority must be one of low, normal, high, critical")
	}
	if strings.TrimSpace(body) == "" {
		return entry, invalidArg("raid log body is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	if _, err := e.requireAgent(ctx, tx, author); err != nil {
		return entry, err
	}
	entry = domain.RaidLogEntry{Author: author, Body: body, Priority: priority, CreatedAt: stamp(e.now())}
	if entry.ID, err = e.Repo.InsertRaidEntry(ctx, tx, entry); err != nil {
		return entry, err
	}
	if err := e.appendEvent(ctx, tx, "raid.logged", "raid", fmt.Sprint(entry.ID), author, events.EventPayload{"priority": priority}); err != nil {
		return entry, err
	}
	return entry, tx.Commit()
}

type RaidQuery struct {
	Priorities []string
	Author     string
	Count      int
}

// GetRaidLog returns entries newest first.
func (e Engine) GetRaidLog(ctx context.Context, q RaidQuery) ([]domain.RaidLogEntry, error) {
	for _, p := range q.Priorities {
		if !raidPriorities[p] {
			return nil, invalidArg("unknown priority %s", p)
		}
	}
	if q.Count < 0 {
		return nil, invalidArg("count must be positive")
	}
	if q.Count == 0 {
		q.Count = e.Config.RaidLog.DefaultCount
	}
	entries, err := e.Repo.ListRaid(ctx, e.DB, repo.RaidFilters{Priorities: q.Priorities, Author: q.Author, Limit: q.Count})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.RaidLogEntry{}
	}
	return entries, nil
}
