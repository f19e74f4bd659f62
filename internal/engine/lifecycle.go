package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"raidline/internal/artifacts"
	"raidline/internal/domain"
	"raidline/internal/engine/auth"
	"raidline/internal/events"
	"raidline/internal/repo"
)

// Briefing is the snapshot handed to an agent arriving in a session.
type Briefing struct {
	Agent     domain.AgentView       `json:"agent"`
	Session   domain.Session         `json:"session"`
	Plans     []domain.BattlePlan    `json:"plans"`
	RaidLog   []domain.RaidLogEntry  `json:"raid_log"`
	Tasks     []domain.Task          `json:"tasks"`
	Agents    []domain.AgentView     `json:"agents"`
	Manifests []domain.FenixManifest `json:"manifests"`
	Reminder  string                 `json:"reminder,omitempty"`
}

// ColdStart assembles a briefing for name in one transaction. Unconsumed
// manifests left by inherit (name itself when empty) are included and marked
// consumed, so no later briefing replays them.
func (e Engine) ColdStart(ctx context.Context, name, inherit string) (b Briefing, err error) {
	defer e.track(ctx, "cold_start", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()

	a, err := e.requireAgent(ctx, tx, name)
	if err != nil {
		return b, err
	}
	if inherit == "" {
		inherit = name
	}
	now := e.now()
	if b.Session, err = e.ensureSession(ctx, tx); err != nil {
		return b, err
	}
	if b.Plans, err = e.Repo.ListPlans(ctx, tx, repo.PlanFilters{Status: PlanActive}); err != nil {
		return b, err
	}
	if b.RaidLog, err = e.raidWindow(ctx, tx, a.Class); err != nil {
		return b, err
	}
	if b.Tasks, err = e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Statuses: LiveTaskStatuses}); err != nil {
		return b, err
	}
	agents, err := e.Repo.ListAgents(ctx, tx)
	if err != nil {
		return b, err
	}
	for _, other := range agents {
		v := e.view(other, now)
		if other.Name == name {
			b.Agent = v
		}
		b.Agents = append(b.Agents, v)
	}
	if b.Manifests, err = e.Repo.PendingManifests(ctx, tx, inherit); err != nil {
		return b, err
	}
	for i := range b.Manifests {
		m := &b.Manifests[i]
		if err := e.Repo.ConsumeManifest(ctx, tx, m.ID, name, stamp(now)); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return b, invariantViolation("manifest", m.ID, "pending manifest could not be consumed")
			}
			return b, err
		}
		at, by := stamp(now), name
		m.ConsumedAt, m.ConsumedBy = &at, &by
		if err := e.appendEvent(ctx, tx, "manifest.consumed", "manifest", m.ID, name, events.EventPayload{"owner": m.Agent}); err != nil {
			return b, err
		}
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	if b.Plans == nil {
		b.Plans = []domain.BattlePlan{}
	}
	if b.RaidLog == nil {
		b.RaidLog = []domain.RaidLogEntry{}
	}
	if b.Tasks == nil {
		b.Tasks = []domain.Task{}
	}
	if b.Manifests == nil {
		b.Manifests = []domain.FenixManifest{}
	}
	if f := e.freshness(a, now); f.Stale() {
		b.Reminder = staleReminder(f)
	}
	return b, nil
}

// raidWindow returns the newest entries up to the configured window. Brief
// classes see high and critical entries first, topped up with the rest.
func (e Engine) raidWindow(ctx context.Context, q repo.DBTX, class string) ([]domain.RaidLogEntry, error) {
	window := e.Config.ColdStart.RaidWindow
	cl, _ := e.Config.Class(class)
	if !cl.Brief {
		return e.Repo.ListRaid(ctx, q, repo.RaidFilters{Limit: window})
	}
	urgent, err := e.Repo.ListRaid(ctx, q, repo.RaidFilters{Priorities: []string{"high", "critical"}, Limit: window})
	if err != nil {
		return nil, err
	}
	if len(urgent) >= window {
		return urgent, nil
	}
	rest, err := e.Repo.ListRaid(ctx, q, repo.RaidFilters{Priorities: []string{"normal", "low"}, Limit: window - len(urgent)})
	if err != nil {
		return nil, err
	}
	return append(urgent, rest...), nil
}

// ensureSession returns the open session, starting one when none is open.
func (e Engine) ensureSession(ctx context.Context, tx *sql.Tx) (domain.Session, error) {
	s, err := e.Repo.CurrentSession(ctx, tx)
	if err == nil || !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}
	s = domain.Session{StartedAt: stamp(e.now())}
	if s.ID, err = e.Repo.InsertSession(ctx, tx, s.StartedAt); err != nil {
		return s, err
	}
	return s, e.appendEvent(ctx, tx, "session.started", "session", fmt.Sprint(s.ID), domain.SystemSender, nil)
}

// FenixDown records the artifacts an agent leaves for its successor.
func (e Engine) FenixDown(ctx context.Context, agent string, paths []string, note string) (m domain.FenixManifest, err error) {
	defer e.track(ctx, "fenix_down", &err)
	var normalized []string
	for _, p := range paths {
		if n := artifacts.Normalize(p); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return m, invalidArg("at least one artifact path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if _, err := e.requireAgent(ctx, tx, agent); err != nil {
		return m, err
	}
	missing, err := e.Artifacts.Missing(normalized)
	if err != nil {
		return m, err
	}
	if len(missing) > 0 {
		return m, newError(KindPreconditionFailed, CodeArtifactMissing, map[string]any{"missing": missing},
			"artifacts do not exist: %s", strings.Join(missing, ", "))
	}
	m = domain.FenixManifest{
		ID:        uuid.New().String(),
		Agent:     agent,
		Paths:     normalized,
		Note:      note,
		CreatedAt: stamp(e.now()),
	}
	if err := e.Repo.InsertManifest(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.appendEvent(ctx, tx, "manifest.recorded", "manifest", m.ID, agent, events.EventPayload{"paths": m.Paths}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

// Debrief attaches the session debrief artifact to the open session.
func (e Engine) Debrief(ctx context.Context, caller, path string) (s domain.Session, err error) {
	defer e.track(ctx, "debrief", &err)
	path = artifacts.Normalize(path)
	if path == "" {
		return s, invalidArg("debrief path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if _, err := e.requireClass(ctx, tx, caller, auth.PermSessionDebrief); err != nil {
		return s, err
	}
	ok, err := e.Artifacts.Exists(path)
	if err != nil {
		return s, err
	}
	if !ok {
		return s, newError(KindPreconditionFailed, CodeArtifactMissing, map[string]any{"path": path}, "debrief artifact %s does not exist", path)
	}
	if s, err = e.ensureSession(ctx, tx); err != nil {
		return s, err
	}
	now := stamp(e.now())
	if err := e.Repo.RecordDebrief(ctx, tx, s.ID, path, caller, now); err != nil {
		return s, err
	}
	s.DebriefPath, s.DebriefedBy, s.DebriefedAt = &path, &caller, &now
	if err := e.appendEvent(ctx, tx, "session.debriefed", "session", fmt.Sprint(s.ID), caller, events.EventPayload{"path": path}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

type EndSessionResult struct {
	Ended  domain.Session `json:"ended"`
	Next   domain.Session `json:"next"`
	Pruned int64          `json:"pruned_low_entries"`
}

// nonTerminalTaskStatuses block the end of a session.
var nonTerminalTaskStatuses = append(append([]string(nil), LiveTaskStatuses...), TaskStale)

// EndSession closes the open session and starts the next one. Low priority
// raid entries are pruned only here, in bulk.
func (e Engine) EndSession(ctx context.Context, caller string, pruneLow bool) (res EndSessionResult, err error) {
	defer e.track(ctx, "end_session", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if _, err := e.requireClass(ctx, tx, caller, auth.PermSessionEnd); err != nil {
		return res, err
	}
	s, err := e.ensureSession(ctx, tx)
	if err != nil {
		return res, err
	}
	if s.DebriefPath == nil {
		return res, newError(KindPreconditionFailed, CodeDebriefMissing, map[string]any{"session": s.ID},
			"session %d has no debrief; call debrief first", s.ID)
	}
	open, err := e.Repo.CountTasks(ctx, tx, nonTerminalTaskStatuses)
	if err != nil {
		return res, err
	}
	if open > 0 {
		return res, newError(KindPreconditionFailed, CodeOpenTasksRemain, map[string]any{"open_tasks": open},
			"%d task(s) are not closed, abandoned or obsolete", open)
	}
	now := stamp(e.now())
	if err := e.Repo.EndSession(ctx, tx, s.ID, now); err != nil {
		return res, err
	}
	s.EndedAt = &now
	if pruneLow {
		if res.Pruned, err = e.Repo.PruneRaid(ctx, tx, "low"); err != nil {
			return res, err
		}
	}
	if err := e.appendEvent(ctx, tx, "session.ended", "session", fmt.Sprint(s.ID), caller, events.EventPayload{"pruned_low": res.Pruned}); err != nil {
		return res, err
	}
	next, err := e.ensureSession(ctx, tx)
	if err != nil {
		return res, err
	}
	res.Ended, res.Next = s, next
	return res, tx.Commit()
}
