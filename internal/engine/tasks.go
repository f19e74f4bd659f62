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

const (
	TaskOpen       = "open"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskFixed      = "fixed"
	TaskVerified   = "verified"
	TaskClosed     = "closed"
	TaskAbandoned  = "abandoned"
	TaskStale      = "stale"
	TaskObsolete   = "obsolete"
)

// LiveTaskStatuses is the default get_tasks filter.
var LiveTaskStatuses = []string{TaskOpen, TaskAssigned, TaskInProgress, TaskFixed, TaskVerified}

// taskTransitions lists the edges update_task may take. Reaching assigned
// goes through AssignTask and closed through CloseTask.
var taskTransitions = map[string][]string{
	TaskOpen:       {TaskAbandoned, TaskStale, TaskObsolete},
	TaskAssigned:   {TaskInProgress, TaskAbandoned, TaskStale, TaskObsolete},
	TaskInProgress: {TaskFixed, TaskAbandoned, TaskStale, TaskObsolete},
	TaskFixed:      {TaskVerified, TaskAbandoned, TaskStale, TaskObsolete},
	TaskVerified:   {TaskAbandoned, TaskStale, TaskObsolete},
	TaskStale:      {TaskInProgress, TaskAbandoned, TaskObsolete},
}

var terminalTaskStatuses = map[string]bool{TaskClosed: true, TaskAbandoned: true, TaskObsolete: true}

func knownTaskStatus(s string) bool {
	_, ok := taskTransitions[s]
	return ok || terminalTaskStatuses[s]
}

func ensureTaskTransition(from, to string) error {
	details := map[string]any{"from": from, "to": to}
	if to == TaskClosed {
		return newError(KindInvalidTransition, CodeInvalidTransition, details, "tasks are closed with close_task")
	}
	if to == TaskAssigned {
		return newError(KindInvalidTransition, CodeInvalidTransition, details, "tasks are assigned with assign_task")
	}
	if !knownTaskStatus(to) {
		return invalidArg("unknown task status %s", to)
	}
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	details["allowed"] = taskTransitions[from]
	return newError(KindInvalidTransition, CodeInvalidTransition, details, "invalid transition %s -> %s", from, to)
}

func (e Engine) loadTask(ctx context.Context, q repo.DBTX, id string) (domain.Task, error) {
	if id == "" {
		return domain.Task{}, invalidArg("task id is required")
	}
	t, err := e.Repo.GetTask(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, unknownTask(id)
	}
	return t, err
}

type CreateTaskOptions struct {
	Caller    string
	ID        string
	Title     string
	SpecPath  string
	Project   string
	Zone      string
	DependsOn []string
}

func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (t domain.Task, err error) {
	defer e.track(ctx, "create_task", &err)
	if strings.TrimSpace(opts.Title) == "" {
		return t, invalidArg("title is required")
	}
	opts.SpecPath = artifacts.Normalize(opts.SpecPath)
	if opts.SpecPath == "" {
		return t, invalidArg("spec_path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, opts.Caller, auth.PermTaskCreate); err != nil {
		return t, err
	}
	ok, err := e.Artifacts.Exists(opts.SpecPath)
	if err != nil {
		return t, err
	}
	if !ok {
		return t, newError(KindPreconditionFailed, CodeArtifactMissing, map[string]any{"path": opts.SpecPath}, "spec artifact %s does not exist", opts.SpecPath)
	}
	plan, err := e.planCovering(ctx, tx, opts.Project, opts.Zone)
	if err != nil {
		return t, err
	}
	frozen, err := e.Repo.AssignmentsFrozen(ctx, tx)
	if err != nil {
		return t, err
	}
	now := stamp(e.now())
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := e.Repo.GetTask(ctx, tx, id); err == nil {
		return t, newError(KindConflict, CodeDuplicateTask, map[string]any{"task": id}, "task %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	for _, dep := range opts.DependsOn {
		if dep == id {
			return t, invalidArg("task %s cannot depend on itself", id)
		}
	}
	missing, err := e.Repo.MissingTasks(ctx, tx, opts.DependsOn)
	if err != nil {
		return t, err
	}
	if len(missing) > 0 {
		return t, newError(KindNotFound, CodeUnknownTask, map[string]any{"missing": missing}, "unknown dependencies: %s", strings.Join(missing, ", "))
	}
	t = domain.Task{
		ID:         id,
		Title:      opts.Title,
		SpecPath:   opts.SpecPath,
		Project:    opts.Project,
		Zone:       opts.Zone,
		Status:     TaskOpen,
		Creator:    opts.Caller,
		Assignable: !frozen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.DependsOn); err != nil {
		return t, err
	}
	if err := e.appendEvent(ctx, tx, "task.created", "task", t.ID, opts.Caller, events.EventPayload{
		"title": t.Title, "plan_id": plan.ID, "depends_on": opts.DependsOn,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.DependsOn = opts.DependsOn
	return t, nil
}

// planCovering finds the active plan for (project, zone), falling back to the
// project-wide plan and then the global one.
func (e Engine) planCovering(ctx context.Context, q repo.DBTX, project, zone string) (domain.BattlePlan, error) {
	scopes := [][2]string{{project, zone}}
	if zone != "" {
		scopes = append(scopes, [2]string{project, ""})
	}
	if project != "" {
		scopes = append(scopes, [2]string{"", ""})
	}
	for _, s := range scopes {
		p, err := e.Repo.ActivePlan(ctx, q, s[0], s[1])
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return p, err
		}
	}
	return domain.BattlePlan{}, newError(KindPreconditionFailed, CodeNoActivePlan,
		map[string]any{"project": project, "zone": zone}, "no active battle plan covers project %q zone %q", project, zone)
}

func (e Engine) AssignTask(ctx context.Context, caller, id, assignee string) (t domain.Task, err error) {
	defer e.track(ctx, "assign_task", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, caller, auth.PermTaskAssign); err != nil {
		return t, err
	}
	if t, err = e.loadTask(ctx, tx, id); err != nil {
		return t, err
	}
	if err := e.ensureHealthy(ctx, tx, "task", id); err != nil {
		return t, err
	}
	if t.Status != TaskOpen && t.Status != TaskAssigned {
		return t, newError(KindInvalidTransition, CodeInvalidTransition,
			map[string]any{"from": t.Status, "to": TaskAssigned}, "task %s is %s; only open or assigned tasks can be assigned", id, t.Status)
	}
	if !t.Assignable {
		return t, newError(KindPreconditionFailed, CodeAssignmentsFrozen, map[string]any{"task": id},
			"assignments are frozen; thaw them before assigning %s", id)
	}
	unmet, err := e.Repo.UnmetDependencies(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if len(unmet) > 0 {
		return t, newError(KindPreconditionFailed, CodeUnmetDependency, map[string]any{"task": id, "unmet": unmet},
			"task %s depends on unclosed task(s): %s", id, strings.Join(unmet, ", "))
	}
	if _, err := e.requireAgent(ctx, tx, assignee); err != nil {
		return t, err
	}
	from := t.Status
	t.Status = TaskAssigned
	t.Assignee = &assignee
	t.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if _, err := e.deliverSystem(ctx, tx, assignee, fmt.Sprintf("task %s (%s) assigned to you by %s; spec: %s", t.ID, t.Title, caller, t.SpecPath)); err != nil {
		return t, err
	}
	if err := e.appendEvent(ctx, tx, "task.assigned", "task", t.ID, caller, events.EventPayload{"from": from, "assignee": assignee}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// mayWorkOn reports whether agent may report on t: its assignee, any holder of
// task.assign, or anyone while the task is unassigned.
func (e Engine) mayWorkOn(a domain.Agent, t domain.Task) error {
	if t.Assignee == nil || *t.Assignee == a.Name {
		return nil
	}
	return e.Policy.Require(a.Class, auth.PermTaskAssign)
}

type UpdateTaskOptions struct {
	Agent    string
	ID       string
	Progress string
	Status   string
	Files    []string
}

type TaskUpdateResult struct {
	Task     domain.Task `json:"task"`
	Warnings []string    `json:"warnings,omitempty"`
}

// UpdateTask records progress. Every accepted call increments the activity
// counter by one whether or not the status changes.
func (e Engine) UpdateTask(ctx context.Context, opts UpdateTaskOptions) (res TaskUpdateResult, err error) {
	defer e.track(ctx, "update_task", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	a, err := e.requireAgent(ctx, tx, opts.Agent)
	if err != nil {
		return res, err
	}
	t, err := e.loadTask(ctx, tx, opts.ID)
	if err != nil {
		return res, err
	}
	if err := e.ensureHealthy(ctx, tx, "task", t.ID); err != nil {
		return res, err
	}
	if err := e.mayWorkOn(a, t); err != nil {
		return res, err
	}
	if terminalTaskStatuses[t.Status] {
		return res, newError(KindInvalidTransition, CodeInvalidTransition, map[string]any{"from": t.Status},
			"task %s is %s and accepts no further updates", t.ID, t.Status)
	}
	if _, ok := taskTransitions[t.Status]; !ok {
		return res, invariantViolation("task", t.ID, "stored status %q is not a task state", t.Status)
	}
	from := t.Status
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskTransition(t.Status, opts.Status); err != nil {
			return res, err
		}
		t.Status = opts.Status
	}
	if opts.Progress != "" {
		t.Progress = opts.Progress
	}
	if opts.Files != nil {
		t.Files = make([]string, 0, len(opts.Files))
		for _, f := range opts.Files {
			if n := artifacts.Normalize(f); n != "" {
				t.Files = append(t.Files, n)
			}
		}
	}
	t.ActivityCount++
	t.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return res, err
	}
	if err := e.appendEvent(ctx, tx, "task.updated", "task", t.ID, a.Name, events.EventPayload{
		"from": from, "to": t.Status, "activity_count": t.ActivityCount,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	res.Task = t
	if w := e.activityWarning(t.ActivityCount); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	return res, nil
}

func (e Engine) activityWarning(count int) string {
	switch {
	case count >= e.Config.Tasks.ActivityEscalation:
		return fmt.Sprintf("ESCALATION: %d updates on this task; stop and reassess the approach with the coordinator", count)
	case count >= e.Config.Tasks.ActivityWarning:
		return fmt.Sprintf("warning: %d updates on this task; consider whether the approach is working", count)
	}
	return ""
}

func (e Engine) activityLevel(count int) string {
	switch {
	case count >= e.Config.Tasks.ActivityEscalation:
		return "escalated"
	case count >= e.Config.Tasks.ActivityWarning:
		return "warning"
	}
	return "ok"
}

func (e Engine) SubmitResult(ctx context.Context, agent, id, path string) (t domain.Task, err error) {
	defer e.track(ctx, "submit_result", &err)
	path = artifacts.Normalize(path)
	if path == "" {
		return t, invalidArg("result path is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	a, err := e.requireAgent(ctx, tx, agent)
	if err != nil {
		return t, err
	}
	if t, err = e.loadTask(ctx, tx, id); err != nil {
		return t, err
	}
	if err := e.ensureHealthy(ctx, tx, "task", t.ID); err != nil {
		return t, err
	}
	if err := e.mayWorkOn(a, t); err != nil {
		return t, err
	}
	if terminalTaskStatuses[t.Status] {
		return t, newError(KindInvalidTransition, CodeInvalidTransition, map[string]any{"from": t.Status},
			"task %s is %s and accepts no results", t.ID, t.Status)
	}
	ok, err := e.Artifacts.Exists(path)
	if err != nil {
		return t, err
	}
	if !ok {
		return t, newError(KindPreconditionFailed, CodeArtifactMissing, map[string]any{"path": path}, "result artifact %s does not exist", path)
	}
	t.ResultPath = &path
	t.UpdatedAt = stamp(e.now())
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.appendEvent(ctx, tx, "task.result", "task", t.ID, agent, events.EventPayload{"path": path}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) CloseTask(ctx context.Context, caller, id string) (t domain.Task, err error) {
	defer e.track(ctx, "close_task", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if _, err := e.requireClass(ctx, tx, caller, auth.PermTaskClose); err != nil {
		return t, err
	}
	if t, err = e.loadTask(ctx, tx, id); err != nil {
		return t, err
	}
	if err := e.ensureHealthy(ctx, tx, "task", t.ID); err != nil {
		return t, err
	}
	if t.ResultPath == nil {
		return t, newError(KindPreconditionFailed, CodeNoResultSubmitted, map[string]any{"task": t.ID, "status": t.Status},
			"task %s has no submitted result", t.ID)
	}
	if t.Status != TaskFixed && t.Status != TaskVerified {
		return t, newError(KindInvalidTransition, CodeInvalidTransition, map[string]any{"from": t.Status, "to": TaskClosed},
			"task %s is %s; only fixed or verified tasks can be closed", t.ID, t.Status)
	}
	now := stamp(e.now())
	from := t.Status
	t.Status = TaskClosed
	t.UpdatedAt = now
	t.ClosedAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.appendEvent(ctx, tx, "task.closed", "task", t.ID, caller, events.EventPayload{"from": from, "result_path": *t.ResultPath}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// TaskQuery filters GetTasks. Empty Statuses selects the live statuses.
type TaskQuery struct {
	Statuses []string
	Assignee string
	Project  string
	Zone     string
	Limit    int
}

func (e Engine) GetTasks(ctx context.Context, q TaskQuery) ([]domain.Task, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = LiveTaskStatuses
	}
	for _, s := range statuses {
		if !knownTaskStatus(s) {
			return nil, invalidArg("unknown task status %s", s)
		}
	}
	if q.Limit < 0 {
		return nil, invalidArg("count must be positive")
	}
	limit := q.Limit
	if limit == 0 {
		limit = e.Config.Tasks.DefaultCount
	}
	tasks, err := e.Repo.ListTasks(ctx, e.DB, repo.TaskFilters{
		Statuses: statuses,
		Assignee: q.Assignee,
		Project:  q.Project,
		Zone:     q.Zone,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.loadTask(ctx, e.DB, id)
}

type ThawResult struct {
	Affected int64 `json:"affected"`
}

// ThawAssignments reopens the assignable gate closed by an emergency trigger.
// Tasks created while the gate was closed are reopened too.
func (e Engine) ThawAssignments(ctx context.Context, caller string) (res ThawResult, err error) {
	defer e.track(ctx, "thaw_assignments", &err)
	tx, err := e.begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if _, err := e.requireClass(ctx, tx, caller, auth.PermAssignmentsThaw); err != nil {
		return res, err
	}
	if res.Affected, err = e.thawTx(ctx, tx, caller, ""); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

func (e Engine) thawTx(ctx context.Context, tx *sql.Tx, actor, trigger string) (int64, error) {
	now := stamp(e.now())
	if err := e.Repo.SetAssignmentsFrozen(ctx, tx, false, trigger, now); err != nil {
		return 0, err
	}
	n, err := e.Repo.SetAssignable(ctx, tx, liveAssignmentStatuses, true, now)
	if err != nil {
		return 0, err
	}
	payload := events.EventPayload{"affected": n}
	if trigger != "" {
		payload["trigger"] = trigger
	}
	return n, e.appendEvent(ctx, tx, "assignments.thawed", "task", "", actor, payload)
}
