package engine_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/engine"
)

func TestSetBattlePlanSupersedesWithinScope(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")

	_, err := env.Engine.SetBattlePlan(env.Ctx, engine.SetPlanOptions{Caller: "ed", Body: "mine"})
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)
	assert.Equal(t, "plan.set", engine.DetailsOf(err)["permission"])

	first := env.setPlan(t, "", "")
	api := env.setPlan(t, "api", "")
	res, err := env.Engine.SetBattlePlan(env.Ctx, engine.SetPlanOptions{Caller: "lead", Body: "v2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Superseded)

	active, err := env.Engine.GetBattlePlan(env.Ctx, engine.PlanQuery{})
	require.NoError(t, err)
	require.Len(t, active, 2, "one active plan per scope")
	ids := []int64{active[0].ID, active[1].ID}
	assert.ElementsMatch(t, []int64{api.ID, res.Plan.ID}, ids)

	global := ""
	all, err := env.Engine.GetBattlePlan(env.Ctx, engine.PlanQuery{Status: "any", Project: &global})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[1].ID)
	assert.Equal(t, engine.PlanSuperseded, all[1].Status)

	_, err = env.Engine.GetBattlePlan(env.Ctx, engine.PlanQuery{Status: "paused"})
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)
}

func TestUpdateBattlePlanStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	first := env.setPlan(t, "", "")
	env.setPlan(t, "", "")

	_, err := env.Engine.UpdateBattlePlanStatus(env.Ctx, "lead", first.ID, engine.PlanCompleted)
	requireKind(t, err, engine.KindInvalidTransition, engine.CodeInvalidTransition)

	p, err := env.Engine.UpdateBattlePlanStatus(env.Ctx, "lead", first.ID, engine.PlanObsolete)
	require.NoError(t, err)
	assert.Equal(t, engine.PlanObsolete, p.Status)

	_, err = env.Engine.UpdateBattlePlanStatus(env.Ctx, "lead", 999, engine.PlanCompleted)
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownPlan)
	_, err = env.Engine.UpdateBattlePlanStatus(env.Ctx, "lead", first.ID, "done")
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)
}

func TestRaidLogFilters(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "run", "runner")

	_, err := env.Engine.LogRaid(env.Ctx, "lead", "x", "urgent")
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)
	_, err = env.Engine.LogRaid(env.Ctx, "ghost", "x", "")
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownAgent)

	for _, e := range []struct{ author, body, priority string }{
		{"lead", "kickoff", ""},
		{"run", "flaky test", "high"},
		{"lead", "db down", "critical"},
		{"run", "noise", "low"},
	} {
		_, err := env.Engine.LogRaid(env.Ctx, e.author, e.body, e.priority)
		require.NoError(t, err)
	}

	urgent, err := env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{Priorities: []string{"high", "critical"}})
	require.NoError(t, err)
	require.Len(t, urgent, 2)
	assert.Equal(t, "db down", urgent[0].Body, "newest first")

	mine, err := env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{Author: "run", Count: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "noise", mine[0].Body)

	_, err = env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{Priorities: []string{"meh"}})
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)
}

func TestColdStartConsumesManifestsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.touch(t, "notes/handoff.md")

	_, err := env.Engine.FenixDown(env.Ctx, "lead", []string{"notes/handoff.md", "notes/missing.md"}, "")
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeArtifactMissing)
	assert.Equal(t, []string{"notes/missing.md"}, engine.DetailsOf(err)["missing"])

	m, err := env.Engine.FenixDown(env.Ctx, "lead", []string{"./notes/handoff.md"}, "parser half done")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/handoff.md"}, m.Paths)

	env.join(t, "lead2", "coordinator")
	b, err := env.Engine.ColdStart(env.Ctx, "lead2", "lead")
	require.NoError(t, err)
	require.Len(t, b.Manifests, 1)
	assert.Equal(t, m.ID, b.Manifests[0].ID)
	require.NotNil(t, b.Manifests[0].ConsumedBy)
	assert.Equal(t, "lead2", *b.Manifests[0].ConsumedBy)
	assert.Equal(t, "lead2", b.Agent.Name)
	assert.NotZero(t, b.Session.ID)
	assert.Len(t, b.Agents, 2)

	again, err := env.Engine.ColdStart(env.Ctx, "lead2", "lead")
	require.NoError(t, err)
	assert.Empty(t, again.Manifests)
	assert.Equal(t, b.Session.ID, again.Session.ID, "the open session is reused")
}

func TestColdStartRaidWindowByClass(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "run", "runner")
	env.join(t, "ed", "editor")
	env.Engine.Config.ColdStart.RaidWindow = 2
	for _, e := range []struct{ body, priority string }{
		{"a", "low"}, {"b", "high"}, {"c", "normal"}, {"d", "low"},
	} {
		_, err := env.Engine.LogRaid(env.Ctx, "lead", e.body, e.priority)
		require.NoError(t, err)
	}

	bodies := func(name string) []string {
		b, err := env.Engine.ColdStart(env.Ctx, name, "")
		require.NoError(t, err)
		var out []string
		for _, e := range b.RaidLog {
			out = append(out, e.Body)
		}
		return out
	}
	assert.Equal(t, []string{"b", "d"}, bodies("run"), "brief classes see urgent entries first")
	assert.Equal(t, []string{"d", "c"}, bodies("ed"))
}

func TestEndSessionGates(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.setPlan(t, "", "")

	_, err := env.Engine.EndSession(env.Ctx, "ed", false)
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)
	_, err = env.Engine.EndSession(env.Ctx, "lead", false)
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeDebriefMissing)

	_, err = env.Engine.Debrief(env.Ctx, "lead", "debriefs/one.md")
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeArtifactMissing)
	env.touch(t, "debriefs/one.md")
	s, err := env.Engine.Debrief(env.Ctx, "lead", "debriefs/one.md")
	require.NoError(t, err)
	require.NotNil(t, s.DebriefPath)

	env.createTask(t, "T1")
	_, err = env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{Agent: "lead", ID: "T1", Status: engine.TaskStale})
	require.NoError(t, err)
	_, err = env.Engine.EndSession(env.Ctx, "lead", false)
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeOpenTasksRemain)
	assert.EqualValues(t, 1, engine.DetailsOf(err)["open_tasks"], "stale tasks still block")

	_, err = env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{Agent: "lead", ID: "T1", Status: engine.TaskObsolete})
	require.NoError(t, err)
	_, err = env.Engine.LogRaid(env.Ctx, "lead", "chatter", "low")
	require.NoError(t, err)
	_, err = env.Engine.LogRaid(env.Ctx, "lead", "outage", "high")
	require.NoError(t, err)

	res, err := env.Engine.EndSession(env.Ctx, "lead", true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Pruned)
	assert.Equal(t, s.ID, res.Ended.ID)
	require.NotNil(t, res.Ended.EndedAt)
	assert.NotEqual(t, res.Ended.ID, res.Next.ID)
	assert.Nil(t, res.Next.DebriefPath)

	left, err := env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "outage", left[0].Body)
}

func TestConcurrentSetBattlePlanLeavesOneActive(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	engines := []engine.Engine{env.Engine, env.reopen(t)}
	const n = 8
	project := "api"

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		superseded int64
		errs       []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(eng engine.Engine, body string) {
			defer wg.Done()
			res, err := eng.SetBattlePlan(env.Ctx, engine.SetPlanOptions{Caller: "lead", Body: body, Project: project})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			superseded += res.Superseded
		}(engines[i%len(engines)], fmt.Sprintf("plan %d", i))
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.EqualValues(t, n-1, superseded, "each plan supersedes exactly its predecessor")
	active, err := env.Engine.GetBattlePlan(env.Ctx, engine.PlanQuery{Project: &project})
	require.NoError(t, err)
	require.Len(t, active, 1)
	all, err := env.Engine.GetBattlePlan(env.Ctx, engine.PlanQuery{Status: "any", Project: &project})
	require.NoError(t, err)
	assert.Len(t, all, n)
}
