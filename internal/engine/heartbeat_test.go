package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
	"raidline/internal/engine"
)

func TestHeartbeatReapsSilentAgent(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.join(t, "c2", "editor")
	_, err := env.Engine.ClaimFile(env.Ctx, "ed", "a.txt")
	require.NoError(t, err)
	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	require.Error(t, err)

	_, err = env.Engine.Heartbeat(env.Ctx, "lead", "lead")
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)
	_, err = env.Engine.Heartbeat(env.Ctx, "c2", "ed")
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)

	env.advance(time.Minute)
	h, err := env.Engine.Heartbeat(env.Ctx, "lead", "ed")
	require.NoError(t, err)
	assert.Equal(t, env.now().Add(2*time.Minute).Format(time.RFC3339), h.Deadline)

	reaped, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped, "deadline not reached")

	env.advance(3 * time.Minute)
	reaped, err = env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "ed", reaped[0].Agent)
	assert.Equal(t, []string{"a.txt"}, reaped[0].Released)

	_, err = env.Engine.GetAgent(env.Ctx, "ed")
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownAgent)
	freed := env.drain(t, "c2")
	require.Len(t, freed, 1)
	assert.Contains(t, freed[0].Body, "a.txt is free")
	notice := env.drain(t, "lead")
	require.Len(t, notice, 1)
	assert.Equal(t, domain.SystemSender, notice[0].From)
	assert.Contains(t, notice[0].Body, "ed missed its heartbeat")
}

func TestHeartbeatClearedByInboxCheck(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.advance(time.Minute)
	_, err := env.Engine.Heartbeat(env.Ctx, "lead", "ed")
	require.NoError(t, err)

	env.advance(30 * time.Second)
	msgs := env.drain(t, "ed")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "heartbeat from lead")

	env.advance(5 * time.Minute)
	reaped, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)
	_, err = env.Engine.GetAgent(env.Ctx, "ed")
	require.NoError(t, err)
}

func TestHeartbeatIgnoresActivityBeforeItStarted(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.advance(time.Minute)

	env.drain(t, "ed")
	_, err := env.Engine.Heartbeat(env.Ctx, "lead", "ed")
	require.NoError(t, err, "same instant as the inbox check")

	env.advance(5 * time.Minute)
	reaped, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "ed", reaped[0].Agent)
}

func TestHeartbeatClearedByRejectedSend(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.advance(time.Minute)
	_, err := env.Engine.Heartbeat(env.Ctx, "lead", "ed")
	require.NoError(t, err)

	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: "lead", Body: "alive"})
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeInboxNotClear)

	env.advance(5 * time.Minute)
	reaped, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)
	a, err := env.Engine.GetAgent(env.Ctx, "ed")
	require.NoError(t, err)
	require.NotNil(t, a.LastInboundAt)
}

func TestPartyStatusAndActivity(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.setPlan(t, "", "")
	env.createTask(t, "T1")
	env.createTask(t, "T2")
	for _, id := range []string{"T1", "T2"} {
		_, err := env.Engine.AssignTask(env.Ctx, "lead", id, "ed")
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := env.Engine.UpdateTask(env.Ctx, engine.UpdateTaskOptions{Agent: "ed", ID: "T2", Progress: "again"})
		require.NoError(t, err)
	}
	_, err := env.Engine.ClaimFile(env.Ctx, "ed", "a.go")
	require.NoError(t, err)

	ps, err := env.Engine.PartyStatus(env.Ctx)
	require.NoError(t, err)
	require.Len(t, ps.Agents, 2)
	require.Len(t, ps.Claims, 1)
	var ed engine.AgentActivity
	for _, a := range ps.Activity {
		if a.Agent == "ed" {
			ed = a
		}
	}
	assert.Equal(t, engine.AgentActivity{Agent: "ed", LiveTasks: 2, ActivitySum: 4, Claims: 1}, ed)

	activity, err := env.Engine.CheckActivity(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, activity, 2)
	assert.Equal(t, "T2", activity[0].Task.ID)
	assert.Equal(t, "warning", activity[0].Level)
	assert.Equal(t, "ok", activity[1].Level)

	_, err = env.Engine.CheckActivity(env.Ctx, "ghost")
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownAgent)
}

func TestCheckFreshnessListsChangedArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.setPlan(t, "", "")
	env.createTask(t, "T1")
	env.touch(t, "src/a.go")
	_, err := env.Engine.ClaimFile(env.Ctx, "ed", "src/a.go")
	require.NoError(t, err)

	env.advance(time.Minute)
	env.report(t, "ed")
	rep, err := env.Engine.CheckFreshness(env.Ctx, "ed")
	require.NoError(t, err)
	assert.Empty(t, rep.Changed)
	assert.Equal(t, 2, rep.CheckedPaths)
	assert.False(t, rep.Stale)

	env.advance(time.Minute)
	env.touch(t, "src/a.go")
	rep, err = env.Engine.CheckFreshness(env.Ctx, "ed")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go"}, rep.Changed)

	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "new", Class: "runner", Model: "m"})
	require.NoError(t, err)
	rep, err = env.Engine.CheckFreshness(env.Ctx, "new")
	require.NoError(t, err)
	assert.Nil(t, rep.ReportedAt)
	assert.True(t, rep.Stale)
	assert.Equal(t, []string{"specs/T1.md", "src/a.go"}, rep.Changed)
}
