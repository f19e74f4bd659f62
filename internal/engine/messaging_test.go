package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
	"raidline/internal/engine"
)

func TestExpandRecipients(t *testing.T) {
	cases := []struct {
		name        string
		sender      string
		recipient   string
		cc          []string
		coordinator string
		want        []string
	}{
		{"adds coordinator", "ed", "run", nil, "lead", []string{"lead"}},
		{"coordinator is recipient", "ed", "lead", nil, "lead", nil},
		{"coordinator is sender", "lead", "ed", nil, "lead", nil},
		{"no coordinator", "ed", "run", nil, "", nil},
		{"broadcast gets no copies", "ed", domain.Broadcast, []string{"x"}, "lead", nil},
		{"cc before coordinator without duplicates", "ed", "run", []string{"adv", "lead", "adv", "run", "ed"}, "lead", []string{"adv", "lead"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.ExpandRecipients(tc.sender, tc.recipient, tc.cc, tc.coordinator))
		})
	}
}

func TestSendBlockedUntilInboxClear(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")

	_, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: "ed", Body: "take task 1"})
	require.NoError(t, err)
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: domain.Broadcast, Body: "standup"})
	require.NoError(t, err)

	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: "lead", Body: "ack"})
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeInboxNotClear)
	assert.Equal(t, 2, engine.DetailsOf(err)["unread"])

	msgs := env.drain(t, "ed")
	require.Len(t, msgs, 2)
	assert.Equal(t, "take task 1", msgs[0].Body)
	assert.Equal(t, "standup", msgs[1].Body)
	assert.True(t, msgs[0].Read)

	res, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: "lead", Body: "ack"})
	require.NoError(t, err)
	assert.Empty(t, res.CopiedTo)
	require.Len(t, res.Warnings, 1, "terminal transport gets a poll reminder")

	assert.Empty(t, env.drain(t, "ed"), "inbox stays drained")
}

func TestSendStaleContextScenario(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")

	env.advance(6 * time.Minute)
	_, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: "lead", Body: "status"})
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeStaleContext)
	details := engine.DetailsOf(err)
	assert.Equal(t, 360, details["age_seconds"])
	assert.Equal(t, 300, details["threshold_seconds"])

	env.report(t, "ed")
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: "lead", Body: "status"})
	require.NoError(t, err)
}

func TestSendRequiresUsageReport(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	_, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "new", Class: "runner", Model: "m"})
	require.NoError(t, err)

	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "new", To: "lead", Body: "hi"})
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeStaleContext)
	assert.Nil(t, engine.DetailsOf(err)["age_seconds"])
}

func TestSendCopiesZoneCoordinator(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "backlead", "coordinator")
	env.join(t, "ed", "editor")
	env.join(t, "run", "runner")
	env.join(t, "adv", "advisor")
	_, err := env.Engine.SetZone(env.Ctx, "backlead", "backlead", "backend")
	require.NoError(t, err)
	_, err = env.Engine.SetZone(env.Ctx, "ed", "ed", "backend")
	require.NoError(t, err)

	res, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: "run", Body: "ping", CC: []string{"adv"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"adv", "backlead"}, res.CopiedTo)

	copies := env.drain(t, "backlead")
	require.Len(t, copies, 1)
	assert.True(t, copies[0].IsCC)
	require.NotNil(t, copies[0].CCOriginalTo)
	assert.Equal(t, "run", *copies[0].CCOriginalTo)
	assert.Empty(t, env.drain(t, "lead"))

	require.Len(t, env.drain(t, "run"), 1)
	res, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "run", To: "adv", Body: "pong"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead"}, res.CopiedTo, "zoneless sender falls back to the earliest coordinator")

	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "run", To: "nobody", Body: "x"})
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownAgent)
}

func TestSendUnknownTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	_, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: domain.Broadcast, Body: "x", Trigger: "panic"})
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeUnknownTrigger)
	assert.Equal(t, []string{"all_clear", "blocker", "emergency"}, engine.DetailsOf(err)["known"])
}

func TestEmergencyTriggerFreezesAssignments(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.setPlan(t, "", "")
	task := env.createTask(t, "T1")

	res, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: domain.Broadcast, Body: "prod is down", Trigger: "emergency"})
	require.NoError(t, err)
	require.NotNil(t, res.Trigger)
	assert.EqualValues(t, 1, res.Trigger.Affected)

	_, err = env.Engine.AssignTask(env.Ctx, "lead", task.ID, "ed")
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeAssignmentsFrozen)

	late := env.createTask(t, "T2")
	assert.False(t, late.Assignable, "tasks created during a freeze start frozen")
	_, err = env.Engine.AssignTask(env.Ctx, "lead", late.ID, "ed")
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeAssignmentsFrozen)

	env.drain(t, "lead")
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "ed", To: domain.Broadcast, Body: "fixed", Trigger: "all_clear"})
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)

	res, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: domain.Broadcast, Body: "all clear", Trigger: "all_clear"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Trigger.Affected)

	_, err = env.Engine.AssignTask(env.Ctx, "lead", task.ID, "ed")
	require.NoError(t, err)
	_, err = env.Engine.AssignTask(env.Ctx, "lead", late.ID, "ed")
	require.NoError(t, err)

	after := env.createTask(t, "T3")
	assert.True(t, after.Assignable, "thaw clears the gate for new tasks")
}

func TestBlockerTriggerLogsRaidEntry(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "run", "runner")

	res, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "run", To: "lead", Body: "CI image missing", Trigger: "blocker"})
	require.NoError(t, err)
	require.NotNil(t, res.Trigger)
	assert.NotZero(t, res.Trigger.RaidID)

	entries, err := env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{Priorities: []string{"high"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CI image missing", entries[0].Body)
	assert.Equal(t, "run", entries[0].Author)
}

func TestCheckInboxRemindsWhenStale(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "ed", "editor")
	env.advance(time.Hour)
	res, err := env.Engine.CheckInbox(env.Ctx, "ed")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Reminder)
	assert.Empty(t, res.Messages)

	_, err = env.Engine.CheckInbox(env.Ctx, "ghost")
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownAgent)
}

func TestOnboardingDocsOnRegisterAndInbox(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "ed", Class: "editor", Model: "m"})
	require.NoError(t, err)
	assert.Empty(t, res.Onboarding)
	env.report(t, "ed")
	inbox, err := env.Engine.CheckInbox(env.Ctx, "ed")
	require.NoError(t, err)
	assert.Empty(t, inbox.Reminder)

	env.touch(t, engine.ProtocolDoc)
	env.touch(t, engine.ClassProfile("editor"))
	res, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "ed2", Class: "editor", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROTOCOL.md", "classes/editor.md"}, res.Onboarding)

	res, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "run", Class: "runner", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"PROTOCOL.md"}, res.Onboarding, "no runner profile")

	inbox, err = env.Engine.CheckInbox(env.Ctx, "ed")
	require.NoError(t, err)
	assert.Contains(t, inbox.Reminder, "re-read PROTOCOL.md and classes/editor.md")
}

func TestPurgeInboxAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")

	_, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: "ed", Body: "one"})
	require.NoError(t, err)
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: domain.Broadcast, Body: "two"})
	require.NoError(t, err)
	env.advance(3 * time.Hour)
	env.report(t, "lead")
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: "ed", Body: "three"})
	require.NoError(t, err)

	res, err := env.Engine.PurgeInbox(env.Ctx, "ed", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Deleted)
	assert.EqualValues(t, 1, res.Acknowledged)

	msgs := env.drain(t, "ed")
	require.Len(t, msgs, 1)
	assert.Equal(t, "three", msgs[0].Body)

	history, err := env.Engine.GetHistory(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Body)
	assert.Equal(t, "three", history[1].Body)

	_, err = env.Engine.GetHistory(env.Ctx, -1)
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)
}
