package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/artifacts"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/migrate"
)

var epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Fs     afero.Fs
	dir    string
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn), "migrate")

	cfg := config.Default("test")
	eng := engine.New(conn, cfg)
	clock := epoch
	eng.Now = func() time.Time { return clock }
	fs := afero.NewMemMapFs()
	eng.Artifacts = artifacts.New(fs)
	return testEnv{Engine: eng, Ctx: ctx, Fs: fs, dir: dir, clock: &clock}
}

// reopen returns an engine on a second connection to the same store, the way
// a CLI process runs next to the server.
func (env testEnv) reopen(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: env.dir})
	require.NoError(t, err, "reopen db")
	t.Cleanup(func() { conn.Close() })
	eng := engine.New(conn, env.Engine.Config)
	eng.Now = env.Engine.Now
	eng.Artifacts = env.Engine.Artifacts
	return eng
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) now() time.Time {
	return *env.clock
}

// touch creates an artifact stamped with the current clock.
func (env testEnv) touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(env.Fs, path, []byte("x"), 0o644))
	require.NoError(t, env.Fs.Chtimes(path, env.now(), env.now()))
}

// join registers name and files a fresh usage report so it may send.
func (env testEnv) join(t *testing.T, name, class string) domain.Agent {
	t.Helper()
	model := "any-model"
	if class == "coordinator" {
		model = "claude-opus"
	}
	res, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: name, Class: class, Model: model})
	require.NoError(t, err, "register %s", name)
	env.report(t, name)
	return res.Agent
}

func (env testEnv) report(t *testing.T, name string) {
	t.Helper()
	_, err := env.Engine.ReportUsage(env.Ctx, engine.ReportUsageOptions{Name: name, Used: 50000, Limit: 200000})
	require.NoError(t, err, "report usage %s", name)
}

func (env testEnv) drain(t *testing.T, name string) []domain.Message {
	t.Helper()
	res, err := env.Engine.CheckInbox(env.Ctx, name)
	require.NoError(t, err, "check inbox %s", name)
	return res.Messages
}

func requireKind(t *testing.T, err error, kind engine.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	gotKind, gotCode := engine.Classify(err)
	assert.Equal(t, kind, gotKind, "kind of %v", err)
	assert.Equal(t, code, gotCode, "code of %v", err)
}

func TestRegisterRejectsDuplicatesAndModels(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")

	_, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "lead", Class: "editor", Model: "m"})
	requireKind(t, err, engine.KindConflict, engine.CodeDuplicateIdentity)

	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "lead2", Class: "coordinator", Model: "tiny-model"})
	requireKind(t, err, engine.KindPreconditionFailed, engine.CodeModelNotAllowed)

	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "x", Class: "wizard", Model: "m"})
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeUnknownClass)

	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "x", Class: "editor", Model: "m", Transport: "pigeon"})
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)

	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: domain.Broadcast, Class: "editor", Model: "m"})
	requireKind(t, err, engine.KindInvalidArgument, engine.CodeInvalidArgument)

	res, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "ed", Class: "editor", Model: "whatever", Transport: "daemon"})
	require.NoError(t, err)
	assert.Equal(t, []string{"claim.acquire"}, res.Permissions)
	assert.Equal(t, "5m0s", res.StaleAfter)
}

func TestRegisterAcknowledgesOldBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	_, err := env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: domain.Broadcast, Body: "old news"})
	require.NoError(t, err)
	env.advance(2 * time.Hour)
	env.report(t, "lead")
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: domain.Broadcast, Body: "fresh news"})
	require.NoError(t, err)

	res, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "ed", Class: "editor", Model: "m"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Acknowledged)

	msgs := env.drain(t, "ed")
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh news", msgs[0].Body)
}

func TestWhoReportsStalenessAndHP(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	_, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Name: "quiet", Class: "advisor", Model: "m"})
	require.NoError(t, err)

	env.advance(10 * time.Minute)
	agents, err := env.Engine.Who(env.Ctx)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	byName := map[string]domain.AgentView{}
	for _, a := range agents {
		byName[a.Name] = a
	}
	assert.False(t, byName["lead"].Stale, "coordinator threshold is 15m")
	assert.True(t, byName["ed"].Stale, "editor threshold is 5m")
	assert.True(t, byName["quiet"].Stale, "never reported")
	assert.Equal(t, "75% HP [50k/200k] Healthy", byName["ed"].HP)
	assert.InDelta(t, 10, byName["ed"].MinutesSinceSeen, 0.01)
}

func TestRenameRewritesReferences(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	_, err := env.Engine.ClaimFile(env.Ctx, "ed", "a.go")
	require.NoError(t, err)
	_, err = env.Engine.Send(env.Ctx, engine.SendOptions{From: "lead", To: "ed", Body: "hello"})
	require.NoError(t, err)
	entry, err := env.Engine.LogRaid(env.Ctx, "ed", "tests flake on CI", "normal")
	require.NoError(t, err)

	_, err = env.Engine.Rename(env.Ctx, "ed", "ed", "lead")
	requireKind(t, err, engine.KindConflict, engine.CodeDuplicateIdentity)
	_, err = env.Engine.Rename(env.Ctx, "ed", "ghost", "x")
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)

	a, err := env.Engine.Rename(env.Ctx, "ed", "ed", "ed2")
	require.NoError(t, err)
	assert.Equal(t, "ed2", a.Name)

	claims, err := env.Engine.GetClaims(env.Ctx, "ed2")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	msgs := env.drain(t, "ed2")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	_, err = env.Engine.GetAgent(env.Ctx, "ed")
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownAgent)

	raid, err := env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{})
	require.NoError(t, err)
	require.Len(t, raid, 1)
	assert.Equal(t, entry.ID, raid[0].ID)
	assert.Equal(t, "ed", raid[0].Author, "raid log is append-only")
	renamed, err := env.Engine.GetRaidLog(env.Ctx, engine.RaidQuery{Author: "ed2"})
	require.NoError(t, err)
	assert.Empty(t, renamed)
}

func TestDeregisterCascadesClaims(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "c1", "editor")
	env.join(t, "c2", "editor")
	_, err := env.Engine.ClaimFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)
	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	requireKind(t, err, engine.KindConflict, engine.CodeAlreadyClaimed)

	_, err = env.Engine.Deregister(env.Ctx, "c1", "c1", false)
	requireKind(t, err, engine.KindConflict, engine.CodeHasActiveClaims)
	assert.Equal(t, []string{"a.txt"}, engine.DetailsOf(err)["claims"])

	_, err = env.Engine.Deregister(env.Ctx, "c2", "c1", true)
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)

	res, err := env.Engine.Deregister(env.Ctx, "lead", "c1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, res.Released)

	msgs := env.drain(t, "c2")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SystemSender, msgs[0].From)
	assert.Contains(t, msgs[0].Body, "a.txt is free")

	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	require.NoError(t, err)
}

func TestSetZoneSelfOrManager(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	env.join(t, "run", "runner")

	a, err := env.Engine.SetZone(env.Ctx, "ed", "ed", "backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", a.Zone)

	_, err = env.Engine.SetZone(env.Ctx, "run", "ed", "frontend")
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)

	a, err = env.Engine.SetZone(env.Ctx, "lead", "ed", "frontend")
	require.NoError(t, err)
	assert.Equal(t, "frontend", a.Zone)

	a2, err := env.Engine.SetStatus(env.Ctx, "ed", "refactoring parser")
	require.NoError(t, err)
	assert.Equal(t, "refactoring parser", a2.Status)
}

func TestEventsRecordedWithState(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	_, err := env.Engine.LogRaid(env.Ctx, "lead", "kickoff", "")
	require.NoError(t, err)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "raid.logged", evts[0].Type)
	assert.Equal(t, "lead", evts[0].Actor)
	assert.JSONEq(t, `{"priority":"normal"}`, evts[0].Payload)
}

func TestQuarantinedEntityRefusesWrites(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "ed", "editor")
	require.NoError(t, env.Engine.Repo.Quarantine(env.Ctx, env.Engine.DB, "claim", "a.go", "two holders observed", env.now().Format(time.RFC3339)))

	_, err := env.Engine.ClaimFile(env.Ctx, "ed", "./a.go")
	requireKind(t, err, engine.KindInvariantViolation, engine.CodeQuarantined)
	assert.Equal(t, "two holders observed", engine.DetailsOf(err)["reason"])
}
