package engine_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
	"raidline/internal/engine"
)

func TestClaimReleaseReclaimScenario(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "c1", "editor")
	env.join(t, "c2", "editor")

	_, err := env.Engine.ClaimFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)

	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	requireKind(t, err, engine.KindConflict, engine.CodeAlreadyClaimed)
	details := engine.DetailsOf(err)
	assert.Equal(t, "c1", details["holder"])
	assert.Equal(t, 1, details["position"])

	rel, err := env.Engine.ReleaseFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "c2", rel.Notified)

	msgs := env.drain(t, "c2")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SystemSender, msgs[0].From)

	claims, err := env.Engine.GetClaims(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, claims, "release never auto-grants")

	res, err := env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "c2", res.Claim.Holder)
	assert.Empty(t, res.Claim.Waitlist, "acquiring drops the caller's queue entry")
}

func TestClaimIsIdempotentAndNormalized(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "ed", "editor")

	first, err := env.Engine.ClaimFile(env.Ctx, "ed", "./src/../src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", first.Claim.Path)
	assert.False(t, first.Renewed)

	again, err := env.Engine.ClaimFile(env.Ctx, "ed", "src/main.go")
	require.NoError(t, err)
	assert.True(t, again.Renewed)
	assert.Equal(t, first.Claim.AcquiredAt, again.Claim.AcquiredAt)
}

func TestWaitlistKeepsPositionAndNotifiesOnlyHead(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "c1", "editor")
	env.join(t, "c2", "editor")
	env.join(t, "c3", "runner")
	_, err := env.Engine.ClaimFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)

	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	require.Error(t, err)
	_, err = env.Engine.ClaimFile(env.Ctx, "c3", "a.txt")
	assert.Equal(t, 2, engine.DetailsOf(err)["position"])
	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	assert.Equal(t, 1, engine.DetailsOf(err)["position"], "retrying keeps the queue position")

	_, err = env.Engine.ReleaseFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)
	assert.Len(t, env.drain(t, "c2"), 1)
	assert.Empty(t, env.drain(t, "c3"))

	_, err = env.Engine.ClaimFile(env.Ctx, "c3", "a.txt")
	require.NoError(t, err, "notification is not a reservation")
}

func TestReleaseRequiresHolder(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "c1", "editor")
	env.join(t, "c2", "editor")
	_, err := env.Engine.ClaimFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)

	_, err = env.Engine.ReleaseFile(env.Ctx, "c2", "a.txt")
	requireKind(t, err, engine.KindConflict, engine.CodeNotHolder)
	assert.Equal(t, "c1", engine.DetailsOf(err)["holder"])

	_, err = env.Engine.ReleaseFile(env.Ctx, "c2", "b.txt")
	requireKind(t, err, engine.KindConflict, engine.CodeNotHolder)
}

func TestForceReleaseIsCoordinatorOnly(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "lead", "coordinator")
	env.join(t, "c1", "editor")
	env.join(t, "c2", "editor")
	_, err := env.Engine.ClaimFile(env.Ctx, "c1", "a.txt")
	require.NoError(t, err)
	_, err = env.Engine.ClaimFile(env.Ctx, "c2", "a.txt")
	require.Error(t, err)

	_, err = env.Engine.ForceRelease(env.Ctx, "c2", "a.txt")
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)

	res, err := env.Engine.ForceRelease(env.Ctx, "lead", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "c1", res.Holder)
	assert.Equal(t, "c2", res.Notified)

	_, err = env.Engine.ForceRelease(env.Ctx, "lead", "a.txt")
	requireKind(t, err, engine.KindNotFound, engine.CodeUnknownClaim)
}

func TestClaimRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "adv", "advisor")
	_, err := env.Engine.ClaimFile(env.Ctx, "adv", "a.txt")
	requireKind(t, err, engine.KindPermissionDenied, engine.CodePermissionDenied)
	assert.Equal(t, "claim.acquire", engine.DetailsOf(err)["permission"])
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	const n = 8
	for i := 0; i < n; i++ {
		env.join(t, fmt.Sprintf("c%d", i), "editor")
	}
	engines := []engine.Engine{env.Engine, env.reopen(t)}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		winners    []string
		conflicts  int
		unexpected []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(eng engine.Engine, name string) {
			defer wg.Done()
			_, err := eng.ClaimFile(env.Ctx, name, "src/shared.go")
			mu.Lock()
			defer mu.Unlock()
			kind, code := engine.Classify(err)
			switch {
			case err == nil:
				winners = append(winners, name)
			case kind == engine.KindConflict && code == engine.CodeAlreadyClaimed:
				conflicts++
			default:
				unexpected = append(unexpected, err)
			}
		}(engines[i%len(engines)], fmt.Sprintf("c%d", i))
	}
	wg.Wait()

	require.Empty(t, unexpected)
	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)
	claims, err := env.Engine.GetClaims(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, winners[0], claims[0].Holder)
}
