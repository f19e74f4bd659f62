package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/config"
)

func TestPolicyFollowsClassConfig(t *testing.T) {
	p := Policy{Config: config.Default("test")}

	assert.True(t, p.Can("coordinator", PermTaskClose))
	assert.True(t, p.Can("editor", PermClaimAcquire))
	assert.False(t, p.Can("editor", PermTaskAssign))
	assert.False(t, p.Can("advisor", PermClaimAcquire))
	assert.False(t, p.Can("wizard", PermClaimAcquire))

	err := p.Require("runner", PermSessionEnd)
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "runner", fe.Class)
	assert.Equal(t, PermSessionEnd, fe.Permission)
	assert.NoError(t, p.Require("coordinator", PermSessionEnd))

	assert.Equal(t, []string{PermClaimAcquire}, p.Permissions("editor"))
	assert.Empty(t, p.Permissions("advisor"))
}

func TestModelWhitelist(t *testing.T) {
	p := Policy{Config: config.Default("test")}
	assert.True(t, p.ModelAllowed("coordinator", "claude-opus"))
	assert.False(t, p.ModelAllowed("coordinator", "tiny-model"))
	assert.True(t, p.ModelAllowed("editor", "anything"))
	assert.False(t, p.ModelAllowed("wizard", "anything"))
	assert.False(t, Policy{}.ModelAllowed("editor", "anything"))
}
