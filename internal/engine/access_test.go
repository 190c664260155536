package engine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/engine"
	"decisiondesk/internal/engine/auth"
	"decisiondesk/internal/repo"
)

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)

	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, kel, "laptop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plain, engine.APIKeyPrefix))
	assert.NotEqual(t, plain, key.KeyHash)

	who, err := env.Engine.ResolveAPIKey(env.Ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, kel, who)

	_, err = env.Engine.ResolveAPIKey(env.Ctx, plain+"x")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	var fe auth.ForbiddenError
	require.ErrorAs(t, env.Engine.RevokeAPIKey(env.Ctx, maho, key.ID), &fe)

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, kel, key.ID))
	_, err = env.Engine.ResolveAPIKey(env.Ctx, plain)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "stranger", "")
	assert.ErrorIs(t, err, auth.ErrUnknownActor)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	q := env.readyQuestion(t, "audit me")

	evts, err := env.Engine.ListEvents(env.Ctx, kel, 10, "question", q.ID)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "question.update", evts[0].Type)

	_, err = env.Engine.ListEvents(env.Ctx, "stranger", 10, "", "")
	assert.Error(t, err)
}
