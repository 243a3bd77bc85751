package resources

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmebroker/acme"
)

func TestNewChallenge(t *testing.T) {
	authz := &Authorization{ID: "authz-1", AccountKID: "test-kid"}
	challenge, err := NewChallenge(authz, HTTP01)
	require.NoError(t, err)

	assert.Equal(t, HTTP01, challenge.Type)
	assert.Equal(t, ChallengePending, challenge.Status)
	assert.Equal(t, "authz-1", challenge.AuthorizationID)
	assert.Equal(t, "test-kid", challenge.AccountKID)

	token, err := base64.RawURLEncoding.DecodeString(challenge.Token)
	require.NoError(t, err)
	assert.Len(t, token, 32)
}

func TestChallengeLifecycle(t *testing.T) {
	authz := &Authorization{ID: "authz-1"}
	challenge, err := NewChallenge(authz, DNS01)
	require.NoError(t, err)

	// Succeed straight from PENDING is not allowed
	assert.False(t, challenge.Succeed(testNow))
	assert.Equal(t, ChallengePending, challenge.Status)

	challenge.Begin()
	assert.Equal(t, ChallengeProcessing, challenge.Status)
	// Begin past PENDING is a no-op
	challenge.Begin()
	assert.Equal(t, ChallengeProcessing, challenge.Status)

	assert.True(t, challenge.Succeed(testNow))
	assert.Equal(t, ChallengeValid, challenge.Status)
	require.NotNil(t, challenge.Validated)
	assert.Equal(t, testNow, *challenge.Validated)

	// VALID is terminal
	assert.False(t, challenge.Fail(acme.NewProblem(acme.ErrUnauthorized, "late")))
	assert.Equal(t, ChallengeValid, challenge.Status)
	assert.Nil(t, challenge.Error)
}

func TestChallengeFail(t *testing.T) {
	authz := &Authorization{ID: "authz-1"}
	challenge, err := NewChallenge(authz, HTTP01)
	require.NoError(t, err)
	challenge.Begin()

	problem := acme.NewProblem(acme.ErrUnauthorized, "no dice")
	assert.True(t, challenge.Fail(problem))
	assert.Equal(t, ChallengeInvalid, challenge.Status)
	assert.Equal(t, problem, challenge.Error)

	// INVALID is terminal
	assert.False(t, challenge.Succeed(testNow))
	assert.Equal(t, ChallengeInvalid, challenge.Status)
}
