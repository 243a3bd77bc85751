package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitions(t *testing.T) {
	testCases := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderPending, OrderReady, true},
		{OrderPending, OrderInvalid, true},
		{OrderPending, OrderProcessing, false},
		{OrderPending, OrderValid, false},
		{OrderReady, OrderProcessing, true},
		{OrderReady, OrderInvalid, true},
		{OrderReady, OrderValid, false},
		{OrderProcessing, OrderValid, true},
		{OrderProcessing, OrderInvalid, true},
		{OrderProcessing, OrderReady, false},
		{OrderValid, OrderInvalid, false},
		{OrderInvalid, OrderPending, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestOrderTerminal(t *testing.T) {
	assert.False(t, OrderPending.Terminal())
	assert.False(t, OrderReady.Terminal())
	assert.False(t, OrderProcessing.Terminal())
	assert.True(t, OrderValid.Terminal())
	assert.True(t, OrderInvalid.Terminal())
}

func TestAuthorizationTransitions(t *testing.T) {
	testCases := []struct {
		from    AuthorizationStatus
		to      AuthorizationStatus
		allowed bool
	}{
		{AuthorizationPending, AuthorizationValid, true},
		{AuthorizationPending, AuthorizationInvalid, true},
		{AuthorizationPending, AuthorizationExpired, true},
		{AuthorizationPending, AuthorizationDeactivated, true},
		{AuthorizationPending, AuthorizationRevoked, true},
		{AuthorizationValid, AuthorizationExpired, true},
		{AuthorizationValid, AuthorizationDeactivated, true},
		{AuthorizationValid, AuthorizationRevoked, true},
		{AuthorizationValid, AuthorizationInvalid, false},
		{AuthorizationInvalid, AuthorizationValid, false},
		{AuthorizationExpired, AuthorizationValid, false},
		{AuthorizationDeactivated, AuthorizationPending, false},
		{AuthorizationRevoked, AuthorizationValid, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestChallengeTransitions(t *testing.T) {
	testCases := []struct {
		from    ChallengeStatus
		to      ChallengeStatus
		allowed bool
	}{
		{ChallengePending, ChallengeProcessing, true},
		{ChallengePending, ChallengeValid, false},
		{ChallengePending, ChallengeInvalid, false},
		{ChallengeProcessing, ChallengeValid, true},
		{ChallengeProcessing, ChallengeInvalid, true},
		{ChallengeValid, ChallengeInvalid, false},
		{ChallengeInvalid, ChallengeProcessing, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestAccountTransitions(t *testing.T) {
	assert.True(t, AccountValid.CanTransition(AccountDeactivated))
	assert.True(t, AccountValid.CanTransition(AccountRevoked))
	assert.False(t, AccountDeactivated.CanTransition(AccountValid))
	assert.False(t, AccountRevoked.CanTransition(AccountValid))
}
