package resources

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmebroker/acme/keys"
)

func testAccountKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: key.Public()}
}

func TestNewAccount(t *testing.T) {
	key := testAccountKey(t)
	account, err := NewAccount(key, []string{"mailto:admin@example.com"}, true, testNow)
	require.NoError(t, err)

	// the kid is the key's RFC 7638 thumbprint
	thumb, err := keys.Thumbprint(key)
	require.NoError(t, err)
	assert.Equal(t, thumb, account.KID)
	assert.Equal(t, AccountValid, account.Status)
	assert.True(t, account.TOSAgreed)
	assert.Equal(t, testNow, account.CreatedAt)

	// the same key always yields the same kid
	again, err := NewAccount(key, nil, false, testNow)
	require.NoError(t, err)
	assert.Equal(t, account.KID, again.KID)
}

func TestAccountUpdate(t *testing.T) {
	account, err := NewAccount(testAccountKey(t), nil, true, testNow)
	require.NoError(t, err)

	require.NoError(t, account.Update(AccountUpdate{Contact: []string{"mailto:new@example.com"}}))
	assert.Equal(t, []string{"mailto:new@example.com"}, account.Contact)

	// only deactivation is a legal client status change
	assert.Error(t, account.Update(AccountUpdate{Status: AccountRevoked}))
	assert.Equal(t, AccountValid, account.Status)

	require.NoError(t, account.Update(AccountUpdate{Status: AccountDeactivated}))
	assert.Equal(t, AccountDeactivated, account.Status)
	assert.Error(t, account.Update(AccountUpdate{Status: AccountDeactivated}))
}

func TestAccountRevoke(t *testing.T) {
	account, err := NewAccount(testAccountKey(t), nil, true, testNow)
	require.NoError(t, err)

	require.NoError(t, account.Revoke())
	assert.Equal(t, AccountRevoked, account.Status)
	assert.Error(t, account.Revoke())
}
