package server

import (
	"net/http/httptest"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/resources"
)

// staticNonce is a jose.NonceSource returning a fixed value.
type staticNonce string

func (n staticNonce) Nonce() (string, error) {
	return string(n), nil
}

// verify runs verifyRequest against a signed body.
func verify(t *testing.T, srv *Server, body string, opts authOptions) (*authorizedRequest, error) {
	t.Helper()
	path := strings.TrimPrefix(opts.url, testExternalURL)
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	return srv.verifyRequest(req, srv.store.Begin("test"), opts)
}

// registerAccount stores an account for the client's key and switches the
// client to kid authentication.
func registerAccount(t *testing.T, srv *Server, client *testClient) *resources.Account {
	t.Helper()
	jwk := &jose.JSONWebKey{Key: client.key.Public()}
	account, err := resources.NewAccount(jwk, nil, true, testNow)
	require.NoError(t, err)
	session := srv.store.Begin("test")
	require.NoError(t, session.Put(account))
	require.NoError(t, session.Commit())
	client.kid = srv.urls.AccountURL(account.KID)
	return account
}

func TestVerifyRequestJWK(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := newTestClient(t, srv)
	url := srv.urls.NewAccountURL()

	body := client.sign(url, []byte(`{"hello":"world"}`), nil)
	auth, err := verify(t, srv, body, authOptions{url: url, requireJWK: true})
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(auth.payload))
	require.NotNil(t, auth.jwk)
	assert.Nil(t, auth.account)
}

func TestVerifyRequestURLBinding(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := newTestClient(t, srv)

	// the envelope names a different endpoint than the one receiving it
	body := client.sign(srv.urls.NewOrderURL(), []byte(`{}`), nil)
	_, err := verify(t, srv, body, authOptions{url: srv.urls.NewAccountURL(), requireJWK: true})
	problem, ok := err.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrUnauthorized, problem.Type)
}

func TestVerifyRequestAlgorithmPolicy(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	url := srv.urls.NewAccountURL()

	ecKey := newECKey(t)
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: ecKey},
		&jose.SignerOptions{
			NonceSource: &nonceFromStore{srv.nonces},
			EmbedJWK:    true,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): url,
			},
		})
	require.NoError(t, err)

	signed, err := signer.Sign([]byte(`{}`))
	require.NoError(t, err)
	_, verifyErr := verify(t, srv, signed.FullSerialize(), authOptions{url: url, requireJWK: true})
	problem, ok := verifyErr.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrBadSignatureAlgorithm, problem.Type)

	// with a mismatched URL the binding failure wins over the algorithm one
	signed, err = signer.Sign([]byte(`{}`))
	require.NoError(t, err)
	_, verifyErr = verify(t, srv, signed.FullSerialize(),
		authOptions{url: srv.urls.NewOrderURL(), requireJWK: true})
	problem, ok = verifyErr.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrUnauthorized, problem.Type)
}

func TestVerifyRequestBadNonce(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := newTestClient(t, srv)
	url := srv.urls.NewAccountURL()

	// a nonce the server never issued
	body := client.sign(url, []byte(`{}`), staticNonce("deadbeefdeadbeefdeadbeefdeadbeef"))
	_, err := verify(t, srv, body, authOptions{url: url, requireJWK: true})
	problem, ok := err.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrBadNonce, problem.Type)

	// replaying a consumed nonce
	nonce, err2 := srv.nonces.Issue()
	require.NoError(t, err2)
	body = client.sign(url, []byte(`{}`), staticNonce(nonce))
	_, err = verify(t, srv, body, authOptions{url: url, requireJWK: true})
	require.NoError(t, err)

	body = client.sign(url, []byte(`{}`), staticNonce(nonce))
	_, err = verify(t, srv, body, authOptions{url: url, requireJWK: true})
	problem, ok = err.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrBadNonce, problem.Type)
}

func TestVerifyRequestMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, err := verify(t, srv, "this is not a JWS",
		authOptions{url: srv.urls.NewAccountURL(), requireJWK: true})
	problem, ok := err.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrMalformed, problem.Type)
}

func TestVerifyRequestKeySelection(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := newTestClient(t, srv)
	account := registerAccount(t, srv, client)
	url := srv.urls.AccountURL(account.KID)

	t.Run("kid resolves the account", func(t *testing.T) {
		body := client.sign(url, []byte{}, nil)
		auth, err := verify(t, srv, body, authOptions{url: url, postAsGet: true})
		require.NoError(t, err)
		require.NotNil(t, auth.account)
		assert.Equal(t, account.KID, auth.account.KID)
		assert.Nil(t, auth.jwk)
	})

	t.Run("jwk on a kid endpoint is malformed", func(t *testing.T) {
		embedded := newTestClient(t, srv)
		body := embedded.sign(url, []byte{}, nil)
		_, err := verify(t, srv, body, authOptions{url: url})
		problem, ok := err.(*acme.Problem)
		require.True(t, ok)
		assert.Equal(t, acme.ErrorTypePrefix+acme.ErrMalformed, problem.Type)
	})

	t.Run("kid on a jwk-only endpoint is malformed", func(t *testing.T) {
		body := client.sign(srv.urls.NewAccountURL(), []byte(`{}`), nil)
		_, err := verify(t, srv, body,
			authOptions{url: srv.urls.NewAccountURL(), requireJWK: true})
		problem, ok := err.(*acme.Problem)
		require.True(t, ok)
		assert.Equal(t, acme.ErrorTypePrefix+acme.ErrMalformed, problem.Type)
	})

	t.Run("unknown kid", func(t *testing.T) {
		stranger := newTestClient(t, srv)
		stranger.kid = srv.urls.AccountURL("no-such-kid")
		strangerURL := srv.urls.AccountURL("no-such-kid")
		body := stranger.sign(strangerURL, []byte{}, nil)
		_, err := verify(t, srv, body, authOptions{url: strangerURL})
		problem, ok := err.(*acme.Problem)
		require.True(t, ok)
		assert.Equal(t, acme.ErrorTypePrefix+acme.ErrAccountDoesNotExist, problem.Type)
	})

	t.Run("wrong key for the kid", func(t *testing.T) {
		impostor := newTestClient(t, srv)
		impostor.kid = client.kid
		body := impostor.sign(url, []byte{}, nil)
		_, err := verify(t, srv, body, authOptions{url: url})
		problem, ok := err.(*acme.Problem)
		require.True(t, ok)
		assert.Equal(t, acme.ErrorTypePrefix+acme.ErrUnauthorized, problem.Type)
	})

	t.Run("deactivated account", func(t *testing.T) {
		deadClient := newTestClient(t, srv)
		dead := registerAccount(t, srv, deadClient)
		session := srv.store.Begin("test")
		require.NoError(t, dead.Update(resources.AccountUpdate{Status: resources.AccountDeactivated}))
		require.NoError(t, session.Put(dead))
		require.NoError(t, session.Commit())

		deadURL := srv.urls.AccountURL(dead.KID)
		body := deadClient.sign(deadURL, []byte{}, nil)
		_, err := verify(t, srv, body, authOptions{url: deadURL})
		problem, ok := err.(*acme.Problem)
		require.True(t, ok)
		assert.Equal(t, acme.ErrorTypePrefix+acme.ErrUnauthorized, problem.Type)
	})
}

func TestVerifyRequestBuggyKIDVariant(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := newTestClient(t, srv)
	account := registerAccount(t, srv, client)

	// old dehydrated releases appended the kid to the new-account URL
	client.kid = srv.urls.NewAccountURL() + "/" + account.KID
	url := srv.urls.AccountURL(account.KID)
	body := client.sign(url, []byte{}, nil)
	auth, err := verify(t, srv, body, authOptions{url: url, postAsGet: true})
	require.NoError(t, err)
	assert.Equal(t, account.KID, auth.account.KID)
}

func TestVerifyRequestPostAsGet(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := newTestClient(t, srv)
	account := registerAccount(t, srv, client)
	url := srv.urls.AccountURL(account.KID)

	body := client.sign(url, []byte(`{"sneaky":"write"}`), nil)
	_, err := verify(t, srv, body, authOptions{url: url, postAsGet: true})
	problem, ok := err.(*acme.Problem)
	require.True(t, ok)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrMalformed, problem.Type)
}

func TestExtractKID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	kid, err := srv.extractKID(testExternalURL + "/accounts/abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", kid)

	kid, err = srv.extractKID(testExternalURL + "/new-account/abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", kid)

	for _, bad := range []string{
		"",
		"abc123",
		"https://other.example/accounts/abc123",
		testExternalURL + "/accounts/",
		testExternalURL + "/accounts/abc/123",
	} {
		_, err := srv.extractKID(bad)
		assert.Error(t, err, "kid %q", bad)
	}
}
