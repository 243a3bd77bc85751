package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/client"
	"github.com/cpu/acmebroker/db"
)

var testNow = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

const testExternalURL = "http://acme.test"

// testIssuer builds a throwaway self-signed CA.
func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmebroker test CA"},
		NotBefore:             testNow.Add(-time.Hour),
		NotAfter:              testNow.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	issuer, err := NewIssuer(cert, key)
	require.NoError(t, err)
	return issuer
}

// newTestServer builds a CA mode server on a memory database with a fake
// clock and the dummy validator. mutate may adjust the config first.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(testNow)

	config := Config{
		ExternalURL: testExternalURL,
		Mode:        ModeCA,
	}
	if mutate != nil {
		mutate(&config)
	}

	opts := Options{
		Logger:     zap.NewNop(),
		Clock:      clk,
		DB:         db.NewMemoryDB(),
		Validators: []Validator{&DummyValidator{}},
	}
	if config.Mode == ModeCA {
		opts.Issuer = testIssuer(t)
	} else {
		opts.Upstream = &client.Client{}
	}
	srv, err := New(config, opts)
	require.NoError(t, err)
	return srv, clk
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// nonceFromStore is a jose.NonceSource drawing directly from a NonceStore.
type nonceFromStore struct {
	store *NonceStore
}

func (n *nonceFromStore) Nonce() (string, error) {
	return n.store.Issue()
}

// testClient signs and submits ACME requests against a test server's router.
// The inbound signature policy only accepts RSA-family algorithms, so the
// account key is RSA.
type testClient struct {
	t   *testing.T
	srv *Server
	key *rsa.PrivateKey
	// The account URL used as the JWS "kid". Empty means embed the JWK.
	kid string
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testClient{t: t, srv: srv, key: key}
}

// Nonce implements jose.NonceSource by fetching a fresh nonce through the
// new-nonce endpoint.
func (c *testClient) Nonce() (string, error) {
	req := httptest.NewRequest("HEAD", newNoncePath, nil)
	rec := httptest.NewRecorder()
	c.srv.Handler().ServeHTTP(rec, req)
	return rec.Header().Get(acme.REPLAY_NONCE_HEADER), nil
}

// sign produces the JWS envelope for a request to url. nonces may override
// the default nonce source.
func (c *testClient) sign(url string, payload []byte, nonces jose.NonceSource) string {
	c.t.Helper()
	if nonces == nil {
		nonces = c
	}
	opts := &jose.SignerOptions{
		NonceSource: nonces,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			jose.HeaderKey("url"): url,
		},
	}
	var signingKey jose.SigningKey
	if c.kid == "" {
		opts.EmbedJWK = true
		signingKey = jose.SigningKey{Algorithm: jose.RS256, Key: c.key}
	} else {
		signingKey = jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: c.key, KeyID: c.kid},
		}
	}
	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(c.t, err)
	signed, err := signer.Sign(payload)
	require.NoError(c.t, err)
	return signed.FullSerialize()
}

// post signs payload for url and submits it through the router.
func (c *testClient) post(url string, payload []byte) *httptest.ResponseRecorder {
	c.t.Helper()
	body := c.sign(url, payload, nil)
	path := strings.TrimPrefix(url, testExternalURL)
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", acme.JOSE_JSON_CONTENT_TYPE)
	rec := httptest.NewRecorder()
	c.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// postJSON marshals v and posts it.
func (c *testClient) postJSON(url string, v interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(c.t, err)
	return c.post(url, payload)
}

// postAsGet posts an empty payload.
func (c *testClient) postAsGet(url string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.post(url, []byte{})
}

// register creates the client's account and switches it to kid
// authentication.
func (c *testClient) register(contact ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	rec := c.postJSON(c.srv.urls.NewAccountURL(), map[string]interface{}{
		"contact":              contact,
		"termsOfServiceAgreed": true,
	})
	if location := rec.Header().Get("Location"); location != "" {
		c.kid = location
	}
	return rec
}

// decodeJSON unmarshals a response body.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v),
		"decoding response body %q", rec.Body.String())
}

// problemFrom decodes a problem document response.
func problemFrom(t *testing.T, rec *httptest.ResponseRecorder) *acme.Problem {
	t.Helper()
	require.Equal(t, acme.PROBLEM_JSON_CONTENT_TYPE, rec.Header().Get("Content-Type"))
	var problem acme.Problem
	decodeJSON(t, rec, &problem)
	return &problem
}

// requireProblem asserts that rec carries the given problem code.
func requireProblem(t *testing.T, rec *httptest.ResponseRecorder, code string) *acme.Problem {
	t.Helper()
	problem := problemFrom(t, rec)
	require.Equal(t, acme.ErrorTypePrefix+code, problem.Type,
		"detail: %s", problem.Detail)
	return problem
}
