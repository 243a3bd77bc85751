package client_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/client"
	"github.com/cpu/acmebroker/acme/resources"
	"github.com/cpu/acmebroker/db"
	"github.com/cpu/acmebroker/server"
)

// noopSolver claims every challenge type and publishes nothing. The test
// server validates with the dummy validator, so no response needs to exist.
type noopSolver struct{}

func (noopSolver) Supports(challengeType string) bool { return true }

func (noopSolver) Present(ctx context.Context, identifier, token, keyAuth string) error {
	return nil
}

func (noopSolver) CleanUp(ctx context.Context, identifier, token, keyAuth string) error {
	return nil
}

// startTestCA runs a standalone CA mode server over httptest and returns its
// base URL.
func startTestCA(t *testing.T) string {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "upstream test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, caKey.Public(), caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	issuer, err := server.NewIssuer(caCert, caKey)
	require.NoError(t, err)

	// the external URL is only known once the listener exists, so the
	// handler is bound late
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	srv, err := server.New(server.Config{
		ExternalURL:        ts.URL,
		Mode:               server.ModeCA,
		ChallengeValidator: "dummy",
	}, server.Options{
		Logger: zap.NewNop(),
		DB:     db.NewMemoryDB(),
		Issuer: issuer,
	})
	require.NoError(t, err)
	handler = srv.Handler()
	return ts.URL
}

func TestClientAgainstCA(t *testing.T) {
	baseURL := startTestCA(t)
	ctx := context.Background()

	accountKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	c, err := client.NewClient(ctx, client.Config{
		DirectoryURL: baseURL + "/directory",
		ContactEmail: "ops@example.com",
		Signer:       accountKey,
		Solvers:      []client.Solver{noopSolver{}},
	}, zap.NewNop())
	require.NoError(t, err)

	order, err := c.OrderCreate(ctx, []string{"relay.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "pending", order.Status)
	assert.NotEmpty(t, order.URL)
	require.Len(t, order.Authorizations, 1)

	require.NoError(t, c.AuthorizationsComplete(ctx, order))

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "relay.example.com"},
		DNSNames: []string{"relay.example.com"},
	}, certKey)
	require.NoError(t, err)

	finalized, err := c.OrderFinalize(ctx, order, csrDER)
	require.NoError(t, err)
	assert.Equal(t, "valid", finalized.Status)
	require.NotEmpty(t, finalized.Certificate)

	chainPEM, err := c.CertificateGet(ctx, finalized)
	require.NoError(t, err)
	chain := resources.SplitPEMChain(string(chainPEM))
	require.Len(t, chain, 2)

	leaf, err := x509.ParseCertificate(leafDER(t, chainPEM))
	require.NoError(t, err)
	assert.Equal(t, []string{"relay.example.com"}, leaf.DNSNames)
}

// leafDER extracts the DER bytes of the first certificate in a PEM chain.
func leafDER(t *testing.T, chainPEM []byte) []byte {
	t.Helper()
	block, _ := pem.Decode(chainPEM)
	require.NotNil(t, block)
	require.Equal(t, "CERTIFICATE", block.Type)
	return block.Bytes
}

func TestClientRevocation(t *testing.T) {
	baseURL := startTestCA(t)
	ctx := context.Background()

	accountKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	c, err := client.NewClient(ctx, client.Config{
		DirectoryURL: baseURL + "/directory",
		Signer:       accountKey,
		Solvers:      []client.Solver{noopSolver{}},
	}, zap.NewNop())
	require.NoError(t, err)

	order, err := c.OrderCreate(ctx, []string{"revoked.example.com"})
	require.NoError(t, err)
	require.NoError(t, c.AuthorizationsComplete(ctx, order))

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{"revoked.example.com"},
	}, certKey)
	require.NoError(t, err)
	finalized, err := c.OrderFinalize(ctx, order, csrDER)
	require.NoError(t, err)

	chainPEM, err := c.CertificateGet(ctx, finalized)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER(t, chainPEM))
	require.NoError(t, err)

	require.NoError(t, c.CertificateRevoke(ctx, leaf.Raw, nil))

	// the upstream refuses a repeat revocation with a problem document that
	// surfaces as a ClientError
	err = c.CertificateRevoke(ctx, leaf.Raw, nil)
	var clientErr *client.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrAlreadyRevoked, clientErr.Type)
	assert.Equal(t, http.StatusBadRequest, clientErr.Status)
}

func TestClientUpstreamProblemSurfaces(t *testing.T) {
	baseURL := startTestCA(t)
	ctx := context.Background()

	accountKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	c, err := client.NewClient(ctx, client.Config{
		DirectoryURL: baseURL + "/directory",
		Signer:       accountKey,
	}, zap.NewNop())
	require.NoError(t, err)

	// an order with no identifiers is refused upstream
	_, err = c.OrderCreate(ctx, nil)
	var clientErr *client.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, acme.ErrorTypePrefix+acme.ErrMalformed, clientErr.Type)
}

func TestClientConfigValidation(t *testing.T) {
	ctx := context.Background()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = client.NewClient(ctx, client.Config{Signer: key}, zap.NewNop())
	assert.Error(t, err)

	_, err = client.NewClient(ctx, client.Config{DirectoryURL: "http://example.com/dir"}, zap.NewNop())
	assert.Error(t, err)

	_, err = client.NewClient(ctx, client.Config{
		DirectoryURL: "http://example.com/dir",
		Signer:       key,
		ContactEmail: "not an address",
	}, zap.NewNop())
	assert.Error(t, err)
}
