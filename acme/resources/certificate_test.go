package resources

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedDER(t *testing.T, commonName string, dnsNames []string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     dnsNames,
		NotBefore:    testNow,
		NotAfter:     testNow.Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	return der
}

func TestCertificateRevoke(t *testing.T) {
	order, _, _ := newTestOrder(t, "example.com")
	cert := NewCertificate(order, selfSignedDER(t, "example.com", nil), "")
	require.Equal(t, CertificateValid, cert.Status)

	// reason 7 is unassigned in RFC 5280 and rejected
	assert.Error(t, cert.Revoke(7))
	assert.Error(t, cert.Revoke(11))
	assert.Equal(t, CertificateValid, cert.Status)

	require.NoError(t, cert.Revoke(4))
	assert.Equal(t, CertificateRevoked, cert.Status)
	require.NotNil(t, cert.RevocationReason)
	assert.Equal(t, 4, *cert.RevocationReason)

	// revocation is terminal, repeats report ErrAlreadyRevoked
	assert.Equal(t, ErrAlreadyRevoked, cert.Revoke(0))
}

func TestValidRevocationReason(t *testing.T) {
	for _, reason := range []int{0, 1, 2, 3, 4, 5, 6, 8, 9, 10} {
		assert.True(t, ValidRevocationReason(reason), "reason %d", reason)
	}
	for _, reason := range []int{-1, 7, 11, 100} {
		assert.False(t, ValidRevocationReason(reason), "reason %d", reason)
	}
}

func TestCertificateNames(t *testing.T) {
	order, _, _ := newTestOrder(t, "example.com")
	der := selfSignedDER(t, "Example.COM", []string{"www.example.com", "example.com"})
	cert := NewCertificate(order, der, "")

	names, err := cert.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "www.example.com"}, names)
}

func TestCertificatePEM(t *testing.T) {
	order, _, _ := newTestOrder(t, "example.com")
	der := selfSignedDER(t, "example.com", nil)
	cert := NewCertificate(order, der, "")

	block, rest := pem.Decode([]byte(cert.PEM()))
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, "CERTIFICATE", block.Type)
	assert.Equal(t, der, block.Bytes)
}

func TestSplitPEMChain(t *testing.T) {
	leaf := selfSignedDER(t, "leaf.example", nil)
	issuer := selfSignedDER(t, "issuer.example", nil)
	chain := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf})) +
		string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte("not a cert")})) +
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issuer}))

	blocks := SplitPEMChain(chain)
	require.Len(t, blocks, 2)

	first, _ := pem.Decode([]byte(blocks[0]))
	require.NotNil(t, first)
	assert.Equal(t, leaf, first.Bytes)

	assert.Empty(t, SplitPEMChain("no pem here"))
}
