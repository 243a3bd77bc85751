package resources

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestOrder(t *testing.T, values ...string) (*Order, []*Authorization, []*Challenge) {
	t.Helper()
	idents := make([]Identifier, len(values))
	for i, value := range values {
		idents[i] = Identifier{Type: TypeDNS, Value: value}
	}
	order, authzs, challenges, err := NewOrder("test-kid", idents,
		[]ChallengeType{HTTP01, DNS01}, testNow, 24*time.Hour, nil, nil)
	require.NoError(t, err)
	return order, authzs, challenges
}

func TestNewOrder(t *testing.T) {
	order, authzs, challenges := newTestOrder(t, "Example.COM", "example.com", "*.other.example")

	assert.Equal(t, OrderPending, order.Status)
	assert.Equal(t, "test-kid", order.AccountKID)
	assert.Equal(t, testNow.Add(24*time.Hour), order.Expires)
	// duplicates collapse after case folding
	require.Len(t, order.Identifiers, 2)
	assert.Equal(t, "example.com", order.Identifiers[0].Value)
	assert.Equal(t, "*.other.example", order.Identifiers[1].Value)

	require.Len(t, authzs, 2)
	require.Len(t, challenges, 4)
	for _, authz := range authzs {
		assert.Equal(t, AuthorizationPending, authz.Status)
		assert.Equal(t, order.ID, authz.OrderID)
		assert.Equal(t, order.Expires, authz.Expires)
		assert.Len(t, authz.ChallengeIDs, 2)
	}
	assert.False(t, authzs[0].Wildcard)
	assert.True(t, authzs[1].Wildcard)

	for _, challenge := range challenges {
		assert.Equal(t, ChallengePending, challenge.Status)
		assert.NotEmpty(t, challenge.Token)
	}
}

func TestOrderRevalidate(t *testing.T) {
	t.Run("all authzs valid", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com", "www.example.com")
		for _, authz := range authzs {
			authz.Status = AuthorizationValid
		}
		assert.Equal(t, OrderReady, order.Revalidate(authzs, testNow))
		// a second pass changes nothing
		assert.Equal(t, OrderReady, order.Revalidate(authzs, testNow))
	})

	t.Run("one authz still pending", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com", "www.example.com")
		authzs[0].Status = AuthorizationValid
		assert.Equal(t, OrderPending, order.Revalidate(authzs, testNow))
	})

	t.Run("one authz failed", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com", "www.example.com")
		authzs[0].Status = AuthorizationValid
		authzs[1].Status = AuthorizationInvalid
		assert.Equal(t, OrderInvalid, order.Revalidate(authzs, testNow))
	})

	t.Run("deactivated authz degrades a ready order", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com")
		authzs[0].Status = AuthorizationValid
		require.Equal(t, OrderReady, order.Revalidate(authzs, testNow))
		authzs[0].Status = AuthorizationDeactivated
		assert.Equal(t, OrderInvalid, order.Revalidate(authzs, testNow))
	})

	t.Run("stale order expires", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com")
		assert.Equal(t, OrderInvalid, order.Revalidate(authzs, testNow.Add(25*time.Hour)))
	})

	t.Run("stale authzs expire", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com")
		order.Expires = testNow.Add(48 * time.Hour)
		assert.Equal(t, OrderInvalid, order.Revalidate(authzs, testNow.Add(25*time.Hour)))
		assert.Equal(t, AuthorizationExpired, authzs[0].Status)
	})

	t.Run("terminal statuses never regress", func(t *testing.T) {
		order, authzs, _ := newTestOrder(t, "example.com")
		for _, status := range []OrderStatus{OrderProcessing, OrderValid, OrderInvalid} {
			order.Status = status
			assert.Equal(t, status, order.Revalidate(authzs, testNow))
		}
	})
}

func TestOrderLifecycle(t *testing.T) {
	order, authzs, _ := newTestOrder(t, "example.com")
	authzs[0].Status = AuthorizationValid
	require.Equal(t, OrderReady, order.Revalidate(authzs, testNow))

	assert.True(t, order.BeginProcessing())
	assert.Equal(t, OrderProcessing, order.Status)
	assert.False(t, order.BeginProcessing())

	assert.True(t, order.Complete("cert-1"))
	assert.Equal(t, OrderValid, order.Status)
	assert.Equal(t, "cert-1", order.CertificateID)

	// the certificate slot is set exactly once
	assert.False(t, order.Complete("cert-2"))
	assert.Equal(t, "cert-1", order.CertificateID)

	// Fail never regresses a VALID order
	order.Fail()
	assert.Equal(t, OrderValid, order.Status)
}

func TestOrderFail(t *testing.T) {
	order, _, _ := newTestOrder(t, "example.com")
	order.Status = OrderProcessing
	order.Fail()
	assert.Equal(t, OrderInvalid, order.Status)
}

func makeCSR(t *testing.T, commonName string, dnsNames []string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestOrderValidateCSR(t *testing.T) {
	order, _, _ := newTestOrder(t, "example.com", "www.example.com")

	t.Run("exact match", func(t *testing.T) {
		csr := makeCSR(t, "example.com", []string{"example.com", "www.example.com"})
		assert.True(t, order.ValidateCSR(csr))
	})

	t.Run("case folded match", func(t *testing.T) {
		csr := makeCSR(t, "EXAMPLE.com", []string{"WWW.example.COM"})
		assert.True(t, order.ValidateCSR(csr))
	})

	t.Run("missing name", func(t *testing.T) {
		csr := makeCSR(t, "example.com", nil)
		assert.False(t, order.ValidateCSR(csr))
	})

	t.Run("extra name", func(t *testing.T) {
		csr := makeCSR(t, "example.com",
			[]string{"www.example.com", "evil.example.com"})
		assert.False(t, order.ValidateCSR(csr))
	})

	t.Run("wildcard must stay literal", func(t *testing.T) {
		wildOrder, _, _ := newTestOrder(t, "*.example.com")
		assert.True(t, wildOrder.ValidateCSR(makeCSR(t, "", []string{"*.example.com"})))
		assert.False(t, wildOrder.ValidateCSR(makeCSR(t, "", []string{"foo.example.com"})))
	})
}
