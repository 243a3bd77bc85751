package resources

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrAlreadyRevoked is returned when revoking a certificate that already
// reached its terminal REVOKED status.
var ErrAlreadyRevoked = errors.New("certificate is already revoked")

// revocationReasons is the accepted set of RFC 5280 CRL reason codes.
// Code 7 is unused by the RFC and rejected.
var revocationReasons = map[int]bool{
	0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 6: true,
	8: true, 9: true, 10: true,
}

// ValidRevocationReason reports whether the given CRL reason code is
// accepted for revocation requests.
func ValidRevocationReason(reason int) bool {
	return revocationReasons[reason]
}

// The Certificate resource holds an issued end-entity certificate. Each
// certificate references exactly one Order.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
type Certificate struct {
	// The server-assigned ID identifying the Certificate.
	ID string `json:"id"`
	// The KID of the owning Account.
	AccountKID string `json:"accountKID"`
	// The ID of the Order the certificate was issued for.
	OrderID string `json:"orderID"`
	// The Status of the certificate.
	Status CertificateStatus `json:"status"`
	// The DER encoded end-entity certificate.
	DER []byte `json:"der"`
	// The PEM encoded full chain as obtained from the upstream CA. Only set
	// in relay modes; in CA mode the chain is the certificate plus the
	// issuer certificate.
	FullChain string `json:"fullChain,omitempty"`
	// The CRL reason code recorded at revocation.
	RevocationReason *int `json:"revocationReason,omitempty"`
}

// String returns the Certificate's ID.
func (c Certificate) String() string {
	return c.ID
}

// NewCertificate builds a VALID certificate record for the given order.
func NewCertificate(order *Order, der []byte, fullChain string) *Certificate {
	return &Certificate{
		ID:         uuid.NewString(),
		AccountKID: order.AccountKID,
		OrderID:    order.ID,
		Status:     CertificateValid,
		DER:        der,
		FullChain:  fullChain,
	}
}

// Parse returns the parsed end-entity certificate.
func (c *Certificate) Parse() (*x509.Certificate, error) {
	return x509.ParseCertificate(c.DER)
}

// PEM returns the PEM encoding of the end-entity certificate.
func (c *Certificate) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: c.DER,
	}))
}

// Revoke transitions the certificate to REVOKED, recording the reason.
// REVOKED is terminal.
func (c *Certificate) Revoke(reason int) error {
	if c.Status == CertificateRevoked {
		return ErrAlreadyRevoked
	}
	if !ValidRevocationReason(reason) {
		return fmt.Errorf("unsupported revocation reason code %d", reason)
	}
	c.Status = CertificateRevoked
	c.RevocationReason = &reason
	return nil
}

// Names returns the case-folded set of subject names (common name plus DNS
// SANs) of the certificate.
func (c *Certificate) Names() ([]string, error) {
	parsed, err := c.Parse()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	if cn := strings.TrimSpace(parsed.Subject.CommonName); cn != "" {
		set[strings.ToLower(cn)] = true
	}
	for _, san := range parsed.DNSNames {
		set[strings.ToLower(san)] = true
	}
	return sortedKeys(set), nil
}

// SplitPEMChain splits a PEM bundle into its individual certificate blocks.
func SplitPEMChain(chain string) []string {
	var out []string
	rest := []byte(chain)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		out = append(out, string(pem.EncodeToMemory(block)))
	}
	return out
}
