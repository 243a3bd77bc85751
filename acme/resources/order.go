package resources

import (
	"crypto/x509"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The Order resource represents a collection of identifiers that an account
// wishes to obtain a Certificate for.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.3
//
// To understand the Status changes specified by ACME for the Order resource
// see https://tools.ietf.org/html/rfc8555#section-7.1.6
type Order struct {
	// The server-assigned ID identifying the Order.
	ID string `json:"id"`
	// The KID of the Account that owns the Order.
	AccountKID string `json:"accountKID"`
	// The Status of the Order.
	Status OrderStatus `json:"status"`
	// The time after which the server considers the order stale, UTC.
	Expires time.Time `json:"expires"`
	// Optional requested validity window.
	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`
	// The Identifiers the Order covers, case-folded and deduplicated.
	Identifiers []Identifier `json:"identifiers"`
	// IDs of the Authorization resources belonging to the Order, one per
	// identifier.
	AuthorizationIDs []string `json:"authorizationIDs"`
	// The DER encoded CSR submitted at finalization. Nil until finalize.
	CSR []byte `json:"csr,omitempty"`
	// The ID of the issued Certificate. Set exactly once, on successful
	// finalization.
	CertificateID string `json:"certificateID,omitempty"`
	// The URL of the corresponding upstream order. Only set in proxy mode.
	ProxiedURL string `json:"proxiedURL,omitempty"`
}

// String returns the Order's ID.
func (o Order) String() string {
	return o.ID
}

// NewOrder builds a pending Order together with its Authorization and
// Challenge tree. One authorization is created per identifier and one
// challenge per supported challenge type.
func NewOrder(kid string, idents []Identifier, challengeTypes []ChallengeType, now time.Time, ttl time.Duration, notBefore, notAfter *time.Time) (*Order, []*Authorization, []*Challenge, error) {
	idents = NormalizeIdentifiers(idents)
	expires := now.UTC().Add(ttl)

	order := &Order{
		ID:          uuid.NewString(),
		AccountKID:  kid,
		Status:      OrderPending,
		Expires:     expires,
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		Identifiers: idents,
	}

	var authzs []*Authorization
	var challenges []*Challenge
	for _, ident := range idents {
		authz := &Authorization{
			ID:           uuid.NewString(),
			AccountKID:   kid,
			OrderID:      order.ID,
			IdentifierID: ident.ID,
			Status:       AuthorizationPending,
			Expires:      expires,
			Wildcard:     ident.Wildcard(),
		}
		for _, typ := range challengeTypes {
			challenge, err := NewChallenge(authz, typ)
			if err != nil {
				return nil, nil, nil, err
			}
			authz.ChallengeIDs = append(authz.ChallengeIDs, challenge.ID)
			challenges = append(challenges, challenge)
		}
		order.AuthorizationIDs = append(order.AuthorizationIDs, authz.ID)
		authzs = append(authzs, authz)
	}

	return order, authzs, challenges, nil
}

// Identifier returns the order's identifier with the given index, or a zero
// Identifier if the index is unknown.
func (o *Order) Identifier(id int) Identifier {
	for _, ident := range o.Identifiers {
		if ident.ID == id {
			return ident
		}
	}
	return Identifier{}
}

// Revalidate reconciles the order's status against the current statuses of
// its authorizations:
//
//   - PENDING -> INVALID if any authorization is INVALID, EXPIRED,
//     DEACTIVATED or REVOKED (READY degrades the same way).
//   - PENDING -> READY once every authorization is VALID.
//
// It is idempotent and never regresses a terminal or processing status. The
// returned status is the order's status after reconciliation.
func (o *Order) Revalidate(authzs []*Authorization, now time.Time) OrderStatus {
	if o.Status != OrderPending && o.Status != OrderReady {
		return o.Status
	}

	if now.After(o.Expires) {
		o.Status = OrderInvalid
		return o.Status
	}

	valid := 0
	for _, authz := range authzs {
		authz.ExpireIfNeeded(now)
		switch authz.Status {
		case AuthorizationValid:
			valid++
		case AuthorizationInvalid, AuthorizationExpired,
			AuthorizationDeactivated, AuthorizationRevoked:
			o.Status = OrderInvalid
			return o.Status
		}
	}

	if o.Status == OrderPending && valid == len(authzs) && len(authzs) > 0 {
		o.Status = OrderReady
	}
	return o.Status
}

// BeginProcessing moves the order from READY to PROCESSING as part of
// finalization.
func (o *Order) BeginProcessing() bool {
	if !o.Status.CanTransition(OrderProcessing) {
		return false
	}
	o.Status = OrderProcessing
	return true
}

// Complete stores the issued certificate's ID and marks the order VALID. The
// certificate slot is only ever set once.
func (o *Order) Complete(certificateID string) bool {
	if o.CertificateID != "" || !o.Status.CanTransition(OrderValid) {
		return false
	}
	o.CertificateID = certificateID
	o.Status = OrderValid
	return true
}

// Fail marks the order INVALID unless it already reached VALID.
func (o *Order) Fail() {
	if o.Status.CanTransition(OrderInvalid) {
		o.Status = OrderInvalid
	}
}

// identifierSet returns the sorted, case-folded identifier values of the
// order.
func (o *Order) identifierSet() []string {
	set := make(map[string]bool, len(o.Identifiers))
	for _, ident := range o.Identifiers {
		set[strings.ToLower(ident.Value)] = true
	}
	return sortedKeys(set)
}

// ValidateCSR checks the order identifier closure invariant: the set of
// names in the CSR (common name plus DNS SANs, case-folded and deduplicated)
// must equal the order's identifier set. A wildcard identifier only matches
// the literal "*." name in the CSR.
func (o *Order) ValidateCSR(csr *x509.CertificateRequest) bool {
	names := make(map[string]bool)
	if cn := strings.TrimSpace(csr.Subject.CommonName); cn != "" {
		names[strings.ToLower(cn)] = true
	}
	for _, san := range csr.DNSNames {
		names[strings.ToLower(san)] = true
	}

	csrSet := sortedKeys(names)
	orderSet := o.identifierSet()
	if len(csrSet) != len(orderSet) {
		return false
	}
	for i := range csrSet {
		if csrSet[i] != orderSet[i] {
			return false
		}
	}
	return true
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OrderObject is the wire form of an Order.
type OrderObject struct {
	Status         OrderStatus  `json:"status"`
	Expires        string       `json:"expires"`
	Identifiers    []Identifier `json:"identifiers"`
	NotBefore      string       `json:"notBefore,omitempty"`
	NotAfter       string       `json:"notAfter,omitempty"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
}

// Serialize renders the order as its RFC 8555 wire object.
func (o *Order) Serialize(u URLs) *OrderObject {
	obj := &OrderObject{
		Status:      o.Status,
		Expires:     o.Expires.UTC().Format(time.RFC3339),
		Identifiers: o.Identifiers,
		Finalize:    u.FinalizeURL(o.ID),
	}
	if o.NotBefore != nil {
		obj.NotBefore = o.NotBefore.UTC().Format(time.RFC3339)
	}
	if o.NotAfter != nil {
		obj.NotAfter = o.NotAfter.UTC().Format(time.RFC3339)
	}
	for _, authzID := range o.AuthorizationIDs {
		obj.Authorizations = append(obj.Authorizations, u.AuthorizationURL(authzID))
	}
	if o.CertificateID != "" {
		obj.Certificate = u.CertificateURL(o.CertificateID)
	}
	return obj
}
