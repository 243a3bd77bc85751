package resources

import (
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmebroker/acme/keys"
)

// Account holds a single server-side ACME Account resource.
//
// The KID field is the account's key identifier: the base64url encoded
// RFC 7638 thumbprint of the account's public key. It doubles as the final
// URL segment of the account URL used as the JWS "kid" header in
// authenticated requests. Because the KID is derived from the key, two
// accounts can never share a public key.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.2
type Account struct {
	// The key identifier, H(public key). Assigned at creation, never changes.
	KID string `json:"kid"`
	// The account's public key.
	Key *jose.JSONWebKey `json:"key"`
	// The Status of the account.
	Status AccountStatus `json:"status"`
	// Zero or more contact URLs ("mailto:..." addresses).
	Contact []string `json:"contact,omitempty"`
	// Whether the account agreed to the terms of service at registration.
	TOSAgreed bool `json:"tosAgreed"`
	// Creation timestamp, UTC.
	CreatedAt time.Time `json:"createdAt"`
	// IDs of Orders created by this account, newest last.
	OrderIDs []string `json:"orderIDs,omitempty"`
}

// String returns the account's KID.
func (a Account) String() string {
	return a.KID
}

// NewAccount builds a VALID account for the given public key. The KID is
// computed from the key's thumbprint.
func NewAccount(key *jose.JSONWebKey, contact []string, tosAgreed bool, now time.Time) (*Account, error) {
	public := key.Public()
	kid, err := keys.Thumbprint(&public)
	if err != nil {
		return nil, fmt.Errorf("computing account kid: %w", err)
	}
	return &Account{
		KID:       kid,
		Key:       &public,
		Status:    AccountValid,
		Contact:   contact,
		TOSAgreed: tosAgreed,
		CreatedAt: now.UTC(),
	}, nil
}

// AccountUpdate is the payload of an account update request. Only updates to
// the status (deactivation) and contact fields are allowed.
// See https://tools.ietf.org/html/rfc8555#section-7.3.2
type AccountUpdate struct {
	Status  AccountStatus `json:"status,omitempty"`
	Contact []string      `json:"contact"`
}

// Update applies an account update. A status change is only accepted if it
// is the client-requested deactivation and the transition table permits it.
func (a *Account) Update(upd AccountUpdate) error {
	if upd.Status != "" {
		if upd.Status != AccountDeactivated {
			return fmt.Errorf("an account status can only be updated to %q", AccountDeactivated)
		}
		if !a.Status.CanTransition(upd.Status) {
			return fmt.Errorf("cannot update account status from %q to %q", a.Status, upd.Status)
		}
		a.Status = upd.Status
		return nil
	}
	if upd.Contact != nil {
		a.Contact = upd.Contact
	}
	return nil
}

// Revoke is the operator-only transition to REVOKED. It is never reachable
// through a client request.
func (a *Account) Revoke() error {
	if !a.Status.CanTransition(AccountRevoked) {
		return fmt.Errorf("cannot revoke account with status %q", a.Status)
	}
	a.Status = AccountRevoked
	return nil
}

// AccountObject is the wire form of an Account.
type AccountObject struct {
	Status               AccountStatus `json:"status"`
	Contact              []string      `json:"contact,omitempty"`
	TermsOfServiceAgreed bool          `json:"termsOfServiceAgreed"`
	Orders               string        `json:"orders"`
}

// Serialize renders the account as its RFC 8555 wire object.
func (a *Account) Serialize(u URLs) *AccountObject {
	return &AccountObject{
		Status:               a.Status,
		Contact:              a.Contact,
		TermsOfServiceAgreed: a.TOSAgreed,
		Orders:               u.OrdersURL(a.KID),
	}
}
