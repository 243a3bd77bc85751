package resources

import (
	"fmt"
	"time"
)

// The Authorization resource represents an Account's authorization to issue
// for a single identifier, based on the outcome of its Challenges.
//
// Navigation to the parent Order and owned Challenges happens through the
// explicit IDs stored here; entities never hold in-memory back-pointers
// across transactions.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.4
type Authorization struct {
	// The server-assigned ID identifying the Authorization.
	ID string `json:"id"`
	// The KID of the owning Account.
	AccountKID string `json:"accountKID"`
	// The ID of the parent Order.
	OrderID string `json:"orderID"`
	// The index of the covered Identifier within the parent Order.
	IdentifierID int `json:"identifierID"`
	// The status of this authorization.
	Status AuthorizationStatus `json:"status"`
	// The time at which the authorization expires, UTC.
	Expires time.Time `json:"expires"`
	// True iff the covered identifier value carries a "*." prefix.
	Wildcard bool `json:"wildcard"`
	// IDs of the owned Challenges. After the authorization becomes VALID only
	// the winning challenge remains.
	ChallengeIDs []string `json:"challengeIDs"`
}

// String returns the Authorization's ID.
func (a Authorization) String() string {
	return a.ID
}

// ExpireIfNeeded transitions a stale authorization to EXPIRED.
func (a *Authorization) ExpireIfNeeded(now time.Time) {
	if now.After(a.Expires) && a.Status.CanTransition(AuthorizationExpired) {
		a.Status = AuthorizationExpired
	}
}

// AuthorizationUpdate is the payload of an authorization update request.
// Only client-requested deactivation is allowed.
// See https://tools.ietf.org/html/rfc8555#section-7.5.2
type AuthorizationUpdate struct {
	Status AuthorizationStatus `json:"status,omitempty"`
}

// Update applies an authorization update.
func (a *Authorization) Update(upd AuthorizationUpdate) error {
	if upd.Status == "" {
		return nil
	}
	if upd.Status != AuthorizationDeactivated {
		return fmt.Errorf("an authorization status can only be updated to %q", AuthorizationDeactivated)
	}
	if !a.Status.CanTransition(upd.Status) {
		return fmt.Errorf("cannot update authorization status from %q to %q", a.Status, upd.Status)
	}
	a.Status = upd.Status
	return nil
}

// Finalize reconciles the authorization's status against the terminal
// statuses of its challenges. If any challenge is VALID the authorization
// becomes VALID and the IDs of all non-VALID sibling challenges are returned
// for deletion (RFC 8555 requires only the winning challenge to remain). If
// a challenge failed while the authorization is still PENDING, the
// authorization becomes INVALID.
func (a *Authorization) Finalize(challenges []*Challenge) (deleted []string) {
	if a.Status.Terminal() {
		return nil
	}

	var winner bool
	var failed bool
	for _, challenge := range challenges {
		switch challenge.Status {
		case ChallengeValid:
			winner = true
		case ChallengeInvalid:
			failed = true
		}
	}

	switch {
	case winner:
		a.Status = AuthorizationValid
		remaining := a.ChallengeIDs[:0]
		for _, challenge := range challenges {
			if challenge.Status == ChallengeValid {
				remaining = append(remaining, challenge.ID)
			} else {
				deleted = append(deleted, challenge.ID)
			}
		}
		a.ChallengeIDs = remaining
	case failed:
		a.Status = AuthorizationInvalid
	}
	return deleted
}

// AuthorizationObject is the wire form of an Authorization.
type AuthorizationObject struct {
	Identifier Identifier         `json:"identifier"`
	Status     AuthorizationStatus `json:"status"`
	Expires    string             `json:"expires"`
	Challenges []*ChallengeObject `json:"challenges"`
	Wildcard   bool               `json:"wildcard,omitempty"`
}

// Serialize renders the authorization as its RFC 8555 wire object. The
// identifier is reported without any wildcard prefix; the Wildcard field
// carries that information instead.
func (a *Authorization) Serialize(u URLs, ident Identifier, challenges []*Challenge) *AuthorizationObject {
	obj := &AuthorizationObject{
		Identifier: Identifier{Type: ident.Type, Value: ident.BaseValue()},
		Status:     a.Status,
		Expires:    a.Expires.UTC().Format(time.RFC3339),
		Wildcard:   a.Wildcard,
	}
	for _, challenge := range challenges {
		obj.Challenges = append(obj.Challenges, challenge.Serialize(u))
	}
	return obj
}
