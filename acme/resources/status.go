// Package resources provides the persisted ACME resource entities and their
// state machines: Account, Order, Identifier, Authorization, Challenge and
// Certificate.
package resources

// AccountStatus is the status of an Account resource.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
type AccountStatus string

const (
	AccountValid       AccountStatus = "valid"
	AccountDeactivated AccountStatus = "deactivated"
	AccountRevoked     AccountStatus = "revoked"
)

// OrderStatus is the status of an Order resource.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderReady      OrderStatus = "ready"
	OrderProcessing OrderStatus = "processing"
	OrderValid      OrderStatus = "valid"
	OrderInvalid    OrderStatus = "invalid"
)

// AuthorizationStatus is the status of an Authorization resource.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
type AuthorizationStatus string

const (
	AuthorizationPending     AuthorizationStatus = "pending"
	AuthorizationValid       AuthorizationStatus = "valid"
	AuthorizationInvalid     AuthorizationStatus = "invalid"
	AuthorizationDeactivated AuthorizationStatus = "deactivated"
	AuthorizationExpired     AuthorizationStatus = "expired"
	AuthorizationRevoked     AuthorizationStatus = "revoked"
)

// ChallengeStatus is the status of a Challenge resource.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "pending"
	ChallengeProcessing ChallengeStatus = "processing"
	ChallengeValid      ChallengeStatus = "valid"
	ChallengeInvalid    ChallengeStatus = "invalid"
)

// CertificateStatus is the status of an issued Certificate.
type CertificateStatus string

const (
	CertificateValid   CertificateStatus = "valid"
	CertificateRevoked CertificateStatus = "revoked"
)

// Transition tables. Dispatch on status values is done through these
// exhaustive maps rather than through polymorphism so every legal edge is
// visible in one place.

var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountValid:       {AccountDeactivated, AccountRevoked},
	AccountDeactivated: {},
	AccountRevoked:     {},
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderReady, OrderInvalid},
	OrderReady:      {OrderProcessing, OrderInvalid},
	OrderProcessing: {OrderValid, OrderInvalid},
	OrderValid:      {},
	OrderInvalid:    {},
}

var authorizationTransitions = map[AuthorizationStatus][]AuthorizationStatus{
	AuthorizationPending: {
		AuthorizationValid,
		AuthorizationInvalid,
		AuthorizationExpired,
		AuthorizationDeactivated,
		AuthorizationRevoked,
	},
	AuthorizationValid: {
		AuthorizationExpired,
		AuthorizationDeactivated,
		AuthorizationRevoked,
	},
	AuthorizationInvalid:     {},
	AuthorizationDeactivated: {},
	AuthorizationExpired:     {},
	AuthorizationRevoked:     {},
}

var challengeTransitions = map[ChallengeStatus][]ChallengeStatus{
	ChallengePending:    {ChallengeProcessing},
	ChallengeProcessing: {ChallengeValid, ChallengeInvalid},
	ChallengeValid:      {},
	ChallengeInvalid:    {},
}

func contains[S ~string](set []S, s S) bool {
	for _, member := range set {
		if member == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether the account state machine permits moving to
// the given status.
func (s AccountStatus) CanTransition(to AccountStatus) bool {
	return contains(accountTransitions[s], to)
}

// CanTransition reports whether the order state machine permits moving to
// the given status.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return contains(orderTransitions[s], to)
}

// Terminal reports whether the order status is final.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// CanTransition reports whether the authorization state machine permits
// moving to the given status.
func (s AuthorizationStatus) CanTransition(to AuthorizationStatus) bool {
	return contains(authorizationTransitions[s], to)
}

// Terminal reports whether the authorization status is final.
func (s AuthorizationStatus) Terminal() bool {
	return len(authorizationTransitions[s]) == 0
}

// CanTransition reports whether the challenge state machine permits moving
// to the given status.
func (s ChallengeStatus) CanTransition(to ChallengeStatus) bool {
	return contains(challengeTransitions[s], to)
}

// Terminal reports whether the challenge status is final.
func (s ChallengeStatus) Terminal() bool {
	return len(challengeTransitions[s]) == 0
}
