package resources

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cpu/acmebroker/acme"
)

// ChallengeType is the mechanism a client may complete to validate an
// authorization.
// See https://tools.ietf.org/html/rfc8555#section-8
type ChallengeType string

const (
	HTTP01 ChallengeType = "http-01"
	DNS01  ChallengeType = "dns-01"
)

// The Challenge resource represents an action the client must take to
// authorize its account for the identifier of the parent Authorization.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.5
//
// To understand the Challenge Status changes specified by RFC 8555 see
// https://tools.ietf.org/html/rfc8555#section-7.1.6
type Challenge struct {
	// The server-assigned ID identifying the Challenge.
	ID string `json:"id"`
	// The KID of the owning Account.
	AccountKID string `json:"accountKID"`
	// The ID of the parent Authorization.
	AuthorizationID string `json:"authorizationID"`
	// The Type of the challenge.
	Type ChallengeType `json:"type"`
	// The Status of the challenge.
	Status ChallengeStatus `json:"status"`
	// The Token used for constructing the challenge response.
	Token string `json:"token"`
	// The time at which the challenge was validated, UTC. Nil until the
	// challenge reaches VALID.
	Validated *time.Time `json:"validated,omitempty"`
	// The problem recorded when validation failed.
	Error *acme.Problem `json:"error,omitempty"`
}

// String returns the Challenge's ID.
func (c Challenge) String() string {
	return c.ID
}

// NewChallenge builds a pending challenge of the given type for the given
// authorization with a fresh random token.
func NewChallenge(authz *Authorization, typ ChallengeType) (*Challenge, error) {
	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generating challenge token: %w", err)
	}
	return &Challenge{
		ID:              uuid.NewString(),
		AccountKID:      authz.AccountKID,
		AuthorizationID: authz.ID,
		Type:            typ,
		Status:          ChallengePending,
		Token:           base64.RawURLEncoding.EncodeToString(token),
	}, nil
}

// Begin moves the challenge from PENDING to PROCESSING. It happens
// synchronously in the challenge handler before validation is scheduled.
// Calling Begin on a challenge past PENDING is a no-op.
func (c *Challenge) Begin() {
	if c.Status.CanTransition(ChallengeProcessing) {
		c.Status = ChallengeProcessing
	}
}

// Succeed records a successful validation. VALID and INVALID are terminal:
// re-invoking after a terminal transition is a no-op and reports false.
func (c *Challenge) Succeed(now time.Time) bool {
	if !c.Status.CanTransition(ChallengeValid) {
		return false
	}
	validated := now.UTC()
	c.Status = ChallengeValid
	c.Validated = &validated
	return true
}

// Fail records a failed validation with the given problem. A no-op after
// a terminal transition.
func (c *Challenge) Fail(problem *acme.Problem) bool {
	if !c.Status.CanTransition(ChallengeInvalid) {
		return false
	}
	c.Status = ChallengeInvalid
	c.Error = problem
	return true
}

// ChallengeObject is the wire form of a Challenge.
type ChallengeObject struct {
	Type      ChallengeType   `json:"type"`
	URL       string          `json:"url"`
	Status    ChallengeStatus `json:"status"`
	Token     string          `json:"token"`
	Validated string          `json:"validated,omitempty"`
	Error     *acme.Problem   `json:"error,omitempty"`
}

// Serialize renders the challenge as its RFC 8555 wire object.
func (c *Challenge) Serialize(u URLs) *ChallengeObject {
	obj := &ChallengeObject{
		Type:   c.Type,
		URL:    u.ChallengeURL(c.ID),
		Status: c.Status,
		Token:  c.Token,
		Error:  c.Error,
	}
	if c.Validated != nil {
		obj.Validated = c.Validated.UTC().Format(time.RFC3339)
	}
	return obj
}
