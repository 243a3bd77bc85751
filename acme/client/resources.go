package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme"
)

const (
	// How often poll loops re-fetch an upstream resource.
	pollInterval = 500 * time.Millisecond
	// How long poll loops wait before giving up on an upstream resource
	// leaving a pending state.
	pollTimeout = 30 * time.Second
)

// Order is the upstream server's representation of an order resource,
// together with its URL.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.3
type Order struct {
	// The URL of the order resource, from the Location header of the
	// NewOrder response.
	URL string `json:"-"`

	Status      string `json:"status"`
	Expires     string `json:"expires,omitempty"`
	Identifiers []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"identifiers"`
	Authorizations []string        `json:"authorizations"`
	Finalize       string          `json:"finalize"`
	Certificate    string          `json:"certificate,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
}

// Authorization is the upstream server's representation of an authorization
// resource.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.4
type Authorization struct {
	URL string `json:"-"`

	Identifier struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"identifier"`
	Status     string      `json:"status"`
	Expires    string      `json:"expires,omitempty"`
	Challenges []Challenge `json:"challenges"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge is the upstream server's representation of a challenge resource.
//
// See https://tools.ietf.org/html/rfc8555#section-8
type Challenge struct {
	Type      string          `json:"type"`
	URL       string          `json:"url"`
	Status    string          `json:"status"`
	Token     string          `json:"token"`
	Validated string          `json:"validated,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// CouldNotCompleteChallenge is returned by AuthorizationsComplete when an
// upstream challenge ends up invalid, or when no configured solver supports
// any of an authorization's challenges.
type CouldNotCompleteChallenge struct {
	Identifier string
	// The upstream challenge's error object, if any.
	Detail json.RawMessage
}

func (e *CouldNotCompleteChallenge) Error() string {
	if len(e.Detail) > 0 {
		return fmt.Sprintf("could not complete challenge for %q: %s", e.Identifier, e.Detail)
	}
	return fmt.Sprintf("could not complete challenge for %q", e.Identifier)
}

// OrderCreate creates a new order upstream for the given DNS names and
// returns the upstream order with its URL.
func (c *Client) OrderCreate(ctx context.Context, dnsNames []string) (*Order, error) {
	newOrderURL, ok := c.GetEndpointURL(acme.NEW_ORDER_ENDPOINT)
	if !ok {
		return nil, fmt.Errorf("upstream directory is missing the %q endpoint", acme.NEW_ORDER_ENDPOINT)
	}

	type identifier struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	req := struct {
		Identifiers []identifier `json:"identifiers"`
	}{}
	for _, name := range dnsNames {
		req.Identifiers = append(req.Identifiers, identifier{Type: "dns", Value: name})
	}

	resp, err := c.postJSON(ctx, newOrderURL, req, nil)
	if err != nil {
		return nil, err
	}

	order := new(Order)
	if err := json.Unmarshal(resp.RespBody, order); err != nil {
		return nil, fmt.Errorf("decoding upstream order: %w", err)
	}
	order.URL = resp.Response.Header.Get("Location")
	if order.URL == "" {
		return nil, fmt.Errorf("upstream NewOrder response had no Location header")
	}

	c.logger.Info("created upstream order",
		zap.String("url", order.URL),
		zap.Strings("names", dnsNames))
	return order, nil
}

// OrderGet fetches the upstream order at the given URL with a POST-as-GET
// request.
func (c *Client) OrderGet(ctx context.Context, url string) (*Order, error) {
	resp, err := c.postAsGet(ctx, url)
	if err != nil {
		return nil, err
	}
	order := new(Order)
	if err := json.Unmarshal(resp.RespBody, order); err != nil {
		return nil, fmt.Errorf("decoding upstream order: %w", err)
	}
	order.URL = url
	return order, nil
}

// AuthorizationsComplete drives every authorization of the upstream order to
// the valid state by solving one challenge per authorization. A challenge
// that the upstream marks invalid, or an authorization with no solvable
// challenge, produces a *CouldNotCompleteChallenge error.
func (c *Client) AuthorizationsComplete(ctx context.Context, order *Order) error {
	for _, authzURL := range order.Authorizations {
		authz, err := c.authorizationGet(ctx, authzURL)
		if err != nil {
			return err
		}
		if authz.Status == "valid" {
			continue
		}
		if authz.Status != "pending" {
			return &CouldNotCompleteChallenge{Identifier: authz.Identifier.Value}
		}
		if err := c.completeAuthorization(ctx, authz); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) authorizationGet(ctx context.Context, url string) (*Authorization, error) {
	resp, err := c.postAsGet(ctx, url)
	if err != nil {
		return nil, err
	}
	authz := new(Authorization)
	if err := json.Unmarshal(resp.RespBody, authz); err != nil {
		return nil, fmt.Errorf("decoding upstream authorization: %w", err)
	}
	authz.URL = url
	return authz, nil
}

func (c *Client) completeAuthorization(ctx context.Context, authz *Authorization) error {
	var challenge *Challenge
	var solver Solver
	for i := range authz.Challenges {
		if s := c.solverFor(authz.Challenges[i].Type); s != nil {
			challenge = &authz.Challenges[i]
			solver = s
			break
		}
	}
	if challenge == nil {
		return &CouldNotCompleteChallenge{Identifier: authz.Identifier.Value}
	}

	keyAuth := c.KeyAuthorization(challenge.Token)
	if err := solver.Present(ctx, authz.Identifier.Value, challenge.Token, keyAuth); err != nil {
		return fmt.Errorf("presenting %s response for %q: %w",
			challenge.Type, authz.Identifier.Value, err)
	}
	defer func() {
		if err := solver.CleanUp(ctx, authz.Identifier.Value, challenge.Token, keyAuth); err != nil {
			c.logger.Warn("challenge response cleanup failed",
				zap.String("identifier", authz.Identifier.Value),
				zap.Error(err))
		}
	}()

	// An empty JSON object tells the upstream server to begin validation.
	// See https://tools.ietf.org/html/rfc8555#section-7.5.1
	if _, err := c.postJSON(ctx, challenge.URL, struct{}{}, nil); err != nil {
		return err
	}

	return c.pollAuthorization(ctx, authz)
}

// pollAuthorization waits for the upstream authorization to leave the
// pending state.
func (c *Client) pollAuthorization(ctx context.Context, authz *Authorization) error {
	deadline := time.Now().Add(pollTimeout)
	for {
		current, err := c.authorizationGet(ctx, authz.URL)
		if err != nil {
			return err
		}
		switch current.Status {
		case "valid":
			return nil
		case "pending", "processing":
		default:
			return &CouldNotCompleteChallenge{
				Identifier: current.Identifier.Value,
				Detail:     challengeError(current),
			}
		}
		if time.Now().After(deadline) {
			return &CouldNotCompleteChallenge{Identifier: authz.Identifier.Value}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// challengeError extracts the error object of the authorization's failed
// challenge, if one exists.
func challengeError(authz *Authorization) json.RawMessage {
	for _, challenge := range authz.Challenges {
		if len(challenge.Error) > 0 {
			return challenge.Error
		}
	}
	return nil
}

// OrderFinalize submits the CSR to the upstream order's finalize URL and
// polls until the order reaches a terminal state. The returned order is
// valid and carries a certificate URL, or the call errors.
func (c *Client) OrderFinalize(ctx context.Context, order *Order, csrDER []byte) (*Order, error) {
	req := struct {
		CSR string `json:"csr"`
	}{
		CSR: base64.RawURLEncoding.EncodeToString(csrDER),
	}

	if _, err := c.postJSON(ctx, order.Finalize, req, nil); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(pollTimeout)
	for {
		current, err := c.OrderGet(ctx, order.URL)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case "valid":
			return current, nil
		case "processing", "ready":
		default:
			return nil, &ClientError{
				Status: http.StatusForbidden,
				Type:   acme.ErrorTypePrefix + acme.ErrOrderInvalid,
				Detail: fmt.Sprintf("upstream order entered status %q after finalization", current.Status),
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("upstream order %q still processing after %s", order.URL, pollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// CertificateGet downloads the PEM chain of a finalized upstream order.
func (c *Client) CertificateGet(ctx context.Context, order *Order) ([]byte, error) {
	if order.Certificate == "" {
		return nil, fmt.Errorf("upstream order %q has no certificate URL", order.URL)
	}
	resp, err := c.postAsGet(ctx, order.Certificate)
	if err != nil {
		return nil, err
	}
	return resp.RespBody, nil
}

// CertificateRevoke relays a revocation to the upstream server, signed by
// the shared upstream account. The reason pointer mirrors the downstream
// request; nil omits the field.
func (c *Client) CertificateRevoke(ctx context.Context, certDER []byte, reason *int) error {
	revokeURL, ok := c.GetEndpointURL(acme.REVOKE_CERT_ENDPOINT)
	if !ok {
		return fmt.Errorf("upstream directory is missing the %q endpoint", acme.REVOKE_CERT_ENDPOINT)
	}

	req := struct {
		Certificate string `json:"certificate"`
		Reason      *int   `json:"reason,omitempty"`
	}{
		Certificate: base64.RawURLEncoding.EncodeToString(certDER),
		Reason:      reason,
	}

	_, err := c.postJSON(ctx, revokeURL, req, nil)
	return err
}
