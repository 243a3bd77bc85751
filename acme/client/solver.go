package client

import (
	"context"
	"fmt"

	"github.com/letsencrypt/challtestsrv"
)

// Solver provisions the response for one upstream challenge. Implementations
// publish the key authorization where the upstream CA's validator will look
// for it, and remove it again afterwards.
type Solver interface {
	// Supports reports whether this solver can answer challenges of the given
	// type ("http-01" or "dns-01").
	Supports(challengeType string) bool
	// Present publishes the challenge response for the identifier.
	Present(ctx context.Context, identifier, token, keyAuth string) error
	// CleanUp removes a previously published challenge response.
	CleanUp(ctx context.Context, identifier, token, keyAuth string) error
}

// solverFor returns the first configured solver supporting the challenge
// type, or nil.
func (c *Client) solverFor(challengeType string) Solver {
	for _, solver := range c.solvers {
		if solver.Supports(challengeType) {
			return solver
		}
	}
	return nil
}

// ChallSrvSolver answers upstream challenges with a challtestsrv instance.
// It serves development and integration setups where the upstream CA's
// validator is pointed at the challenge test server's HTTP and DNS
// listeners.
type ChallSrvSolver struct {
	srv           *challtestsrv.ChallSrv
	challengeType string
}

// NewChallSrvSolver returns a solver publishing responses of the given
// challenge type to the given challenge test server.
func NewChallSrvSolver(srv *challtestsrv.ChallSrv, challengeType string) (*ChallSrvSolver, error) {
	switch challengeType {
	case "http-01", "dns-01":
	default:
		return nil, fmt.Errorf("unsupported challenge type %q", challengeType)
	}
	return &ChallSrvSolver{srv: srv, challengeType: challengeType}, nil
}

// Supports implements Solver.
func (s *ChallSrvSolver) Supports(challengeType string) bool {
	return challengeType == s.challengeType
}

// Present implements Solver.
func (s *ChallSrvSolver) Present(ctx context.Context, identifier, token, keyAuth string) error {
	switch s.challengeType {
	case "http-01":
		s.srv.AddHTTPOneChallenge(token, keyAuth)
	case "dns-01":
		s.srv.AddDNSOneChallenge(dns01Host(identifier), keyAuth)
	}
	return nil
}

// CleanUp implements Solver.
func (s *ChallSrvSolver) CleanUp(ctx context.Context, identifier, token, keyAuth string) error {
	switch s.challengeType {
	case "http-01":
		s.srv.DeleteHTTPOneChallenge(token)
	case "dns-01":
		s.srv.DeleteDNSOneChallenge(dns01Host(identifier))
	}
	return nil
}

// dns01Host returns the TXT record name validated for a dns-01 challenge.
// See https://tools.ietf.org/html/rfc8555#section-8.4
func dns01Host(identifier string) string {
	return fmt.Sprintf("_acme-challenge.%s.", identifier)
}
