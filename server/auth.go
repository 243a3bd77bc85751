package server

import (
	"io"
	"net/http"
	"strings"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/resources"
	"github.com/cpu/acmebroker/db"
)

// Request bodies larger than this are rejected outright.
const maxRequestBytes = 1 << 20

// parseAlgorithms is the set of JWS algorithms the envelope parser will
// accept. It is wider than the supported set so that requests signed with a
// recognizable but unsupported algorithm fail with badSignatureAlgorithm
// after the URL binding check, rather than as unparseable.
var parseAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// supportedAlgorithms is the signature algorithm policy for inbound
// requests.
// See https://tools.ietf.org/html/rfc8555#section-6.2
var supportedAlgorithms = map[jose.SignatureAlgorithm]bool{
	jose.RS256: true, jose.RS384: true, jose.RS512: true,
	jose.PS256: true, jose.PS384: true, jose.PS512: true,
}

// authOptions controls how verifyRequest authenticates one request.
type authOptions struct {
	// The canonical URL of the endpoint being served. The JWS protected
	// "url" header must match it exactly.
	url string
	// Accept an embedded JWK instead of a kid (new-account, revoke-cert).
	allowJWK bool
	// Require an embedded JWK (new-account).
	requireJWK bool
	// The endpoint is a pure read: the payload must be empty.
	postAsGet bool
}

// authorizedRequest is the outcome of a successful request verification.
type authorizedRequest struct {
	// The decoded JWS payload.
	payload []byte
	// The resolved account. Nil when the request was authenticated by an
	// embedded JWK rather than a kid.
	account *resources.Account
	// The embedded JWK, when one was present.
	jwk *jose.JSONWebKey
}

// verifyRequest authenticates a signed ACME request: it parses the JWS
// envelope, binds it to the endpoint URL, enforces the algorithm policy,
// consumes the anti-replay nonce and verifies the signature either against
// an embedded JWK or against the key of the account named by the kid.
//
// See https://tools.ietf.org/html/rfc8555#section-6.2
func (srv *Server) verifyRequest(r *http.Request, session *db.Session, opts authOptions) (*authorizedRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, acme.NewProblem(acme.ErrMalformed, "reading the request body failed")
	}

	jws, err := jose.ParseSigned(string(body), parseAlgorithms)
	if err != nil {
		return nil, acme.NewProblem(acme.ErrMalformed, "the request body was not a valid JWS")
	}
	if len(jws.Signatures) != 1 {
		return nil, acme.NewProblem(acme.ErrMalformed, "the JWS must have exactly one signature")
	}
	header := jws.Signatures[0].Protected

	// URL binding precedes everything else so a replayed envelope aimed at
	// the wrong endpoint is always rejected as unauthorized.
	headerURL, _ := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	if headerURL != opts.url {
		return nil, acme.NewProblem(acme.ErrUnauthorized,
			"the JWS \"url\" header %q does not match the request URL %q", headerURL, opts.url)
	}

	alg := jose.SignatureAlgorithm(header.Algorithm)
	if !supportedAlgorithms[alg] {
		return nil, acme.NewProblem(acme.ErrBadSignatureAlgorithm,
			"the JWS algorithm %q is not supported", header.Algorithm)
	}

	if !srv.nonces.Consume(header.Nonce) {
		return nil, acme.NewProblem(acme.ErrBadNonce,
			"the JWS has an invalid anti-replay nonce: %q", header.Nonce)
	}

	hasJWK := header.JSONWebKey != nil
	hasKID := header.KeyID != ""
	if hasJWK == hasKID {
		return nil, acme.NewProblem(acme.ErrMalformed,
			"the JWS must have exactly one of \"jwk\" or \"kid\"")
	}

	result := new(authorizedRequest)
	switch {
	case hasJWK && opts.requireJWK, hasJWK && opts.allowJWK:
		payload, err := jws.Verify(header.JSONWebKey)
		if err != nil {
			return nil, acme.NewProblem(acme.ErrUnauthorized,
				"the JWS signature could not be verified with the embedded JWK")
		}
		result.payload = payload
		result.jwk = header.JSONWebKey
	case hasJWK:
		return nil, acme.NewProblem(acme.ErrMalformed,
			"this endpoint requires a \"kid\", not an embedded JWK")
	case opts.requireJWK:
		return nil, acme.NewProblem(acme.ErrMalformed,
			"this endpoint requires an embedded JWK, not a \"kid\"")
	default:
		kid, err := srv.extractKID(header.KeyID)
		if err != nil {
			return nil, err
		}
		account, err := session.Account(kid)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, acme.NewProblem(acme.ErrAccountDoesNotExist,
				"no account exists for the given kid")
		}
		if account.Status != resources.AccountValid {
			return nil, acme.NewProblem(acme.ErrUnauthorized,
				"the account's status is %q", account.Status)
		}
		payload, err := jws.Verify(account.Key)
		if err != nil {
			return nil, acme.NewProblem(acme.ErrUnauthorized,
				"the JWS signature could not be verified with the account key")
		}
		result.payload = payload
		result.account = account
	}

	if opts.postAsGet && len(result.payload) != 0 {
		return nil, acme.NewProblem(acme.ErrMalformed,
			"POST-as-GET requests must have an empty payload")
	}
	return result, nil
}

// extractKID resolves a JWS "kid" header to an account kid. The canonical
// form is the account URL. One buggy client variant is also accepted: a kid
// appended to the new-account URL, as produced by old dehydrated releases.
// Anything else is rejected.
func (srv *Server) extractKID(kidURL string) (string, error) {
	accountsPrefix := srv.urls.AccountURL("")
	if strings.HasPrefix(kidURL, accountsPrefix) {
		kid := strings.TrimPrefix(kidURL, accountsPrefix)
		if kid != "" && !strings.Contains(kid, "/") {
			return kid, nil
		}
	}
	buggyPrefix := srv.urls.NewAccountURL() + "/"
	if strings.HasPrefix(kidURL, buggyPrefix) {
		kid := strings.TrimPrefix(kidURL, buggyPrefix)
		if kid != "" && !strings.Contains(kid, "/") {
			return kid, nil
		}
	}
	return "", acme.NewProblem(acme.ErrUnauthorized,
		"the JWS \"kid\" header %q is not an account URL of this server", kidURL)
}
