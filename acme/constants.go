// Package acme provides ACME protocol constants and the problem document
// error taxonomy. See RFC 8555.
package acme

const (
	// Directory constants
	// See https://tools.ietf.org/html/rfc8555#section-9.7.5

	// The ACME directory key for the newNonce endpoint.
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"

	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-9.3
	REPLAY_NONCE_HEADER = "Replay-Nonce"

	// The content type for JWS request bodies. See
	// https://tools.ietf.org/html/rfc8555#section-6.2
	JOSE_JSON_CONTENT_TYPE = "application/jose+json"
	// The content type for problem document responses. See
	// https://tools.ietf.org/html/rfc7807
	PROBLEM_JSON_CONTENT_TYPE = "application/problem+json"
	// The content type for certificate chain downloads. See
	// https://tools.ietf.org/html/rfc8555#section-7.4.2
	PEM_CHAIN_CONTENT_TYPE = "application/pem-certificate-chain"
)
