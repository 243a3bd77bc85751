package resources

// URLs builds the externally visible URLs of ACME resources. The server's
// URL builder implements it; serialization code only ever sees the
// interface.
type URLs interface {
	// AccountURL returns the URL of the account with the given kid.
	AccountURL(kid string) string
	// OrdersURL returns the URL of the account's orders list.
	OrdersURL(kid string) string
	// OrderURL returns the URL of the order with the given ID.
	OrderURL(id string) string
	// FinalizeURL returns the finalize URL of the order with the given ID.
	FinalizeURL(orderID string) string
	// AuthorizationURL returns the URL of the authorization with the given ID.
	AuthorizationURL(id string) string
	// ChallengeURL returns the URL of the challenge with the given ID.
	ChallengeURL(id string) string
	// CertificateURL returns the URL of the certificate with the given ID.
	CertificateURL(id string) string
}
