// Package server implements the ACME protocol surface: nonce store, request
// authenticator, challenge validators, resource handlers and the mode
// specific order finalization engines (standalone CA, broker, proxy).
package server

import (
	"fmt"
	"net/url"
	"strings"
)

// Route paths, relative to the server root.
const (
	directoryPath   = "/directory"
	newNoncePath    = "/new-nonce"
	newAccountPath  = "/new-account"
	accountsPath    = "/accounts"
	newOrderPath    = "/new-order"
	orderPath       = "/order"
	ordersPath      = "/orders"
	authzPath       = "/authz"
	challengePath   = "/challenge"
	certificatePath = "/certificate"
	revokeCertPath  = "/revoke-cert"
	keyChangePath   = "/key-change"
	caChainPath     = "/ca-chain"
)

// URLBuilder renders the externally visible URLs of ACME resources from the
// server's configured external base URL. It implements resources.URLs.
type URLBuilder struct {
	base string
}

// NewURLBuilder builds a URLBuilder for the given external base URL, e.g.
// "https://acme.example.com".
func NewURLBuilder(externalURL string) (*URLBuilder, error) {
	base := strings.TrimRight(strings.TrimSpace(externalURL), "/")
	if base == "" {
		return nil, fmt.Errorf("external URL must not be empty")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("external URL invalid: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("external URL %q must be absolute", externalURL)
	}
	return &URLBuilder{base: base}, nil
}

// DirectoryURL returns the URL of the directory resource.
func (u *URLBuilder) DirectoryURL() string {
	return u.base + directoryPath
}

// NewNonceURL returns the URL of the new-nonce endpoint.
func (u *URLBuilder) NewNonceURL() string {
	return u.base + newNoncePath
}

// NewAccountURL returns the URL of the new-account endpoint.
func (u *URLBuilder) NewAccountURL() string {
	return u.base + newAccountPath
}

// NewOrderURL returns the URL of the new-order endpoint.
func (u *URLBuilder) NewOrderURL() string {
	return u.base + newOrderPath
}

// RevokeCertURL returns the URL of the revoke-cert endpoint.
func (u *URLBuilder) RevokeCertURL() string {
	return u.base + revokeCertPath
}

// KeyChangeURL returns the URL of the key-change endpoint.
func (u *URLBuilder) KeyChangeURL() string {
	return u.base + keyChangePath
}

// CAChainURL returns the URL of the ca-chain endpoint.
func (u *URLBuilder) CAChainURL() string {
	return u.base + caChainPath
}

// AccountURL returns the URL of the account with the given kid.
func (u *URLBuilder) AccountURL(kid string) string {
	return fmt.Sprintf("%s%s/%s", u.base, accountsPath, kid)
}

// OrdersURL returns the URL of the account's orders list.
func (u *URLBuilder) OrdersURL(kid string) string {
	return fmt.Sprintf("%s%s/%s", u.base, ordersPath, kid)
}

// OrderURL returns the URL of the order with the given ID.
func (u *URLBuilder) OrderURL(id string) string {
	return fmt.Sprintf("%s%s/%s", u.base, orderPath, id)
}

// FinalizeURL returns the finalize URL of the order with the given ID.
func (u *URLBuilder) FinalizeURL(orderID string) string {
	return fmt.Sprintf("%s%s/%s/finalize", u.base, orderPath, orderID)
}

// AuthorizationURL returns the URL of the authorization with the given ID.
func (u *URLBuilder) AuthorizationURL(id string) string {
	return fmt.Sprintf("%s%s/%s", u.base, authzPath, id)
}

// ChallengeURL returns the URL of the challenge with the given ID.
func (u *URLBuilder) ChallengeURL(id string) string {
	return fmt.Sprintf("%s%s/%s", u.base, challengePath, id)
}

// CertificateURL returns the URL of the certificate with the given ID.
func (u *URLBuilder) CertificateURL(id string) string {
	return fmt.Sprintf("%s%s/%s", u.base, certificatePath, id)
}
