// Package client provides the internal ACME v2 client that the broker and
// proxy relay modes drive against the upstream CA.
package client

import (
	"context"
	"crypto"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/keys"
	acmenet "github.com/cpu/acmebroker/net"
)

// Client interacts with one upstream ACME server using a single shared
// account. That account signs every relayed request regardless of which
// local account triggered it.
//
// The DirectoryURL field is a parsed *url.URL for the upstream server's
// directory. The client configures itself with the correct URLs for ACME
// operations using the directory resource accessed at this URL. See
// https://tools.ietf.org/html/rfc8555#section-7.1.1
type Client struct {
	// A parsed *url.URL pointer for the upstream server's directory URL.
	DirectoryURL *url.URL

	// The upstream account URL, used as the JWS Key ID once registered.
	accountID string
	// The private key of the shared upstream account.
	signer crypto.Signer
	// Solvers for completing upstream challenges, tried in order.
	solvers []Solver

	logger *zap.Logger
	net    *acmenet.ACMENet

	// directory is an in-memory representation of the upstream server's
	// directory object.
	directory map[string]interface{}

	// nonce is the value of the last-seen Replay-Nonce header from upstream
	// responses. Guarded by nonceMu; signing operations consume it.
	nonceMu sync.Mutex
	nonce   string
}

// Config holds the options for NewClient.
type Config struct {
	// A fully qualified URL for the upstream server's directory resource.
	// Mandatory.
	DirectoryURL string
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the upstream server.
	CACert string
	// An optional email address used as the upstream account's contact.
	ContactEmail string
	// The private key for the shared upstream account. Mandatory.
	Signer crypto.Signer
	// Solvers used to complete upstream challenges. At least one is needed
	// for AuthorizationsComplete to make progress.
	Solvers []Solver
}

func (conf *Config) normalize() error {
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.ContactEmail = strings.TrimSpace(conf.ContactEmail)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}
	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}
	if conf.Signer == nil {
		return fmt.Errorf("Signer must not be nil")
	}
	if conf.ContactEmail != "" {
		addr, err := mail.ParseAddress(conf.ContactEmail)
		if err != nil {
			return fmt.Errorf("ContactEmail is invalid: %s", err.Error())
		}
		conf.ContactEmail = addr.Address
	}
	return nil
}

// NewClient creates a Client from the given Config, fetches the upstream
// directory and registers (or re-fetches) the shared account.
func NewClient(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	net, err := acmenet.New(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("creating ACME net client: %w", err)
	}

	// NOTE: safe to throw away the returned err here because normalize
	// checked that url.Parse succeeds.
	dirURL, _ := url.Parse(config.DirectoryURL)

	c := &Client{
		DirectoryURL: dirURL,
		signer:       config.Signer,
		solvers:      config.Solvers,
		logger:       logger.Named("upstream"),
		net:          net,
	}

	if err := c.UpdateDirectory(ctx); err != nil {
		return nil, err
	}
	if err := c.RefreshNonce(ctx); err != nil {
		return nil, err
	}
	if err := c.register(ctx, config.ContactEmail); err != nil {
		return nil, err
	}

	c.logger.Info("upstream account ready",
		zap.String("directory", config.DirectoryURL),
		zap.String("account", c.accountID))
	return c, nil
}

// register creates the shared upstream account, or recovers its URL if the
// key is already registered. Terms of service are agreed unconditionally;
// the relay operator chose the upstream CA.
func (c *Client) register(ctx context.Context, contactEmail string) error {
	var contact []string
	if contactEmail != "" {
		contact = append(contact, fmt.Sprintf("mailto:%s", contactEmail))
	}

	req := struct {
		Contact   []string `json:"contact,omitempty"`
		ToSAgreed bool     `json:"termsOfServiceAgreed"`
	}{
		Contact:   contact,
		ToSAgreed: true,
	}

	newAcctURL, ok := c.GetEndpointURL(acme.NEW_ACCOUNT_ENDPOINT)
	if !ok {
		return fmt.Errorf("upstream directory is missing the %q endpoint", acme.NEW_ACCOUNT_ENDPOINT)
	}

	resp, err := c.postJSON(ctx, newAcctURL, req, &SigningOptions{EmbedKey: true})
	if err != nil {
		return fmt.Errorf("registering upstream account: %w", err)
	}

	locHeader := resp.Response.Header.Get("Location")
	if locHeader == "" {
		return fmt.Errorf("registering upstream account: response had no Location header")
	}
	c.accountID = locHeader
	return nil
}

// KeyAuthorization builds the key authorization string for a challenge
// token, bound to the shared upstream account key.
func (c *Client) KeyAuthorization(token string) string {
	return keys.KeyAuth(c.signer, token)
}
