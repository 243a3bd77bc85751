package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cpu/acmebroker/acme"
)

// Nonce satisfies the JWS "NonceSource" interface by using a nonce stored by
// the client from previous upstream responses. That nonce value is returned
// after first fetching a replacement from the upstream NewNonce endpoint, so
// the client always has a fresh nonce on hand for the next request.
func (c *Client) Nonce() (string, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.nonce
	if err := c.refreshNonce(context.Background()); err != nil {
		return n, err
	}
	return n, nil
}

// RefreshNonce fetches a new nonce from the upstream server's NewNonce
// endpoint and stores it for subsequent Nonce calls.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) RefreshNonce(ctx context.Context) error {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.refreshNonce(ctx)
}

func (c *Client) refreshNonce(ctx context.Context) error {
	nonceURL, ok := c.GetEndpointURL(acme.NEW_NONCE_ENDPOINT)
	if !ok {
		return fmt.Errorf(
			"missing %q entry in upstream server directory", acme.NEW_NONCE_ENDPOINT)
	}

	resp, err := c.net.HeadURL(ctx, nonceURL)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%q returned HTTP status %d, expected %d",
			acme.NEW_NONCE_ENDPOINT, resp.StatusCode, http.StatusOK)
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return fmt.Errorf("%q returned no %q header value",
			acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
	}

	c.nonce = nonce
	return nil
}

// storeNonce saves the Replay-Nonce header from a response for future use,
// if one is present.
func (c *Client) storeNonce(resp *http.Response) {
	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return
	}
	c.nonceMu.Lock()
	c.nonce = nonce
	c.nonceMu.Unlock()
}
