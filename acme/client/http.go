package client

import (
	"context"
	"encoding/json"
	"fmt"

	acmenet "github.com/cpu/acmebroker/net"
)

// ClientError is returned when the upstream server answers a relayed request
// with an ACME problem document. Relay modes surface the upstream problem to
// the downstream client unchanged.
type ClientError struct {
	// The HTTP status of the upstream response.
	Status int
	// The problem "type" URN, e.g. "urn:ietf:params:acme:error:badCSR".
	Type string
	// The human readable problem detail.
	Detail string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s (%s)", e.Status, e.Detail, e.Type)
}

// postJSON signs the JSON encoding of v per the given options and POSTs it to
// the URL. Upstream problem responses become a *ClientError.
func (c *Client) postJSON(ctx context.Context, url string, v interface{}, opts *SigningOptions) (*acmenet.NetResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, url, body, opts)
}

// postAsGet makes a POST-as-GET request to the URL: a signed request with an
// empty payload.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) postAsGet(ctx context.Context, url string) (*acmenet.NetResponse, error) {
	return c.post(ctx, url, []byte(""), nil)
}

func (c *Client) post(ctx context.Context, url string, body []byte, opts *SigningOptions) (*acmenet.NetResponse, error) {
	signedBody, err := c.Sign(url, body, opts)
	if err != nil {
		return nil, fmt.Errorf("signing request to %q: %w", url, err)
	}

	resp, err := c.net.PostURL(ctx, url, signedBody)
	if err != nil {
		return nil, err
	}
	c.storeNonce(resp.Response)

	if resp.Response.StatusCode >= 400 {
		return nil, upstreamProblem(resp)
	}
	return resp, nil
}

// upstreamProblem decodes an upstream error response into a *ClientError. If
// the body is not a problem document the raw status is still reported.
func upstreamProblem(resp *acmenet.NetResponse) error {
	clientErr := &ClientError{
		Status: resp.Response.StatusCode,
	}
	var problem struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(resp.RespBody, &problem); err == nil {
		clientErr.Type = problem.Type
		clientErr.Detail = problem.Detail
	}
	if clientErr.Detail == "" {
		clientErr.Detail = fmt.Sprintf("unexpected upstream response: %s", string(resp.RespBody))
	}
	return clientErr
}
