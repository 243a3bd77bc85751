package client

import (
	"crypto"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmebroker/acme/keys"
)

// SigningOptions allows specifying signature related options when calling the
// Client's Sign function.
type SigningOptions struct {
	// If true, embed the signing key's public half as a JWK in the signed JWS
	// instead of using a KeyID header. This is required for NewAccount and for
	// revocations authenticated by the certificate key. Setting EmbedKey to
	// true is mutually exclusive with a non-empty KeyID.
	EmbedKey bool
	// If not-empty, a KeyID value to use for the JWS Key ID header. If empty
	// the shared upstream account's URL is used. Providing a KeyID is mutually
	// exclusive with setting EmbedKey to true.
	KeyID string
	// If not-nil, a private key to use to sign the JWS. If nil the shared
	// upstream account's key is used.
	Signer crypto.Signer
	// NonceSource is a jose.NonceSource implementation that provides the
	// Replay-Nonce header value for the produced JWS. If nil the Client is
	// used.
	NonceSource jose.NonceSource
}

// Sign produces a serialized JWS for the provided data with a protected URL
// header, according to the SigningOptions. Defaults are populated from the
// Client: its key, its upstream account URL as Key ID, and itself as the
// nonce source.
func (c *Client) Sign(url string, data []byte, opts *SigningOptions) ([]byte, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}

	signer := opts.Signer
	if signer == nil {
		signer = c.signer
	}
	if signer == nil {
		return nil, fmt.Errorf("no signing key available")
	}

	if opts.KeyID != "" && opts.EmbedKey {
		return nil, fmt.Errorf("cannot specify both KeyID and EmbedKey")
	}
	if !opts.EmbedKey && opts.KeyID == "" {
		if c.accountID == "" {
			return nil, fmt.Errorf("no KeyID specified and no upstream account is registered")
		}
		opts.KeyID = c.accountID
	}

	nonceSource := opts.NonceSource
	if nonceSource == nil {
		nonceSource = c
	}

	joseOpts := &jose.SignerOptions{
		NonceSource: nonceSource,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	var signingKey jose.SigningKey
	if opts.EmbedKey {
		joseOpts.EmbedJWK = true
		signingKey = keys.SigningKeyForSigner(signer, "")
	} else {
		signingKey = keys.SigningKeyForSigner(signer, opts.KeyID)
	}

	joseSigner, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, err
	}

	signed, err := joseSigner.Sign(data)
	if err != nil {
		return nil, err
	}
	return []byte(signed.FullSerialize()), nil
}
