package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpdateDirectory fetches the upstream server's directory resource and caches
// it for endpoint lookups.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.1
func (c *Client) UpdateDirectory(ctx context.Context) error {
	resp, err := c.net.GetURL(ctx, c.DirectoryURL.String())
	if err != nil {
		return fmt.Errorf("fetching upstream directory: %w", err)
	}

	var directory map[string]interface{}
	if err := json.Unmarshal(resp.RespBody, &directory); err != nil {
		return fmt.Errorf("decoding upstream directory: %w", err)
	}

	c.directory = directory
	return nil
}

// GetEndpointURL looks up a named endpoint in the cached upstream directory.
// If the key is found its value is returned along with a true bool. If the
// key is missing or not a string an empty string is returned with a false
// bool.
func (c *Client) GetEndpointURL(name string) (string, bool) {
	rawURL, ok := c.directory[name]
	if !ok {
		return "", false
	}
	url, ok := rawURL.(string)
	if !ok || url == "" {
		return "", false
	}
	return url, true
}
