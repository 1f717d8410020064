package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const streamHandshakeTimeout = 10 * time.Second

// OpenStream dials the streaming endpoint of a call. The caller owns the returned
// connection.
func (c *Client) OpenStream(ctx context.Context, ns Namespace, verb Verb) (*websocket.Conn, error) {
	spec, err := c.calls.Resolve(ns, verb)
	if err != nil {
		return nil, err
	}
	call := Call{Namespace: ns, Verb: verb}
	if !spec.Streaming {
		return nil, fmt.Errorf("%w: %s is not a streaming call", ErrUnhandledCall, call)
	}

	header := http.Header{}
	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate towards provider %s: %w", c.provider.ID, err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.provider.StreamURL()+call.Path(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, NewError(c.provider.ID, call.String(), status, err.Error())
	}
	return conn, nil
}
