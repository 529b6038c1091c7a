package taker

import (
	"context"
	"fmt"
	"net/url"

	"CfdDaemon/internal/model"
	"CfdDaemon/internal/protocol"

	"github.com/gorilla/websocket"
)

// WebsocketDialer opens peer channels against the maker's protocol
// endpoints, one connection per negotiation attempt.
type WebsocketDialer struct {
	baseURL  string
	identity model.Identity
}

// NewWebsocketDialer dials endpoints under baseURL, e.g.
// ws://maker:9935/protocols/setup.
func NewWebsocketDialer(baseURL string, identity model.Identity) *WebsocketDialer {
	return &WebsocketDialer{baseURL: baseURL, identity: identity}
}

func (d *WebsocketDialer) Dial(ctx context.Context, kind protocol.Kind) (protocol.Channel, error) {
	endpoint := fmt.Sprintf("%s/protocols/%s?identity=%s",
		d.baseURL, kind, url.QueryEscape(string(d.identity)))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return protocol.NewWebsocketChannel(conn), nil
}
