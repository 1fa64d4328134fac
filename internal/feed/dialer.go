package feed

import (
	"context"

	"forexpaper/internal/ports"

	"github.com/gorilla/websocket"
)

// WSDialer implements ports.StreamDialer using gorilla/websocket.
type WSDialer struct{}

// Dial opens a websocket connection to the streaming price source.
func (WSDialer) Dial(ctx context.Context, url string) (ports.StreamConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, nil
}
