package ports

import "context"

// StreamConn is the minimal surface the feed controller needs from a
// websocket connection. gorilla/websocket's *Conn satisfies it; tests supply
// fakes.
type StreamConn interface {
	// ReadMessage blocks until the next message or a read error.
	ReadMessage() (messageType int, p []byte, err error)
	// WriteJSON marshals v and writes it as one text message.
	WriteJSON(v interface{}) error
	// Close closes the underlying connection.
	Close() error
}

// StreamDialer opens a streaming connection to the push price source.
type StreamDialer interface {
	Dial(ctx context.Context, url string) (StreamConn, error)
}
