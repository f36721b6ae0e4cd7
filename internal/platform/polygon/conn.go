package polygon

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Conn is the message-oriented transport under a Mux. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dial opens a websocket connection to a node endpoint.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon: dial %s: %w", url, err)
	}
	return conn, nil
}
