package wsbase

import (
	"net/http"

	"nhooyr.io/websocket"
)

// AcceptWebSocket upgrades a request, allowing the given origin patterns.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
}
