package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handlePush upgrades to a websocket and streams store notifications until
// the client goes away or the store closes.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "push stream aborted")

	notifications, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	// Clients never send data frames; CloseRead keeps control frames
	// serviced and cancels the context on disconnect.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-notifications:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "store closed")
				return
			}
			if err := wsjson.Write(ctx, conn, n); err != nil {
				return
			}
		}
	}
}
