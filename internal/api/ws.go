package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"brainvault/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The trusted principal header is the access control; origin checks
	// belong to the upstream gateway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket upgrades the connection and streams the user's events
// until either side closes.
func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.WarnContext(req.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := notify.NewWSClient(r.hub, conn, user.ID)
	client.Run(req.Context())
}
