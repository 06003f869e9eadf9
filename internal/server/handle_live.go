package server

import (
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/playperu/hunt/internal/live"
)

// handleLive upgrades to the live update stream for one puzzle. The puzzle
// must be unlocked for the user's team, like the puzzle page itself.
func handleLive(st Store, hub *live.Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := loadPuzzle(r, st)
		if err != nil {
			writeErr(w, logger, err)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Error("websocket accept failed", "error", err)
			return
		}
		defer ws.CloseNow()

		conn := live.NewConn(live.NewWebsocketTransport(ws), live.Session{
			UserID:   sc.sess.User.ID,
			TeamID:   sc.teamID,
			PuzzleID: sc.puzzle.ID,
		}, st, hub, logger)
		if err := conn.Run(r.Context()); err != nil {
			logger.Error("live connection failed", "conn_id", conn.ID(), "error", err)
		}
	}
}
