package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"venturegate/internal/engine"
	"venturegate/internal/notify"
)

// registerStream serves the change-notification websocket. Clients receive "ready" and
// then one state.changed event per version increment, optionally for a single venture.
func registerStream(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "stream"), func(w http.ResponseWriter, req *http.Request) {
		if e.Notifier == nil || e.Notifier.Hub == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "stream_unavailable", "stream unavailable", nil))
			return
		}
		if _, ok := principalFromContext(req.Context()); !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		ventureID := req.URL.Query().Get("venture_id")
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()
		hub := e.Notifier.Hub
		sub := hub.Subscribe(64)
		defer hub.Unsubscribe(sub)

		if err := wsjson.Write(ctx, conn, notify.NewEvent(notify.EventReady, map[string]string{"ventureId": ventureID})); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "write_failed")
			return
		}
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				if ventureID != "" {
					if change, isChange := evt.Data.(notify.StateChange); isChange && change.VentureID != ventureID {
						continue
					}
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	})
}
