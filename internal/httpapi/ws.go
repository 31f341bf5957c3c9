package httpapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/labstack/echo/v4"
	"nhooyr.io/websocket"
)

const wsPingInterval = 30 * time.Second

// handleEventsWS streams status events as JSON text frames. The
// subscription is dropped the moment the peer goes away; a slow peer
// only ever loses its own oldest events, never stalls the pipeline.
func (s *Server) handleEventsWS(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	subID, events := s.store.Watch()
	defer s.store.Unwatch(subID)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Reads are discarded; the loop exists to notice disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil

		case <-pinger.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return nil
			}

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "store closed")
				return nil
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				return nil
			}
		}
	}
}
