package httpserver

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/notify"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

const streamWriteTimeout = 5 * time.Second

// streamMessage is one frame on the notification stream. The first frame is a
// snapshot of every pending summary; later frames carry single changes.
type streamMessage struct {
	Type          string                 `json:"type"`
	Audience      string                 `json:"audience"`
	Notifications []schema.UnreadSummary `json:"notifications,omitempty"`
	Change        *notify.Change         `json:"change,omitempty"`
}

func (s *httpServer) streamNotifications(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "notification stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.WithError(err).Debug("notification stream: accept failed")
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	// Client frames are ignored; reading only detects the close handshake.
	ctx := conn.CloseRead(r.Context())
	changes := s.feed.Subscribe(ctx)
	audience := s.tracker.Audience()

	pending, err := s.tracker.Pending(ctx)
	if err != nil {
		s.log.WithError(err).Warn("notification stream: load pending")
		_ = conn.Close(websocket.StatusInternalError, "load pending notifications")
		return
	}
	if err := writeFrame(ctx, conn, streamMessage{Type: "snapshot", Audience: audience, Notifications: pending}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case change, ok := <-changes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if change.Audience != audience {
				continue
			}
			if err := writeFrame(ctx, conn, streamMessage{Type: "change", Audience: audience, Change: &change}); err != nil {
				s.log.WithError(err).Debug("notification stream: write failed")
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *httpServer) acceptOptions() *websocket.AcceptOptions {
	if len(s.origins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(s.origins))
	for _, origin := range s.origins {
		origin = strings.TrimSpace(origin)
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			origin = parsed.Host
		}
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
