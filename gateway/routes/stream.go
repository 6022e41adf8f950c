package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/crypto"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/journal"
)

const (
	wsWriteTimeout = 10 * time.Second
	streamBuffer   = 128
)

// handleEvents pages through the journal. record accepts either address
// form; after is the last sequence already seen.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "journal disabled"})
		return
	}
	q := r.URL.Query()
	query := journal.Query{Type: q.Get("type")}
	if raw := q.Get("record"); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			badRequest(w, err)
			return
		}
		query.Record = addr.String()
	}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(w, err)
			return
		}
		query.After = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, err)
			return
		}
		query.Limit = limit
	}
	entries, err := s.journal.List(r.Context(), query)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type streamMessage struct {
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// handleStream pushes live events over a websocket. The optional type query
// parameter filters by event type. Events published while the client is
// slow are dropped by the bus.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream disabled"})
		return
	}
	filter := r.URL.Query().Get("type")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.bus.Subscribe(streamBuffer)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-updates:
			if !ok {
				return
			}
			payload := evt.Event()
			if payload == nil || (filter != "" && payload.Type != filter) {
				continue
			}
			if err := writeEvent(ctx, conn, payload); err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					s.logger.Warn("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(streamMessage{Type: evt.Type, Timestamp: evt.Timestamp, Attributes: evt.Attributes})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
