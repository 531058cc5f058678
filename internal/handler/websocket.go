package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/hub"
	"vending-controller/internal/metrics"
	"vending-controller/internal/middleware"
	"vending-controller/internal/nostr"
	"vending-controller/internal/store"
)

const (
	maxSubscriptionIDLength = 64
	defaultMaxSubscriptions = 32
)

// RelayHandler speaks the NIP-01 relay side of the websocket protocol.
type RelayHandler struct {
	Hub              *hub.Hub
	Store            *store.Store
	PublishLimiter   *middleware.RateLimiter
	MaxSubscriptions int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func writeMessage(w hub.Writer, msg nostr.RelayMessage) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.Write(out)
}

func (h *RelayHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	clientIP := c.ClientIP()
	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{ID: uuid.NewString(), Writer: writer}
	h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := nostr.ParseClientMessage(data)
		if err != nil {
			_ = writeMessage(writer, nostr.NoticeMessage{Message: "error: " + err.Error()})
			continue
		}

		switch m := msg.(type) {
		case nostr.PublishMessage:
			h.handlePublish(writer, clientIP, m.Event)
		case nostr.ReqMessage:
			h.handleReq(conn, writer, m)
		case nostr.CloseMessage:
			h.Hub.Unsubscribe(conn, m.SubscriptionID)
		}
	}
}

func (h *RelayHandler) handlePublish(w hub.Writer, clientIP string, ev nostr.Event) {
	if err := ev.Verify(); err != nil {
		metrics.RecordRelayEvent("invalid")
		_ = writeMessage(w, nostr.OKMessage{EventID: ev.ID, Accepted: false, Message: "invalid: " + err.Error()})
		return
	}
	if !h.PublishLimiter.Allow(clientIP) {
		metrics.RecordRelayEvent("rate_limited")
		_ = writeMessage(w, nostr.OKMessage{EventID: ev.ID, Accepted: false, Message: "rate-limited: slow down"})
		return
	}
	if !h.Store.Add(ev) {
		metrics.RecordRelayEvent("duplicate")
		_ = writeMessage(w, nostr.OKMessage{EventID: ev.ID, Accepted: true, Message: "duplicate: already have this event"})
		return
	}

	metrics.RecordRelayEvent("accepted")
	log.Debug().Str("event_id", ev.ID.String()).Str("pubkey", ev.PubKey.Hex()).Int("kind", ev.Kind).Msg("event stored")
	_ = writeMessage(w, nostr.OKMessage{EventID: ev.ID, Accepted: true})
	h.Hub.Broadcast(&ev)
}

func (h *RelayHandler) handleReq(conn *hub.Connection, w hub.Writer, m nostr.ReqMessage) {
	if m.SubscriptionID == "" || len(m.SubscriptionID) > maxSubscriptionIDLength {
		_ = writeMessage(w, nostr.ClosedMessage{SubscriptionID: m.SubscriptionID, Message: "invalid: bad subscription id"})
		return
	}
	maxSubs := h.MaxSubscriptions
	if maxSubs <= 0 {
		maxSubs = defaultMaxSubscriptions
	}
	if h.Hub.Subscriptions(conn) >= maxSubs {
		_ = writeMessage(w, nostr.ClosedMessage{SubscriptionID: m.SubscriptionID, Message: "blocked: too many subscriptions"})
		return
	}

	filters := m.Filters
	if len(filters) == 0 {
		filters = []nostr.Filter{{}}
	}

	// Subscribe before querying so nothing published in between is missed.
	h.Hub.Subscribe(conn, m.SubscriptionID, filters)
	for _, ev := range h.Store.Query(filters) {
		if err := writeMessage(w, nostr.EventMessage{SubscriptionID: m.SubscriptionID, Event: ev}); err != nil {
			return
		}
	}
	_ = writeMessage(w, nostr.EOSEMessage{SubscriptionID: m.SubscriptionID})
}
