// Package live streams reading.created events to websocket subscribers,
// each filtered by its bounding box.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arsenis-cmd/AirAware/internal/geo"
	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Same origin, or no Origin header from non-browser clients
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type subscriber struct {
	id   string
	box  *geo.BBox
	send chan []byte
}

func (s *subscriber) wants(r *model.Reading) bool {
	return s.box == nil || s.box.Contains(r.Latitude, r.Longitude)
}

// Hub fans reading events out to subscribers. A subscriber that cannot keep
// up has events dropped rather than slowing ingestion.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	maxSubs     int
	logger      *zap.Logger
}

// ErrTooManySubscribers is returned when the hub is full
var ErrTooManySubscribers = eris.New("live: maximum subscribers reached")

// NewHub creates a hub; maxSubscribers <= 0 means unlimited
func NewHub(maxSubscribers int) *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		maxSubs:     maxSubscribers,
		logger:      zap.L().With(zap.String("component", "live")),
	}
}

func (h *Hub) subscribe(box *geo.BBox) (*subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxSubs > 0 && len(h.subscribers) >= h.maxSubs {
		return nil, ErrTooManySubscribers
	}
	s := &subscriber{id: uuid.NewString(), box: box, send: make(chan []byte, sendBuffer)}
	h.subscribers[s.id] = s
	return s, nil
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	if s, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(s.send)
	}
	h.mu.Unlock()
}

// Count returns the number of subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// PublishReading implements ingest.EventSink. It never blocks.
func (h *Hub) PublishReading(_ context.Context, ev *protocol.ReadingEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subscribers) == 0 {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "live: encode event")
	}
	for _, s := range h.subscribers {
		if !s.wants(&ev.Reading) {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.logger.Warn("subscriber too slow, dropping event", zap.String("subscriber", s.id))
		}
	}
	return nil
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subscribers {
		delete(h.subscribers, id)
		close(s.send)
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. ?bbox=minLon,minLat,maxLon,maxLat limits the stream to that box.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var box *geo.BBox
	if raw := r.URL.Query().Get("bbox"); raw != "" {
		b, err := geo.ParseBBox(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		box = &b
	}

	sub, err := h.subscribe(box)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unsubscribe(sub.id)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Info("subscriber connected", zap.String("subscriber", sub.id), zap.Int("total", h.Count()))

	go h.writeLoop(conn, sub)
	h.readLoop(conn)

	h.unsubscribe(sub.id)
	h.logger.Info("subscriber disconnected", zap.String("subscriber", sub.id), zap.Int("total", h.Count()))
}

// readLoop only handles control frames and detects the close
func (h *Hub) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
