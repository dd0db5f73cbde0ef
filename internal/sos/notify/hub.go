package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/sosdispatch/internal/auth"
	"github.com/example/sosdispatch/internal/sos/domain"
	"github.com/example/sosdispatch/pkg/outbox"
)

const writeWait = 5 * time.Second

// Message is the envelope pushed over a driver socket.
type Message struct {
	Type  string       `json:"type"`
	Offer outbox.Offer `json:"offer"`
}

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// Hub keeps one websocket session per connected driver and pushes offers.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]*session),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger.Named("ws"),
	}
}

// ServeHTTP upgrades a driver connection. The driver id comes from the token
// subject, or from the driver_id query parameter when auth is disabled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("driver_id")
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		raw = claims.Subject
	}
	driverID, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid driver_id", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	s := h.add(driverID, conn)
	go h.readLoop(driverID, s)
}

func (h *Hub) add(driverID uuid.UUID, conn *websocket.Conn) *session {
	s := &session{conn: conn}
	h.mu.Lock()
	old := h.sessions[driverID]
	h.sessions[driverID] = s
	h.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	h.logger.Debug("driver connected", zap.Stringer("driver_id", driverID))
	return s
}

// readLoop drains control frames and drops the session once the peer leaves.
func (h *Hub) readLoop(driverID uuid.UUID, s *session) {
	defer h.remove(driverID, s)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(driverID uuid.UUID, s *session) {
	h.mu.Lock()
	if h.sessions[driverID] == s {
		delete(h.sessions, driverID)
	}
	h.mu.Unlock()
	_ = s.conn.Close()
}

// Connected reports whether driverID has a live session.
func (h *Hub) Connected(driverID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[driverID]
	return ok
}

// Notify satisfies domain.Notifier. Drivers without a session are skipped;
// write failures drop the session and are returned joined.
func (h *Hub) Notify(_ context.Context, driverIDs []uuid.UUID, req domain.SOSRequest) error {
	var errs []error
	for id, offer := range outbox.NewOffers(driverIDs, req) {
		h.mu.RLock()
		s, ok := h.sessions[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.send(Message{Type: "sos_offer", Offer: offer}); err != nil {
			h.remove(id, s)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[uuid.UUID]*session)
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}
