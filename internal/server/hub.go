package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizmaster/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type leaderboardSource interface {
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
}

// hub fans the experience leaderboard out to every connected socket.
// Writes to a connection only happen with mutex held.
type hub struct {
	source   leaderboardSource
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mutex    sync.Mutex
	logger   *zap.Logger
}

func newHub(source leaderboardSource, checkOrigin func(r *http.Request) bool, logger *zap.Logger) *hub {
	return &hub{
		source:   source,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:  make(map[*websocket.Conn]bool),
		logger:   logger,
	}
}

func (h *hub) size() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	leaderboard, err := h.source.Leaderboard(r.Context(), 0)
	if err != nil {
		h.logger.Error("failed to load leaderboard", zap.Error(err))
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(leaderboard)
	if err != nil {
		delete(h.clients, conn)
	}
	h.mutex.Unlock()
	if err != nil {
		h.logger.Debug("failed to send initial leaderboard", zap.Error(err))
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Clients only listen; anything they send is discarded.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			return
		}
	}
}

func (h *hub) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.mutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.mutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// broadcast pushes the current leaderboard to every client, dropping the
// ones that cannot be written to.
func (h *hub) broadcast(ctx context.Context) {
	if h.size() == 0 {
		return
	}
	leaderboard, err := h.source.Leaderboard(ctx, 0)
	if err != nil {
		h.logger.Error("failed to load leaderboard for broadcast", zap.Error(err))
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteJSON(leaderboard); err != nil {
			h.logger.Debug("dropping websocket client", zap.Error(err))
			delete(h.clients, client)
			client.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		client.Close()
		delete(h.clients, client)
	}
}
