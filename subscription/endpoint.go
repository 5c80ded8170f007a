package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/component"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/config"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/ngsild"
	"github.com/sosanzma/SPADE-FIWARE-Artifacts/pkg/cache"
)

// notificationTTL bounds how long a notified entity stays in the recent
// cache.
const notificationTTL = 5 * time.Minute

// forwardFunc decides whether a notification is forwarded and returns the
// forwarded document for the live feed.
type forwardFunc func(ctx context.Context, n *ngsild.Notification) ([]byte, bool)

// Endpoint is the HTTP server brokers deliver notifications to. It serves
// POST /notify for broker callbacks and GET /ws as a live websocket feed
// of forwarded notifications.
type Endpoint struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *managerMetrics
	forward forwardFunc

	server   *http.Server
	recent   *cache.TTLCache[map[string]any]
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.Mutex

	received     atomic.Int64
	lastActivity atomic.Value // stores time.Time
	startTime    time.Time
}

// NewEndpoint builds the notification endpoint. The server is not bound
// until Start.
func NewEndpoint(cfg config.Config, logger *slog.Logger, metrics *managerMetrics, forward forwardFunc) *Endpoint {
	e := &Endpoint{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		forward: forward,
		recent:  cache.NewTTLCache[map[string]any](notificationTTL),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is consumed by local tooling, no origin policy
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
	e.lastActivity.Store(time.Time{})
	return e
}

// Start binds the endpoint to the resolved address and serves in the
// background.
func (e *Endpoint) Start(binding NetworkBinding) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/notify", e.handleNotify)
	mux.HandleFunc("/ws", e.handleWS)

	e.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", binding.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.startTime = time.Now()

	errCh := make(chan error, 1)
	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Give the listener a moment to fail on a stolen port
	select {
	case err := <-errCh:
		return errors.WrapFatal(err, "subscription", "Endpoint.Start",
			fmt.Sprintf("listen on port %d", binding.Port))
	case <-time.After(50 * time.Millisecond):
		e.logger.Info("notification endpoint listening", "port", binding.Port)
		return nil
	}
}

// Stop shuts the server down, closing all websocket clients.
func (e *Endpoint) Stop(timeout time.Duration) error {
	e.clientsMu.Lock()
	for conn := range e.clients {
		_ = conn.Close()
	}
	e.clients = make(map[*websocket.Conn]struct{})
	e.clientsMu.Unlock()

	_ = e.recent.Close()

	if e.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "subscription", "Endpoint.Stop", "shutdown server")
	}
	return nil
}

// handleNotify processes a broker notification callback. A body that does
// not parse as a notification answers 400 with no state change; everything
// after a successful parse answers 200.
func (e *Endpoint) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var n ngsild.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		e.logger.Warn("rejected malformed notification", "error", err)
		if e.metrics != nil {
			e.metrics.badNotifications.Inc()
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	e.received.Add(1)
	e.lastActivity.Store(time.Now())
	if e.metrics != nil {
		e.metrics.notificationsReceived.Inc()
	}

	// Last write wins per entity id
	for _, entity := range n.Data {
		if id, ok := entity["id"].(string); ok && id != "" {
			_, _ = e.recent.Set(id, entity)
		}
	}

	if e.forward != nil {
		if data, ok := e.forward(r.Context(), &n); ok {
			e.broadcast(data)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleWS upgrades the connection and registers it for the live feed.
func (e *Endpoint) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	e.clientsMu.Lock()
	e.clients[conn] = struct{}{}
	e.clientsMu.Unlock()

	e.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	// Reader loop: the feed is write-only, but reading detects closes
	go func() {
		defer e.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast sends a forwarded notification to every connected client.
// Delivery is at most once; clients that fail to accept a write are
// dropped.
func (e *Endpoint) broadcast(data []byte) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	for conn := range e.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			e.logger.Debug("dropping websocket client", "error", err)
			_ = conn.Close()
			delete(e.clients, conn)
		}
	}
}

func (e *Endpoint) dropClient(conn *websocket.Conn) {
	_ = conn.Close()
	e.clientsMu.Lock()
	delete(e.clients, conn)
	e.clientsMu.Unlock()
}

// RecentEntity returns the most recent notified state of an entity, if it
// is still within the cache TTL.
func (e *Endpoint) RecentEntity(entityID string) (map[string]any, bool) {
	return e.recent.Get(entityID)
}

func (e *Endpoint) flowMetrics() component.FlowMetrics {
	last, _ := e.lastActivity.Load().(time.Time)

	var rate float64
	if !e.startTime.IsZero() {
		if secs := time.Since(e.startTime).Seconds(); secs > 0 {
			rate = float64(e.received.Load()) / secs
		}
	}

	return component.FlowMetrics{
		MessagesPerSecond: rate,
		LastActivity:      last,
	}
}
