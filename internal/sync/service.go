package sync

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tasksync/internal/store"
)

// Service wires the transport to the session registry: it upgrades websocket
// connections, tracks them for shutdown, and reports engine metrics.
type Service struct {
	registry *Registry
	upgrader websocket.Upgrader
	cfg      Config
	baseCtx  context.Context

	mu    sync.Mutex
	conns map[*Conn]struct{}

	metrics *Metrics

	stop     chan struct{}
	stopOnce sync.Once
}

// Metrics tracks engine activity.
type Metrics struct {
	mu                sync.RWMutex
	ActiveConnections int64
	MessagesReceived  int64
}

// NewService creates a sync service backed by the given snapshot store.
func NewService(cfg Config, st store.Store) *Service {
	return &Service{
		registry: NewRegistry(cfg, st),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the frontend host is fixed.
				return true
			},
		},
		cfg:     cfg,
		baseCtx: context.Background(),
		conns:   make(map[*Conn]struct{}),
		metrics: &Metrics{},
		stop:    make(chan struct{}),
	}
}

// Start launches the background metrics reporter.
func (s *Service) Start() error {
	log.Println("Starting sync service...")
	go s.collectMetrics()
	return nil
}

// Registry exposes the session registry (health endpoints, tests).
func (s *Service) Registry() *Registry {
	return s.registry
}

// HandleWebSocket upgrades an HTTP request to the document sync channel. The
// replica identifies itself and its document in the first join frame.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := newConn(uuid.New().String()[:8], ws, s, s.cfg.SendBuffer)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.ActiveConnections++
	s.metrics.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	log.Printf("[SERVICE] connection %s established", conn.id)
}

func (s *Service) connClosed(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	s.metrics.mu.Lock()
	s.metrics.ActiveConnections--
	s.metrics.mu.Unlock()

	log.Printf("[SERVICE] connection %s closed", c.id)
}

func (s *Service) recordReceived() {
	s.metrics.mu.Lock()
	s.metrics.MessagesReceived++
	s.metrics.mu.Unlock()
}

// GetMetrics returns a point-in-time metrics view.
func (s *Service) GetMetrics() map[string]interface{} {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return map[string]interface{}{
		"active_connections": s.metrics.ActiveConnections,
		"messages_received":  s.metrics.MessagesReceived,
		"documents_active":   s.registry.Len(),
	}
}

// Shutdown drains every session (flushing final snapshots) and closes the
// remaining connections.
func (s *Service) Shutdown(ctx context.Context) {
	log.Println("Shutting down sync service...")
	s.stopOnce.Do(func() { close(s.stop) })

	s.registry.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.conns {
		conn.ws.Close()
	}
	s.conns = make(map[*Conn]struct{})
	s.mu.Unlock()

	log.Println("Sync service shut down complete")
}

// collectMetrics periodically logs engine metrics.
func (s *Service) collectMetrics() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Printf("Metrics: %+v", s.GetMetrics())
		case <-s.stop:
			return
		}
	}
}
