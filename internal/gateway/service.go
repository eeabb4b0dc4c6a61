package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/identity"
	"github.com/coviewd/coviewd/internal/session"
)

// Service bundles the transport layer: connection manager, message router
// and the WebSocket plus long-poll HTTP handlers.
type Service struct {
	connectionManager *ConnectionManager
	router            *Router
	wsHandler         *WebSocketHandler
	pollingHandler    *PollingHandler
}

// NewService wires the gateway. The returned ConnectionManager implements
// session.Broadcaster, so callers construct the session manager around it.
func NewService(manager *session.Manager, idp identity.Provider, clock clockwork.Clock, cm *ConnectionManager) *Service {
	router := NewRouter(manager, cm, clock)
	cm.SetRouter(router)

	return &Service{
		connectionManager: cm,
		router:            router,
		wsHandler:         NewWebSocketHandler(cm, idp),
		pollingHandler:    NewPollingHandler(cm, idp),
	}
}

// Start runs the broadcast loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.connectionManager.Start(ctx)
}

// RegisterRoutes registers all transport HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.pollingHandler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// Stats returns active connection statistics.
func (s *Service) Stats() Stats {
	return s.connectionManager.GetStats()
}
