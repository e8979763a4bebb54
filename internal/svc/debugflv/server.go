package debugflv

import (
	"net/http"

	"rtmfp/internal/core/bus"
)

// Service registers the debug FLV tap on a mux shared with other HTTP
// endpoints (e.g. the health check), mirroring how the teacher composed
// wsflv into its single HTTP server.
type Service struct {
	handler *Handler
}

// NewService creates a Service reading from registry.
func NewService(registry *bus.Registry) *Service {
	return &Service{handler: NewHandler(registry)}
}

// RegisterRoutes registers the debug routes on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.handler.RegisterRoutes(mux)
}
