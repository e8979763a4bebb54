package debugflv

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"rtmfp/internal/core/bus"
)

// Handler upgrades GET /debug/{app}/{name} into a live FLV stream of
// whatever is currently publishing that bus.StreamKey, for watching an
// engine's output from a browser during development.
type Handler struct {
	registry *bus.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler reading from registry.
func NewHandler(registry *bus.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the /debug/{app}/{name} upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	urlPath := strings.TrimPrefix(r.URL.Path, "/debug/")
	if urlPath == r.URL.Path {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(urlPath, "/", 2)
	if len(parts) != 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	app, name := parts[0], parts[1]

	streamKey := bus.NewStreamKey(app, name)
	stream := h.registry.Get(streamKey)
	if stream == nil || !stream.HasPublisher() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := NewSubscriber(conn, stream)
	defer func() {
		sub.Detach()
		conn.Close()
	}()

	sub.Attach()
	if err := sub.WriteHeader(true, true); err != nil {
		return
	}
	_ = sub.ProcessMessages()
}

// RegisterRoutes registers the debug FLV tap on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/", h.ServeHTTP)
}
