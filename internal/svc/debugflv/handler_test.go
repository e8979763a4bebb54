package debugflv

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"rtmfp/internal/core/bus"
)

func TestHandlerNotFound(t *testing.T) {
	registry := bus.NewRegistry()
	handler := NewHandler(registry)

	req := httptest.NewRequest("GET", "/debug/live/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandlerNoPublisher(t *testing.T) {
	registry := bus.NewRegistry()
	handler := NewHandler(registry)

	key := bus.NewStreamKey("live", "test")
	registry.GetOrCreate(key)

	req := httptest.NewRequest("GET", "/debug/live/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 (no publisher), got %d", w.Code)
	}
}

func TestHandlerBadPath(t *testing.T) {
	registry := bus.NewRegistry()
	handler := NewHandler(registry)

	req := httptest.NewRequest("GET", "/live/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandlerUpgradeStreamsFLVHeader(t *testing.T) {
	registry := bus.NewRegistry()
	handler := NewHandler(registry)

	key := bus.NewStreamKey("live", "test")
	stream, _ := registry.GetOrCreate(key)
	stream.AttachPublisher(1)

	server := httptest.NewServer(http.HandlerFunc(handler.ServeHTTP))
	defer server.Close()

	wsURL := "ws" + server.URL[4:] + "/debug/live/test"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Errorf("expected 101, got %d", resp.StatusCode)
	}

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Errorf("expected binary message, got %d", messageType)
	}
	if len(data) < 3 || string(data[:3]) != "FLV" {
		t.Errorf("expected FLV signature, got %v", data)
	}
}
