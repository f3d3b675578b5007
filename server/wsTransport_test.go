package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/craftlink/craftlink/proto"
	"github.com/gorilla/websocket"
)

func dialTestHub(t *testing.T) (*websocket.Conn, *Registry, func()) {
	t.Helper()
	reg := NewRegistry(time.Second)
	router := NewRouter(reg)
	transport := NewWSTransport("localhost:0", reg, router)

	srv := httptest.NewServer(http.HandlerFunc(transport.handleWebSocket))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Failed to dial test hub: %v", err)
	}

	cleanup := func() {
		conn.Close()
		srv.Close()
	}
	return conn, reg, cleanup
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var env proto.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("Frame was not an envelope: %v", err)
	}
	return &env
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWSTransport_WelcomeOnConnect(t *testing.T) {
	conn, reg, cleanup := dialTestHub(t)
	defer cleanup()

	welcome := readEnvelope(t, conn)
	if welcome.Kind != proto.KindChat || welcome.Source != proto.SourceServer {
		t.Fatalf("Expected a server chat welcome, got %+v", welcome)
	}

	waitFor(t, func() bool { return reg.Stats().Viewers == 1 }, "connection was not registered as a viewer")

	viewers := reg.ListByRole(RoleViewer)
	if !strings.Contains(welcome.Content, viewers[0].ID) {
		t.Errorf("Expected welcome to contain the connection id %s, got %q", viewers[0].ID, welcome.Content)
	}
}

func TestWSTransport_RegistrationPromotes(t *testing.T) {
	conn, reg, cleanup := dialTestHub(t)
	defer cleanup()

	readEnvelope(t, conn) // connect welcome

	frame := `{
		"id": "reg-1",
		"timestamp": 1756000000000,
		"kind": "api_registration",
		"source": "Turtle1",
		"computerName": "Turtle1",
		"computerType": "turtle",
		"functions": [{"name": "dig"}],
		"status": {"isActive": true}
	}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("Failed to send registration: %v", err)
	}

	welcome := readEnvelope(t, conn)
	if welcome.Kind != proto.KindChat || !strings.Contains(welcome.Content, "Turtle1") {
		t.Fatalf("Expected a registration welcome naming the device, got %+v", welcome)
	}

	rec, ok := reg.FindDeviceByName("Turtle1")
	if !ok {
		t.Fatal("Expected registration to promote the connection to device")
	}
	if rec.ComputerType != proto.TypeTurtle || len(rec.Functions) != 1 {
		t.Errorf("Unexpected device record %+v", rec)
	}
}

func TestWSTransport_MalformedFrameDropped(t *testing.T) {
	conn, reg, cleanup := dialTestHub(t)
	defer cleanup()

	readEnvelope(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not an envelope")); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	// No reply and no disconnect: the next valid frame still routes.
	frame := `{
		"id": "reg-2",
		"timestamp": 1756000000000,
		"kind": "api_registration",
		"source": "Turtle2",
		"computerName": "Turtle2",
		"computerType": "computer",
		"functions": [],
		"status": {}
	}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("Failed to send registration: %v", err)
	}

	welcome := readEnvelope(t, conn)
	if !strings.Contains(welcome.Content, "Turtle2") {
		t.Fatalf("Expected the connection to survive a malformed frame, got %+v", welcome)
	}
	if _, ok := reg.FindDeviceByName("Turtle2"); !ok {
		t.Error("Expected valid frame after a malformed one to still route")
	}
}

func TestWSTransport_UnregistersOnClose(t *testing.T) {
	conn, reg, cleanup := dialTestHub(t)
	defer cleanup()

	readEnvelope(t, conn)
	waitFor(t, func() bool { return reg.Stats().Total == 1 }, "connection was not registered")

	conn.Close()
	waitFor(t, func() bool { return reg.Stats().Total == 0 }, "connection was not unregistered on close")
}
