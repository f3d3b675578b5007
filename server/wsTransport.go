package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/craftlink/craftlink/proto"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// WSTransport is the persistent-connection endpoint. Every accepted socket
// is registered as a viewer; a device promotes itself by sending an
// api_registration envelope.
type WSTransport struct {
	Addr string

	registry *Registry
	router   *Router
	server   *http.Server
}

func NewWSTransport(addr string, registry *Registry, router *Router) *WSTransport {
	return &WSTransport{Addr: addr, registry: registry, router: router}
}

func (t *WSTransport) Start() error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	if t.registry == nil || t.router == nil {
		return fmt.Errorf("transport started without a registry and router")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebSocket)

	t.server = &http.Server{
		Addr:    t.Addr,
		Handler: mux,
	}

	err := t.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	go t.handleConnection(conn, r.RemoteAddr)
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, remoteAddr string) {
	slog.Info("WebSocket client connected", "addr", remoteAddr)

	wc := newWSConn(conn)
	id := t.registry.Register(wc, RoleViewer, "ws")

	conn.SetPongHandler(func(string) error {
		t.registry.Touch(id)
		return nil
	})

	defer func() {
		t.registry.Unregister(id)
		wc.Close()
		slog.Info("WebSocket client disconnected", "addr", remoteAddr, "id", id)
	}()

	welcome := proto.NewChat(fmt.Sprintf("Connected to craftlink hub (connection %s)", id), proto.PriorityLow)
	t.registry.SendTo(id, welcome)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			return
		}

		env, err := proto.Decode(frame)
		if err != nil {
			// Malformed frames are dropped without a reply.
			slog.Warn("Dropping invalid frame", "id", id, "error", err.Error())
			continue
		}
		t.router.Route(env, id)
	}
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
