package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/craftlink/craftlink/proto"
)

type HubOptions struct {
	WSAddr    string        // WebSocket bind address
	APIAddr   string        // HTTP API bind address
	Heartbeat time.Duration // liveness probe period (defaults to DefaultHeartbeat)
	MCP       bool          // serve stdio MCP alongside the hub
}

// Hub wires the registry, router and transports together and runs them
// until the context is cancelled.
type Hub struct {
	Registry *Registry
	Router   *Router

	ws  *WSTransport
	api *APIServer
	mcp *MCPServer
}

func NewHub(opts HubOptions) *Hub {
	registry := NewRegistry(opts.Heartbeat)
	router := NewRouter(registry)

	h := &Hub{
		Registry: registry,
		Router:   router,
		ws:       NewWSTransport(opts.WSAddr, registry, router),
		api:      NewAPIServer(opts.APIAddr, registry, router),
	}
	if opts.MCP {
		h.mcp = NewMCPServer(router, registry)
	}
	return h
}

func (h *Hub) Start(ctx context.Context) {
	h.Registry.StartHeartbeat()
	if h.mcp != nil {
		go h.mcp.Start()
	}
	go func() {
		if err := h.ws.Start(); err != nil {
			slog.Error("WebSocket server exited", "error", err.Error())
		}
	}()
	go func() {
		if err := h.api.Start(); err != nil {
			slog.Error("HTTP API server exited", "error", err.Error())
		}
	}()

	h.Router.Announce("Hub online", proto.PriorityMedium)

	<-ctx.Done()
	slog.Info("Shutting down hub")
	h.Router.Announce("Hub shutting down", proto.PriorityHigh)

	if err := h.ws.Shutdown(); err != nil {
		slog.Error("Error shutting down WebSocket server", "error", err.Error())
	}
	if err := h.api.Shutdown(); err != nil {
		slog.Error("Error shutting down HTTP API server", "error", err.Error())
	}
	h.Registry.Shutdown()
}
