package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/craftlink/craftlink/server"
	"github.com/joho/godotenv"
)

func setupLogger() {
	level := slog.LevelInfo
	if v := os.Getenv("CRAFTLINK_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	godotenv.Load()
	setupLogger()

	heartbeat := server.DefaultHeartbeat
	if v := os.Getenv("CRAFTLINK_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			heartbeat = d
		} else {
			slog.Warn("Invalid CRAFTLINK_HEARTBEAT, using default", "value", v)
		}
	}

	hub := server.NewHub(server.HubOptions{
		WSAddr:    envOr("CRAFTLINK_WS_ADDR", "0.0.0.0:8080"),
		APIAddr:   envOr("CRAFTLINK_API_ADDR", "0.0.0.0:8081"),
		Heartbeat: heartbeat,
		MCP:       os.Getenv("CRAFTLINK_MCP") == "1",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub.Start(ctx)
}
