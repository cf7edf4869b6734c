package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hewigovens/vibetunnel/internal/api"
	"github.com/hewigovens/vibetunnel/internal/config"
	"github.com/hewigovens/vibetunnel/internal/db"
	"github.com/hewigovens/vibetunnel/internal/info"
	"github.com/hewigovens/vibetunnel/internal/server"
	"github.com/hewigovens/vibetunnel/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open session index", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	store := info.NewStore(cfg.ControlDir)
	registry := stream.NewRegistry(store, db.NewSessionRepo(database.SQL()))
	defer registry.Close()

	router := api.NewRouter(database.SQL(), registry, store, cfg.ControlDir, cfg.Token)

	if cfg.PrintToken {
		fmt.Printf("\nvibetunnel running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
	}

	if err := server.New(cfg, router).Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
