package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/hyle-net/wire"
)

// echoHandler answers every data message with an identical message back.
type echoHandler struct{}

func (echoHandler) Handle(conn *wire.Conn) {
	conn.SetControlHandler(func(isReply bool, payload []byte) {
		slog.Debug("control frame", "conn_id", conn.ID(), "reply", isReply, "len", len(payload))
	})

	err := conn.Run(context.Background(), func(op wire.Opcode, payload []byte) error {
		return conn.WriteMessage(op, payload)
	})
	if err != nil {
		slog.Error("connection error", "conn_id", conn.ID(), "error", err)
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		slog.Error("failed to resolve address", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	connOpts := []wire.Option{
		wire.HeartbeatOption(cfg.Heartbeat),
		wire.MessageMaxSize(cfg.MaxMessageSize),
		wire.MaxFramePayloadOption(cfg.MaxFramePayload),
		wire.AutoFragmentOption(cfg.AutoFragment),
	}
	if cfg.RatePerSecond > 0 {
		connOpts = append(connOpts, wire.RateLimitOption(rate.Limit(cfg.RatePerSecond), cfg.RateBurst))
	}

	server, err := wire.NewServer(addr, wire.ServerConnOptions(connOpts...))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx, echoHandler{}); err != nil {
		slog.Error("server error", "error", err)
	}
}
