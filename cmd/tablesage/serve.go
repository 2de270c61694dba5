package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/tablesage/tablesage/internal/gateway"
	. "github.com/tablesage/tablesage/internal/logging"
)

// ServeCmd runs the HTTP/websocket gateway until interrupted.
type ServeCmd struct {
	Listen string `help:"Override the listen address (host:port)."`
}

func (s *ServeCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.Gateway.Listen = s.Listen
	}

	L_info("tablesage starting", "version", version)

	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	srv, err := gateway.NewServer(gateway.ServerConfig{
		Listen:         cfg.Gateway.Listen,
		AuditTokenHash: cfg.Gateway.AuditTokenHash,
	}, p.orch, p.sessions)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	L_info("tablesage ready", "listen", cfg.Gateway.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	L_info("received shutdown signal", "signal", sig.String())
	SetShuttingDown()
	return srv.Stop()
}
