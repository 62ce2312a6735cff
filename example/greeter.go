package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Zereker/reactor"
)

// greeter answers every newline-terminated name with a greeting.
type greeter struct {
	served int
}

func (g *greeter) Capability() reactor.Capability {
	return reactor.ConsumesInbound
}

func (g *greeter) HandleRead(ctx *reactor.Context, msg any) error {
	name, ok := msg.(string)
	if !ok {
		return nil
	}
	g.served++
	slog.Info("greeting", "addr", ctx.RemoteAddr(), "name", name, "served", g.served)
	return ctx.Write("hello, " + strings.TrimSpace(name) + "\n")
}

// Clone gives every connection its own counter.
func (g *greeter) Clone() reactor.Handler {
	return &greeter{}
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	port := flag.Int("port", 12345, "port to listen on when no config is given")
	flag.Parse()

	cfg := &reactor.Config{Host: "127.0.0.1", Port: *port}
	if *configPath != "" {
		var err error
		if cfg, err = reactor.LoadConfig(*configPath); err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	server, err := reactor.BindAddr(cfg.Addr(), cfg.ServerOptions()...)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	server.SetHandlerList(
		reactor.NewDelimiterBasedDecoder('\n'),
		reactor.NewStringDecoder(),
		&greeter{},
		reactor.NewStringEncoder(),
	)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
