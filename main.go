package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var (
	configPath = flag.String("config", defaultConfigPath, "Path to the JSON configuration file")
	debug      = flag.Bool("debug", false, "Log debug messages (overrides the config file)")
)

// Entry point for the proximity alert daemon
func main() {
	flag.Parse()

	cfgMgr := NewConfigManager(*configPath)
	if err := cfgMgr.Load(); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg := cfgMgr.Get()
	logger := NewEventLogger(cfg.LogFile, cfg.Debug || *debug)

	host, err := NewHost(cfg, logger)
	if err != nil {
		log.Fatalf("initialisation error: %v", err)
	}
	server := NewServer(cfgMgr, host, logger)
	server.forceDebug = *debug

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := server.Reload(); err == nil {
					logger.Log("configuration reloaded on SIGHUP")
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	serveErr := server.Start(ctx)
	cancel()
	if err := host.Close(); err != nil {
		logger.Errorf("close: %v", err)
	}
	if serveErr != nil {
		log.Fatalf("server exited: %v", serveErr)
	}
}
