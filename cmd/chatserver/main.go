// chatserver is the group chat server. It owns the roster and the private
// groups, answers every control request over UDP and relays chat messages
// to the members of each group.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/groupchat/internal/api"
	"github.com/energizer-project/groupchat/internal/cli"
	"github.com/energizer-project/groupchat/internal/config"
	"github.com/energizer-project/groupchat/internal/db"
	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/health"
	"github.com/energizer-project/groupchat/internal/network"
	"github.com/energizer-project/groupchat/internal/server"
	"github.com/energizer-project/groupchat/internal/telemetry"
	"github.com/energizer-project/groupchat/internal/util"
)

const (
	AppName    = "chatserver"
	AppVersion = "1.0.0"
	Banner     = `
   ____                       ____ _           _
  / ___|_ __ ___  _   _ _ __ / ___| |__   __ _| |_
 | |  _| '__/ _ \| | | | '_ \ |   | '_ \ / _' | __|
 | |_| | | | (_) | |_| | |_) | |___| | | | (_| | |_
  \____|_|  \___/ \__,_| .__/ \____|_| |_|\__,_|\__|
                       |_|   server v%s
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	host := flag.String("host", "", "UDP listen host (overrides config)")
	port := flag.Int("port", 0, "UDP listen port (overrides config)")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig(AppName)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting chat server")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	netCfg := cfg.GetNetwork()
	if *host != "" {
		netCfg.Host = *host
	}
	if *port != 0 {
		netCfg.Port = *port
	}
	cfg.SetNetwork(netCfg)

	logCfg := util.DefaultLogConfig(AppName)
	logCfg.Level = cfg.Logging.Level
	logCfg.Directory = cfg.Logging.Directory
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	transport, err := listenWithRetry(ctx, cfg.Endpoint(), network.Options{
		RatePerSec: float64(cfg.Server.InboundRatePerSec),
		Burst:      cfg.Server.InboundBurst,
	}, 15)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind UDP socket")
	}

	engine := server.NewEngine(server.Config{
		Capacity:          cfg.Server.Capacity,
		MaxUsernameLength: cfg.Server.MaxUsernameLength,
		HandshakeTimeout:  cfg.Server.HandshakeTimeout(),
	}, transport, eventBus)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics := telemetry.NewMetrics(engine, transport)
		metrics.Subscribe(eventBus)
		metricsHandler = metrics.Handler()
	}

	healthMgr := health.NewManager(cfg.Server, engine)

	var audit *db.AuditLog
	if cfg.Audit.Enabled {
		audit, err = db.NewAuditLog(ctx, cfg.Audit.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open audit trail, auditing disabled")
		} else {
			audit.Subscribe(eventBus)
			healthMgr.SetAuditPruner(audit, cfg.Audit.Retention())
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.MQTT, eventBus, engine)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// The console's quit command arrives as a shutdown event.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe("main.shutdown", func(_ context.Context, e events.Event) error {
		if e.Source == "cli" {
			select {
			case quitCh <- struct{}{}:
			default:
			}
		}
		return nil
	}, events.EventShutdown)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting engine")
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("endpoint", transport.LocalAddr().String()).Msg("starting UDP receive loop")
		if err := transport.Serve(ctx, engine); err != nil {
			errCh <- fmt.Errorf("udp transport: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg.API, cfg.Logging.Level, engine, metricsHandler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting admin API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// The console blocks on stdin, so it is not part of the wait group.
	if !*noConsole {
		console := cli.NewServerConsole(os.Stdin, os.Stdout, engine, eventBus)
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	transport.Close()

	// Stop the event bus last so the audit trail sees the shutdown event.
	eventBus.Stop()
	if audit != nil {
		audit.Close()
	}

	log.Info().Msg("chat server stopped")
}

// listenWithRetry binds the UDP socket, retrying while a previous instance
// still holds the port.
func listenWithRetry(ctx context.Context, address string, opts network.Options, maxRetries int) (*network.UDPTransport, error) {
	var transport *network.UDPTransport
	err := startWithRetry(ctx, "UDP socket", func(ctx context.Context) error {
		t, err := network.Listen(ctx, address, opts)
		if err != nil {
			return err
		}
		transport = t
		return nil
	}, maxRetries)
	return transport, err
}

// startWithRetry attempts to start a listener/server with retry on bind errors,
// waiting 3 seconds between attempts. Returns the last error after all
// retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
