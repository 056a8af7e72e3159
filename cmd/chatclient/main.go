// chatclient is the console client of the group chat server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/groupchat/internal/cli"
	"github.com/energizer-project/groupchat/internal/client"
	"github.com/energizer-project/groupchat/internal/config"
	"github.com/energizer-project/groupchat/internal/network"
	"github.com/energizer-project/groupchat/internal/util"
)

const AppName = "chatclient"

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	host := flag.String("host", "", "server host (overrides config)")
	port := flag.Int("port", 0, "server port (overrides config)")
	username := flag.String("user", "", "connect with this username on start")
	flag.Parse()

	// The terminal belongs to the console; logs go to file only.
	logCfg := util.DefaultLogConfig(AppName)
	logCfg.Console = false
	if err := util.InitLogger(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	netCfg := cfg.GetNetwork()
	if *host != "" {
		netCfg.Host = *host
	}
	if *port != 0 {
		netCfg.Port = *port
	}
	cfg.SetNetwork(netCfg)

	logCfg.Level = cfg.Logging.Level
	logCfg.Directory = cfg.Logging.Directory
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	name := *username
	if name == "" {
		name = cfg.Client.Username
	}

	if err := run(cfg, name); err != nil {
		log.Error().Err(err).Msg("client stopped with error")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, username string) error {
	serverAddr, err := network.ResolveEndpoint(cfg.Endpoint())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := network.Listen(ctx, ":0", network.Options{})
	if err != nil {
		return err
	}
	defer transport.Close()

	console := cli.NewClientConsole(os.Stdin, os.Stdout)
	session := client.NewSession(client.Config{
		MaxUsernameLength: cfg.Server.MaxUsernameLength,
		RetryAttempts:     cfg.Client.RetryAttempts,
		RetryBase:         cfg.Client.RetryBase(),
		RetryMax:          cfg.Client.RetryMax(),
	}, transport, serverAddr, console)
	console.Attach(session)

	log.Info().
		Str("server", serverAddr.String()).
		Str("local", transport.LocalAddr().String()).
		Msg("client started")

	go transport.Serve(ctx, session)
	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("retransmission loop stopped")
		}
	}()

	if username != "" {
		if err := session.Connect(username); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- console.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-done:
		if session.State() != client.StateDisconnected {
			session.Disconnect()
		}
		// Give the disconnection request a moment to leave the socket.
		time.Sleep(100 * time.Millisecond)
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		if session.State() != client.StateDisconnected {
			session.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}
		return nil
	}
}
