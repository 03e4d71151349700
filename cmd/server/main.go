package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/omochice/toy-secure-chat/internal/config"
	"github.com/omochice/toy-secure-chat/internal/logging"
	"github.com/omochice/toy-secure-chat/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	listen := flag.String("listen", "", "Address to listen on (e.g., :8888)")
	cert := flag.String("cert", "", "PEM certificate file")
	key := flag.String("key", "", "PEM private key file")
	uploads := flag.String("uploads", "", "Directory for received attachments")
	websocket := flag.Bool("websocket", false, "Also accept WebSocket upgrades on the same port")
	metricsAddr := flag.String("metrics", "", "Address for the Prometheus /metrics endpoint")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFile := flag.String("log-file", "", "Also write the log to this file, rolled daily")
	flag.Parse()

	cfg := config.DefaultServer()
	if *configPath != "" {
		loaded, err := config.LoadServer(*configPath)
		if err != nil {
			log := logging.New(logging.Options{App: "server"})
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		cfg = loaded
	}

	// Flags win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "cert":
			cfg.CertFile = *cert
		case "key":
			cfg.KeyFile = *key
		case "uploads":
			cfg.UploadDir = *uploads
		case "websocket":
			cfg.WebSocket = *websocket
		case "metrics":
			cfg.MetricsAddress = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-file":
			cfg.LogFile = *logFile
		}
	})

	logOpts := logging.Options{App: "server", Level: cfg.LogLevel}
	if cfg.LogFile != "" {
		file := logging.NewDailyFile(cfg.LogFile, cfg.LogMaxAgeDays)
		defer file.Close()
		logOpts.File = file
	}
	log := logging.New(logOpts)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, server.ErrServerStopped) {
			log.Fatal().Err(err).Msg("Server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		srv.Stop()
	}
}
