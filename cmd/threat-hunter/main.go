package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/config"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/hunter"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/server"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/tools"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/version"
	"github.com/kirisame1188/wazuh-threat-hunter/pkg/wazuh"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(log, cfg)
	log.WithField("version", version.Version).Info("Starting threat hunter")

	client := wazuh.NewClient(wazuh.Config{
		BaseURL:            cfg.Wazuh.URL,
		Username:           cfg.Wazuh.Username,
		Password:           cfg.Wazuh.Password,
		Timeout:            cfg.Wazuh.Timeout,
		TokenTTL:           cfg.Wazuh.TokenTTL,
		InsecureSkipVerify: cfg.Wazuh.InsecureSkipVerify,
	}, log)

	svc := tools.NewService(client, log)
	registry := tools.NewRegistry(svc, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pub hunter.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("threat-hunter"))
		if err != nil {
			log.WithError(err).Warn("NATS unavailable, alerts will only be logged")
		} else {
			defer nc.Close()
			pub = nc
			log.WithField("subject", cfg.NATS.Subject).Info("Publishing high-severity alerts to NATS")
		}
	}

	if cfg.Hunt.Enabled {
		h := hunter.New(hunter.Config{
			Interval:          cfg.Hunt.Interval,
			WindowMinutes:     cfg.Hunt.WindowMinutes,
			SeverityThreshold: cfg.Hunt.SeverityThreshold,
			Subject:           cfg.NATS.Subject,
		}, svc, pub, log)
		go h.Run(ctx)
	}

	if cfg.File != "" {
		go func() {
			err := config.Watch(ctx, cfg.File, log, func() {
				reloaded, err := config.Load()
				if err != nil {
					log.WithError(err).Warn("Config reload failed, keeping previous credentials")
					return
				}
				client.SetCredentials(reloaded.Wazuh.Username, reloaded.Wazuh.Password)
			})
			if err != nil {
				log.WithError(err).Warn("Config watcher stopped")
			}
		}()
	}

	srv := server.New(cfg.HTTP.Addr, registry, svc, client, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down threat hunter")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func configureLogger(log *logrus.Logger, cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Log.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	}
}
