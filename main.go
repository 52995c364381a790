package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentarena/broker/internal/config"
	"agentarena/broker/internal/httpapi"
	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/protocol"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/relay"
	"agentarena/broker/internal/rounds"
	"agentarena/broker/internal/router"
	"agentarena/broker/internal/signing"
	"agentarena/broker/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.DatabaseURL, store.RetryPolicy{
		Attempts:   cfg.RetryAttempts,
		MinBackoff: cfg.RetryMinBackoff,
		MaxBackoff: cfg.RetryMaxBackoff,
	}, logger)
	if err != nil {
		logger.Fatal("store open failed", logging.Error(err))
	}

	signer, err := signing.NewSigner(cfg.SigningKeyHex)
	if err != nil {
		logger.Fatal("signer setup failed", logging.Error(err))
	}
	logger.Info("backend signing identity ready", logging.String("address", signer.Address()))

	reg := registry.NewRegistry(logger, registry.WithMaxClients(cfg.MaxClients))
	tracker := rounds.NewTracker()
	relayClient := relay.NewClient(cfg.RelayTimeout, relay.Policy{
		Attempts:   cfg.RetryAttempts,
		MinBackoff: cfg.RetryMinBackoff,
		MaxBackoff: cfg.RetryMaxBackoff,
	}, logger)

	transcripts := newTranscriptManager(cfg.TranscriptDir, logger, time.Now)

	rt := router.New(st, reg, tracker, signer, relayClient, cfg.SignatureWindow, logger,
		router.WithGameMasterWallet(cfg.GameMasterAddress),
		router.WithArchive(transcripts.Append),
		router.WithRoundHooks(transcripts.RoundStarted, transcripts.RoundEnded),
	)

	brokerOpts := []BrokerOption{
		WithMaxPayloadBytes(cfg.MaxPayloadBytes),
		WithAllowedOrigins(cfg.AllowedOrigins),
		WithPingInterval(cfg.HeartbeatInterval),
	}
	if cfg.WSSecret != "" {
		authenticator, err := newHMACWebsocketAuthenticator(cfg.WSSecret)
		if err != nil {
			logger.Fatal("websocket auth setup failed", logging.Error(err))
		}
		brokerOpts = append(brokerOpts, WithWebsocketAuthenticator(authenticator))
	}
	broker := NewBroker(rt, reg, logger, brokerOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := registry.NewMonitor(reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout,
		heartbeatProbe, broker.OnEvict, logger)
	go monitor.Run(ctx)

	sweeper := newReconciler(st, reg, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.ServeWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Router:       rt,
		Registry:     reg,
		Store:        st,
		Sequencer:    broker,
		AdminToken:   cfg.AdminToken,
		RoundLimiter: httpapi.NewWindowLimiter(time.Minute, 30, nil),
	})
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}
	go func() {
		logger.Info("broker listening", logging.String("url", listenerURL(cfg.Address)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", logging.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	broker.Close()
	transcripts.CloseAll()
	logger.Info("broker stopped")
}

// heartbeatProbe builds the liveness envelope pushed to every client.
func heartbeatProbe() []byte {
	content, _ := json.Marshal(protocol.HeartbeatContent{Timestamp: time.Now().UnixMilli()})
	payload, _ := json.Marshal(protocol.Envelope{
		MessageType: protocol.KindHeartbeat,
		Content:     content,
	})
	return payload
}
