package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/mail-dispatch/config"
	"github.com/jwalitptl/mail-dispatch/internal/broker"
	"github.com/jwalitptl/mail-dispatch/internal/consumer"
	"github.com/jwalitptl/mail-dispatch/internal/idempotency"
	"github.com/jwalitptl/mail-dispatch/internal/renderer"
	"github.com/jwalitptl/mail-dispatch/internal/sender"
	"github.com/jwalitptl/mail-dispatch/pkg/crypto"
	"github.com/jwalitptl/mail-dispatch/pkg/logger"
	"github.com/jwalitptl/mail-dispatch/pkg/metrics"
)

func main() {
	log := logger.NewLogger(&logger.Config{Level: zerolog.InfoLevel})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err, "failed to load config")
	}

	if len(cfg.Encryption.Secret) != 32 {
		log.Warn("encryption secret is not exactly 32 bytes; it will be zero-padded or truncated")
	}

	cipher, err := crypto.NewPayloadCipher(cfg.Encryption.Secret, cfg.Encryption.KeyID)
	if err != nil {
		log.Fatal(err, "failed to initialize payload cipher")
	}

	store := buildIdempotencyStore(cfg, log)

	rend, err := renderer.NewHTMLRenderer(cfg.Templates.Dir)
	if err != nil {
		log.Fatal(err, "failed to load templates")
	}

	smtpSender := sender.NewSMTPSender(cfg.SMTP.ToSenderConfig(), log)

	topology := broker.NewTopology(cfg.Retry.ToTopologyConfig())

	// Publisher and consumer each own an independent broker connection.
	pubConn := broker.NewConnection(cfg.Broker.URL)
	defer pubConn.Close()
	consConn := broker.NewConnection(cfg.Broker.URL)
	defer consConn.Close()

	ch, err := consConn.Channel()
	if err != nil {
		log.Fatal(err, "failed to connect to broker")
	}
	if err := topology.Declare(ch); err != nil {
		// Mismatched redeclaration is configuration drift, not a runtime
		// condition to retry.
		log.Fatal(err, "failed to declare broker topology")
	}

	m := metrics.New("mail_dispatch")

	router := broker.NewPublisher(pubConn, topology, cipher, cfg.Broker.ToPublisherConfig(), log)
	cons := consumer.New(consConn, topology, store, cipher, rend, smtpSender, router, m, log, cfg.ToConsumerConfig())

	startHealthServer(cfg, m, smtpSender, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	log.Info("mail-dispatch worker started")
	if err := cons.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal(err, "consumer stopped")
	}
}

// buildIdempotencyStore prefers the shared Redis backend and falls back to
// the in-process store when Redis is unreachable at startup. The fallback
// loses cross-process dedup, so it is loud about it.
func buildIdempotencyStore(cfg *config.Config, log *logger.Logger) idempotency.Store {
	store, err := idempotency.NewRedisStore(cfg.Redis.URL, cfg.Redis.ToStoreConfig())
	if err != nil {
		log.Error(err, "redis unavailable, falling back to in-process idempotency store; duplicate sends are possible across instances")
		return idempotency.NewMemoryStore(cfg.Redis.ToStoreConfig())
	}
	log.Info("using redis idempotency store")
	return store
}

func startHealthServer(cfg *config.Config, m *metrics.Metrics, smtpSender sender.Sender, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := smtpSender.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.GetSnapshot())
	})
	mux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Worker.HealthPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error(err, "health server failed")
			os.Exit(1)
		}
	}()
}
