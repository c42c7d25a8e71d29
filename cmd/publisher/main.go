// Command publisher is a single-shot producer for smoke testing the
// dispatch topology without the producing services.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jwalitptl/mail-dispatch/config"
	"github.com/jwalitptl/mail-dispatch/internal/broker"
	"github.com/jwalitptl/mail-dispatch/internal/model"
	"github.com/jwalitptl/mail-dispatch/pkg/crypto"
	"github.com/jwalitptl/mail-dispatch/pkg/logger"
)

func main() {
	var (
		to        = flag.String("to", "", "comma-separated recipient addresses")
		cc        = flag.String("cc", "", "comma-separated cc addresses")
		subject   = flag.String("subject", "", "email subject")
		template  = flag.String("template", "", "template name")
		payload   = flag.String("payload", "{}", "template variables as JSON")
		eventType = flag.String("event-type", string(model.EventTypeSend), "event type")
		encrypt   = flag.Bool("encrypt", true, "encrypt the payload")
	)
	flag.Parse()

	log := logger.NewLogger(&logger.Config{Level: zerolog.InfoLevel, Pretty: true})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err, "failed to load config")
	}

	var vars map[string]interface{}
	if err := json.Unmarshal([]byte(*payload), &vars); err != nil {
		log.Fatal(err, "invalid payload JSON")
	}

	cipher, err := crypto.NewPayloadCipher(cfg.Encryption.Secret, cfg.Encryption.KeyID)
	if err != nil {
		log.Fatal(err, "failed to initialize payload cipher")
	}

	conn := broker.NewConnection(cfg.Broker.URL)
	defer conn.Close()

	topology := broker.NewTopology(cfg.Retry.ToTopologyConfig())
	ch, err := conn.Channel()
	if err != nil {
		log.Fatal(err, "failed to connect to broker")
	}
	if err := topology.Declare(ch); err != nil {
		log.Fatal(err, "failed to declare broker topology")
	}

	pub := broker.NewPublisher(conn, topology, cipher, cfg.Broker.ToPublisherConfig(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	messageID, err := pub.Publish(ctx, broker.PublishInput{
		To:            splitList(*to),
		CC:            splitList(*cc),
		Subject:       *subject,
		Template:      *template,
		Payload:       vars,
		EventType:     model.EventType(*eventType),
		SourceService: "publisher-cli",
		Encrypt:       *encrypt,
	})
	if err != nil {
		log.Fatal(err, "publish failed")
	}

	log.ZL.Info().Str("message_id", messageID).Msg("message published")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
