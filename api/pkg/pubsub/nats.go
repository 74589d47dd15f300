package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type Nats struct {
	conn *nats.Conn
}

var _ PubSub = &Nats{}

// NewInMemoryNats starts an embedded NATS server on a random localhost port
// and connects to it. Used both by the single-process deployment and by
// tests that assert on the event surface.
func NewInMemoryNats(storeDir string) (*Nats, error) {
	opts := &server.Options{
		Host:     "127.0.0.1",
		Port:     server.RANDOM_PORT,
		NoSigs:   true,
		StoreDir: storeDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("failed to start in-memory nats server")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Nats{conn: nc}, nil
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		err := handler(msg.Data)
		if err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}
