package pubsub

import "context"

type Publisher interface {
	// Publish topic to message broker with payload.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Topics for the upward event surface. The desktop/web layers subscribe to
// these; nothing in this process consumes its own terminal events.

const ProviderStatusTopic = "provider.status"

func TerminalCreatedTopic(sessionID string) string {
	return "terminal.created." + sessionID
}

func TerminalOutputTopic(sessionID string) string {
	return "terminal.output." + sessionID
}

func TerminalExitTopic(sessionID string) string {
	return "terminal.exit." + sessionID
}
