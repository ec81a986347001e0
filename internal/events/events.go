package events

import "context"

// Streams
const (
	StreamWallet = "events:wallet"
)

// Event types
const (
	EventWalletBalanceChanged = "wallet_balance_changed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// UserID returns the "user_id" payload field, which addresses the event to
// one master user.
func (e Event) UserID() string {
	s, _ := e.Payload["user_id"].(string)
	return s
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
