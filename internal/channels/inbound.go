package channels

import (
	"context"
	"time"
)

// InboundMessage is one message received from an interactive channel.
type InboundMessage struct {
	Channel    string
	ChatID     string
	SenderID   string
	SenderName string
	IsGroup    bool
	Text       string
	ReceivedAt time.Time
}

// Origin returns the address replies to this message should go to.
func (m InboundMessage) Origin() Address {
	return Address{Channel: m.Channel, Recipient: m.ChatID}
}

// Handler consumes inbound messages.
type Handler func(ctx context.Context, msg InboundMessage)
