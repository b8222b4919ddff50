package channels

import (
	"fmt"
	"strings"
)

// Address is a logical delivery destination such as telegram:12345.
type Address struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient_id,omitempty"`
}

// ParseAddress parses "channel" or "channel:recipient". The recipient may
// itself contain colons.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	channel, recipient, _ := strings.Cut(raw, ":")
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return Address{}, fmt.Errorf("address %q has no channel", raw)
	}
	return Address{Channel: channel, Recipient: strings.TrimSpace(recipient)}, nil
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Channel == ""
}

func (a Address) String() string {
	if a.Recipient == "" {
		return a.Channel
	}
	return a.Channel + ":" + a.Recipient
}
