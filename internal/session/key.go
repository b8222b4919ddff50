package session

import (
	"strings"

	"neko/internal/channels"
)

// Key identifies a conversation independent of its current session id.
type Key string

// MainKey is the shared direct-message session used by the CLI.
const MainKey Key = "neko:main"

// DMScope selects how direct messages map to sessions.
type DMScope string

const (
	// ScopeMain routes every direct message into MainKey.
	ScopeMain DMScope = "main"
	// ScopePerPeer gives each channel peer its own session.
	ScopePerPeer DMScope = "per-peer"
)

// DirectKey returns neko:<channel>:dm:<peer>.
func DirectKey(channel, peer string) Key {
	return Key("neko:" + channel + ":dm:" + peer)
}

// GroupKey returns neko:<channel>:group:<id>.
func GroupKey(channel, id string) Key {
	return Key("neko:" + channel + ":group:" + id)
}

// KeyFor resolves the session an inbound message belongs to.
func KeyFor(msg channels.InboundMessage, scope DMScope) Key {
	if msg.IsGroup && msg.ChatID != "" {
		return GroupKey(msg.Channel, msg.ChatID)
	}
	if scope == ScopePerPeer {
		peer := msg.SenderID
		if peer == "" {
			peer = msg.ChatID
		}
		return DirectKey(msg.Channel, peer)
	}
	return MainKey
}

func (k Key) String() string { return string(k) }

// Channel returns the channel segment, or "" for MainKey.
func (k Key) Channel() string {
	parts := strings.SplitN(string(k), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
