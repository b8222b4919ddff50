package channels

import (
	"context"
	"sort"
	"strings"
	"sync"

	nerrors "neko/internal/errors"
	"neko/internal/logging"
)

// Deliverer sends text to a recipient on one channel.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, recipient, text string) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, recipient, text string) error {
	return f(ctx, recipient, text)
}

// Router maps channel names to deliverers. Deliveries are best effort:
// failures come back as DeliveryFailed and are never queued for retry.
type Router struct {
	mu         sync.RWMutex
	deliverers map[string]Deliverer
	logger     logging.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger logging.Logger) *Router {
	return &Router{
		deliverers: make(map[string]Deliverer),
		logger:     logging.OrNop(logger),
	}
}

// Register binds a channel name to a deliverer, replacing any previous one.
func (r *Router) Register(channel string, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverers[strings.ToLower(channel)] = d
}

// Unregister disables a channel.
func (r *Router) Unregister(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deliverers, strings.ToLower(channel))
}

// Channels lists registered channel names.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.deliverers))
	for name := range r.deliverers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver routes text to addr. Unknown channels and deliverer errors are
// logged and returned as DeliveryFailed.
func (r *Router) Deliver(ctx context.Context, addr Address, text string) error {
	if addr.IsZero() {
		return nerrors.New(nerrors.KindDeliveryFailed, "channels", "no destination")
	}
	r.mu.RLock()
	d, ok := r.deliverers[addr.Channel]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("Delivery to %s dropped: channel not enabled", addr)
		return nerrors.New(nerrors.KindDeliveryFailed, "channels", "channel %q is not enabled", addr.Channel)
	}
	if err := d.Deliver(ctx, addr.Recipient, text); err != nil {
		r.logger.Warn("Delivery to %s failed: %v", addr, err)
		return nerrors.Wrap(nerrors.KindDeliveryFailed, "channels: deliver to "+addr.String(), err)
	}
	r.logger.Debug("Delivered %d chars to %s", len(text), addr)
	return nil
}
