// Package gateway routes inbound channel messages through sessions and the
// agent, and sends replies back out through the channel router.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"neko/internal/agent"
	"neko/internal/async"
	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/logging"
	"neko/internal/memory"
	"neko/internal/session"
)

const resetReply = "Session reset. Starting fresh."

// Runner executes one agent turn.
type Runner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Deliverer sends a reply to a channel address.
type Deliverer interface {
	Deliver(ctx context.Context, addr channels.Address, text string) error
}

// Observer receives message outcomes and model usage.
type Observer interface {
	MessageStarted(channel string) func(outcome string)
	ObserveTokens(ctx context.Context, input, output int)
}

// Reply is the outcome of one handled message.
type Reply struct {
	SessionKey session.Key
	SessionID  string
	Text       string
	// Reset is true when the message was a /new or /reset command.
	Reset bool
}

// Gateway serializes turns per session. Messages to different sessions
// run concurrently.
type Gateway struct {
	sessions *session.Manager
	runner   Runner
	memory   *memory.Store
	out      Deliverer
	logger   logging.Logger
	observer Observer
	now      func() time.Time

	wg sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock injects the time source used for recall entries.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithObserver reports message outcomes to o.
func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observer = o
	}
}

// New creates a gateway. mem and out may be nil: recall is then skipped,
// and Dispatch only logs replies.
func New(sessions *session.Manager, runner Runner, mem *memory.Store, out Deliverer, logger logging.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		sessions: sessions,
		runner:   runner,
		memory:   mem,
		out:      out,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle runs msg through its session and returns the agent's reply.
func (g *Gateway) Handle(ctx context.Context, msg channels.InboundMessage) (*Reply, error) {
	if g.observer == nil {
		return g.handle(ctx, msg)
	}
	done := g.observer.MessageStarted(msg.Channel)
	reply, err := g.handle(ctx, msg)
	switch {
	case err != nil:
		done("error")
	case reply.Reset:
		done("reset")
	default:
		done("ok")
	}
	return reply, err
}

func (g *Gateway) handle(ctx context.Context, msg channels.InboundMessage) (*Reply, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nerrors.New(nerrors.KindInvalidArguments, "gateway", "empty message")
	}
	key := session.KeyFor(msg, g.sessions.Scope())

	unlock := g.sessions.Lock(key)
	defer unlock()

	origin := msg.Origin()
	sess, err := g.sessions.GetOrCreate(ctx, key, origin, msg.SenderName)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}

	if text == "/new" || text == "/reset" {
		fresh, err := g.sessions.Reset(ctx, key)
		if err != nil {
			return nil, err
		}
		g.logger.Info("Session %s reset by %s", key, firstNonEmpty(msg.SenderName, msg.SenderID, msg.Channel))
		return &Reply{SessionKey: key, SessionID: fresh.ID, Text: resetReply, Reset: true}, nil
	}

	if reset, err := g.sessions.CheckReset(ctx, key); err != nil {
		g.logger.Warn("Session %s: reset check failed: %v", key, err)
	} else if reset {
		sess, _ = g.sessions.Get(key)
	}

	result, err := g.runner.RunTurn(ctx, agent.TurnRequest{
		SessionKey: key.String(),
		Origin:     &origin,
		History:    g.sessions.History(key),
		Text:       text,
	})
	if err != nil {
		return nil, err
	}
	if g.observer != nil {
		g.observer.ObserveTokens(ctx, result.Usage.InputTokens, result.Usage.OutputTokens)
	}

	if err := g.sessions.AppendTurn(ctx, key, session.Turn{
		User:       text,
		Assistant:  result.Text,
		ResponseID: result.ResponseID,
	}); err != nil {
		g.logger.Warn("Session %s: transcript not saved: %v", key, err)
	}
	if g.memory != nil {
		if _, err := g.memory.AppendRecall(ctx, text, result.Text, g.now()); err != nil {
			g.logger.Warn("Recall entry not written: %v", err)
		}
	}

	return &Reply{SessionKey: key, SessionID: sess.ID, Text: result.Text}, nil
}

// Dispatch handles msg in the background and delivers the reply to its
// origin. It matches channels.Handler so pollers never block on the agent.
func (g *Gateway) Dispatch(ctx context.Context, msg channels.InboundMessage) {
	async.GoTracked(&g.wg, g.logger, "gateway:"+msg.Channel, func() {
		reply, err := g.Handle(ctx, msg)
		text := ""
		switch {
		case err != nil:
			g.logger.Error("Message from %s failed: %v", msg.Origin(), err)
			text = "Sorry, something went wrong: " + nerrors.FormatForLLM(err)
		case reply != nil:
			text = reply.Text
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		if g.out == nil {
			g.logger.Info("Reply to %s: %s", msg.Origin(), text)
			return
		}
		if err := g.out.Deliver(ctx, msg.Origin(), text); err != nil {
			g.logger.Warn("Reply to %s dropped: %v", msg.Origin(), err)
		}
	})
}

// Wait blocks until every dispatched message has been handled.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
