// Package session tracks conversations per channel peer or group so that
// replies keep their context across messages and restarts.
package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/filestore"
	"neko/internal/jsonx"
	"neko/internal/logging"
)

const (
	metaFileName      = "sessions.json"
	defaultMaxHistory = 40
)

// ResetMode selects when a session starts over automatically.
type ResetMode string

const (
	ResetDaily ResetMode = "daily"
	ResetIdle  ResetMode = "idle"
	ResetBoth  ResetMode = "both"
	ResetNever ResetMode = "never"
)

// Config controls reset policy and transcript retention.
type Config struct {
	ResetMode   ResetMode
	ResetHour   int
	IdleMinutes int
	DMScope     DMScope
	// MaxHistory bounds the in-memory transcript replayed to the agent.
	MaxHistory int
}

// Session is the persisted metadata of one conversation.
type Session struct {
	ID             string           `json:"session_id"`
	Key            Key              `json:"key"`
	Origin         channels.Address `json:"origin"`
	DisplayName    string           `json:"display_name,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	TurnCount      int              `json:"turn_count"`
	LastResponseID string           `json:"last_response_id,omitempty"`
}

// Message is one transcript line.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Turn is one completed exchange to record.
type Turn struct {
	User       string
	Assistant  string
	ResponseID string
}

// Manager owns sessions.json and the per-session JSONL transcripts.
type Manager struct {
	dir    string
	cfg    Config
	meta   *filestore.Collection[Key, Session]
	locks  *filestore.PathLocks
	now    func() time.Time
	logger logging.Logger

	mu      sync.Mutex
	history map[string][]Message
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// NewManager creates a manager rooted at dir (usually <workspace>/sessions).
func NewManager(dir string, cfg Config, opts ...Option) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.ResetMode == "" {
		cfg.ResetMode = ResetNever
	}
	if cfg.DMScope == "" {
		cfg.DMScope = ScopeMain
	}
	m := &Manager{
		dir: dir,
		cfg: cfg,
		meta: filestore.NewCollection[Key, Session](filestore.CollectionConfig{
			FilePath: filepath.Join(dir, metaFileName),
			Perm:     0o644,
			Name:     "sessions",
		}),
		locks:   filestore.NewPathLocks(),
		now:     time.Now,
		logger:  logging.Nop(),
		history: make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scope returns the configured DM scope.
func (m *Manager) Scope() DMScope { return m.cfg.DMScope }

// Load restores sessions.json and the tail of each transcript.
func (m *Manager) Load(_ context.Context) error {
	if err := filestore.EnsureDir(m.dir); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	if err := m.meta.Load(); err != nil {
		return nerrors.Wrap(nerrors.KindCorrupted, "session: load", err)
	}
	loaded := m.meta.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range loaded {
		msgs, err := m.readTranscript(s.ID)
		if err != nil {
			m.logger.Warn("Session %s: transcript unreadable, starting empty: %v", s.ID, err)
			continue
		}
		m.history[s.ID] = msgs
	}
	m.logger.Info("Loaded %d session(s) from %s", len(loaded), m.dir)
	return nil
}

// Lock serializes turns within one session. Different sessions proceed in
// parallel.
func (m *Manager) Lock(key Key) (unlock func()) {
	return m.locks.Lock(filepath.Join(m.dir, "lock", fileSafe(key)))
}

// GetOrCreate returns the session for key, creating it on first use. The
// stored origin follows the latest inbound message.
func (m *Manager) GetOrCreate(_ context.Context, key Key, origin channels.Address, displayName string) (Session, error) {
	var out Session
	err := m.meta.Mutate(func(items map[Key]Session) error {
		if s, ok := items[key]; ok {
			if !origin.IsZero() {
				s.Origin = origin
			}
			if displayName != "" {
				s.DisplayName = displayName
			}
			items[key] = s
			out = s
			return nil
		}
		now := m.now()
		out = Session{
			ID:          ksuid.New().String(),
			Key:         key,
			Origin:      origin,
			DisplayName: displayName,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		items[key] = out
		m.logger.Info("Created session %s for %s", out.ID, key)
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// Get returns the session for key.
func (m *Manager) Get(key Key) (Session, bool) {
	return m.meta.Get(key)
}

// List returns every session, most recently active first.
func (m *Manager) List() []Session {
	snap := m.meta.Snapshot()
	out := make([]Session, 0, len(snap))
	for _, s := range snap {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// History returns a copy of the transcript tail for key.
func (m *Manager) History(key Key) []Message {
	s, ok := m.meta.Get(key)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.history[s.ID]...)
}

// ShouldReset applies the reset policy to s at the current time.
func (m *Manager) ShouldReset(s Session) bool {
	if s.TurnCount == 0 {
		return false
	}
	now := m.now()
	mode := m.cfg.ResetMode
	if (mode == ResetDaily || mode == ResetBoth) && s.UpdatedAt.Before(m.lastDailyBoundary(now)) {
		return true
	}
	if (mode == ResetIdle || mode == ResetBoth) && m.cfg.IdleMinutes > 0 {
		if now.Sub(s.UpdatedAt) >= time.Duration(m.cfg.IdleMinutes)*time.Minute {
			return true
		}
	}
	return false
}

// lastDailyBoundary is the most recent ResetHour:00 at or before now.
func (m *Manager) lastDailyBoundary(now time.Time) time.Time {
	b := time.Date(now.Year(), now.Month(), now.Day(), m.cfg.ResetHour, 0, 0, 0, now.Location())
	if b.After(now) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// CheckReset resets the session when the policy says so.
func (m *Manager) CheckReset(ctx context.Context, key Key) (bool, error) {
	s, ok := m.meta.Get(key)
	if !ok || !m.ShouldReset(s) {
		return false, nil
	}
	if _, err := m.Reset(ctx, key); err != nil {
		return false, err
	}
	m.logger.Info("Session %s auto-reset (%s)", key, m.cfg.ResetMode)
	return true, nil
}

// Reset starts key over under a fresh session id. The previous transcript
// stays on disk under the old id.
func (m *Manager) Reset(_ context.Context, key Key) (Session, error) {
	var (
		out   Session
		oldID string
	)
	err := m.meta.Mutate(func(items map[Key]Session) error {
		s, ok := items[key]
		if !ok {
			return nerrors.New(nerrors.KindNotFound, "session", "no session for %s", key)
		}
		oldID = s.ID
		s.ID = ksuid.New().String()
		s.UpdatedAt = m.now()
		s.TurnCount = 0
		s.LastResponseID = ""
		items[key] = s
		out = s
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	delete(m.history, oldID)
	m.mu.Unlock()
	return out, nil
}

// AppendTurn records a finished exchange: transcript lines first, then
// the updated metadata.
func (m *Manager) AppendTurn(_ context.Context, key Key, turn Turn) error {
	s, ok := m.meta.Get(key)
	if !ok {
		return nerrors.New(nerrors.KindNotFound, "session", "no session for %s", key)
	}
	now := m.now()
	msgs := []Message{
		{Role: "user", Content: turn.User, At: now},
		{Role: "assistant", Content: turn.Assistant, At: now},
	}

	path := m.transcriptPath(s.ID)
	unlock := m.locks.Lock(path)
	for _, msg := range msgs {
		data, err := jsonx.Marshal(msg)
		if err != nil {
			unlock()
			return fmt.Errorf("encode transcript line: %w", err)
		}
		if err := filestore.AppendLine(path, data); err != nil {
			unlock()
			return fmt.Errorf("append transcript: %w", err)
		}
	}
	unlock()

	m.mu.Lock()
	hist := append(m.history[s.ID], msgs...)
	if over := len(hist) - m.cfg.MaxHistory; over > 0 {
		hist = append([]Message(nil), hist[over:]...)
	}
	m.history[s.ID] = hist
	m.mu.Unlock()

	return m.meta.Mutate(func(items map[Key]Session) error {
		cur, ok := items[key]
		if !ok || cur.ID != s.ID {
			// Reset or deleted mid-turn; the transcript line is kept.
			return nil
		}
		cur.UpdatedAt = now
		cur.TurnCount++
		cur.LastResponseID = turn.ResponseID
		items[key] = cur
		return nil
	})
}

// Delete forgets key and removes its current transcript.
func (m *Manager) Delete(_ context.Context, key Key) error {
	var id string
	err := m.meta.Mutate(func(items map[Key]Session) error {
		s, ok := items[key]
		if !ok {
			return nerrors.New(nerrors.KindNotFound, "session", "no session for %s", key)
		}
		id = s.ID
		delete(items, key)
		return nil
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.history, id)
	m.mu.Unlock()
	if err := os.Remove(m.transcriptPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) transcriptPath(id string) string {
	return filepath.Join(m.dir, id+".jsonl")
}

func (m *Manager) readTranscript(id string) ([]Message, error) {
	data, err := filestore.ReadFileOrEmpty(m.transcriptPath(id))
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var msgs []Message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var msg Message
		if err := jsonx.Unmarshal(raw, &msg); err != nil {
			m.logger.Warn("Session %s: skipping transcript line %d: %v", id, line, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if over := len(msgs) - m.cfg.MaxHistory; over > 0 {
		msgs = msgs[over:]
	}
	return msgs, nil
}

func fileSafe(key Key) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(string(key))
}
