package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/flow"
	"github.com/papercomputeco/flowchat/pkg/logger"
)

// DefaultLockTTL bounds how long a replica that died while holding a session
// lock keeps others out. Lockers extend a held lock for as long as it is held.
const DefaultLockTTL = flow.DefaultTimeout + 30*time.Second

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager runs conversations for many sessions. Each session is processed by
// one caller at a time; different sessions proceed independently.
type Manager struct {
	store  Store
	sender flow.Sender

	mu    sync.Mutex
	locks map[string]*lockEntry

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int

	locker   DistributedLocker
	lockTTL  time.Duration
	recorder Recorder
	logger   *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker additionally takes a distributed lock around every session
// operation, for deployments with several replicas sharing one Store.
func WithLocker(locker DistributedLocker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = locker
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithRecorder records every completed exchange.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager that keeps state in store and answers through sender.
func NewManager(store Store, sender flow.Sender, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		sender:    sender,
		locks:     make(map[string]*lockEntry),
		listeners: make(map[int]Listener),
		lockTTL:   DefaultLockTTL,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers l for change notifications and returns a function that
// removes it again.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

// Get returns the current state of sessionID. Unknown sessions read as a new,
// empty conversation; nothing is stored until the first accepted input.
func (m *Manager) Get(ctx context.Context, sessionID string) (conversation.State, error) {
	var state conversation.State
	err := m.withLock(ctx, sessionID, func(ctx context.Context) error {
		var err error
		state, err = m.load(ctx, sessionID)
		return err
	})
	return state, err
}

// Send runs one full turn for sessionID: input becomes a user turn, the flow
// is called, and its reply (or failure message) becomes a bot turn. Blank
// input returns the unchanged state. Listeners are notified after each of
// the two transitions.
func (m *Manager) Send(ctx context.Context, sessionID, input string) (conversation.State, error) {
	var state conversation.State
	err := m.withLock(ctx, sessionID, func(ctx context.Context) error {
		var err error
		state, err = m.load(ctx, sessionID)
		if err != nil {
			return err
		}

		// A previous process may have stopped between the two transitions.
		if state.Stage == conversation.StageAwaitingBotResponse {
			m.logger.Info("resuming pending bot response", zap.String("session_id", sessionID))
			state, err = m.respond(ctx, sessionID, state)
			if err != nil {
				return err
			}
		}

		next, accepted := conversation.Submit(state, input)
		if !accepted {
			m.logger.Debug("ignoring blank input", zap.String("session_id", sessionID))
			return nil
		}

		m.logger.Debug("user turn accepted",
			zap.String("session_id", sessionID),
			zap.String("content_preview", logger.Truncate(input, 50)),
		)
		if err := m.commit(ctx, sessionID, next); err != nil {
			return err
		}

		state, err = m.respond(ctx, sessionID, next)
		return err
	})
	return state, err
}

// Reset discards the conversation for sessionID.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	return m.withLock(ctx, sessionID, func(ctx context.Context) error {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		m.notify(sessionID, conversation.New())
		return nil
	})
}

// List returns the IDs of all stored sessions.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

func (m *Manager) respond(ctx context.Context, sessionID string, state conversation.State) (conversation.State, error) {
	start := time.Now()
	next, err := conversation.Respond(ctx, state, m.sender)
	if err != nil {
		return state, err
	}

	m.logger.Info("bot turn appended",
		zap.String("session_id", sessionID),
		zap.Int("turns", len(next.Turns)),
		zap.Duration("duration", time.Since(start)),
	)
	if err := m.commit(ctx, sessionID, next); err != nil {
		return next, err
	}

	if m.recorder != nil {
		head, err := m.recorder.Record(ctx, sessionID, next.Turns)
		if err != nil {
			m.logger.Error("failed to record transcript", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			m.logger.Debug("transcript recorded",
				zap.String("session_id", sessionID),
				zap.String("head_hash", logger.Truncate(head, 16)),
			)
		}
	}

	return next, nil
}

func (m *Manager) commit(ctx context.Context, sessionID string, state conversation.State) error {
	if err := m.store.Save(ctx, sessionID, state); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	m.notify(sessionID, state)
	return nil
}

func (m *Manager) notify(sessionID string, state conversation.State) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()

	for _, l := range m.listeners {
		l(sessionID, state.Clone())
	}
}

func (m *Manager) load(ctx context.Context, sessionID string) (conversation.State, error) {
	state, err := m.store.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return conversation.New(), nil
	}
	if err != nil {
		return conversation.State{}, fmt.Errorf("failed to load session: %w", err)
	}
	if err := state.Validate(); err != nil {
		return conversation.State{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return state, nil
}

func (m *Manager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[sessionID]
	if !ok {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[sessionID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

func (m *Manager) withLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("failed to release distributed lock",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}()
	}

	return fn(ctx)
}
