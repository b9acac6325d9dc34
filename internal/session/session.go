package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"attendance/internal/store"
)

// UserNameKey is the store key the registered name is persisted under
const UserNameKey = "user_name"

const minNameLength = 2

var (
	ErrNotRegistered = errors.New("no user registered")
	ErrInvalidName   = errors.New("name must be at least 2 characters")
)

// Listener is called with the new name after every change.
// An empty name means the session was cleared.
type Listener func(name string)

// Session is the process-wide holder of the current user name
type Session struct {
	store  store.Store
	logger *zap.Logger

	mu        sync.RWMutex
	name      string
	listeners map[int]Listener
	nextID    int
}

// New creates an empty Session. Call Load to restore a persisted name.
func New(s store.Store, logger *zap.Logger) *Session {
	return &Session{
		store:     s,
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Load restores the persisted name, if any
func (s *Session) Load(ctx context.Context) error {
	name, ok, err := s.store.GetItem(ctx, UserNameKey)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if !ok {
		return nil
	}

	s.set(strings.TrimSpace(name))
	s.logger.Info("session restored", zap.String("name", name))
	return nil
}

// Name returns the registered name, or "" when nobody is registered
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Require returns the registered name or ErrNotRegistered
func (s *Session) Require() (string, error) {
	name := s.Name()
	if name == "" {
		return "", ErrNotRegistered
	}
	return name, nil
}

// Register validates, persists and publishes a new name
func (s *Session) Register(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) < minNameLength {
		return "", ErrInvalidName
	}

	if err := s.store.SetItem(ctx, UserNameKey, name); err != nil {
		return "", fmt.Errorf("failed to save user: %w", err)
	}

	s.set(name)
	s.logger.Info("user registered", zap.String("name", name))
	return name, nil
}

// Clear forgets the registered name
func (s *Session) Clear(ctx context.Context) error {
	if err := s.store.RemoveItem(ctx, UserNameKey); err != nil {
		return fmt.Errorf("failed to clear user: %w", err)
	}
	s.set("")
	return nil
}

// Subscribe registers fn for name changes and returns a function that
// unregisters it
func (s *Session) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) set(name string) {
	s.mu.Lock()
	if s.name == name {
		s.mu.Unlock()
		return
	}
	s.name = name
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(name)
	}
}
