package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendance/internal/milestones"
	"attendance/internal/session"
	"attendance/internal/swr"
	"attendance/pkg/models"
)

var (
	// ErrScanSuppressed is returned for scans arriving while another one is
	// being processed or within the cooldown after it
	ErrScanSuppressed = errors.New("scan suppressed")
	// ErrEmptyCode is returned for blank event codes
	ErrEmptyCode = errors.New("event code is empty")
)

// Backend is the remote script endpoint
type Backend interface {
	EventList(ctx context.Context) ([]string, error)
	Leaderboard(ctx context.Context, event string) ([]models.LeaderboardItem, error)
	Rankings(ctx context.Context, event string) ([]models.TitleResult, error)
	UserHistory(ctx context.Context, name string) ([]models.HistoryItem, error)
	CheckIn(ctx context.Context, name, event string) (*models.CheckinResult, error)
}

// TTLConfig holds the lifetime of each cached resource
type TTLConfig struct {
	Events      time.Duration `mapstructure:"events_ttl"`
	Leaderboard time.Duration `mapstructure:"leaderboard_ttl"`
	History     time.Duration `mapstructure:"history_ttl"`
	Rankings    time.Duration `mapstructure:"rankings_ttl"`
}

// DefaultTTLConfig returns the default lifetimes
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Events:      60 * time.Minute,
		Leaderboard: 10 * time.Minute,
		History:     10 * time.Minute,
		Rankings:    30 * time.Minute,
	}
}

// Service is what screens consume: every read is stale-while-revalidate,
// check-ins invalidate what they change.
type Service struct {
	backend Backend
	swr     *swr.Revalidator
	session *session.Session
	ttl     TTLConfig
	guard   *scanGuard
	logger  *zap.Logger
}

// NewService wires a Service
func NewService(backend Backend, r *swr.Revalidator, sess *session.Session, ttl TTLConfig, cooldown time.Duration, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		backend: backend,
		swr:     r,
		session: sess,
		ttl:     ttl,
		guard:   newScanGuard(clk, cooldown),
		logger:  logger,
	}
}

// Session returns the process-wide session
func (s *Service) Session() *session.Session {
	return s.session
}

// Events streams the event list, global aggregate first
func (s *Service) Events(ctx context.Context) <-chan swr.Update[[]string] {
	fallback := []string{models.GlobalEvent}
	return swr.FetchOr(ctx, s.swr, EventListKey, s.ttl.Events, fallback, func(ctx context.Context) ([]string, error) {
		events, err := s.backend.EventList(ctx)
		if err != nil {
			return nil, err
		}
		return append([]string{models.GlobalEvent}, events...), nil
	})
}

// Leaderboard streams the leaderboard of event
func (s *Service) Leaderboard(ctx context.Context, event string) <-chan swr.Update[[]models.LeaderboardItem] {
	event = normalizeEvent(event)
	return swr.FetchOr(ctx, s.swr, BoardKey(event), s.ttl.Leaderboard, []models.LeaderboardItem{}, func(ctx context.Context) ([]models.LeaderboardItem, error) {
		board, err := s.backend.Leaderboard(ctx, event)
		return orEmpty(board), err
	})
}

// Rankings streams the titles awarded for event
func (s *Service) Rankings(ctx context.Context, event string) <-chan swr.Update[[]models.TitleResult] {
	event = normalizeEvent(event)
	return swr.FetchOr(ctx, s.swr, RankingsKey(event), s.ttl.Rankings, []models.TitleResult{}, func(ctx context.Context) ([]models.TitleResult, error) {
		titles, err := s.backend.Rankings(ctx, event)
		return orEmpty(titles), err
	})
}

// History streams the visits of name
func (s *Service) History(ctx context.Context, name string) <-chan swr.Update[[]models.HistoryItem] {
	name = strings.TrimSpace(name)
	return swr.FetchOr(ctx, s.swr, HistoryKey(name), s.ttl.History, []models.HistoryItem{}, func(ctx context.Context) ([]models.HistoryItem, error) {
		history, err := s.backend.UserHistory(ctx, name)
		return orEmpty(history), err
	})
}

// StatsView is the badge screen of a user for one event
type StatsView struct {
	Event  string           `json:"event"`
	Stats  milestones.Stats `json:"stats"`
	Visits milestones.Badge `json:"visits"`
	Time   milestones.Badge `json:"time"`
	Source swr.Source       `json:"source"`
	Stale  bool             `json:"stale"`
}

// Stats settles name's history and derives badge progress for event
func (s *Service) Stats(ctx context.Context, name, event string) (*StatsView, error) {
	event = normalizeEvent(event)

	update, ok := swr.Resolve(s.History(ctx, name))
	if !ok {
		return nil, ctx.Err()
	}

	stats := milestones.Compute(update.Value, event)
	return &StatsView{
		Event:  event,
		Stats:  stats,
		Visits: milestones.Progress(stats.TotalVisits, milestones.Visits),
		Time:   milestones.Progress(stats.TotalHours, milestones.Time),
		Source: update.Source,
		Stale:  update.Stale,
	}, nil
}

// Warm refreshes the event list, the global leaderboard and name's history
// in parallel. Refresh failures are already absorbed by the revalidator; only
// cancellation is reported.
func (s *Service) Warm(ctx context.Context, name string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, ok := swr.Resolve(s.Events(ctx))
		return settled(ctx, ok)
	})
	g.Go(func() error {
		_, ok := swr.Resolve(s.Leaderboard(ctx, models.GlobalEvent))
		return settled(ctx, ok)
	})
	if name = strings.TrimSpace(name); name != "" {
		g.Go(func() error {
			_, ok := swr.Resolve(s.History(ctx, name))
			return settled(ctx, ok)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("warmup interrupted: %w", err)
	}
	s.logger.Debug("caches warmed", zap.String("name", name))
	return nil
}

// FollowSession warms the caches of every newly registered user until stop
// is called
func (s *Service) FollowSession(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	unsubscribe := s.session.Subscribe(func(name string) {
		if name == "" {
			return
		}
		go func() {
			if err := s.Warm(ctx, name); err != nil {
				s.logger.Debug("session warmup skipped", zap.Error(err))
			}
		}()
	})

	return func() {
		unsubscribe()
		cancel()
	}
}

// CheckIn submits a scanned event code for the registered user.
// When the endpoint records a check-in or check-out, every cached resource
// the transition can change is invalidated. Failures are returned so the
// caller can ask the user to retry.
func (s *Service) CheckIn(ctx context.Context, code string) (*models.CheckinResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrEmptyCode
	}

	name, err := s.session.Require()
	if err != nil {
		return nil, err
	}

	if err := s.guard.acquire(); err != nil {
		s.logger.Debug("scan suppressed", zap.String("event", code))
		return nil, err
	}
	defer s.guard.release()

	result, err := s.backend.CheckIn(ctx, name, code)
	if err != nil {
		s.logger.Error("check-in failed", zap.Error(err), zap.String("name", name), zap.String("event", code))
		return nil, fmt.Errorf("check-in failed: %w", err)
	}

	if result.Changed() {
		s.Invalidate(ctx, affectedBy(name, code)...)
	}

	return result, nil
}

// Invalidate drops cached resources so the next read goes to the network,
// even when a refresh of them is already running
func (s *Service) Invalidate(ctx context.Context, keys ...string) {
	s.swr.Invalidate(ctx, keys...)
}

// normalizeEvent maps an empty selection to the global aggregate
func normalizeEvent(event string) string {
	event = strings.TrimSpace(event)
	if event == "" {
		return models.GlobalEvent
	}
	return event
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func settled(ctx context.Context, ok bool) error {
	if ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// scanGuard lets one scan through at a time and ignores scans for a
// cooldown after each submission
type scanGuard struct {
	mu         sync.Mutex
	clock      clock.Clock
	cooldown   time.Duration
	processing bool
	readyAt    time.Time
}

func newScanGuard(clk clock.Clock, cooldown time.Duration) *scanGuard {
	return &scanGuard{clock: clk, cooldown: cooldown}
}

func (g *scanGuard) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.processing || g.clock.Now().Before(g.readyAt) {
		return ErrScanSuppressed
	}
	g.processing = true
	return nil
}

func (g *scanGuard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.processing = false
	g.readyAt = g.clock.Now().Add(g.cooldown)
}
