package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"attendance/internal/cache"
	"attendance/internal/session"
	"attendance/internal/store"
	"attendance/internal/swr"
	"attendance/pkg/models"
)

// fakeBackend answers from fields and records calls
type fakeBackend struct {
	mu       sync.Mutex
	events   []string
	boards   map[string][]models.LeaderboardItem
	titles   []models.TitleResult
	history  []models.HistoryItem
	answer   *models.CheckinResult
	err      error
	entered  chan struct{}
	block    chan struct{}
	checkins []models.CheckinRequest

	// history reads signal historyRead and wait on historyGate when set
	historyRead  chan struct{}
	historyGate  chan struct{}
	historyCalls int
}

func (f *fakeBackend) EventList(context.Context) ([]string, error) {
	return f.events, f.err
}

func (f *fakeBackend) Leaderboard(_ context.Context, event string) ([]models.LeaderboardItem, error) {
	return f.boards[event], f.err
}

func (f *fakeBackend) Rankings(context.Context, string) ([]models.TitleResult, error) {
	return f.titles, f.err
}

func (f *fakeBackend) UserHistory(context.Context, string) ([]models.HistoryItem, error) {
	f.mu.Lock()
	f.historyCalls++
	history := f.history
	read, gate := f.historyRead, f.historyGate
	f.mu.Unlock()

	if read != nil {
		read <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return history, f.err
}

func (f *fakeBackend) setHistory(history []models.HistoryItem) {
	f.mu.Lock()
	f.history = history
	f.mu.Unlock()
}

func (f *fakeBackend) CheckIn(_ context.Context, name, event string) (*models.CheckinResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.checkins = append(f.checkins, models.CheckinRequest{Name: name, Event: event})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.answer, nil
}

type fixture struct {
	service *Service
	backend *fakeBackend
	cache   *cache.ExpiringCache
	store   *store.MemoryStore
	session *session.Session
	clock   *clock.Mock
}

func setupService(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC))

	s := store.NewMemoryStore()
	c := cache.NewExpiringCache(s, logger, cache.WithClock(mock))
	sess := session.New(s, logger)
	backend := &fakeBackend{boards: map[string][]models.LeaderboardItem{}}

	svc := NewService(backend, swr.NewRevalidator(c, logger), sess, DefaultTTLConfig(), 3*time.Second, mock, logger)
	return &fixture{service: svc, backend: backend, cache: c, store: s, session: sess, clock: mock}
}

func TestService_EventsPrependsGlobal(t *testing.T) {
	f := setupService(t)
	f.backend.events = []string{"Garage", "Track Day"}

	final, ok := swr.Resolve(f.service.Events(context.Background()))
	require.True(t, ok)
	assert.Equal(t, []string{models.GlobalEvent, "Garage", "Track Day"}, final.Value)

	var cached []string
	assert.True(t, f.cache.Get(context.Background(), EventListKey, &cached))
	assert.Equal(t, final.Value, cached)
}

func TestService_EventListExpiresAfterAnHour(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.backend.events = []string{"Garage"}

	_, ok := swr.Resolve(f.service.Events(ctx))
	require.True(t, ok)

	f.clock.Add(59 * time.Minute)
	var cached []string
	assert.True(t, f.cache.Get(ctx, EventListKey, &cached))

	f.clock.Add(time.Minute)
	assert.False(t, f.cache.Get(ctx, EventListKey, &cached))
}

// Cached leaderboard is shown first, then replaced by the fresh one.
func TestService_LeaderboardCachedThenFresh(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, BoardKey(models.GlobalEvent), []models.LeaderboardItem{{Name: "Ana", Total: 3}}, time.Hour))
	f.backend.boards[models.GlobalEvent] = []models.LeaderboardItem{{Name: "Ana", Total: 4}}

	var totals []int
	for u := range f.service.Leaderboard(ctx, "") {
		totals = append(totals, u.Value[0].Total)
	}
	assert.Equal(t, []int{3, 4}, totals)
}

func TestService_HistoryOfflineKeepsCache(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	cached := []models.HistoryItem{{Checkin: "2026-03-01T18:00:00Z", Event: "Garage"}}
	require.NoError(t, f.cache.Set(ctx, HistoryKey("Ana"), cached, time.Hour))
	f.backend.err = errors.New("no route to host")

	final, ok := swr.Resolve(f.service.History(ctx, " Ana "))
	require.True(t, ok)
	assert.Equal(t, cached, final.Value)
	assert.True(t, final.Stale)
}

func TestService_Rankings(t *testing.T) {
	f := setupService(t)
	f.backend.titles = []models.TitleResult{{Title: "Ghost", Winner: "Marko"}}

	final, ok := swr.Resolve(f.service.Rankings(context.Background(), "Garage"))
	require.True(t, ok)
	assert.Equal(t, f.backend.titles, final.Value)

	var cached []models.TitleResult
	assert.True(t, f.cache.Get(context.Background(), RankingsKey("Garage"), &cached))
}

func TestService_Stats(t *testing.T) {
	f := setupService(t)
	out := "2026-03-01T20:30:00Z"
	f.backend.history = []models.HistoryItem{
		{Checkin: "2026-03-01T18:00:00Z", Checkout: &out, Event: "Garage"},
		{Checkin: "2026-03-02T18:00:00Z", Event: "Track Day"},
	}

	view, err := f.service.Stats(context.Background(), "Ana", "Garage")
	require.NoError(t, err)
	assert.Equal(t, "Garage", view.Event)
	assert.Equal(t, 1, view.Stats.TotalVisits)
	assert.Equal(t, 2, view.Stats.TotalHours)
	assert.Equal(t, 1, view.Visits.Current.Limit)
	assert.Equal(t, 5, view.Visits.Next.Limit)
	assert.Equal(t, swr.SourceNetwork, view.Source)

	view, err = f.service.Stats(context.Background(), "Ana", "")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Stats.TotalVisits)
}

func TestService_CheckInInvalidatesAffectedEntries(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)

	keys := []string{
		HistoryKey("Ana"),
		BoardKey(models.GlobalEvent),
		BoardKey("Garage"),
		RankingsKey(models.GlobalEvent),
		RankingsKey("Garage"),
	}
	untouched := []string{EventListKey, BoardKey("Track Day"), HistoryKey("Marko")}
	for _, k := range append(append([]string{}, keys...), untouched...) {
		require.NoError(t, f.cache.Set(ctx, k, []int{1}, time.Hour))
	}

	f.backend.answer = &models.CheckinResult{Outcome: models.OutcomeCheckedIn, Event: "Garage", Message: "Success"}
	result, err := f.service.CheckIn(ctx, " Garage ")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCheckedIn, result.Outcome)
	assert.Equal(t, []models.CheckinRequest{{Name: "Ana", Event: "Garage"}}, f.backend.checkins)

	var v []int
	for _, k := range keys {
		assert.False(t, f.cache.Get(ctx, k, &v), k)
	}
	for _, k := range untouched {
		assert.True(t, f.cache.Get(ctx, k, &v), k)
	}
}

// A history refresh started before a check-in must not answer the first read
// after it, nor be written back over the invalidated entry.
func TestService_CheckInSupersedesRefreshInFlight(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)
	f.backend.answer = &models.CheckinResult{Outcome: models.OutcomeCheckedIn, Event: "Cafe", Message: "Success"}
	f.backend.historyRead = make(chan struct{}, 4)
	f.backend.historyGate = make(chan struct{})

	before := f.service.History(ctx, "Ana")
	<-before
	<-f.backend.historyRead

	_, err = f.service.CheckIn(ctx, "Cafe")
	require.NoError(t, err)
	visit := []models.HistoryItem{{Checkin: "2026-03-14T18:00:00Z", Event: "Cafe"}}
	f.backend.setHistory(visit)

	after := f.service.History(ctx, "Ana")
	<-after
	<-f.backend.historyRead
	close(f.backend.historyGate)

	final, ok := swr.Resolve(after)
	require.True(t, ok)
	assert.Equal(t, swr.SourceNetwork, final.Source)
	assert.Equal(t, visit, final.Value)

	earlier, ok := swr.Resolve(before)
	require.True(t, ok)
	assert.Equal(t, visit, earlier.Value)

	var cached []models.HistoryItem
	require.True(t, f.cache.Get(ctx, HistoryKey("Ana"), &cached))
	assert.Equal(t, visit, cached)
}

func TestService_InvalidateSupersedesRefreshInFlight(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.backend.historyRead = make(chan struct{}, 4)
	f.backend.historyGate = make(chan struct{})

	before := f.service.History(ctx, "Marko")
	<-before
	<-f.backend.historyRead

	f.service.Invalidate(ctx, HistoryKey("Marko"))
	visit := []models.HistoryItem{{Checkin: "2026-03-14T18:00:00Z", Event: "Garage"}}
	f.backend.setHistory(visit)
	close(f.backend.historyGate)

	final, ok := swr.Resolve(before)
	require.True(t, ok)
	assert.Equal(t, visit, final.Value)
	assert.Equal(t, 2, f.backend.historyCalls)
}

func TestService_EmptyResultsAreLists(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.backend.err = errors.New("offline")

	events, ok := swr.Resolve(f.service.Events(ctx))
	require.True(t, ok)
	assert.Equal(t, []string{models.GlobalEvent}, events.Value)

	board, ok := swr.Resolve(f.service.Leaderboard(ctx, "Garage"))
	require.True(t, ok)
	assert.NotNil(t, board.Value)
	assert.Empty(t, board.Value)

	f.backend.err = nil
	titles, ok := swr.Resolve(f.service.Rankings(ctx, "Garage"))
	require.True(t, ok)
	assert.Equal(t, swr.SourceNetwork, titles.Source)
	assert.Equal(t, []models.TitleResult{}, titles.Value)
}

func TestService_CheckInInfoKeepsCache(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(ctx, HistoryKey("Ana"), []int{1}, time.Hour))

	f.backend.answer = &models.CheckinResult{Outcome: models.OutcomeInfo, Message: "Already checked in"}
	result, err := f.service.CheckIn(ctx, "Garage")
	require.NoError(t, err)
	assert.Equal(t, "Already checked in", result.Message)

	var v []int
	assert.True(t, f.cache.Get(ctx, HistoryKey("Ana"), &v))
}

func TestService_CheckInFailureIsReported(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(ctx, HistoryKey("Ana"), []int{1}, time.Hour))

	boom := errors.New("connection refused")
	f.backend.err = boom
	_, err = f.service.CheckIn(ctx, "Garage")
	assert.ErrorIs(t, err, boom)

	var v []int
	assert.True(t, f.cache.Get(ctx, HistoryKey("Ana"), &v))
}

func TestService_CheckInRequiresSession(t *testing.T) {
	f := setupService(t)

	_, err := f.service.CheckIn(context.Background(), "Garage")
	assert.ErrorIs(t, err, session.ErrNotRegistered)

	_, err = f.service.CheckIn(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyCode)
}

func TestService_CheckInCooldown(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)
	f.backend.answer = &models.CheckinResult{Outcome: models.OutcomeCheckedIn}

	_, err = f.service.CheckIn(ctx, "Garage")
	require.NoError(t, err)

	// the cooldown is global, a different code is ignored too
	f.clock.Add(2 * time.Second)
	_, err = f.service.CheckIn(ctx, "Track Day")
	assert.ErrorIs(t, err, ErrScanSuppressed)

	f.clock.Add(time.Second)
	_, err = f.service.CheckIn(ctx, "Garage")
	assert.NoError(t, err)

	assert.Len(t, f.backend.checkins, 2)
}

func TestService_CheckInWhileProcessing(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)
	f.backend.answer = &models.CheckinResult{Outcome: models.OutcomeCheckedIn}
	f.backend.entered = make(chan struct{}, 1)
	f.backend.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.service.CheckIn(ctx, "Garage")
		done <- err
	}()
	<-f.backend.entered

	_, err = f.service.CheckIn(ctx, "Track Day")
	assert.ErrorIs(t, err, ErrScanSuppressed)

	close(f.backend.block)
	assert.NoError(t, <-done)
}

func TestService_Warm(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	f.backend.events = []string{"Garage"}
	f.backend.boards[models.GlobalEvent] = []models.LeaderboardItem{{Name: "Ana", Total: 1}}
	f.backend.history = []models.HistoryItem{{Checkin: "2026-03-01T18:00:00Z", Event: "Garage"}}

	require.NoError(t, f.service.Warm(ctx, "Ana"))

	for _, k := range []string{EventListKey, BoardKey(models.GlobalEvent), HistoryKey("Ana")} {
		_, ok := f.cache.Raw(ctx, k)
		assert.True(t, ok, k)
	}
}

func TestService_WarmOffline(t *testing.T) {
	f := setupService(t)
	f.backend.err = errors.New("offline")

	assert.NoError(t, f.service.Warm(context.Background(), ""))
	assert.Zero(t, f.store.Len())
}

func TestService_FollowSession(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.backend.history = []models.HistoryItem{{Checkin: "2026-03-01T18:00:00Z", Event: "Garage"}}

	stop := f.service.FollowSession(ctx)
	defer stop()

	_, err := f.session.Register(ctx, "Ana")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := f.cache.Raw(ctx, HistoryKey("Ana"))
		return ok
	}, time.Second, 5*time.Millisecond)
}
