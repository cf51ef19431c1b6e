package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marquee-dev/marquee/config"
	"github.com/marquee-dev/marquee/discord"
	"github.com/marquee-dev/marquee/playback"
	"github.com/marquee-dev/marquee/plex"
)

type fakeServer struct {
	owned       bool
	items       map[int]plex.Item
	sessions    []plex.SessionEntry
	sessionsErr error
	probeErr    error
}

func (f *fakeServer) Owned() bool { return f.owned }

func (f *fakeServer) FetchItem(ratingKey int) (plex.Item, error) {
	if item, ok := f.items[ratingKey]; ok {
		return item, nil
	}
	return plex.Item{}, fmt.Errorf("item %d not found", ratingKey)
}

func (f *fakeServer) Sessions() ([]plex.SessionEntry, error) {
	return f.sessions, f.sessionsErr
}

func (f *fakeServer) Probe() error { return f.probeErr }

func (f *fakeServer) MediaURL(path string) string {
	return "https://plex.test" + path + "?X-Plex-Token=abc123"
}

type fakeIPC struct {
	mu          sync.Mutex
	connected   bool
	activities  []*discord.Activity
	disconnects int
}

func (f *fakeIPC) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeIPC) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeIPC) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeIPC) SetActivity(activity *discord.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, activity)
	return nil
}

func (f *fakeIPC) activityCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activities)
}

func (f *fakeIPC) lastActivity() *discord.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.activities) == 0 {
		return nil
	}
	return f.activities[len(f.activities)-1]
}

type fakePosters struct {
	url string
}

func (f *fakePosters) PosterURL(guids []string, title string, year int, kind string, country string) string {
	return f.url
}

type fakeAlerts struct {
	mu      sync.Mutex
	stopped int
	onStop  func()
}

func (f *fakeAlerts) Stop() {
	f.mu.Lock()
	f.stopped++
	hook := f.onStop
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeAlerts) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakePlayback struct {
	mu          sync.Mutex
	updates     []playback.Update
	deactivated []string
}

func (f *fakePlayback) UpdatePlaybackState(update playback.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakePlayback) RefreshCurrentPlayback() error { return nil }

func (f *fakePlayback) GetActivePlayback() ([]playback.FullPlaybackEntry, error) {
	return nil, nil
}

func (f *fakePlayback) DeactivateBySource(source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, source)
	return nil
}

func (f *fakePlayback) GetHistory(limit int) ([]playback.FullPlaybackEntry, error) {
	return nil, nil
}

func (f *fakePlayback) deactivations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deactivated...)
}

// newTestListener wires a listener to an already-established fake session,
// bypassing the connect cycle.
func newTestListener(cfg config.Server, server *fakeServer) (*Listener, *fakeIPC) {
	ipc := &fakeIPC{}
	l := NewListener(cfg, nil, ipc, &fakePosters{}, Options{})
	l.session = &Session{Server: server, Username: "sparrow"}
	l.listenForUser = "sparrow"
	return l, ipc
}

func playingAlert(state, sessionKey, ratingKey string, viewOffset int64) plex.Alert {
	return plex.Alert{
		Type: "playing",
		PlaySessionStateNotification: []plex.StateNotification{
			{State: state, SessionKey: sessionKey, RatingKey: ratingKey, ViewOffset: viewOffset},
		},
	}
}

func movieItem() plex.Item {
	return plex.Item{
		RatingKey:           "12345",
		Key:                 "/library/metadata/12345",
		Type:                "movie",
		Title:               "The Shawshank Redemption",
		LibrarySectionTitle: "Movies",
		Duration:            8520000,
		Year:                1994,
		Thumb:               "/library/metadata/12345/thumb/1",
		Genre:               []plex.Tag{{Tag: "Drama"}, {Tag: "Crime"}},
		Guid:                []plex.GUID{{ID: "imdb://tt0111161"}, {ID: "tmdb://278"}},
	}
}

func TestRun_RetriesOnConnectFailure(t *testing.T) {
	t.Parallel()
	attempts := make(chan int, 10)
	count := 0
	connected := make(chan struct{})

	connect := func(ctx context.Context) (*Session, error) {
		count++
		attempts <- count
		if count < 3 {
			return nil, fmt.Errorf("server not found")
		}
		close(connected)
		return &Session{
			Server:   &fakeServer{},
			Username: "sparrow",
			Subscribe: func(onAlert func(plex.Alert), onError func(error)) (AlertSource, error) {
				return &fakeAlerts{}, nil
			},
		}, nil
	}

	l := NewListener(config.Server{Name: "Halcyon"}, connect, &fakeIPC{}, &fakePosters{}, Options{})
	l.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener to connect")
	}
	assert.GreaterOrEqual(t, count, 3)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener to shut down")
	}
}

func TestRun_ReconnectsOnStreamError(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerts{}
	var mu sync.Mutex
	var streamErr func(error)
	connects := make(chan struct{}, 10)

	connect := func(ctx context.Context) (*Session, error) {
		connects <- struct{}{}
		return &Session{
			Server:   &fakeServer{},
			Username: "sparrow",
			Subscribe: func(onAlert func(plex.Alert), onError func(error)) (AlertSource, error) {
				mu.Lock()
				streamErr = onError
				mu.Unlock()
				return alerts, nil
			},
		}, nil
	}

	l := NewListener(config.Server{Name: "Halcyon"}, connect, &fakeIPC{}, &fakePosters{}, Options{})
	l.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first connect")
	}

	mu.Lock()
	streamErr(fmt.Errorf("websocket closed"))
	mu.Unlock()

	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	assert.GreaterOrEqual(t, alerts.stopCount(), 1)
}

func TestRun_StaleStreamErrorDoesNotKillFreshSession(t *testing.T) {
	t.Parallel()
	alerts := &fakeAlerts{}
	connects := make(chan struct{}, 10)
	var mu sync.Mutex
	var streamErr func(error)

	connect := func(ctx context.Context) (*Session, error) {
		connects <- struct{}{}
		return &Session{
			Server:   &fakeServer{},
			Username: "sparrow",
			Subscribe: func(onAlert func(plex.Alert), onError func(error)) (AlertSource, error) {
				mu.Lock()
				streamErr = onError
				mu.Unlock()
				return alerts, nil
			},
		}, nil
	}

	l := NewListener(config.Server{Name: "Halcyon"}, connect, &fakeIPC{}, &fakePosters{}, Options{})
	l.retryDelay = time.Millisecond
	// A second failure from the same dying session lands mid-teardown
	alerts.onStop = func() { l.requestReconnect(fmt.Errorf("read tcp: connection reset")) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first connect")
	}

	mu.Lock()
	streamErr(fmt.Errorf("websocket closed"))
	mu.Unlock()

	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	select {
	case <-connects:
		t.Fatal("stale error from the torn down session triggered another reconnect")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, alerts.stopCount())
}

func TestConnectOnce_HandlesAlertDeliveredDuringSubscribe(t *testing.T) {
	t.Parallel()
	server := &fakeServer{items: map[int]plex.Item{12345: movieItem()}}
	ipc := &fakeIPC{}

	connect := func(ctx context.Context) (*Session, error) {
		return &Session{
			Server:   server,
			Username: "sparrow",
			Subscribe: func(onAlert func(plex.Alert), onError func(error)) (AlertSource, error) {
				// Streams can replay the current state the moment the
				// subscription opens, before Subscribe even returns
				onAlert(playingAlert("playing", "13", "12345", 600000))
				return &fakeAlerts{}, nil
			},
		}, nil
	}

	l := NewListener(config.Server{Name: "Halcyon", Display: config.DefaultDisplay()}, connect, ipc, &fakePosters{}, Options{})
	require.NoError(t, l.connectOnce())
	defer l.Disconnect()

	assert.Equal(t, 1, ipc.activityCount())
	assert.True(t, ipc.Connected())
}

func TestDisconnect_RetiresActiveHistory(t *testing.T) {
	t.Parallel()
	item := movieItem()
	item.Thumb = ""
	server := &fakeServer{items: map[int]plex.Item{12345: item}}
	l, ipc := newTestListener(config.Server{Name: "Halcyon", Display: config.DefaultDisplay()}, server)
	store := &fakePlayback{}
	l.playback = store

	l.tryHandleAlert(playingAlert("playing", "13", "12345", 600000))
	require.True(t, ipc.Connected())

	l.Disconnect()

	assert.False(t, ipc.Connected())
	assert.Eventually(t, func() bool {
		return len(store.deactivations()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{playback.SourcePlex}, store.deactivations())
}

func TestDisconnect_TearsEverythingDown(t *testing.T) {
	t.Parallel()
	server := &fakeServer{items: map[int]plex.Item{12345: movieItem()}}
	l, ipc := newTestListener(config.Server{Name: "Halcyon", Display: config.DefaultDisplay()}, server)
	alerts := &fakeAlerts{}
	l.alerts = alerts

	l.tryHandleAlert(playingAlert("playing", "13", "12345", 600000))
	require.Equal(t, 1, ipc.activityCount())
	require.True(t, ipc.Connected())

	l.Disconnect()

	assert.False(t, ipc.Connected())
	assert.Equal(t, 1, alerts.stopCount())
	assert.Nil(t, l.session)
	assert.Equal(t, 0, l.lastSessionKey)
}

func TestTryHandleAlert_RecoversFromPanic(t *testing.T) {
	t.Parallel()
	server := &fakeServer{items: map[int]plex.Item{12345: movieItem()}}
	display := config.DefaultDisplay()
	display.Posters.Enabled = true
	l, ipc := newTestListener(config.Server{Name: "Halcyon", Display: display}, server)

	l.tryHandleAlert(playingAlert("playing", "13", "12345", 600000))
	require.True(t, ipc.Connected())

	// A nil session inside an established listener is unreachable through
	// the public surface, so force a panic through the poster resolver
	l.posters = nil
	paused := playingAlert("playing", "14", "12345", 0)
	assert.NotPanics(t, func() { l.tryHandleAlert(paused) })
	assert.False(t, ipc.Connected())
}
