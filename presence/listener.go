// Package presence bridges playback alerts from a media server to a Discord
// rich presence session. One Listener runs per configured server and owns
// the full lifecycle: signing in, subscribing to the alert stream, deciding
// which alerts matter and pushing the resulting activity over IPC.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gregdel/pushover"

	"github.com/marquee-dev/marquee/config"
	"github.com/marquee-dev/marquee/discord"
	"github.com/marquee-dev/marquee/playback"
	"github.com/marquee-dev/marquee/plex"
	"github.com/marquee-dev/marquee/tmdb"
	"github.com/marquee-dev/marquee/utils"
)

const (
	defaultUpdateTimeout   = 30 * time.Second
	defaultConnectionCheck = 60 * time.Second
	defaultDisconnectGrace = 3 * time.Second
	defaultRetryDelay      = 10 * time.Second
	maximumIgnores         = 2

	// How many connect attempts fail in a row before someone gets paged
	connectFailureNoticeThreshold = 6
)

// MediaServer is the slice of a connected server the listener needs.
type MediaServer interface {
	Owned() bool
	FetchItem(ratingKey int) (plex.Item, error)
	Sessions() ([]plex.SessionEntry, error)
	Probe() error
	MediaURL(path string) string
}

// AlertSource is a started alert subscription that can be shut down.
type AlertSource interface {
	Stop()
}

// IPC is the local presence transport. All methods must be safe to call
// regardless of connection state.
type IPC interface {
	Connect() error
	Disconnect() error
	Connected() bool
	SetActivity(activity *discord.Activity) error
}

// PosterResolver looks up artwork for an item. Implementations must degrade
// to "" rather than fail.
type PosterResolver interface {
	PosterURL(guids []string, title string, year int, kind string, country string) string
}

// Session is everything established by one successful connect cycle. It is
// torn down wholesale on any reconnect.
type Session struct {
	Server    MediaServer
	Username  string
	Subscribe func(onAlert func(plex.Alert), onError func(error)) (AlertSource, error)
}

// Connector establishes a fresh session. The production implementation signs
// into plex.tv and connects to the configured server; tests substitute fakes.
type Connector func(ctx context.Context) (*Session, error)

type Listener struct {
	cfg     config.Server
	connect Connector
	ipc     IPC
	posters PosterResolver
	log     *slog.Logger

	// Optional collaborators. A nil playback system disables history
	// recording, a nil notifier disables failure notices.
	playback   playback.System
	notifier   *pushover.Pushover
	recipient  *pushover.Recipient
	httpClient *http.Client
	storageDir string

	// Timer intervals held as fields so tests can shrink them.
	retryDelay      time.Duration
	updateTimeout   time.Duration
	disconnectGrace time.Duration

	reconnectCh chan error

	// mu serializes alert handling, timer callbacks and teardown against
	// each other. Everything below is guarded by it.
	mu            sync.Mutex
	session       *Session
	alerts        AlertSource
	scheduler     *gocron.Scheduler
	listenForUser string

	lastState      string
	lastSessionKey int
	lastRatingKey  int
	ignoreCount    int

	updateTimer *time.Timer
	updateGen   int
	graceTimer  *time.Timer
	graceGen    int
}

// Options carries the optional collaborators for a Listener.
type Options struct {
	Playback   playback.System
	Pushover   *pushover.Pushover
	Recipient  *pushover.Recipient
	HTTPClient *http.Client
	StorageDir string
}

func NewListener(cfg config.Server, connect Connector, ipc IPC, posters PosterResolver, opts Options) *Listener {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = utils.NewHTTPClient()
	}
	return &Listener{
		cfg:             cfg,
		connect:         connect,
		ipc:             ipc,
		posters:         posters,
		log:             slog.With(slog.String("server", cfg.Name)),
		playback:        opts.Playback,
		notifier:        opts.Pushover,
		recipient:       opts.Recipient,
		httpClient:      httpClient,
		storageDir:      opts.StorageDir,
		retryDelay:      defaultRetryDelay,
		updateTimeout:   defaultUpdateTimeout,
		disconnectGrace: defaultDisconnectGrace,
		reconnectCh:     make(chan error, 1),
	}
}

// PlexConnector builds the production Connector: sign in with the account
// token, pick the configured server out of the account's resources and
// connect to it.
func PlexConnector(token string, cfg config.Server) Connector {
	return func(ctx context.Context) (*Session, error) {
		client := plex.NewClient(token)
		account, err := client.SignIn()
		if err != nil {
			return nil, fmt.Errorf("sign in: %w", err)
		}
		slog.Info("Signed in to Plex", slog.String("username", account.Username))
		resource, err := account.FindServer(cfg.Name)
		if err != nil {
			return nil, err
		}
		server, err := resource.Connect()
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", cfg.Name, err)
		}
		return &Session{
			Server:   server,
			Username: account.Username,
			Subscribe: func(onAlert func(plex.Alert), onError func(error)) (AlertSource, error) {
				listener := plex.NewAlertListener(server, onAlert, onError)
				if err := listener.Start(); err != nil {
					return nil, err
				}
				return listener, nil
			},
		}, nil
	}
}

// Run drives the listener until ctx is cancelled: connect, listen until the
// stream or liveness check reports a failure, tear down and start over.
// Connect failures retry on a fixed delay with no limit; this is a daemon
// expected to outlive server restarts.
func (l *Listener) Run(ctx context.Context) {
	failures := 0
	for {
		if err := l.connectOnce(); err != nil {
			failures++
			l.log.Error("Failed to connect to media server",
				slog.String("error", err.Error()),
				slog.Int("attempts", failures))
			if failures == connectFailureNoticeThreshold {
				l.sendFailureNotice(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.retryDelay):
			}
			continue
		}
		failures = 0

		select {
		case <-ctx.Done():
			l.Disconnect()
			return
		case err := <-l.reconnectCh:
			l.log.Error("Connection to media server lost", slog.String("error", err.Error()))
			l.teardown()
			l.log.Info("Reconnecting")
		}
	}
}

func (l *Listener) connectOnce() error {
	session, err := l.connect(context.Background())
	if err != nil {
		return err
	}

	listenForUser := l.cfg.ListenForUser
	if listenForUser == "" {
		listenForUser = session.Username
	}

	// The session handle has to be visible before the subscription opens:
	// streams can replay a notification the instant they come up, and the
	// handler drops alerts that arrive with no session in place.
	l.mu.Lock()
	l.session = session
	l.listenForUser = listenForUser
	l.mu.Unlock()

	alerts, err := session.Subscribe(l.tryHandleAlert, l.requestReconnect)
	if err != nil {
		l.mu.Lock()
		l.session = nil
		l.listenForUser = ""
		l.mu.Unlock()
		return fmt.Errorf("subscribe to alerts: %w", err)
	}

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.Every(defaultConnectionCheck).Do(l.connectionCheck)
	scheduler.StartAsync()

	l.mu.Lock()
	l.alerts = alerts
	l.scheduler = scheduler
	l.mu.Unlock()

	l.log.Info("Listening for alerts", slog.String("user", listenForUser))
	return nil
}

func (l *Listener) connectionCheck() {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return
	}
	l.log.Debug("Running periodic connection check")
	if err := session.Server.Probe(); err != nil {
		l.requestReconnect(err)
	}
}

// requestReconnect wakes the Run loop. Non-blocking: a reconnect already
// pending makes further requests redundant.
func (l *Listener) requestReconnect(err error) {
	select {
	case l.reconnectCh <- err:
	default:
	}
}

// teardown cancels all timers, drops presence and releases the session. The
// alert source and scheduler are stopped outside the mutex: stopping the
// alert source waits for its read loop, which may itself be blocked on the
// mutex inside an alert handler.
func (l *Listener) teardown() {
	l.mu.Lock()
	alerts := l.alerts
	scheduler := l.scheduler
	l.alerts = nil
	l.scheduler = nil
	l.session = nil
	l.listenForUser = ""
	l.ignoreCount = 0
	l.cancelGraceLocked()
	l.disconnectIPCLocked()
	l.mu.Unlock()

	if alerts != nil {
		alerts.Stop()
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	// Any error still queued came from the session that just went away;
	// acting on it would tear down the replacement session for nothing.
	select {
	case <-l.reconnectCh:
	default:
	}
}

// Disconnect is the explicit shutdown path: full teardown with no restart.
func (l *Listener) Disconnect() {
	l.teardown()
	l.log.Info("Stopped listening for alerts")
}

func (l *Listener) sendFailureNotice(err error) {
	if l.notifier == nil || l.recipient == nil {
		return
	}
	message := &pushover.Message{
		Message:   fmt.Sprintf("Repeatedly failing to reach %s: %s", l.cfg.Name, err),
		Title:     "Marquee can't connect to your media server",
		Timestamp: time.Now().Unix(),
	}
	if _, err := l.notifier.SendMessage(message, l.recipient); err != nil {
		l.log.Error("Failed to send connection failure notice", slog.String("error", err.Error()))
	}
}

// tryHandleAlert is the outermost alert boundary. A panic in handling is
// logged and drops presence, but the media server session stays up so the
// next alert can still be processed.
func (l *Listener) tryHandleAlert(alert plex.Alert) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Unexpected error in alert handler", slog.Any("panic", r))
			l.mu.Lock()
			l.disconnectIPCLocked()
			l.mu.Unlock()
		}
	}()
	l.handleAlert(alert)
}

func (l *Listener) handleAlert(alert plex.Alert) {
	if alert.Type != "playing" || len(alert.PlaySessionStateNotification) == 0 {
		return
	}
	notification := alert.PlaySessionStateNotification[0]
	l.log.Debug("Received alert",
		slog.String("state", notification.State),
		slog.String("session_key", notification.SessionKey),
		slog.String("rating_key", notification.RatingKey))

	sessionKey, err := notification.SessionKeyInt()
	if err != nil {
		l.log.Debug("Alert carried a malformed session key", slog.String("session_key", notification.SessionKey))
		return
	}
	ratingKey, err := notification.RatingKeyInt()
	if err != nil {
		l.log.Debug("Alert carried a malformed rating key", slog.String("rating_key", notification.RatingKey))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	session := l.session
	if session == nil {
		return
	}

	item, err := session.Server.FetchItem(ratingKey)
	if err != nil {
		l.log.Warn("Failed to fetch item for alert", slog.Int("rating_key", ratingKey), slog.String("error", err.Error()))
		return
	}
	kind := item.MediaKind()
	if _, ok := mediaKindActivityTypeMap[kind]; !ok {
		l.log.Debug("Unsupported media kind, ignoring", slog.String("kind", kind))
		return
	}

	libraryName := item.LibrarySectionTitle
	if libraryName == "" {
		libraryName = "ERROR"
	}
	if contains(l.cfg.BlacklistedLibraries, libraryName) {
		l.log.Debug("Library is blacklisted, ignoring", slog.String("library", libraryName))
		return
	}
	if len(l.cfg.WhitelistedLibraries) > 0 && !contains(l.cfg.WhitelistedLibraries, libraryName) {
		l.log.Debug("Library is not whitelisted, ignoring", slog.String("library", libraryName))
		return
	}

	state := notification.State
	switch l.evaluateAlertLocked(state, sessionKey, ratingKey) {
	case outcomeDebounce:
		l.log.Debug("Nothing changed, ignoring")
		return
	case outcomeGrace:
		l.log.Debug("Playback is winding down, arming grace period")
		return
	case outcomeIgnore:
		l.log.Debug("Alert from unknown session in an ignorable state, ignoring", slog.String("state", state))
		return
	}

	if session.Server.Owned() {
		if !l.sessionBelongsToUser(session.Server, notification.SessionKey) {
			return
		}
	}

	l.acceptAlertLocked(state, sessionKey, ratingKey)

	activity := l.buildActivity(session.Server, item, kind, state, notification.ViewOffset)

	if !l.ipc.Connected() {
		if err := l.ipc.Connect(); err != nil {
			l.log.Error("Failed to connect to Discord", slog.String("error", err.Error()))
		}
	}
	if l.ipc.Connected() {
		if err := l.ipc.SetActivity(activity); err != nil {
			l.log.Error("Failed to push activity to Discord", slog.String("error", err.Error()))
		}
	}

	if l.playback != nil {
		thumb := historyThumb(item)
		thumbURL := ""
		if thumb != "" {
			thumbURL = session.Server.MediaURL(thumb)
		}
		go l.recordPlayback(item, kind, state, notification.ViewOffset, thumbURL)
	}
}

// sessionBelongsToUser confirms an alert's session is owned by the listened
// for user. Only possible with owner access; any lookup oddity counts as a
// mismatch.
func (l *Listener) sessionBelongsToUser(server MediaServer, sessionKey string) bool {
	l.log.Debug("Searching sessions for session key", slog.String("session_key", sessionKey))
	sessions, err := server.Sessions()
	if err != nil {
		l.log.Warn("Failed to list sessions", slog.String("error", err.Error()))
		return false
	}
	if len(sessions) == 0 {
		l.log.Debug("Empty session list, ignoring")
		return false
	}
	for _, entry := range sessions {
		if entry.SessionKey != sessionKey {
			continue
		}
		if strings.EqualFold(entry.Username, l.listenForUser) {
			return true
		}
		l.log.Debug("Session belongs to a different user, ignoring",
			slog.String("username", entry.Username))
		return false
	}
	l.log.Debug("No matching session found, ignoring")
	return false
}

func contains(haystack []string, needle string) bool {
	for _, entry := range haystack {
		if entry == needle {
			return true
		}
	}
	return false
}

var _ MediaServer = (*plex.Server)(nil)
var _ IPC = (*discord.Client)(nil)
var _ PosterResolver = (*tmdb.Resolver)(nil)
