package plex

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	notificationsEndpoint = "/:/websockets/notifications"
	pingInterval          = 30 * time.Second
	readTimeout           = 60 * time.Second
	dialTimeout           = 10 * time.Second
)

// AlertListener consumes the server's websocket notification stream and
// invokes onAlert for each notification. It does not reconnect on its own:
// a read failure is reported once through onError and the listener stops,
// leaving recovery to the owner.
type AlertListener struct {
	server  *Server
	onAlert func(Alert)
	onError func(error)

	mu      sync.Mutex
	conn    *websocket.Conn
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewAlertListener(server *Server, onAlert func(Alert), onError func(error)) *AlertListener {
	return &AlertListener{
		server:  server,
		onAlert: onAlert,
		onError: onError,
		stop:    make(chan struct{}),
	}
}

// Start dials the notification endpoint and begins delivering alerts.
func (l *AlertListener) Start() error {
	wsURL, err := l.buildURL()
	if err != nil {
		return fmt.Errorf("failed to build notification url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  dialTimeout,
		EnableCompression: true,
	}
	conn, res, err := dialer.Dial(wsURL, nil)
	if res != nil {
		defer res.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.wg.Add(2)
	go l.listen()
	go l.pingLoop()

	return nil
}

// Stop tears down the stream and waits for delivery to finish. Safe to call
// more than once.
func (l *AlertListener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.stop)
	if l.conn != nil {
		l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *AlertListener) buildURL() (string, error) {
	parsed, err := url.Parse(l.server.BaseURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}
	query := url.Values{}
	query.Set("X-Plex-Token", l.server.Token)
	return fmt.Sprintf("%s://%s%s?%s", scheme, parsed.Host, notificationsEndpoint, query.Encode()), nil
}

func (l *AlertListener) listen() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stop:
				// Shutting down, not an error worth reporting
			default:
				if l.onError != nil {
					l.onError(err)
				}
			}
			return
		}

		var wrapper notificationWrapper
		if err := json.Unmarshal(message, &wrapper); err != nil {
			slog.Debug("Discarding unparseable notification", slog.String("error", err.Error()))
			continue
		}
		l.onAlert(wrapper.NotificationContainer)
	}
}

// pingLoop keeps the connection alive; Plex drops silent clients.
func (l *AlertListener) pingLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				slog.Debug("Notification stream ping failed", slog.String("error", err.Error()))
			}
		}
	}
}
