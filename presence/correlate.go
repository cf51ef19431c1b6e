package presence

import (
	"log/slog"
	"time"

	"github.com/marquee-dev/marquee/playback"
)

// outcome of correlating one alert against the tracked playback session.
type outcome int

const (
	// outcomeAccept propagates the alert into a fresh presence payload.
	outcomeAccept outcome = iota
	// outcomeDebounce keeps presence as-is for a repeated identical alert.
	outcomeDebounce
	// outcomeGrace defers a presence teardown briefly so a quick resume
	// can cancel it.
	outcomeGrace
	// outcomeIgnore drops the alert without touching any state.
	outcomeIgnore
)

// evaluateAlertLocked applies the debounce and teardown policy for an alert
// that already passed type, kind and library filtering. Caller holds l.mu.
func (l *Listener) evaluateAlertLocked(state string, sessionKey, ratingKey int) outcome {
	ignorable := state == "stopped" || (state == "paused" && !l.cfg.Display.Paused)

	if l.lastSessionKey == sessionKey && l.lastRatingKey == ratingKey {
		l.cancelUpdateTimeoutLocked()
		if l.lastState == state && l.ignoreCount < maximumIgnores {
			l.ignoreCount++
			l.armUpdateTimeoutLocked()
			return outcomeDebounce
		}
		l.ignoreCount = 0
		if ignorable {
			l.armGraceLocked()
			return outcomeGrace
		}
		return outcomeAccept
	}

	if ignorable {
		// A session we never tracked is already ending, nothing to show
		return outcomeIgnore
	}
	return outcomeAccept
}

// acceptAlertLocked records the alert as the tracked playback and rearms the
// idle watchdog. Caller holds l.mu.
func (l *Listener) acceptAlertLocked(state string, sessionKey, ratingKey int) {
	l.cancelUpdateTimeoutLocked()
	l.armUpdateTimeoutLocked()
	l.cancelGraceLocked()
	l.lastState, l.lastSessionKey, l.lastRatingKey = state, sessionKey, ratingKey
}

// disconnectIPCLocked drops the shown presence and clears tracked playback
// while leaving the media server session alone. An IPC disconnect failure is
// swallowed: worst case a stale status lingers until Discord notices.
// Caller holds l.mu.
func (l *Listener) disconnectIPCLocked() {
	tracked := l.lastSessionKey != 0
	l.lastState, l.lastSessionKey, l.lastRatingKey = "", 0, 0
	l.cancelUpdateTimeoutLocked()
	if l.ipc.Connected() {
		if err := l.ipc.Disconnect(); err != nil {
			l.log.Debug("Failed to disconnect from Discord", slog.String("error", err.Error()))
		}
	}
	if tracked && l.playback != nil {
		// Off the mutex: the store takes its own locks and may block on IO
		go func() {
			if err := l.playback.DeactivateBySource(playback.SourcePlex); err != nil {
				l.log.Warn("Failed to retire active playback history", slog.String("error", err.Error()))
			}
		}()
	}
}

// Timers carry a generation number checked under the mutex when they fire,
// so a cancelled or superseded timer can never act on newer state.

func (l *Listener) armUpdateTimeoutLocked() {
	l.updateGen++
	gen := l.updateGen
	l.updateTimer = time.AfterFunc(l.updateTimeout, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if gen != l.updateGen {
			return
		}
		l.log.Debug("No recent updates from tracked session", slog.Int("session_key", l.lastSessionKey))
		l.disconnectIPCLocked()
	})
}

func (l *Listener) cancelUpdateTimeoutLocked() {
	l.updateGen++
	if l.updateTimer != nil {
		l.updateTimer.Stop()
		l.updateTimer = nil
	}
}

func (l *Listener) armGraceLocked() {
	l.cancelGraceLocked()
	gen := l.graceGen
	l.graceTimer = time.AfterFunc(l.disconnectGrace, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if gen != l.graceGen {
			return
		}
		l.disconnectIPCLocked()
	})
}

func (l *Listener) cancelGraceLocked() {
	l.graceGen++
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}
