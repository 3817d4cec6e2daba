// Package alerts implements the fixed side effects for inbound realtime
// messages: desktop-style notifications, audible cues, and prominent system
// alerts. Everything here is best-effort; a failing notifier or sound backend
// is logged at debug level and otherwise ignored so it can never break message
// dispatch.
package alerts

import (
	"log/slog"
	"sync/atomic"

	"github.com/bizlink/bizlink-realtime/internal/realtime"
)

// Notifier surfaces a transient notification to the user. The tag lets the
// backend collapse repeated notifications of the same kind.
type Notifier interface {
	Notify(title, body, tag string) error
}

// SoundPlayer plays a short audible cue. Variants: "chat", "info", "success",
// "warning", "error", "default".
type SoundPlayer interface {
	Play(variant string) error
}

// AlertFunc surfaces a prominent, blocking alert distinct from ordinary
// toasts (system maintenance announcements and the like).
type AlertFunc func(title, message string, severity realtime.Severity)

// FocusTracker records whether the application is currently foregrounded.
// The application shell flips it from its own lifecycle events.
type FocusTracker struct {
	foreground atomic.Bool
}

// NewFocusTracker starts foregrounded.
func NewFocusTracker() *FocusTracker {
	t := &FocusTracker{}
	t.foreground.Store(true)
	return t
}

// SetForeground records the current foreground state.
func (t *FocusTracker) SetForeground(v bool) { t.foreground.Store(v) }

// Foreground reports the current foreground state.
func (t *FocusTracker) Foreground() bool { return t.foreground.Load() }

// Alerts wires the fixed inbound side effects. It satisfies
// realtime.SideEffects.
type Alerts struct {
	notifier Notifier
	sounds   SoundPlayer
	focus    *FocusTracker
	alert    AlertFunc
	log      *slog.Logger
}

// New creates an Alerts with the given backends. Any of notifier, sounds, and
// alert may be nil to disable that effect; a nil focus tracker is treated as
// always foregrounded.
func New(notifier Notifier, sounds SoundPlayer, focus *FocusTracker, alert AlertFunc, log *slog.Logger) *Alerts {
	if log == nil {
		log = slog.Default()
	}
	return &Alerts{notifier: notifier, sounds: sounds, focus: focus, alert: alert, log: log}
}

// ChatMessageReceived surfaces a notification for an inbound chat message when
// the application is backgrounded, and always plays the chat cue.
func (a *Alerts) ChatMessageReceived(msg realtime.InboundChatMessage) {
	if !a.foregrounded() && a.notifier != nil {
		title := "New message"
		if msg.SenderName != "" {
			title = "New message from " + msg.SenderName
		}
		if err := a.notifier.Notify(title, msg.Message, "chat-message"); err != nil {
			a.log.Debug("chat notification suppressed", "err", err)
		}
	}
	a.play("chat")
}

// NotificationReceived surfaces a generic notification envelope and plays a
// cue keyed by its severity. Like chat messages, the pop is suppressed while
// the application is foregrounded; subscribers still see the payload either
// way.
func (a *Alerts) NotificationReceived(n realtime.Notification) {
	if !a.foregrounded() && a.notifier != nil {
		if err := a.notifier.Notify(n.Title, n.Message, "system-notification"); err != nil {
			a.log.Debug("notification suppressed", "err", err)
		}
	}
	a.play(string(n.Type))
}

// SystemAlert raises the prominent alert hook, distinct from transient toasts.
func (a *Alerts) SystemAlert(title, message string, severity realtime.Severity) {
	a.log.Warn("system alert", "title", title, "message", message, "severity", severity)
	if a.alert != nil {
		a.alert(title, message, severity)
	}
}

func (a *Alerts) foregrounded() bool {
	if a.focus == nil {
		return true
	}
	return a.focus.Foreground()
}

func (a *Alerts) play(variant string) {
	if a.sounds == nil {
		return
	}
	switch variant {
	case "chat", "success", "warning", "error":
	default:
		variant = "default"
	}
	if err := a.sounds.Play(variant); err != nil {
		// Audio backends commonly refuse playback; never an error condition.
		a.log.Debug("notification sound suppressed", "variant", variant, "err", err)
	}
}
