// Package notify describes system notifications: the surface that shows
// them, their channels and action sets, and stable per-item identifiers.
package notify

import (
	"context"
	"sync"
	"time"
	"unicode/utf16"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rtcore/notify")

type Channel string

const (
	ChannelTaskReminder Channel = "task-reminder"
	ChannelIncomingCall Channel = "incoming-call"
)

type Action struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

const (
	ActionAccept  = "accept"
	ActionLater   = "later"
	ActionDecline = "decline"
)

// ReminderActions is the action set attached to task reminders.
func ReminderActions() []Action {
	return []Action{{ID: ActionAccept, Title: "Accept"}, {ID: ActionLater, Title: "Later"}}
}

// CallActions is the action set attached to incoming calls.
func CallActions() []Action {
	return []Action{{ID: ActionAccept, Title: "Accept"}, {ID: ActionDecline, Title: "Decline"}}
}

type Notification struct {
	ID         int32             `json:"id"`
	Channel    Channel           `json:"channel"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Actions    []Action          `json:"actions"`
	FullScreen bool              `json:"fullScreen"`
	At         time.Time         `json:"at,omitempty"` // zero means now
	Data       map[string]string `json:"data,omitempty"`
}

// Surface is the host's notification system. Showing a notification whose ID
// is already displayed replaces it.
type Surface interface {
	Permitted() bool
	Show(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id int32) error
}

// StableID hashes an identifier to a notification slot. The same input always
// yields the same value; a zero hash maps to 1.
func StableID(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	if h == 0 {
		return 1
	}
	return h
}

// LogSurface records notifications in memory and logs them. Used when the
// host has no notification system attached.
type LogSurface struct {
	mu      sync.Mutex
	allowed bool
	shown   map[int32]Notification
}

func NewLogSurface(allowed bool) *LogSurface {
	return &LogSurface{allowed: allowed, shown: make(map[int32]Notification)}
}

func (s *LogSurface) Permitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed
}

func (s *LogSurface) SetPermitted(v bool) {
	s.mu.Lock()
	s.allowed = v
	s.mu.Unlock()
}

func (s *LogSurface) Show(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.shown[n.ID] = n
	s.mu.Unlock()
	log.Infof("NOTIFY [%d]: %s %q", n.ID, n.Channel, n.Title)
	return nil
}

func (s *LogSurface) Cancel(_ context.Context, id int32) error {
	s.mu.Lock()
	delete(s.shown, id)
	s.mu.Unlock()
	return nil
}

// Shown returns the notifications currently displayed.
func (s *LogSurface) Shown() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0, len(s.shown))
	for _, n := range s.shown {
		out = append(out, n)
	}
	return out
}
