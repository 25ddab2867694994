// Package bridge exposes the core to the host UI: a WebSocket event stream
// for everything the UI must present, and a small JSON API for user actions
// and app lifecycle.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtcore/internal/incoming"
	"github.com/petervdpas/rtcore/internal/notify"
	"github.com/petervdpas/rtcore/internal/reminder"
)

var log = logging.Logger("rtcore/bridge")

// Event types pushed on /api/events.
const (
	EvHello              = "hello"
	EvIncomingCall       = "incoming-call"
	EvIncomingDismissed  = "incoming-call-dismissed"
	EvOpenCall           = "open-call"
	EvReminder           = "reminder"
	EvVibrate            = "vibrate"
	EvWakeLock           = "wake-lock"
	EvNotification       = "notification"
	EvNotificationCancel = "notification-cancel"
	EvChatMessage        = "chat-message"
	EvTyping             = "typing"
	EvMemberJoined       = "member-joined"
	EvMemberLeft         = "member-left"
	EvCallRemote         = "call-remote"
	EvCallRemoteLeft     = "call-remote-left"
	EvCallState          = "call-state"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The host UI connects from a webview on localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected UI clients and stands in for the host UI
// on the core side: it presents incoming calls, navigates, vibrates, holds
// the wake lock and shows system notifications, all by emitting events.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	route   string

	permitted atomic.Bool
	wakeHeld  atomic.Bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast sends one event to every client. Slow clients drop events rather
// than stall the core.
func (h *Hub) Broadcast(typ string, data any) {
	b, err := json.Marshal(Event{Type: typ, Data: data})
	if err != nil {
		log.Warnf("BRIDGE: encode %s: %v", typ, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			log.Debugf("BRIDGE: client slow, dropped %s", typ)
		}
	}
}

// Clients returns the number of connected UI clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("BRIDGE: websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	hello, _ := json.Marshal(Event{Type: EvHello, Data: map[string]any{
		"route":         h.CurrentRoute(),
		"notifications": h.Permitted(),
	}})
	c.send <- hello

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Infof("BRIDGE: UI client connected (%s)", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	go h.writePump(ctx, c)

	// Clients only read; drain control frames until they go away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	cancel()
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = conn.Close()
	log.Infof("BRIDGE: UI client disconnected (%s)", r.RemoteAddr)
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Navigation.

func (h *Hub) CurrentRoute() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.route
}

func (h *Hub) SetRoute(route string) {
	h.mu.Lock()
	h.route = route
	h.mu.Unlock()
}

func (h *Hub) OpenCall(r incoming.CallRoute) {
	h.SetRoute(r.Route)
	h.Broadcast(EvOpenCall, r)
}

// Incoming call presentation.

func (h *Hub) PresentIncomingCall(r incoming.Record) { h.Broadcast(EvIncomingCall, r) }

func (h *Hub) DismissIncomingCall(callID string) {
	h.Broadcast(EvIncomingDismissed, map[string]string{"callId": callID})
}

// Device effects.

func (h *Hub) Vibrate(pattern []time.Duration) {
	ms := make([]int64, len(pattern))
	for i, d := range pattern {
		ms[i] = d.Milliseconds()
	}
	h.Broadcast(EvVibrate, map[string]any{"pattern": ms})
}

func (h *Hub) Acquire() {
	if !h.wakeHeld.Swap(true) {
		h.Broadcast(EvWakeLock, map[string]bool{"held": true})
	}
}

func (h *Hub) Release() {
	if h.wakeHeld.Swap(false) {
		h.Broadcast(EvWakeLock, map[string]bool{"held": false})
	}
}

func (h *Hub) WakeHeld() bool { return h.wakeHeld.Load() }

// System notifications, rendered by the host.

func (h *Hub) Permitted() bool      { return h.permitted.Load() }
func (h *Hub) SetPermitted(ok bool) { h.permitted.Store(ok) }

func (h *Hub) Show(_ context.Context, n notify.Notification) error {
	h.Broadcast(EvNotification, n)
	return nil
}

func (h *Hub) Cancel(_ context.Context, id int32) error {
	h.Broadcast(EvNotificationCancel, map[string]int32{"id": id})
	return nil
}

// FollowOverlay forwards reminder overlay state to the UI until ctx ends.
func (h *Hub) FollowOverlay(ctx context.Context, ov *reminder.Overlay) {
	ch, cancel := ov.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-ch:
				if !ok {
					return
				}
				h.Broadcast(EvReminder, st)
			}
		}
	}()
}
