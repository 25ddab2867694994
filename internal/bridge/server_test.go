package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/incoming"
	"github.com/petervdpas/rtcore/internal/reminder"
)

type nopBackend struct{}

func (nopBackend) IncomingCalls(context.Context) ([]backend.IncomingCall, error) {
	return nil, nil
}

func (nopBackend) RejectCall(context.Context, string) error { return nil }

type harness struct {
	hub *Hub
	det *incoming.Detector
	sig *reminder.Signaler
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	hub := NewHub()
	det := incoming.New(nopBackend{}, hub, hub, hub, incoming.Options{
		PollInterval: 3 * time.Second,
		SeenWindow:   2 * time.Minute,
		Clock:        clk,
	})
	ctx, cancel := context.WithCancel(context.Background())
	det.Start(ctx)
	sig := reminder.New(hub, hub, hub, reminder.Options{Clock: clk})
	hub.FollowOverlay(ctx, sig.Overlay())

	srv := httptest.NewServer(NewRouter(Deps{Hub: hub, Detector: det, Signaler: sig, Metrics: true}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		det.Close()
		sig.Stop()
	})
	return &harness{hub: hub, det: det, sig: sig, srv: srv}
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := next(t, conn, EvHello)
	require.NotNil(t, ev)
	require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// next reads until an event of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev rawEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", typ)
		if ev.Type == typ {
			return ev.Data
		}
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	assert.Equal(t, http.StatusOK, m.StatusCode)
}

func TestPushedCallRingsAndAcceptOpensCallScreen(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	resp := h.post(t, "/api/calls/push", `{"callId":"c-1","callerName":"Ana","callType":"voice","callerId":"u-9"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var rec incoming.Record
	require.NoError(t, json.Unmarshal(next(t, conn, EvIncomingCall), &rec))
	assert.Equal(t, "c-1", rec.CallID)
	assert.Equal(t, incoming.SourcePush, rec.Source)

	resp = h.post(t, "/api/calls/accept", `{"callId":"c-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rt := decode[incoming.CallRoute](t, resp)
	assert.Equal(t, incoming.RouteVoiceCall, rt.Route)
	assert.Equal(t, "c-1", rt.Channel)

	next(t, conn, EvIncomingDismissed)
	next(t, conn, EvOpenCall)
	assert.Equal(t, incoming.RouteVoiceCall, h.hub.CurrentRoute())

	// Nothing is ringing any more.
	resp = h.post(t, "/api/calls/accept", `{"callId":"c-1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHiddenHostGetsCallNotification(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	h.post(t, "/api/notifications/permission", `{"granted":true}`)
	h.post(t, "/api/lifecycle", `{"visible":false}`)
	h.post(t, "/api/calls/push", `{"callId":"c-2","callerName":"Bo","callType":"video"}`)

	var n struct {
		Channel string            `json:"channel"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(next(t, conn, EvNotification), &n))
	assert.Equal(t, "incoming-call", n.Channel)
}

func TestReminderOverlayFlow(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	resp := h.post(t, "/api/reminder/trigger", `{"id":"t-1","title":"Stretch"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next(t, conn, EvVibrate)

	st := decode[reminder.State](t, h.post(t, "/api/reminder/accept", ``))
	assert.Equal(t, reminder.PhaseAccepted, st.Phase)
	next(t, conn, EvWakeLock)
	assert.True(t, h.hub.WakeHeld())

	st = decode[reminder.State](t, h.post(t, "/api/reminder/complete", `{}`))
	assert.Equal(t, reminder.PhaseDone, st.Phase)
	assert.False(t, h.hub.WakeHeld())

	// Declining a finished reminder is not a valid transition.
	resp = h.post(t, "/api/reminder/decline", ``)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A new reminder waits for the finished one to clear.
	resp = h.post(t, "/api/reminder/trigger", `{"id":"t-2","title":"Drink water"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	st = decode[reminder.State](t, resp)
	assert.Equal(t, reminder.PhaseDone, st.Phase)
	assert.Equal(t, "t-1", st.Task.ID)
	p, ok := h.sig.Pending()
	require.True(t, ok)
	assert.Equal(t, "t-2", p.ID)
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, http.StatusBadRequest, h.post(t, "/api/calls/push", `{nope`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.post(t, "/api/calls/push", `{"callerName":"x"}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, h.post(t, "/api/channels/join", `{"channel":"a"}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, h.post(t, "/api/media/join", `{"channel":"a"}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, h.post(t, "/api/calls/ring", `{"peerId":"p","callId":"c"}`).StatusCode)
}
