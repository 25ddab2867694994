package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/call"
	"github.com/petervdpas/rtcore/internal/channel"
	"github.com/petervdpas/rtcore/internal/incoming"
	"github.com/petervdpas/rtcore/internal/reminder"
)

// Deps are the components the bridge drives. Any of them may be nil; their
// routes then answer 503.
type Deps struct {
	Hub      *Hub
	Detector *incoming.Detector
	Signaler *reminder.Signaler
	Channels *channel.Manager
	Calls    *call.Manager
	Ringer   Ringer
	Metrics  bool
}

// Ringer sends a call request directly to another peer.
type Ringer interface {
	Ring(ctx context.Context, peerID string, call backend.IncomingCall) (string, error)
}

// Server is the bridge's HTTP listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and serves in the background.
func Listen(addr string, d Deps) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: NewRouter(d), ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("BRIDGE: serve: %v", err)
		}
	}()
	log.Infof("BRIDGE: listening on http://%s", ln.Addr())
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

// NewRouter builds the bridge API.
func NewRouter(d Deps) http.Handler {
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok", "clients": d.Hub.Clients()})
	})
	if d.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", d.Hub.serveWS)
		handlePost(r, "/lifecycle", a.lifecycle)
		handlePost(r, "/route", a.route)
		handlePost(r, "/notifications/permission", a.permission)

		r.Route("/calls", func(r chi.Router) {
			r.Use(a.require(d.Detector != nil))
			r.Get("/active", a.activeCall)
			handlePost(r, "/push", a.pushCall)
			handlePost(r, "/accept", a.acceptCall)
			handlePost(r, "/reject", a.rejectCall)
			handlePost(r, "/ring", a.ringPeer)
		})

		r.Route("/reminder", func(r chi.Router) {
			r.Use(a.require(d.Signaler != nil))
			r.Get("/", a.reminderState)
			handlePost(r, "/accept", a.reminderAccept)
			handlePost(r, "/decline", a.reminderDecline)
			handlePost(r, "/snooze", a.reminderSnooze)
			handlePost(r, "/complete", a.reminderComplete)
			handlePost(r, "/open", a.reminderOpen)
			handlePost(r, "/trigger", a.reminderTrigger)
		})

		r.Route("/channels", func(r chi.Router) {
			r.Use(a.require(d.Channels != nil))
			r.Get("/", a.channelList)
			r.Get("/{name}/history", a.channelHistory)
			handlePost(r, "/join", a.channelJoin)
			handlePost(r, "/send", a.channelSend)
			handlePost(r, "/typing", a.channelTyping)
			handlePost(r, "/leave", a.channelLeave)
		})

		r.Route("/media", func(r chi.Router) {
			r.Use(a.require(d.Calls != nil))
			r.Get("/", a.mediaList)
			r.Get("/{channel}", a.mediaStatus)
			handlePost(r, "/join", a.mediaJoin)
			handlePost(r, "/mute", a.mediaMute)
			handlePost(r, "/camera", a.mediaCamera)
			handlePost(r, "/leave", a.mediaLeave)
		})
	})
	return r
}

// handlePost registers a JSON POST handler; a body that does not decode into
// T is rejected with 400 before fn runs.
func handlePost[T any](r chi.Router, pattern string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	r.Post(pattern, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if r.ContentLength != 0 {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
			if err := dec.Decode(&req); err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			// The event stream stays open for the life of the UI.
			if strings.HasSuffix(r.URL.Path, "/events") {
				return
			}
			log.Debugw("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"latency", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

type api struct {
	Deps
}

func (a *api) require(ok bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				http.Error(w, "component not enabled", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Lifecycle and host state.

func (a *api) lifecycle(w http.ResponseWriter, _ *http.Request, req struct {
	Visible bool `json:"visible"`
}) {
	if a.Detector != nil {
		a.Detector.SetHidden(!req.Visible)
	}
	if a.Signaler != nil {
		a.Signaler.SetVisible(req.Visible)
	}
	writeJSON(w, map[string]bool{"visible": req.Visible})
}

func (a *api) route(w http.ResponseWriter, _ *http.Request, req struct {
	Route string `json:"route"`
}) {
	a.Hub.SetRoute(req.Route)
	writeJSON(w, map[string]string{"route": req.Route})
}

func (a *api) permission(w http.ResponseWriter, _ *http.Request, req struct {
	Granted bool `json:"granted"`
}) {
	a.Hub.SetPermitted(req.Granted)
	writeJSON(w, map[string]bool{"granted": req.Granted})
}

// Incoming calls.

func (a *api) activeCall(w http.ResponseWriter, _ *http.Request) {
	rec, ok := a.Detector.Active()
	if !ok {
		writeJSON(w, map[string]any{"active": nil})
		return
	}
	writeJSON(w, map[string]any{"active": rec})
}

func (a *api) pushCall(w http.ResponseWriter, _ *http.Request, req backend.IncomingCall) {
	if strings.TrimSpace(req.CallID) == "" {
		http.Error(w, "missing callId", http.StatusBadRequest)
		return
	}
	a.Detector.Push(req)
	w.WriteHeader(http.StatusAccepted)
}

type callRef struct {
	CallID string `json:"callId"`
}

func (a *api) acceptCall(w http.ResponseWriter, _ *http.Request, req callRef) {
	rt, err := a.Detector.Accept(req.CallID)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, rt)
}

func (a *api) rejectCall(w http.ResponseWriter, _ *http.Request, req callRef) {
	if err := a.Detector.Reject(req.CallID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, map[string]string{"status": "rejected"})
}

func (a *api) ringPeer(w http.ResponseWriter, r *http.Request, req struct {
	PeerID string `json:"peerId"`
	backend.IncomingCall
}) {
	if a.Ringer == nil {
		http.Error(w, "peer ringing not enabled", http.StatusServiceUnavailable)
		return
	}
	if req.PeerID == "" || req.CallID == "" {
		http.Error(w, "missing peerId or callId", http.StatusBadRequest)
		return
	}
	id, err := a.Ringer.Ring(r.Context(), req.PeerID, req.IncomingCall)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]string{"status": "delivered", "requestId": id})
}

// Reminder overlay.

func (a *api) reminderState(w http.ResponseWriter, _ *http.Request) {
	st := a.Signaler.Overlay().State()
	resp := map[string]any{"overlay": st, "scheduled": a.Signaler.Scheduled()}
	if t, ok := a.Signaler.Pending(); ok {
		resp["pending"] = t
		resp["queued"] = a.Signaler.PendingAll()
	}
	writeJSON(w, resp)
}

func (a *api) overlayResult(w http.ResponseWriter, st reminder.State, err error) {
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, st)
}

func (a *api) reminderAccept(w http.ResponseWriter, _ *http.Request, _ struct{}) {
	st, err := a.Signaler.Overlay().Accept()
	a.overlayResult(w, st, err)
}

func (a *api) reminderDecline(w http.ResponseWriter, _ *http.Request, _ struct{}) {
	st, err := a.Signaler.Overlay().Decline()
	a.overlayResult(w, st, err)
}

func (a *api) reminderSnooze(w http.ResponseWriter, _ *http.Request, req struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
}) {
	st, err := a.Signaler.Overlay().ConfirmSnooze(req.Minutes, req.Reason)
	a.overlayResult(w, st, err)
}

func (a *api) reminderComplete(w http.ResponseWriter, _ *http.Request, _ struct{}) {
	st, err := a.Signaler.Overlay().Complete()
	a.overlayResult(w, st, err)
}

func (a *api) reminderOpen(w http.ResponseWriter, _ *http.Request, req struct {
	TaskID string `json:"taskId"`
}) {
	writeJSON(w, map[string]bool{"opened": a.Signaler.OpenFromNotification(req.TaskID)})
}

func (a *api) reminderTrigger(w http.ResponseWriter, _ *http.Request, req reminder.Task) {
	if req.ID == "" || req.Title == "" {
		http.Error(w, "missing id or title", http.StatusBadRequest)
		return
	}
	if !a.Signaler.TriggerNow(req) {
		// Another reminder is on screen; this one rings after it clears.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(a.Signaler.Overlay().State())
		return
	}
	writeJSON(w, a.Signaler.Overlay().State())
}

// Messaging channels.

type channelRef struct {
	Channel string `json:"channel"`
}

func (a *api) channelList(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name  string        `json:"name"`
		State channel.State `json:"state"`
	}
	out := []entry{}
	for _, n := range a.Channels.Names() {
		if h, ok := a.Channels.Get(n); ok {
			out = append(out, entry{Name: n, State: h.State()})
		}
	}
	writeJSON(w, out)
}

func (a *api) channelHistory(w http.ResponseWriter, r *http.Request) {
	h, ok := a.Channels.Get(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "channel not joined", http.StatusNotFound)
		return
	}
	writeJSON(w, h.History())
}

func (a *api) channelHandlers(name string) channel.Handlers {
	hub := a.Hub
	return channel.Handlers{
		OnMessage: func(m channel.Message) { hub.Broadcast(EvChatMessage, m) },
		OnTyping: func(sender string, typing bool) {
			hub.Broadcast(EvTyping, map[string]any{"channel": name, "senderId": sender, "isTyping": typing})
		},
		OnMemberJoined: func(id string) {
			hub.Broadcast(EvMemberJoined, map[string]string{"channel": name, "memberId": id})
		},
		OnMemberLeft: func(id string) {
			hub.Broadcast(EvMemberLeft, map[string]string{"channel": name, "memberId": id})
		},
	}
}

func (a *api) channelJoin(w http.ResponseWriter, r *http.Request, req channelRef) {
	if strings.TrimSpace(req.Channel) == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	h, err := a.Channels.Join(r.Context(), req.Channel, a.channelHandlers(req.Channel))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]any{"channel": h.Name(), "state": h.State()})
}

func (a *api) handle(w http.ResponseWriter, name string) (*channel.Handle, bool) {
	h, ok := a.Channels.Get(name)
	if !ok {
		http.Error(w, "channel not joined", http.StatusNotFound)
	}
	return h, ok
}

func (a *api) channelSend(w http.ResponseWriter, r *http.Request, req struct {
	Channel string `json:"channel"`
	Content string `json:"content"`
}) {
	h, ok := a.handle(w, req.Channel)
	if !ok {
		return
	}
	msg, err := h.SendMessage(r.Context(), req.Content)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, msg)
}

func (a *api) channelTyping(w http.ResponseWriter, r *http.Request, req struct {
	Channel  string `json:"channel"`
	IsTyping bool   `json:"isTyping"`
}) {
	h, ok := a.handle(w, req.Channel)
	if !ok {
		return
	}
	if err := h.SendTyping(r.Context(), req.IsTyping); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) channelLeave(w http.ResponseWriter, _ *http.Request, req channelRef) {
	if h, ok := a.Channels.Get(req.Channel); ok {
		h.Leave()
	}
	writeJSON(w, map[string]string{"status": "left"})
}

// Call media.

type mediaView struct {
	Channel  string               `json:"channel"`
	Video    bool                 `json:"video"`
	State    call.ConnectionState `json:"state"`
	Remotes  []remoteView         `json:"remotes"`
	Muted    bool                 `json:"muted"`
	CameraOn bool                 `json:"cameraOn"`
}

type remoteView struct {
	ParticipantID string `json:"participantId"`
	Audio         bool   `json:"audio"`
	Video         bool   `json:"video"`
}

func remoteViewOf(rs call.RemoteStream) remoteView {
	return remoteView{ParticipantID: rs.ParticipantID, Audio: rs.Audio != nil, Video: rs.Video != nil}
}

func statusOf(s *call.Session) mediaView {
	st := mediaView{Channel: s.Channel(), Video: s.Video(), State: s.State(), Remotes: []remoteView{}}
	for _, rs := range s.Remotes() {
		st.Remotes = append(st.Remotes, remoteViewOf(rs))
	}
	lt := s.LocalTracks()
	if lt.Audio != nil {
		st.Muted = !lt.Audio.Enabled()
	}
	st.CameraOn = lt.Video != nil && lt.Video.Enabled()
	return st
}

func (a *api) mediaList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.Calls.Channels())
}

func (a *api) session(w http.ResponseWriter, ch string) (*call.Session, bool) {
	s, ok := a.Calls.GetSession(ch)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
	}
	return s, ok
}

func (a *api) mediaStatus(w http.ResponseWriter, r *http.Request) {
	if s, ok := a.session(w, chi.URLParam(r, "channel")); ok {
		writeJSON(w, statusOf(s))
	}
}

func (a *api) mediaJoin(w http.ResponseWriter, r *http.Request, req struct {
	Channel string `json:"channel"`
	Video   bool   `json:"video"`
}) {
	if strings.TrimSpace(req.Channel) == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	hub := a.Hub
	ch := req.Channel
	s, err := a.Calls.Start(r.Context(), call.Config{
		Channel: ch,
		Video:   req.Video,
		OnRemoteStream: func(rs call.RemoteStream) {
			v := remoteViewOf(rs)
			hub.Broadcast(EvCallRemote, map[string]any{"channel": ch, "remote": v})
		},
		OnRemoteLeft: func(pid string) {
			hub.Broadcast(EvCallRemoteLeft, map[string]string{"channel": ch, "participantId": pid})
		},
		OnConnectionStateChange: func(curr, prev call.ConnectionState) {
			hub.Broadcast(EvCallState, map[string]any{"channel": ch, "state": curr, "previous": prev})
		},
	})
	if err != nil {
		var perr *call.PermissionError
		if errors.As(err, &perr) {
			writeError(w, http.StatusForbidden, perr)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, statusOf(s))
}

func (a *api) mediaMute(w http.ResponseWriter, _ *http.Request, req channelRef) {
	if s, ok := a.session(w, req.Channel); ok {
		writeJSON(w, map[string]bool{"muted": s.ToggleMute()})
	}
}

func (a *api) mediaCamera(w http.ResponseWriter, _ *http.Request, req channelRef) {
	if s, ok := a.session(w, req.Channel); ok {
		writeJSON(w, map[string]bool{"cameraOff": s.ToggleCamera()})
	}
}

func (a *api) mediaLeave(w http.ResponseWriter, _ *http.Request, req channelRef) {
	if s, ok := a.Calls.GetSession(req.Channel); ok {
		if err := s.Leave(); err != nil {
			log.Warnf("CALL [%s]: leave: %v", req.Channel, err)
		}
	}
	writeJSON(w, map[string]string{"status": "left"})
}
