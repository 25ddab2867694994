package call

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/petervdpas/rtcore/internal/metrics"
)

// Config describes one call.
type Config struct {
	Channel string
	Video   bool

	OnRemoteStream          func(RemoteStream)
	OnRemoteLeft            func(participantID string)
	OnConnectionStateChange func(curr, prev ConnectionState)
}

// Session is the media side of one call. It never reconnects on its own: a
// failed or dropped session is discarded and the caller builds a new one.
type Session struct {
	cfg  Config
	deps Deps
	done func(*Session)

	mu      sync.Mutex
	state   ConnectionState
	joining bool
	joined  bool
	left    bool
	room    Room
	tracks  LocalTracks
	muted   bool
	camOff  bool
	remotes map[string]*RemoteStream
}

func newSession(cfg Config, deps Deps, done func(*Session)) *Session {
	return &Session{
		cfg:     cfg,
		deps:    deps,
		done:    done,
		state:   StateDisconnected,
		camOff:  !cfg.Video,
		remotes: make(map[string]*RemoteStream),
	}
}

func (s *Session) Channel() string { return s.cfg.Channel }
func (s *Session) Video() bool     { return s.cfg.Video }

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState records a transition and reports it outside the lock.
func (s *Session) setState(next ConnectionState) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	log.Debugf("CALL [%s]: %s -> %s", s.cfg.Channel, prev, next)
	if fn := s.cfg.OnConnectionStateChange; fn != nil {
		fn(next, prev)
	}
}

// Join runs permission probe, credential and token fetch, relay join and
// local publish, in that order. Any failure tears down what was built.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.left:
		s.mu.Unlock()
		return ErrLeft
	case s.joining || s.joined:
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.joining = true
	s.mu.Unlock()

	s.setState(StateConnecting)
	err := s.join(ctx)

	s.mu.Lock()
	s.joining = false
	left := s.left
	if err == nil && !left {
		s.joined = true
	}
	s.mu.Unlock()

	if err == nil && left {
		// Leave ran while we were joining; it could not see the room yet.
		err = ErrLeft
	}
	if err != nil {
		s.teardown()
		s.setState(StateDisconnected)
		s.finish()
		return err
	}
	metrics.CallSessions.WithLabelValues("ok").Inc()
	s.setState(StateConnected)
	log.Infof("CALL [%s]: joined (video=%v)", s.cfg.Channel, s.cfg.Video)
	return nil
}

func (s *Session) join(ctx context.Context) error {
	ch := s.cfg.Channel

	// 1. Device permission, before any negotiation.
	if s.deps.Permissions != nil {
		if err := s.deps.Permissions.Probe(ctx, s.cfg.Video); err != nil {
			metrics.CallSessions.WithLabelValues("permission").Inc()
			log.Warnf("CALL [%s]: permission probe failed: %v", ch, err)
			return err
		}
	}

	// 2. Shared login plus a call-scoped token.
	cred, err := s.deps.Login.Acquire(ctx)
	if err != nil {
		metrics.CallSessions.WithLabelValues("login").Inc()
		return err
	}
	tok, err := s.deps.Tokens.CallToken(ctx, ch)
	if err != nil {
		metrics.CallSessions.WithLabelValues("token").Inc()
		return fmt.Errorf("call token: %w", err)
	}
	uid := tok.UID
	if uid == "" {
		uid = cred.Identity
	}

	// 3. Relay.
	room, err := s.deps.Relay.Join(ctx, ch, uid, tok.Token, s.roomEvents())
	if err != nil {
		metrics.CallSessions.WithLabelValues("relay").Inc()
		return fmt.Errorf("%w: %w", ErrRelayJoin, err)
	}
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()

	// 4. Local tracks.
	tracks, err := room.CreateLocalTracks(ctx, s.cfg.Video)
	if err != nil {
		metrics.CallSessions.WithLabelValues("publish").Inc()
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()

	for _, t := range []Track{tracks.Audio, tracks.Video} {
		if t == nil {
			continue
		}
		if err := room.Publish(ctx, t); err != nil {
			metrics.CallSessions.WithLabelValues("publish").Inc()
			return fmt.Errorf("%w: %s: %w", ErrPublish, t.Kind(), err)
		}
	}
	return nil
}

func (s *Session) roomEvents() RoomEvents {
	return RoomEvents{
		OnTrackPublished: func(pid string, t RemoteTrack) {
			s.mu.Lock()
			rs := s.remoteLocked(pid)
			switch t.Kind() {
			case KindAudio:
				rs.Audio = t
			case KindVideo:
				rs.Video = t
			}
			out := *rs
			s.mu.Unlock()
			if fn := s.cfg.OnRemoteStream; fn != nil {
				fn(out)
			}
		},
		OnTrackUnpublished: func(pid string, kind Kind) {
			s.mu.Lock()
			rs, ok := s.remotes[pid]
			if !ok {
				s.mu.Unlock()
				return
			}
			switch kind {
			case KindAudio:
				rs.Audio = nil
			case KindVideo:
				rs.Video = nil
			}
			out := *rs
			s.mu.Unlock()
			if fn := s.cfg.OnRemoteStream; fn != nil {
				fn(out)
			}
		},
		OnParticipantLeft: func(pid string) {
			s.mu.Lock()
			_, ok := s.remotes[pid]
			delete(s.remotes, pid)
			s.mu.Unlock()
			if ok {
				log.Infof("CALL [%s]: %s left", s.cfg.Channel, pid)
			}
			if fn := s.cfg.OnRemoteLeft; fn != nil {
				fn(pid)
			}
		},
		OnConnectionState: func(cs ConnectionState) {
			s.mu.Lock()
			closing := s.left
			s.mu.Unlock()
			if !closing {
				s.setState(cs)
			}
		},
	}
}

func (s *Session) remoteLocked(pid string) *RemoteStream {
	rs, ok := s.remotes[pid]
	if !ok {
		rs = &RemoteStream{ParticipantID: pid}
		s.remotes[pid] = rs
	}
	return rs
}

// Remotes returns the current remote streams.
func (s *Session) Remotes() []RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteStream, 0, len(s.remotes))
	for _, rs := range s.remotes {
		out = append(out, *rs)
	}
	return out
}

// LocalTracks returns the published local tracks.
func (s *Session) LocalTracks() LocalTracks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// ToggleMute flips the microphone. Returns the new muted state (true = muted).
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	audio := s.tracks.Audio
	s.mu.Unlock()

	if audio != nil {
		audio.SetEnabled(!muted)
	}
	log.Infof("CALL [%s]: audio muted=%v", s.cfg.Channel, muted)
	return muted
}

// ToggleCamera flips the camera. Returns the new off state (true = off).
// Turning the camera off unpublishes video so peers see audio only.
func (s *Session) ToggleCamera() bool {
	s.mu.Lock()
	if !s.cfg.Video {
		s.mu.Unlock()
		return true
	}
	s.camOff = !s.camOff
	off := s.camOff
	video := s.tracks.Video
	room := s.room
	s.mu.Unlock()

	if video != nil && room != nil {
		video.SetEnabled(!off)
		ctx := context.Background()
		var err error
		if off {
			err = room.Unpublish(ctx, video)
		} else {
			err = room.Publish(ctx, video)
		}
		if err != nil {
			log.Warnf("CALL [%s]: camera toggle: %v", s.cfg.Channel, err)
		}
	}
	log.Infof("CALL [%s]: video disabled=%v", s.cfg.Channel, off)
	return off
}

// Leave tears the call down. Idempotent.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	joining := s.joining
	s.mu.Unlock()

	if joining {
		// Join notices the flag and cleans up.
		return nil
	}
	s.setState(StateDisconnecting)
	err := s.teardown()
	s.setState(StateDisconnected)
	s.finish()
	log.Infof("CALL [%s]: left", s.cfg.Channel)
	return err
}

func (s *Session) teardown() error {
	s.mu.Lock()
	room, tracks := s.room, s.tracks
	s.room, s.tracks = nil, LocalTracks{}
	clear(s.remotes)
	s.mu.Unlock()

	var err error
	if room != nil {
		err = multierr.Append(err, room.Leave())
	}
	for _, t := range []Track{tracks.Audio, tracks.Video} {
		if t != nil {
			err = multierr.Append(err, t.Close())
		}
	}
	return err
}

func (s *Session) finish() {
	if s.done != nil {
		s.done(s)
	}
}
