// Package media implements call.Relay with pion WebRTC: signaling rides on a
// channel transport and every remote participant gets its own
// PeerConnection.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/rtcore/internal/call"
	"github.com/petervdpas/rtcore/internal/channel"
)

var log = logging.Logger("rtcore/media")

const signalPrefix = "call:"

// Signal types exchanged on the call's signaling channel.
const (
	sigJoin      = "join"
	sigHere      = "here"
	sigOffer     = "offer"
	sigAnswer    = "answer"
	sigICE       = "ice"
	sigNegotiate = "negotiate"
	sigPublish   = "publish"
	sigUnpublish = "unpublish"
	sigLeave     = "leave"
)

type signal struct {
	Type      string                     `json:"type"`
	From      string                     `json:"from"`
	To        string                     `json:"to,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Kind      call.Kind                  `json:"kind,omitempty"`
}

type Options struct {
	ICEServers []string
	// Loopback candidates are needed when both ends share a host.
	IncludeLoopback bool
}

// Relay joins call rooms. Safe for concurrent use.
type Relay struct {
	tr  channel.Transport
	api *webrtc.API
	ice []webrtc.ICEServer
}

func NewRelay(tr channel.Transport, opts Options) (*Relay, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// A short relay or NAT hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	var ice []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &Relay{
		tr:  tr,
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		ice: ice,
	}, nil
}

// Join enters the room for channelName and announces uid to its members.
func (r *Relay) Join(ctx context.Context, channelName, uid, token string, ev call.RoomEvents) (call.Room, error) {
	if token == "" {
		return nil, errors.New("media: empty call token")
	}
	rm := &room{
		relay:     r,
		channel:   channelName,
		uid:       uid,
		ev:        ev,
		peers:     make(map[string]*peerConn),
		published: make(map[*LocalTrack]bool),
		state:     call.StateConnected,
	}
	conn, err := r.tr.JoinChannel(ctx, signalPrefix+channelName, channel.Events{
		OnText:       rm.onSignal,
		OnMemberLeft: rm.peerLeft,
		OnClosed: func(err error) {
			log.Warnf("CALL [%s]: signaling closed: %v", channelName, err)
			rm.setState(call.StateReconnecting)
		},
	})
	if err != nil {
		return nil, err
	}
	rm.conn = conn
	if err := rm.send(ctx, signal{Type: sigJoin}); err != nil {
		_ = conn.Leave()
		return nil, err
	}
	log.Infof("CALL [%s]: joined room as %s", channelName, uid)
	return rm, nil
}

type peerConn struct {
	id      string
	pc      *webrtc.PeerConnection
	offerer bool
	pending []webrtc.ICECandidateInit
	busy    bool // an offer is outstanding
	again   bool // renegotiate once the answer lands
	senders map[*LocalTrack]*webrtc.RTPSender
	remote  map[call.Kind]*remoteTrack
	hidden  map[call.Kind]bool // kinds the peer has unpublished
	state   webrtc.PeerConnectionState
}

type room struct {
	relay   *Relay
	channel string
	uid     string
	ev      call.RoomEvents
	conn    channel.Conn

	mu        sync.Mutex
	peers     map[string]*peerConn
	published map[*LocalTrack]bool
	closed    bool
	state     call.ConnectionState
}

func (rm *room) send(ctx context.Context, s signal) error {
	s.From = rm.uid
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return rm.conn.Send(ctx, string(b))
}

func (rm *room) sendAsync(s signal) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rm.send(ctx, s); err != nil {
		log.Debugf("CALL [%s]: send %s: %v", rm.channel, s.Type, err)
	}
}

func (rm *room) onSignal(text, _ string) {
	var s signal
	if err := json.Unmarshal([]byte(text), &s); err != nil || s.From == "" || s.From == rm.uid {
		return
	}
	if s.To != "" && s.To != rm.uid {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return
	}

	switch s.Type {
	case sigJoin:
		p := rm.ensurePeerLocked(s.From)
		go rm.sendAsync(signal{Type: sigHere, To: s.From})
		if p != nil && p.offerer {
			rm.negotiateLocked(p)
		}
	case sigHere:
		if p := rm.ensurePeerLocked(s.From); p != nil && p.offerer {
			rm.negotiateLocked(p)
		}
	case sigOffer:
		rm.handleOfferLocked(s)
	case sigAnswer:
		rm.handleAnswerLocked(s)
	case sigICE:
		rm.handleICELocked(s)
	case sigNegotiate:
		if p, ok := rm.peers[s.From]; ok && p.offerer {
			rm.negotiateLocked(p)
		}
	case sigPublish, sigUnpublish:
		rm.handleVisibilityLocked(s)
	case sigLeave:
		rm.dropPeerLocked(s.From)
	}
}

// ensurePeerLocked returns the connection to id, creating it with every
// published track attached. The lower uid makes the offers.
func (rm *room) ensurePeerLocked(id string) *peerConn {
	if p, ok := rm.peers[id]; ok {
		return p
	}
	pc, err := rm.relay.api.NewPeerConnection(webrtc.Configuration{ICEServers: rm.relay.ice})
	if err != nil {
		log.Errorf("CALL [%s]: peer connection for %s: %v", rm.channel, id, err)
		return nil
	}
	p := &peerConn{
		id:      id,
		pc:      pc,
		offerer: rm.uid < id,
		senders: make(map[*LocalTrack]*webrtc.RTPSender),
		remote:  make(map[call.Kind]*remoteTrack),
		hidden:  make(map[call.Kind]bool),
	}
	rm.peers[id] = p

	if p.offerer {
		// Receive slots so the first offer carries audio and video m-lines.
		for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				log.Warnf("CALL [%s]: AddTransceiver(%s): %v", rm.channel, k, err)
			}
		}
	}
	for t := range rm.published {
		rm.attachLocked(p, t)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		go rm.sendAsync(signal{Type: sigICE, To: id, Candidate: &init})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rm.onRemoteTrack(id, pc, tr)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		rm.mu.Lock()
		p.state = s
		rm.mu.Unlock()
		log.Debugf("CALL [%s]: peer %s %s", rm.channel, id, s)
		rm.refreshState()
	})
	log.Infof("CALL [%s]: peer %s added (offerer=%v)", rm.channel, id, p.offerer)
	return p
}

func (rm *room) attachLocked(p *peerConn, t *LocalTrack) {
	if _, ok := p.senders[t]; ok {
		return
	}
	sender, err := p.pc.AddTrack(t.Local())
	if err != nil {
		log.Warnf("CALL [%s]: AddTrack(%s) to %s: %v", rm.channel, t.Kind(), p.id, err)
		return
	}
	p.senders[t] = sender
	// Drain RTCP so interceptors (NACK, reports) keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (rm *room) negotiateLocked(p *peerConn) {
	if p.busy {
		p.again = true
		return
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		log.Warnf("CALL [%s]: CreateOffer for %s: %v", rm.channel, p.id, err)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		log.Warnf("CALL [%s]: SetLocalDescription for %s: %v", rm.channel, p.id, err)
		return
	}
	p.busy = true
	go rm.sendAsync(signal{Type: sigOffer, To: p.id, SDP: &offer})
}

func (rm *room) handleOfferLocked(s signal) {
	if s.SDP == nil {
		return
	}
	p := rm.ensurePeerLocked(s.From)
	if p == nil {
		return
	}
	if err := p.pc.SetRemoteDescription(*s.SDP); err != nil {
		log.Warnf("CALL [%s]: remote offer from %s: %v", rm.channel, s.From, err)
		return
	}
	rm.flushCandidatesLocked(p)
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		log.Warnf("CALL [%s]: CreateAnswer for %s: %v", rm.channel, s.From, err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		log.Warnf("CALL [%s]: SetLocalDescription for %s: %v", rm.channel, s.From, err)
		return
	}
	go rm.sendAsync(signal{Type: sigAnswer, To: s.From, SDP: &answer})

	// Tracks attached before the offer arrived have no m-line yet.
	for _, tr := range p.pc.GetTransceivers() {
		if tr.Mid() == "" && tr.Sender() != nil && tr.Sender().Track() != nil {
			go rm.sendAsync(signal{Type: sigNegotiate, To: s.From})
			break
		}
	}
}

func (rm *room) handleAnswerLocked(s signal) {
	p, ok := rm.peers[s.From]
	if !ok || s.SDP == nil {
		return
	}
	if err := p.pc.SetRemoteDescription(*s.SDP); err != nil {
		log.Warnf("CALL [%s]: remote answer from %s: %v", rm.channel, s.From, err)
		return
	}
	rm.flushCandidatesLocked(p)
	p.busy = false
	if p.again {
		p.again = false
		rm.negotiateLocked(p)
	}
}

func (rm *room) handleICELocked(s signal) {
	if s.Candidate == nil {
		return
	}
	p, ok := rm.peers[s.From]
	if !ok {
		p = rm.ensurePeerLocked(s.From)
		if p == nil {
			return
		}
	}
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, *s.Candidate)
		return
	}
	if err := p.pc.AddICECandidate(*s.Candidate); err != nil {
		log.Debugf("CALL [%s]: AddICECandidate from %s: %v", rm.channel, s.From, err)
	}
}

func (rm *room) flushCandidatesLocked(p *peerConn) {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Debugf("CALL [%s]: buffered candidate for %s: %v", rm.channel, p.id, err)
		}
	}
	p.pending = nil
}

func (rm *room) onRemoteTrack(id string, pc *webrtc.PeerConnection, tr *webrtc.TrackRemote) {
	kind := kindOf(tr.Kind())
	rt := &remoteTrack{kind: kind, id: tr.ID()}

	rm.mu.Lock()
	p, ok := rm.peers[id]
	if !ok || rm.closed {
		rm.mu.Unlock()
		return
	}
	p.remote[kind] = rt
	visible := !p.hidden[kind]
	rm.mu.Unlock()

	if kind == call.KindVideo {
		// Ask for a keyframe so the first picture arrives promptly.
		_ = pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())}})
	}
	if visible && rm.ev.OnTrackPublished != nil {
		rm.ev.OnTrackPublished(id, rt)
	}

	go func() {
		var pkt *rtp.Packet
		var err error
		for {
			if pkt, _, err = tr.ReadRTP(); err != nil {
				return
			}
			if pkt != nil {
				rt.packets.Add(1)
			}
		}
	}()
}

func (rm *room) handleVisibilityLocked(s signal) {
	p, ok := rm.peers[s.From]
	if !ok || (s.Kind != call.KindAudio && s.Kind != call.KindVideo) {
		return
	}
	hide := s.Type == sigUnpublish
	p.hidden[s.Kind] = hide
	rt := p.remote[s.Kind]
	from := s.From

	go func() {
		switch {
		case hide && rm.ev.OnTrackUnpublished != nil:
			rm.ev.OnTrackUnpublished(from, s.Kind)
		case !hide && rt != nil && rm.ev.OnTrackPublished != nil:
			rm.ev.OnTrackPublished(from, rt)
		}
	}()
}

func (rm *room) peerLeft(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dropPeerLocked(id)
}

func (rm *room) dropPeerLocked(id string) {
	p, ok := rm.peers[id]
	if !ok {
		return
	}
	delete(rm.peers, id)
	go func() {
		_ = p.pc.Close()
		if rm.ev.OnParticipantLeft != nil {
			rm.ev.OnParticipantLeft(id)
		}
	}()
}

func (rm *room) refreshState() {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return
	}
	next := call.StateConnected
	for _, p := range rm.peers {
		if p.state == webrtc.PeerConnectionStateDisconnected || p.state == webrtc.PeerConnectionStateFailed {
			next = call.StateReconnecting
			break
		}
	}
	rm.mu.Unlock()
	rm.setState(next)
}

func (rm *room) setState(s call.ConnectionState) {
	rm.mu.Lock()
	if rm.state == s || rm.closed {
		rm.mu.Unlock()
		return
	}
	rm.state = s
	rm.mu.Unlock()
	if rm.ev.OnConnectionState != nil {
		rm.ev.OnConnectionState(s)
	}
}

// CreateLocalTracks builds the room's outgoing tracks.
func (rm *room) CreateLocalTracks(_ context.Context, video bool) (call.LocalTracks, error) {
	audio, err := newLocalTrack(call.KindAudio, rm.uid)
	if err != nil {
		return call.LocalTracks{}, err
	}
	out := call.LocalTracks{Audio: audio}
	if video {
		v, err := newLocalTrack(call.KindVideo, rm.uid)
		if err != nil {
			return call.LocalTracks{}, err
		}
		out.Video = v
	}
	return out, nil
}

func asLocal(t call.Track) (*LocalTrack, error) {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("media: foreign track type %T", t)
	}
	return lt, nil
}

// Publish sends t to every peer. Re-publishing a hidden track just tells
// peers it is visible again.
func (rm *room) Publish(ctx context.Context, t call.Track) error {
	lt, err := asLocal(t)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return call.ErrLeft
	}
	_, had := rm.published[lt]
	rm.published[lt] = true
	if !had {
		for _, p := range rm.peers {
			rm.attachLocked(p, lt)
			if p.offerer {
				rm.negotiateLocked(p)
			} else {
				go rm.sendAsync(signal{Type: sigNegotiate, To: p.id})
			}
		}
	}
	rm.mu.Unlock()

	if had {
		return rm.send(ctx, signal{Type: sigPublish, Kind: lt.Kind()})
	}
	return nil
}

// Unpublish hides t from peers. The sender stays attached so turning the
// camera back on needs no renegotiation.
func (rm *room) Unpublish(ctx context.Context, t call.Track) error {
	lt, err := asLocal(t)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return call.ErrLeft
	}
	if _, ok := rm.published[lt]; !ok {
		rm.mu.Unlock()
		return nil
	}
	rm.mu.Unlock()
	return rm.send(ctx, signal{Type: sigUnpublish, Kind: lt.Kind()})
}

// Peers lists remote participants.
func (rm *room) Peers() []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]string, 0, len(rm.peers))
	for id := range rm.peers {
		out = append(out, id)
	}
	return out
}

func (rm *room) Leave() error {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil
	}
	rm.closed = true
	peers := rm.peers
	rm.peers = make(map[string]*peerConn)
	rm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = rm.send(ctx, signal{Type: sigLeave})
	cancel()

	var firstErr error
	for _, p := range peers {
		if err := p.pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := rm.conn.Leave(); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Infof("CALL [%s]: left room", rm.channel)
	return firstErr
}
