package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/rtcore/internal/backend"
)

// RingProtoID carries call requests straight to the callee's host.
// Wire format: one newline-delimited JSON ringMsg, answered by one ringAck.
const RingProtoID = protocol.ID("/rtcore/ring/1.0.0")

const (
	ringTypeMsg = "ring"
	ringTypeAck = "ack"

	// ackTimeout bounds dial plus acknowledgement on the caller side.
	ackTimeout = 10 * time.Second
)

type ringMsg struct {
	Type string               `json:"type"`
	ID   string               `json:"id"`
	Seq  int64                `json:"seq"`
	Call backend.IncomingCall `json:"call"`
}

type ringAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Seq  int64  `json:"seq"`
}

// OnRing installs the receiver for call requests from other peers. The
// sender's identity is filled into CallerID when the request left it empty.
func (n *Node) OnRing(fn func(fromPeer string, call backend.IncomingCall)) {
	n.ringMu.Lock()
	n.onRing = fn
	n.ringMu.Unlock()
}

// Ring delivers a call request to peerID and waits for its transport ack.
// It returns the request id.
func (n *Node) Ring(ctx context.Context, peerID string, call backend.IncomingCall) (string, error) {
	n.mu.Lock()
	h, self, live := n.h, n.identity, n.liveLocked()
	n.mu.Unlock()
	if !live {
		return "", ErrNotLoggedIn
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("p2p: invalid peer id %q: %w", peerID, err)
	}
	if call.CallerID == "" {
		call.CallerID = self
	}

	msg := ringMsg{Type: ringTypeMsg, ID: uuid.NewString(), Seq: n.seq.Add(1), Call: call}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	s, err := h.NewStream(dialCtx, pid, RingProtoID)
	if err != nil {
		return "", fmt.Errorf("p2p: open ring stream to %s: %w", peerID, err)
	}
	defer s.Close()

	if err := json.NewEncoder(s).Encode(msg); err != nil {
		return "", fmt.Errorf("p2p: encode ring: %w", err)
	}
	var ack ringAck
	_ = s.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&ack); err != nil {
		return "", fmt.Errorf("p2p: waiting for ring ack from %s: %w", peerID, err)
	}
	if ack.ID != msg.ID {
		return "", fmt.Errorf("p2p: ring ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}
	log.Infof("P2P: rang %s for call %s via %s", short(peerID), call.CallID, connVia(s))
	return msg.ID, nil
}

// handleRing reads one request, acks it at once, then dispatches.
func (n *Node) handleRing(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()

	_ = s.SetReadDeadline(time.Now().Add(30 * time.Second))
	var msg ringMsg
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&msg); err != nil {
		log.Debugf("P2P: ring decode from %s: %v", short(from), err)
		return
	}
	if msg.Type != ringTypeMsg || strings.TrimSpace(msg.Call.CallID) == "" {
		log.Debugf("P2P: dropping malformed ring from %s", short(from))
		return
	}

	_ = s.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(s).Encode(ringAck{Type: ringTypeAck, ID: msg.ID, Seq: msg.Seq}); err != nil {
		// The request is already here; still surface it.
		log.Debugf("P2P: ring ack to %s: %v", short(from), err)
	}

	n.ringMu.RLock()
	fn := n.onRing
	n.ringMu.RUnlock()
	if fn == nil {
		log.Warnf("P2P: ring for call %s from %s with no receiver", msg.Call.CallID, short(from))
		return
	}
	if msg.Call.CallerID == "" {
		msg.Call.CallerID = from
	}
	log.Infof("P2P: ring for call %s from %s", msg.Call.CallID, short(from))
	go fn(from, msg.Call)
}

// connVia reports "relay:<id>" for circuit-relayed streams and "direct"
// otherwise.
func connVia(s network.Stream) string {
	addr := s.Conn().RemoteMultiaddr().String()
	i := strings.Index(addr, "/p2p-circuit")
	if i < 0 {
		return "direct"
	}
	before := addr[:i]
	if j := strings.LastIndex(before, "/p2p/"); j >= 0 {
		return "relay:" + short(before[j+5:])
	}
	return "relay"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
