// Package p2p is the realtime transport: a libp2p host with gossipsub
// topics, one per channel, under a shared namespace.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/util"
)

var log = logging.Logger("rtcore/p2p")

func init() {
	// Dial failures and backoff errors from libp2p are noise here.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("mdns", "warn")
}

var (
	ErrNotLoggedIn = errors.New("p2p: not logged in")
	ErrChannelOpen = errors.New("p2p: channel already joined")
	ErrNoToken     = errors.New("p2p: empty messaging token")
)

type Options struct {
	ListenPort int
	Namespace  string
	Bootstrap  []string // multiaddrs ending in /p2p/<id>
	// DisableMDNS turns off LAN discovery.
	DisableMDNS bool
}

// Node is a logged-in libp2p presence. It satisfies session.Transport and
// channel.Transport.
type Node struct {
	opts Options

	mu       sync.Mutex
	h        host.Host
	ps       *pubsub.PubSub
	mdns     mdns.Service
	cancel   context.CancelFunc
	identity string
	token    string
	channels map[string]*conn

	seq    atomic.Int64
	ringMu sync.RWMutex
	onRing func(fromPeer string, call backend.IncomingCall)
}

func New(opts Options) *Node {
	if strings.TrimSpace(opts.Namespace) == "" {
		opts.Namespace = "rtcore"
	}
	return &Node{opts: opts, channels: make(map[string]*conn)}
}

// SetNamespace changes the topic prefix for channels joined afterwards.
func (n *Node) SetNamespace(ns string) {
	if ns = strings.TrimSpace(ns); ns == "" {
		return
	}
	n.mu.Lock()
	n.opts.Namespace = ns
	n.mu.Unlock()
}

type mdnsNotifee struct {
	h host.Host
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	_ = m.h.Connect(ctx, pi)
}

// Login starts the host under identity. Logging in again with the same
// identity only swaps the token. Peers do not verify the token; the node
// only refuses to run without one.
func (n *Node) Login(ctx context.Context, identity, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.h != nil {
		if n.identity == identity {
			n.token = token
			return nil
		}
		return fmt.Errorf("p2p: already logged in as %s", n.identity)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return err
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", n.opts.ListenPort)),
	)
	if err != nil {
		return err
	}

	// The pubsub router lives as long as the login, not the caller's ctx.
	nodeCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return err
	}

	var md mdns.Service
	if !n.opts.DisableMDNS {
		md = mdns.NewMdnsService(h, n.opts.Namespace, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			log.Warnf("P2P: mdns unavailable: %v", err)
			md = nil
		}
	}

	h.SetStreamHandler(RingProtoID, n.handleRing)
	n.h, n.ps, n.mdns, n.cancel = h, ps, md, cancel
	n.identity, n.token = identity, token

	for _, s := range n.opts.Bootstrap {
		if err := connectAddr(ctx, h, s); err != nil {
			log.Warnf("P2P: bootstrap %s: %v", s, err)
		}
	}
	log.Infof("P2P [%s]: logged in as peer %s", identity, h.ID())
	return nil
}

func connectAddr(ctx context.Context, h host.Host, s string) error {
	addr, err := ma.NewMultiaddr(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	return h.Connect(ctx, *pi)
}

// RenewToken replaces the token on the live login.
func (n *Node) RenewToken(_ context.Context, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.h == nil {
		return ErrNotLoggedIn
	}
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	n.token = token
	return nil
}

// liveLocked reports whether the node holds a host and a token.
func (n *Node) liveLocked() bool { return n.h != nil && n.token != "" }

// Logout closes every channel and the host.
func (n *Node) Logout() error {
	n.mu.Lock()
	h, md, cancel := n.h, n.mdns, n.cancel
	conns := make([]*conn, 0, len(n.channels))
	for _, c := range n.channels {
		conns = append(conns, c)
	}
	n.h, n.ps, n.mdns, n.cancel = nil, nil, nil, nil
	n.identity, n.token = "", ""
	n.mu.Unlock()

	if h == nil {
		return nil
	}
	for _, c := range conns {
		_ = c.Leave()
	}
	if md != nil {
		_ = md.Close()
	}
	cancel()
	return h.Close()
}

// Identity returns the logged-in identity.
func (n *Node) Identity() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity
}

// PeerID returns the libp2p peer id, or "" when logged out.
func (n *Node) PeerID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.h == nil {
		return ""
	}
	return n.h.ID().String()
}

// Addrs lists the host's full dialable addresses.
func (n *Node) Addrs() []string {
	n.mu.Lock()
	h := n.h
	n.mu.Unlock()
	if h == nil {
		return nil
	}
	var out []string
	for _, a := range h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}
	return out
}

// Connect dials another node by full multiaddr.
func (n *Node) Connect(ctx context.Context, addr string) error {
	n.mu.Lock()
	h := n.h
	n.mu.Unlock()
	if h == nil {
		return ErrNotLoggedIn
	}
	return connectAddr(ctx, h, addr)
}

func (n *Node) topicName(channel string) string {
	return n.opts.Namespace + "/" + channel
}
