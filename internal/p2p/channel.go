package p2p

import (
	"context"
	"encoding/json"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/rtcore/internal/channel"
	"github.com/petervdpas/rtcore/internal/util"
)

const (
	kindMsg   = "msg"
	kindHello = "hello"
	kindBye   = "bye"
)

// frame is what goes on a channel topic. From is the sender's login identity.
type frame struct {
	From string `json:"from"`
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

type conn struct {
	n      *Node
	name   string
	self   peer.ID
	ident  string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler
	ev     channel.Events
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	members map[peer.ID]string // peer -> identity, learned from hello frames
	closed  bool
}

// JoinChannel subscribes to the channel topic and announces this member.
func (n *Node) JoinChannel(ctx context.Context, name string, ev channel.Events) (channel.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.liveLocked() {
		return nil, ErrNotLoggedIn
	}
	if _, ok := n.channels[name]; ok {
		return nil, ErrChannelOpen
	}

	topic, err := n.ps.Join(n.topicName(name))
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, err
	}
	events, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = topic.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		n:       n,
		name:    name,
		self:    n.h.ID(),
		ident:   n.identity,
		topic:   topic,
		sub:     sub,
		events:  events,
		ev:      ev,
		ctx:     cctx,
		cancel:  cancel,
		members: make(map[peer.ID]string),
	}
	n.channels[name] = c

	go c.readLoop()
	go c.eventLoop()
	c.publish(ctx, frame{Kind: kindHello})
	log.Debugf("P2P [%s]: joined topic %s", name, n.topicName(name))
	return c, nil
}

func (c *conn) publish(ctx context.Context, f frame) error {
	f.From = c.ident
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, b)
}

func (c *conn) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrNotLoggedIn
	}
	return c.publish(ctx, frame{Kind: kindMsg, Text: text})
}

func (c *conn) readLoop() {
	for {
		m, err := c.sub.Next(c.ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.ev.OnClosed != nil {
				c.ev.OnClosed(err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(m.Data, &f); err != nil || f.From == "" {
			continue
		}
		from := m.ReceivedFrom

		switch f.Kind {
		case kindMsg:
			if c.ev.OnText != nil {
				c.ev.OnText(f.Text, f.From)
			}
		case kindHello:
			if from == c.self {
				continue
			}
			c.mu.Lock()
			_, known := c.members[from]
			c.members[from] = f.From
			c.mu.Unlock()
			if !known && c.ev.OnMemberJoined != nil {
				c.ev.OnMemberJoined(f.From)
			}
		case kindBye:
			if from == c.self {
				continue
			}
			c.memberGone(from)
		}
	}
}

func (c *conn) eventLoop() {
	for {
		pe, err := c.events.NextPeerEvent(c.ctx)
		if err != nil {
			return
		}
		switch pe.Type {
		case pubsub.PeerJoin:
			// Introduce ourselves to the newcomer.
			_ = c.publish(c.ctx, frame{Kind: kindHello})
		case pubsub.PeerLeave:
			c.memberGone(pe.Peer)
		}
	}
}

func (c *conn) memberGone(p peer.ID) {
	c.mu.Lock()
	ident, ok := c.members[p]
	delete(c.members, p)
	c.mu.Unlock()
	if ok && c.ev.OnMemberLeft != nil {
		c.ev.OnMemberLeft(ident)
	}
}

// Members returns the identities currently known on the channel.
func (c *conn) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for _, id := range c.members {
		out = append(out, id)
	}
	return out
}

func (c *conn) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	_ = c.publish(ctx, frame{Kind: kindBye})
	cancel()

	c.cancel()
	c.sub.Cancel()
	c.events.Cancel()

	c.n.mu.Lock()
	if c.n.channels[c.name] == c {
		delete(c.n.channels, c.name)
	}
	c.n.mu.Unlock()
	return c.topic.Close()
}
