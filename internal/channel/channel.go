// Package channel maintains joined messaging channels on top of the shared
// login: one handle per channel name, reconnect with backoff, typing signals
// and consumer-side duplicate filtering.
package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/petervdpas/rtcore/internal/backoff"
	"github.com/petervdpas/rtcore/internal/metrics"
	"github.com/petervdpas/rtcore/internal/session"
	"github.com/petervdpas/rtcore/internal/util"
)

var log = logging.Logger("rtcore/channel")

var (
	ErrNotJoined = errors.New("channel: not joined")
	ErrReleased  = errors.New("channel: handle released")
)

// Events are the transport's callbacks for one joined channel.
type Events struct {
	OnText         func(text, senderID string)
	OnMemberJoined func(id string)
	OnMemberLeft   func(id string)
	// OnClosed reports that the transport dropped the channel.
	OnClosed func(err error)
}

// Conn is a joined channel on the transport.
type Conn interface {
	Send(ctx context.Context, text string) error
	Leave() error
}

// Transport joins channels on an already logged-in session.
type Transport interface {
	JoinChannel(ctx context.Context, name string, ev Events) (Conn, error)
}

// Login provides the shared login. *session.Broker implements it.
type Login interface {
	Acquire(ctx context.Context) (session.Credential, error)
}

// Message is a chat message as surfaced to handlers.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Self      bool      `json:"self"`
}

type Handlers struct {
	OnMessage      func(Message)
	OnTyping       func(senderID string, isTyping bool)
	OnMemberJoined func(id string)
	OnMemberLeft   func(id string)
}

type State string

const (
	StateConnecting State = "connecting"
	StateJoined     State = "joined"
	StateBackoff    State = "backoff"
	StateReleased   State = "released"
)

type Options struct {
	Backoff      backoff.Policy
	Jitter       func(backoff.Policy) time.Duration // nil draws random jitter
	TypingClear  time.Duration
	EchoWindow   time.Duration
	TypingPerSec float64
	HistorySize  int
	Clock        clock.Clock
}

func DefaultOptions() Options {
	return Options{
		Backoff:      backoff.Default(),
		TypingClear:  3 * time.Second,
		EchoWindow:   2 * time.Second,
		TypingPerSec: 1,
		HistorySize:  200,
		Clock:        clock.New(),
	}
}

// Manager is the registry of joined channels.
type Manager struct {
	login Login
	tr    Transport
	opts  Options
	clk   clock.Clock

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewManager(login Login, tr Transport, opts Options) *Manager {
	def := DefaultOptions()
	if opts.Backoff.Base <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.TypingClear <= 0 {
		opts.TypingClear = def.TypingClear
	}
	if opts.EchoWindow < 0 {
		opts.EchoWindow = def.EchoWindow
	}
	if opts.TypingPerSec <= 0 {
		opts.TypingPerSec = def.TypingPerSec
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Manager{
		login:   login,
		tr:      tr,
		opts:    opts,
		clk:     opts.Clock,
		handles: make(map[string]*Handle),
	}
}

// Join returns the handle for name, creating it if needed. A login failure is
// returned to the caller; join failures after that are retried in the
// background until the handle is released. Joining a name that already has
// a handle returns that handle with its handlers replaced.
func (m *Manager) Join(ctx context.Context, name string, h Handlers) (*Handle, error) {
	cred, err := m.login.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.handles[name]; ok {
		m.mu.Unlock()
		existing.setHandlers(h)
		return existing, nil
	}
	hctx, cancel := context.WithCancel(context.Background())
	bo := backoff.New(m.opts.Backoff)
	if m.opts.Jitter != nil {
		bo.WithJitter(m.opts.Jitter)
	}
	hd := &Handle{
		m:        m,
		name:     name,
		identity: cred.Identity,
		handlers: h,
		ctx:      hctx,
		cancel:   cancel,
		state:    StateConnecting,
		joined:   make(chan struct{}),
		bo:       bo,
		history:  util.NewRingBuffer[Message](m.opts.HistorySize),
		limiter:  rate.NewLimiter(rate.Limit(m.opts.TypingPerSec), 1),
	}
	m.handles[name] = hd
	m.mu.Unlock()

	metrics.ChannelsActive.Inc()
	log.Infof("CHANNEL [%s]: joining as %s", name, cred.Identity)
	go hd.connect()
	return hd, nil
}

// Get returns the live handle for name.
func (m *Manager) Get(name string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	return h, ok
}

// Names lists the channels with a live handle.
func (m *Manager) Names() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.handles))
	for n := range m.handles {
		out = append(out, n)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// LeaveAll releases every handle, as on logout.
func (m *Manager) LeaveAll() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h.Leave()
	}
}

func (m *Manager) unregister(h *Handle) {
	m.mu.Lock()
	if m.handles[h.name] == h {
		delete(m.handles, h.name)
	}
	m.mu.Unlock()
}

// Handle is one joined channel.
type Handle struct {
	m        *Manager
	name     string
	identity string

	ctx    context.Context // cancelled on Leave; aborts an in-flight join
	cancel context.CancelFunc
	bo     *backoff.Backoff

	history *util.RingBuffer[Message]
	limiter *rate.Limiter

	mu         sync.Mutex
	handlers   Handlers
	conn       Conn
	epoch      int // bumped per connect attempt; stale transport callbacks are ignored
	state      State
	released   bool
	joined     chan struct{}
	joinedOnce bool
	retry      *clock.Timer
	typing     *clock.Timer
	typingOn   bool
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempt returns the consecutive failed joins since the last success.
func (h *Handle) Attempt() int { return h.bo.Attempt() }

// Joined is closed after the first successful join.
func (h *Handle) Joined() <-chan struct{} { return h.joined }

func (h *Handle) setHandlers(hs Handlers) {
	h.mu.Lock()
	h.handlers = hs
	h.mu.Unlock()
}

func (h *Handle) currentHandlers() Handlers {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handlers
}

func (h *Handle) connect() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.retry = nil
	h.epoch++
	epoch := h.epoch
	h.state = StateConnecting
	h.mu.Unlock()

	conn, err := h.m.tr.JoinChannel(h.ctx, h.name, h.events(epoch))

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		if conn != nil {
			_ = conn.Leave()
		}
		return
	}
	if err != nil {
		metrics.ChannelJoins.WithLabelValues("error").Inc()
		h.scheduleRetryLocked(err)
		h.mu.Unlock()
		return
	}
	h.bo.Reset()
	h.conn = conn
	h.state = StateJoined
	if !h.joinedOnce {
		h.joinedOnce = true
		close(h.joined)
	}
	h.mu.Unlock()

	metrics.ChannelJoins.WithLabelValues("ok").Inc()
	log.Infof("CHANNEL [%s]: joined", h.name)
}

func (h *Handle) scheduleRetryLocked(cause error) {
	attempt := h.bo.Attempt()
	delay := h.bo.Next()
	h.state = StateBackoff
	h.retry = h.m.clk.AfterFunc(delay, h.connect)
	log.Warnf("CHANNEL [%s]: join attempt %d failed, retrying in %s: %v", h.name, attempt+1, delay, cause)
}

func (h *Handle) events(epoch int) Events {
	return Events{
		OnText: func(text, senderID string) {
			h.dispatch(text, senderID)
		},
		OnMemberJoined: func(id string) {
			if fn := h.currentHandlers().OnMemberJoined; fn != nil {
				fn(id)
			}
		},
		OnMemberLeft: func(id string) {
			if fn := h.currentHandlers().OnMemberLeft; fn != nil {
				fn(id)
			}
		},
		OnClosed: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.released || h.epoch != epoch || h.retry != nil {
				return
			}
			h.conn = nil
			if err == nil {
				err = errors.New("closed by transport")
			}
			h.scheduleRetryLocked(err)
		},
	}
}

func (h *Handle) dispatch(text, senderID string) {
	env := Decode(text)
	hs := h.currentHandlers()

	if env.Type == TypeTyping {
		if senderID != h.identity && hs.OnTyping != nil {
			hs.OnTyping(senderID, env.Typing())
		}
		return
	}

	if senderID == h.identity {
		// Our own message coming back; already rendered when sent.
		metrics.ChannelMessages.WithLabelValues("dropped").Inc()
		return
	}

	at := h.m.clk.Now()
	if env.Timestamp > 0 {
		at = time.UnixMilli(env.Timestamp)
	}
	msg := Message{
		ID:        env.ID,
		Channel:   h.name,
		SenderID:  senderID,
		Content:   env.Content,
		Timestamp: at,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if h.isDuplicate(msg) {
		metrics.ChannelMessages.WithLabelValues("dropped").Inc()
		log.Debugf("CHANNEL [%s]: dropped duplicate from %s", h.name, senderID)
		return
	}
	h.history.Push(msg)
	metrics.ChannelMessages.WithLabelValues("in").Inc()
	if hs.OnMessage != nil {
		hs.OnMessage(msg)
	}
}

// isDuplicate matches a surfaced message from someone else with the same
// content within the echo window.
func (h *Handle) isDuplicate(msg Message) bool {
	window := h.m.opts.EchoWindow
	return h.history.Any(func(prev Message) bool {
		if prev.Self || prev.Content != msg.Content {
			return false
		}
		d := msg.Timestamp.Sub(prev.Timestamp)
		if d < 0 {
			d = -d
		}
		return d <= window
	})
}

// History returns surfaced and sent messages, oldest first.
func (h *Handle) History() []Message { return h.history.Snapshot() }

// SendMessage publishes a chat message and records it as self-originated.
func (h *Handle) SendMessage(ctx context.Context, content string) (Message, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return Message{}, ErrReleased
	}
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return Message{}, ErrNotJoined
	}

	msg := Message{
		ID:        uuid.NewString(),
		Channel:   h.name,
		SenderID:  h.identity,
		Content:   content,
		Timestamp: h.m.clk.Now(),
		Self:      true,
	}
	if err := conn.Send(ctx, EncodeChat(msg.ID, msg.Content, msg.Timestamp)); err != nil {
		return Message{}, err
	}
	h.history.Push(msg)
	metrics.ChannelMessages.WithLabelValues("out").Inc()
	return msg, nil
}

// SendTyping signals typing state. A true signal clears itself after the
// typing-clear delay unless renewed. Repeated true signals are rate limited
// on the wire but always push the clear deadline back.
func (h *Handle) SendTyping(ctx context.Context, isTyping bool) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrReleased
	}
	conn := h.conn
	if h.typing != nil {
		h.typing.Stop()
		h.typing = nil
	}

	send := false
	if isTyping {
		h.typing = h.m.clk.AfterFunc(h.m.opts.TypingClear, h.clearTyping)
		allowed := h.limiter.AllowN(h.m.clk.Now(), 1)
		send = !h.typingOn || allowed
		h.typingOn = true
	} else {
		send = h.typingOn
		h.typingOn = false
	}
	h.mu.Unlock()

	if !send {
		return nil
	}
	if conn == nil {
		return ErrNotJoined
	}
	return conn.Send(ctx, EncodeTyping(isTyping))
}

func (h *Handle) clearTyping() {
	h.mu.Lock()
	if h.released || !h.typingOn {
		h.mu.Unlock()
		return
	}
	h.typingOn = false
	h.typing = nil
	conn := h.conn
	h.mu.Unlock()

	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := conn.Send(ctx, EncodeTyping(false)); err != nil {
		log.Debugf("CHANNEL [%s]: typing clear: %v", h.name, err)
	}
}

// Leave releases the channel. It cancels pending retry and typing timers and
// is safe to call more than once.
func (h *Handle) Leave() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.state = StateReleased
	if h.retry != nil {
		h.retry.Stop()
		h.retry = nil
	}
	if h.typing != nil {
		h.typing.Stop()
		h.typing = nil
	}
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.cancel()
	h.m.unregister(h)
	metrics.ChannelsActive.Dec()

	if conn != nil {
		if err := conn.Leave(); err != nil {
			log.Debugf("CHANNEL [%s]: leave: %v", h.name, err)
		}
	}
	log.Infof("CHANNEL [%s]: released", h.name)
}
