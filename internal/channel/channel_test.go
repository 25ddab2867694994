package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/rtcore/internal/backoff"
	"github.com/petervdpas/rtcore/internal/session"
)

type fakeLogin struct{ err error }

func (f fakeLogin) Acquire(ctx context.Context) (session.Credential, error) {
	if f.err != nil {
		return session.Credential{}, f.err
	}
	return session.Credential{Identity: "me", Token: "t"}, nil
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []string
	leaves int
}

func (c *fakeConn) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Leave() error {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeTransport struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]int // remaining failures per channel; -1 fails forever
	ev    map[string]Events
	conns map[string]*fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls: map[string]int{},
		fail:  map[string]int{},
		ev:    map[string]Events{},
		conns: map[string]*fakeConn{},
	}
}

func (f *fakeTransport) JoinChannel(ctx context.Context, name string, ev Events) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if n := f.fail[name]; n != 0 {
		if n > 0 {
			f.fail[name] = n - 1
		}
		return nil, errors.New("relay unavailable")
	}
	c := &fakeConn{}
	f.ev[name] = ev
	f.conns[name] = c
	return c, nil
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTransport) events(name string) Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev[name]
}

func (f *fakeTransport) conn(name string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[name]
}

func newTestManager(tr Transport, login Login) (*Manager, *clock.Mock) {
	mock := clock.NewMock()
	opts := DefaultOptions()
	opts.Clock = mock
	opts.Jitter = func(backoff.Policy) time.Duration { return 0 }
	return NewManager(login, tr, opts), mock
}

// waitAttempt waits until the n-th join attempt on h has failed and its retry
// timer is armed.
func waitAttempt(t *testing.T, tr *fakeTransport, h *Handle, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.count(h.Name()) == n && h.State() == StateBackoff
	}, time.Second, 2*time.Millisecond)
}

func waitJoined(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Joined():
	case <-time.After(time.Second):
		t.Fatalf("channel %s never joined", h.Name())
	}
}

func TestJoinBackoffResetsAfterSuccess(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["room"] = 3
	m, mock := newTestManager(tr, fakeLogin{})

	h, err := m.Join(context.Background(), "room", Handlers{})
	require.NoError(t, err)

	waitAttempt(t, tr, h, 1)
	mock.Add(999 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, tr.count("room"), "first retry waits 1s")
	mock.Add(time.Millisecond)

	waitAttempt(t, tr, h, 2)
	mock.Add(2 * time.Second)
	waitAttempt(t, tr, h, 3)
	assert.Equal(t, 3, h.Attempt())
	mock.Add(4 * time.Second)

	waitJoined(t, h)
	assert.Equal(t, 4, tr.count("room"))
	assert.Equal(t, 0, h.Attempt())

	// An unrelated failure starts again from the base delay.
	tr.mu.Lock()
	tr.fail["other"] = 1
	tr.mu.Unlock()
	o, err := m.Join(context.Background(), "other", Handlers{})
	require.NoError(t, err)
	waitAttempt(t, tr, o, 1)
	mock.Add(time.Second)
	waitJoined(t, o)
	assert.Equal(t, 2, tr.count("other"))
}

func TestEachChannelBacksOffOnItsOwn(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["a"] = -1
	tr.fail["b"] = 1
	m, mock := newTestManager(tr, fakeLogin{})

	a, err := m.Join(context.Background(), "a", Handlers{})
	require.NoError(t, err)
	b, err := m.Join(context.Background(), "b", Handlers{})
	require.NoError(t, err)
	waitAttempt(t, tr, a, 1)
	waitAttempt(t, tr, b, 1)

	// Both first retries use the base delay.
	mock.Add(time.Second)
	waitJoined(t, b)
	waitAttempt(t, tr, a, 2)
	assert.Equal(t, 2, tr.count("b"))
	assert.Equal(t, 0, b.Attempt())

	// b joining does not reset a, whose second retry still waits 2s.
	assert.Equal(t, 2, a.Attempt())
	mock.Add(1999 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, tr.count("a"))
	mock.Add(time.Millisecond)
	waitAttempt(t, tr, a, 3)
	assert.Equal(t, 3, a.Attempt())
}

func TestJoinReturnsExistingHandle(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(tr, fakeLogin{})

	var got []string
	a, err := m.Join(context.Background(), "room", Handlers{OnMessage: func(Message) { got = append(got, "a") }})
	require.NoError(t, err)
	waitJoined(t, a)

	b, err := m.Join(context.Background(), "room", Handlers{OnMessage: func(Message) { got = append(got, "b") }})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, tr.count("room"))

	tr.events("room").OnText("hello", "peer")
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, []string{"room"}, m.Names())
}

func TestJoinLoginFailure(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(tr, fakeLogin{err: session.ErrLoginFailed})

	_, err := m.Join(context.Background(), "room", Handlers{})
	require.ErrorIs(t, err, session.ErrLoginFailed)
	assert.Empty(t, m.Names())
	assert.Equal(t, 0, tr.count("room"))
}

func TestLeaveCancelsPendingRetry(t *testing.T) {
	tr := newFakeTransport()
	tr.fail["room"] = -1
	m, mock := newTestManager(tr, fakeLogin{})

	h, err := m.Join(context.Background(), "room", Handlers{})
	require.NoError(t, err)
	waitAttempt(t, tr, h, 1)

	h.Leave()
	h.Leave()
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, tr.count("room"))
	assert.Equal(t, StateReleased, h.State())
	assert.Empty(t, m.Names())

	_, err = h.SendMessage(context.Background(), "late")
	assert.ErrorIs(t, err, ErrReleased)
}

func TestDispatchFiltersEchoesAndDuplicates(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(tr, fakeLogin{})

	var msgs []Message
	var typing []bool
	h, err := m.Join(context.Background(), "room", Handlers{
		OnMessage: func(msg Message) { msgs = append(msgs, msg) },
		OnTyping:  func(sender string, on bool) { typing = append(typing, on) },
	})
	require.NoError(t, err)
	waitJoined(t, h)

	sent, err := h.SendMessage(context.Background(), "hi all")
	require.NoError(t, err)
	assert.True(t, sent.Self)

	ev := tr.events("room")
	base := time.UnixMilli(1_700_000_000_000)

	ev.OnText(EncodeChat("m0", "hi all", base), "me") // own echo
	ev.OnText(EncodeChat("m1", "hey", base), "peer")
	ev.OnText(EncodeChat("m2", "hey", base.Add(1500*time.Millisecond)), "peer") // duplicate
	ev.OnText(EncodeChat("m3", "hey", base.Add(5*time.Second)), "peer")         // outside window
	ev.OnText("not json at all", "peer")
	ev.OnText(EncodeTyping(true), "peer")
	ev.OnText(EncodeTyping(true), "me")

	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
	assert.Equal(t, "not json at all", msgs[2].Content)
	assert.Equal(t, []bool{true}, typing)
	assert.Len(t, h.History(), 4)
}

func TestTypingClearsAfterInactivity(t *testing.T) {
	tr := newFakeTransport()
	m, mock := newTestManager(tr, fakeLogin{})

	h, err := m.Join(context.Background(), "room", Handlers{})
	require.NoError(t, err)
	waitJoined(t, h)
	conn := tr.conn("room")

	require.NoError(t, h.SendTyping(context.Background(), true))
	mock.Add(2 * time.Second)
	require.NoError(t, h.SendTyping(context.Background(), true)) // renews the deadline
	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{EncodeTyping(true), EncodeTyping(true)}, conn.texts())

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		texts := conn.texts()
		return len(texts) == 3 && texts[2] == EncodeTyping(false)
	}, time.Second, 2*time.Millisecond)
}

func TestTypingIsThrottledOnTheWire(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(tr, fakeLogin{})

	h, err := m.Join(context.Background(), "room", Handlers{})
	require.NoError(t, err)
	waitJoined(t, h)

	for range 5 {
		require.NoError(t, h.SendTyping(context.Background(), true))
	}
	require.NoError(t, h.SendTyping(context.Background(), false))
	assert.Equal(t, []string{EncodeTyping(true), EncodeTyping(false)}, tr.conn("room").texts())
}

func TestReconnectAfterTransportDrop(t *testing.T) {
	tr := newFakeTransport()
	m, mock := newTestManager(tr, fakeLogin{})

	h, err := m.Join(context.Background(), "room", Handlers{})
	require.NoError(t, err)
	waitJoined(t, h)

	tr.events("room").OnClosed(errors.New("socket reset"))
	assert.Equal(t, StateBackoff, h.State())
	_, err = h.SendMessage(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotJoined)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return h.State() == StateJoined }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, tr.count("room"))
}

func TestDecode(t *testing.T) {
	e := Decode(`{"type":"typing","isTyping":true}`)
	assert.Equal(t, TypeTyping, e.Type)
	assert.True(t, e.Typing())

	e = Decode(`{"type":"typing"}`)
	assert.False(t, e.Typing())

	e = Decode(`{"content":"hi","timestamp":5}`)
	assert.Equal(t, TypeChat, e.Type)
	assert.Equal(t, int64(5), e.Timestamp)

	e = Decode(`{"foo":1}`)
	assert.Equal(t, Envelope{Type: TypeChat, Content: `{"foo":1}`}, e)

	e = Decode(`{broken`)
	assert.Equal(t, "{broken", e.Content)
}
