package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/channel"
)

func TestLoginLifecycle(t *testing.T) {
	n := New(Options{DisableMDNS: true})
	ctx := context.Background()

	_, err := n.JoinChannel(ctx, "room", channel.Events{})
	require.ErrorIs(t, err, ErrNotLoggedIn)
	require.ErrorIs(t, n.RenewToken(ctx, "t"), ErrNotLoggedIn)

	require.ErrorIs(t, n.Login(ctx, "alice", ""), ErrNoToken)
	require.NoError(t, n.Login(ctx, "alice", "t1"))
	t.Cleanup(func() { _ = n.Logout() })
	assert.Equal(t, "alice", n.Identity())
	assert.NotEmpty(t, n.PeerID())
	assert.NotEmpty(t, n.Addrs())

	require.NoError(t, n.Login(ctx, "alice", "t2"), "same identity only swaps the token")
	require.Error(t, n.Login(ctx, "bob", "t3"))
	require.NoError(t, n.RenewToken(ctx, "t4"))
	require.ErrorIs(t, n.RenewToken(ctx, " "), ErrNoToken, "a blank renewal keeps the old token")

	c, err := n.JoinChannel(ctx, "room", channel.Events{})
	require.NoError(t, err)
	_, err = n.JoinChannel(ctx, "room", channel.Events{})
	require.ErrorIs(t, err, ErrChannelOpen)
	require.NoError(t, c.Leave())
	require.NoError(t, c.Leave())

	require.NoError(t, n.Logout())
	require.NoError(t, n.Logout())
	assert.Empty(t, n.PeerID())
}

func TestTwoNodesExchangeMessages(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local tcp listeners")
	}
	ctx := context.Background()

	a := New(Options{DisableMDNS: true, Namespace: "rtcore-test"})
	b := New(Options{DisableMDNS: true, Namespace: "rtcore-test"})
	require.NoError(t, a.Login(ctx, "alice", "ta"))
	t.Cleanup(func() { _ = a.Logout() })
	require.NoError(t, b.Login(ctx, "bob", "tb"))
	t.Cleanup(func() { _ = b.Logout() })
	require.NoError(t, b.Connect(ctx, a.Addrs()[0]))

	var mu sync.Mutex
	var got []string
	var joined []string
	_, err := a.JoinChannel(ctx, "room", channel.Events{
		OnText: func(text, sender string) {
			mu.Lock()
			got = append(got, sender+":"+text)
			mu.Unlock()
		},
		OnMemberJoined: func(id string) {
			mu.Lock()
			joined = append(joined, id)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	cb, err := b.JoinChannel(ctx, "room", channel.Events{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = cb.Send(ctx, "hello")
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && len(joined) > 0
	}, 15*time.Second, 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "bob:hello", got[0])
	assert.Contains(t, joined, "bob")
}

func TestRingDeliversCallRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local tcp listeners")
	}
	ctx := context.Background()

	callee := New(Options{DisableMDNS: true})
	caller := New(Options{DisableMDNS: true})
	require.NoError(t, callee.Login(ctx, "bob", "tb"))
	t.Cleanup(func() { _ = callee.Logout() })
	require.NoError(t, caller.Login(ctx, "alice", "ta"))
	t.Cleanup(func() { _ = caller.Logout() })
	require.NoError(t, caller.Connect(ctx, callee.Addrs()[0]))

	got := make(chan backend.IncomingCall, 1)
	callee.OnRing(func(_ string, c backend.IncomingCall) { got <- c })

	id, err := caller.Ring(ctx, callee.PeerID(), backend.IncomingCall{CallID: "c-1", CallerName: "Alice", CallType: "video"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case c := <-got:
		assert.Equal(t, "c-1", c.CallID)
		assert.Equal(t, "alice", c.CallerID, "caller identity fills an empty CallerID")
	case <-time.After(5 * time.Second):
		t.Fatal("ring not delivered")
	}

	_, err = caller.Ring(ctx, "not-a-peer", backend.IncomingCall{CallID: "c-2"})
	assert.Error(t, err)
}
