package reminder

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWake struct{ held atomic.Int32 }

func (w *fakeWake) Acquire() { w.held.Add(1) }
func (w *fakeWake) Release() { w.held.Add(-1) }

func newTestOverlay() (*Overlay, *clock.Mock, *fakeWake) {
	mock := clock.NewMock()
	wake := &fakeWake{}
	return newOverlay(mock, wake, time.Minute, 2500*time.Millisecond, 3*time.Second), mock, wake
}

func TestOverlayAcceptAndComplete(t *testing.T) {
	o, mock, wake := newTestOverlay()

	st := o.Present(Task{ID: "t1", Title: "Stretch"})
	assert.Equal(t, PhaseRinging, st.Phase)
	assert.NotEmpty(t, st.ID)

	_, err := o.Complete()
	require.ErrorIs(t, err, ErrInvalidTransition, "ringing cannot go straight to done")

	st, err = o.Accept()
	require.NoError(t, err)
	assert.Equal(t, PhaseAccepted, st.Phase)
	assert.EqualValues(t, 1, wake.held.Load())

	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		want := i
		require.Eventually(t, func() bool { return o.State().ElapsedSeconds == want }, time.Second, 2*time.Millisecond)
	}

	st, err = o.Complete()
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, st.Phase)
	assert.EqualValues(t, 0, wake.held.Load())

	// Counter stopped.
	mock.Add(2 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 3, o.State().ElapsedSeconds)

	_, err = o.Accept()
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.Decline()
	require.ErrorIs(t, err, ErrInvalidTransition)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return o.State().Phase == PhaseIdle }, time.Second, 2*time.Millisecond)
	assert.False(t, o.Busy())
}

func TestOverlaySnooze(t *testing.T) {
	o, mock, _ := newTestOverlay()
	var snoozed atomic.Int32
	o.hooks.onSnooze = func(t Task, minutes int) { snoozed.Store(int32(minutes)) }

	o.Present(Task{ID: "t1"})

	_, err := o.ConfirmSnooze(10, "busy")
	require.ErrorIs(t, err, ErrInvalidTransition, "panel must be open first")

	st, err := o.Decline()
	require.NoError(t, err)
	assert.True(t, st.SnoozePanel)
	assert.Equal(t, PhaseRinging, st.Phase)

	_, err = o.Accept()
	require.ErrorIs(t, err, ErrInvalidTransition)

	st, err = o.ConfirmSnooze(10, "busy")
	require.NoError(t, err)
	assert.Equal(t, PhaseSnoozed, st.Phase)
	assert.Equal(t, 10, st.SelectedSnoozeMinutes)
	assert.EqualValues(t, 10, snoozed.Load())

	mock.Add(2 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, PhaseSnoozed, o.State().Phase)

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return o.State().Phase == PhaseIdle }, time.Second, 2*time.Millisecond)
}

func TestOverlayPresentResetsState(t *testing.T) {
	o, mock, wake := newTestOverlay()

	first := o.Present(Task{ID: "t1"})
	_, err := o.Accept()
	require.NoError(t, err)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return o.State().ElapsedSeconds == 1 }, time.Second, 2*time.Millisecond)

	second := o.Present(Task{ID: "t2"})
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, State{ID: second.ID, Phase: PhaseRinging, Task: &Task{ID: "t2"}}, second)
	assert.EqualValues(t, 0, wake.held.Load())

	// The first overlay's counter no longer ticks.
	mock.Add(3 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, o.State().ElapsedSeconds)

	_, err = o.Decline()
	require.NoError(t, err)
	third := o.Present(Task{ID: "t3"})
	assert.False(t, third.SnoozePanel)
	assert.Zero(t, third.SelectedSnoozeMinutes)
}

func TestOverlaySubscribe(t *testing.T) {
	o, _, _ := newTestOverlay()
	ch, cancel := o.Subscribe()
	defer cancel()

	o.Present(Task{ID: "t1"})
	_, _ = o.Decline()

	assert.Equal(t, PhaseRinging, (<-ch).Phase)
	st := <-ch
	assert.True(t, st.SnoozePanel)
}

func TestOverlayRingsOutUnanswered(t *testing.T) {
	o, mock, wake := newTestOverlay()
	var missed atomic.Value
	var cleared atomic.Int32
	o.hooks.onMissed = func(t Task) { missed.Store(t.ID) }
	o.hooks.onCleared = func() { cleared.Add(1) }

	o.Present(Task{ID: "t1"})
	mock.Add(30 * time.Second)
	_, err := o.Decline()
	require.NoError(t, err)

	// Opening the snooze panel restarts the ring timeout.
	mock.Add(59 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, PhaseRinging, o.State().Phase)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return o.State().Phase == PhaseIdle }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return cleared.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "t1", missed.Load())

	// An answered reminder does not ring out.
	o.Present(Task{ID: "t2"})
	_, err = o.Accept()
	require.NoError(t, err)
	mock.Add(61 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, PhaseAccepted, o.State().Phase)
	assert.EqualValues(t, 1, wake.held.Load())
	assert.EqualValues(t, 1, cleared.Load())
}
