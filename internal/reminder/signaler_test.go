package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/rtcore/internal/notify"
)

type fakeHaptics struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeHaptics) Vibrate([]time.Duration) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
}

func (h *fakeHaptics) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

var testNow = time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)

func newTestSignaler(t *testing.T) (*Signaler, *clock.Mock, *notify.LogSurface, *fakeHaptics) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testNow)
	surface := notify.NewLogSurface(true)
	haptics := &fakeHaptics{}
	opts := DefaultOptions()
	opts.Clock = mock
	s := New(surface, haptics, &fakeWake{}, opts)
	t.Cleanup(s.Stop)
	return s, mock, surface, haptics
}

func TestScheduleAllSkipsPastAndReplaces(t *testing.T) {
	s, _, _, _ := newTestSignaler(t)

	tasks, _ := Normalize([]byte(`[
		{"id":"t1","date":"2026-02-27","startTime":"2:30 PM"},
		{"id":"late","date":"2026-02-27","startTime":"08:59"}
	]`), time.UTC)
	require.Len(t, tasks, 2)
	assert.Equal(t, time.Date(2026, 2, 27, 14, 30, 0, 0, time.UTC), tasks[0].ScheduledAt)

	assert.Equal(t, 1, s.ScheduleAll(tasks))
	assert.Equal(t, []string{"t1"}, s.Scheduled())

	assert.Equal(t, 1, s.ScheduleAll([]Task{{ID: "t9", ScheduledAt: testNow.Add(time.Hour)}}))
	assert.Equal(t, []string{"t9"}, s.Scheduled())
}

func TestFireWhileVisibleRings(t *testing.T) {
	s, mock, _, haptics := newTestSignaler(t)

	s.ScheduleAll([]Task{{ID: "t1", Title: "Stretch", ScheduledAt: testNow.Add(time.Minute)}})
	mock.Add(time.Minute)

	require.Eventually(t, func() bool { return s.Overlay().State().Phase == PhaseRinging }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "t1", s.Overlay().State().Task.ID)
	assert.Equal(t, 1, haptics.count())
	assert.Empty(t, s.Scheduled())
}

func TestFireWhileHiddenDefersUntilResume(t *testing.T) {
	s, mock, surface, _ := newTestSignaler(t)
	s.SetVisible(false)

	s.ScheduleAll([]Task{{ID: "t1", Title: "Stretch", ScheduledAt: testNow.Add(time.Minute)}})
	mock.Add(time.Minute)

	require.Eventually(t, func() bool {
		_, ok := s.Pending()
		return ok
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, PhaseIdle, s.Overlay().State().Phase, "no overlay while hidden")

	shown := surface.Shown()
	require.Len(t, shown, 1)
	assert.Equal(t, notify.StableID("t1"), shown[0].ID)
	assert.Equal(t, notify.ChannelTaskReminder, shown[0].Channel)
	assert.True(t, shown[0].FullScreen)

	s.SetVisible(true)
	assert.Equal(t, PhaseRinging, s.Overlay().State().Phase)
	assert.Equal(t, "t1", s.Overlay().State().Task.ID)
	_, ok := s.Pending()
	assert.False(t, ok)
	assert.Empty(t, surface.Shown(), "notification replaced by the overlay")

	// A second resume does not ring again.
	first := s.Overlay().State().ID
	s.SetVisible(false)
	s.SetVisible(true)
	assert.Equal(t, first, s.Overlay().State().ID)
}

func TestHiddenWithoutPermissionStillPends(t *testing.T) {
	s, mock, surface, _ := newTestSignaler(t)
	surface.SetPermitted(false)
	s.SetVisible(false)

	s.ScheduleAll([]Task{{ID: "t1", ScheduledAt: testNow.Add(time.Second)}})
	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		_, ok := s.Pending()
		return ok
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, surface.Shown())

	assert.True(t, s.OpenFromNotification("t1"))
	assert.Equal(t, PhaseRinging, s.Overlay().State().Phase)
}

func TestBusyOverlayQueuesUntilCleared(t *testing.T) {
	s, mock, _, _ := newTestSignaler(t)

	s.TriggerNow(Task{ID: "t1"})
	s.ScheduleAll([]Task{{ID: "t2", ScheduledAt: testNow.Add(time.Second)}})
	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		p, ok := s.Pending()
		return ok && p.ID == "t2"
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, "t1", s.Overlay().State().Task.ID)

	_, err := s.Overlay().Accept()
	require.NoError(t, err)
	_, err = s.Overlay().Complete()
	require.NoError(t, err)
	mock.Add(3 * time.Second)

	require.Eventually(t, func() bool {
		st := s.Overlay().State()
		return st.Phase == PhaseRinging && st.Task.ID == "t2"
	}, time.Second, 2*time.Millisecond)
	_, ok := s.Pending()
	assert.False(t, ok)
}

func TestSnoozeRearmsTask(t *testing.T) {
	s, mock, _, _ := newTestSignaler(t)

	s.TriggerNow(Task{ID: "t1", Title: "Stretch"})
	_, err := s.Overlay().Decline()
	require.NoError(t, err)
	_, err = s.Overlay().ConfirmSnooze(5, "in a meeting")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, s.Scheduled())

	mock.Add(2500 * time.Millisecond)
	require.Eventually(t, func() bool { return !s.Overlay().Busy() }, time.Second, 2*time.Millisecond)

	mock.Add(5 * time.Minute)
	require.Eventually(t, func() bool { return s.Overlay().State().Phase == PhaseRinging }, time.Second, 2*time.Millisecond)
}

func TestTriggerNowDoesNotInterruptTaskInProgress(t *testing.T) {
	s, mock, _, _ := newTestSignaler(t)

	require.True(t, s.TriggerNow(Task{ID: "t1"}))
	_, err := s.Overlay().Accept()
	require.NoError(t, err)
	_, err = s.Overlay().Complete()
	require.NoError(t, err)
	mock.Add(time.Second)

	assert.False(t, s.TriggerNow(Task{ID: "t2"}))
	st := s.Overlay().State()
	assert.Equal(t, PhaseDone, st.Phase, "done only leaves through the auto-clear")
	assert.Equal(t, "t1", st.Task.ID)
	p, ok := s.Pending()
	require.True(t, ok)
	assert.Equal(t, "t2", p.ID)

	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool {
		st := s.Overlay().State()
		return st.Phase == PhaseRinging && st.Task.ID == "t2"
	}, time.Second, 2*time.Millisecond)
}

func TestOpenFromNotificationWhileAccepted(t *testing.T) {
	s, _, _, _ := newTestSignaler(t)
	wake := s.Overlay().wake.(*fakeWake)

	s.ScheduleAll([]Task{{ID: "t3", ScheduledAt: testNow.Add(time.Hour)}})
	s.TriggerNow(Task{ID: "t1"})
	_, err := s.Overlay().Accept()
	require.NoError(t, err)

	assert.False(t, s.OpenFromNotification("t3"))
	st := s.Overlay().State()
	assert.Equal(t, PhaseAccepted, st.Phase)
	assert.Equal(t, "t1", st.Task.ID)
	assert.EqualValues(t, 1, wake.held.Load(), "the running task keeps the display on")

	p, ok := s.Pending()
	require.True(t, ok)
	assert.Equal(t, "t3", p.ID)
	assert.Empty(t, s.Scheduled(), "an opened task does not fire again")
}

func TestUnansweredReminderLetsQueueDrain(t *testing.T) {
	s, mock, _, _ := newTestSignaler(t)

	s.TriggerNow(Task{ID: "t1"})
	s.ScheduleAll([]Task{
		{ID: "t2", ScheduledAt: testNow.Add(time.Second)},
		{ID: "t3", ScheduledAt: testNow.Add(2 * time.Second)},
	})
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(s.PendingAll()) == 1 }, time.Second, 2*time.Millisecond)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(s.PendingAll()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "t2", s.PendingAll()[0].ID)
	assert.Equal(t, "t3", s.PendingAll()[1].ID)

	mock.Add(58 * time.Second)
	require.Eventually(t, func() bool {
		st := s.Overlay().State()
		return st.Phase == PhaseRinging && st.Task.ID == "t2"
	}, time.Second, 2*time.Millisecond)

	mock.Add(time.Minute)
	require.Eventually(t, func() bool {
		st := s.Overlay().State()
		return st.Phase == PhaseRinging && st.Task.ID == "t3"
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, s.PendingAll())
}

type fakeSource struct{ raw string }

func (f fakeSource) TodayTasks(context.Context) ([]byte, error) { return []byte(f.raw), nil }

func TestSyncRunOnce(t *testing.T) {
	s, _, _, _ := newTestSignaler(t)
	src := fakeSource{raw: `{"tasks":[
		{"id":"a","date":"2026-02-27","startTime":"10:00"},
		{"id":"b","date":"2026-02-27","startTime":"8:00 AM"},
		{"id":"c","date":"2026-02-27","startTime":"soon"}
	]}`}

	job := NewSync(src, s, "", time.UTC)
	n, err := job.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, s.Scheduled())
}
