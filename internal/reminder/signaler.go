package reminder

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtcore/internal/metrics"
	"github.com/petervdpas/rtcore/internal/notify"
	"github.com/petervdpas/rtcore/internal/util"
)

var log = logging.Logger("rtcore/reminder")

// Haptics plays a vibration pattern (alternating on/off durations).
type Haptics interface {
	Vibrate(pattern []time.Duration)
}

// RingPattern is played when a reminder rings in the foreground.
var RingPattern = []time.Duration{
	400 * time.Millisecond, 200 * time.Millisecond,
	400 * time.Millisecond, 200 * time.Millisecond,
	400 * time.Millisecond,
}

type Options struct {
	Clock       clock.Clock
	RingTimeout time.Duration
	SnoozeClear time.Duration
	DoneClear   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Clock:       clock.New(),
		RingTimeout: time.Minute,
		SnoozeClear: 2500 * time.Millisecond,
		DoneClear:   3 * time.Second,
	}
}

// Signaler owns the reminder timers, the pending queue and the overlay.
type Signaler struct {
	clk     clock.Clock
	surface notify.Surface
	haptics Haptics
	overlay *Overlay

	mu      sync.Mutex
	timers  map[string]*clock.Timer
	tasks   map[string]Task
	visible bool
	pending []Task // deferred reminders, oldest first
	stopped bool
}

func New(surface notify.Surface, haptics Haptics, wake WakeLock, opts Options) *Signaler {
	def := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = def.RingTimeout
	}
	if opts.SnoozeClear <= 0 {
		opts.SnoozeClear = def.SnoozeClear
	}
	if opts.DoneClear <= 0 {
		opts.DoneClear = def.DoneClear
	}
	s := &Signaler{
		clk:     opts.Clock,
		surface: surface,
		haptics: haptics,
		timers:  make(map[string]*clock.Timer),
		tasks:   make(map[string]Task),
		visible: true,
	}
	s.overlay = newOverlay(opts.Clock, wake, opts.RingTimeout, opts.SnoozeClear, opts.DoneClear)
	s.overlay.hooks = overlayHooks{
		onSnooze:  s.rearm,
		onMissed:  s.missed,
		onCleared: s.flushPending,
	}
	return s
}

// Overlay returns the reminder overlay.
func (s *Signaler) Overlay() *Overlay { return s.overlay }

// ScheduleAll replaces every armed reminder with tasks. Tasks whose time has
// already passed are dropped. Returns how many were armed.
func (s *Signaler) ScheduleAll(tasks []Task) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	clear(s.tasks)

	now := s.clk.Now()
	for _, t := range tasks {
		if !t.ScheduledAt.After(now) {
			log.Debugf("REMINDER [%s]: %s is in the past, skipped", t.ID, t.ScheduledAt.Format(time.RFC3339))
			continue
		}
		s.armLocked(t, t.ScheduledAt.Sub(now))
	}
	metrics.RemindersScheduled.Set(float64(len(s.timers)))
	return len(s.timers)
}

func (s *Signaler) armLocked(t Task, d time.Duration) {
	if old, ok := s.timers[t.ID]; ok {
		old.Stop()
	}
	s.tasks[t.ID] = t
	s.timers[t.ID] = s.clk.AfterFunc(d, func() { s.fire(t.ID) })
}

// Scheduled returns the ids of armed reminders.
func (s *Signaler) Scheduled() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.timers))
	for id := range s.timers {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Signaler) fire(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	delete(s.tasks, id)
	metrics.RemindersScheduled.Set(float64(len(s.timers)))
	s.mu.Unlock()

	s.dispatch(t)
}

func (s *Signaler) dispatch(t Task) {
	s.mu.Lock()
	if !s.visible {
		s.deferLocked(t)
		s.mu.Unlock()
		metrics.RemindersFired.WithLabelValues("notification").Inc()
		log.Infof("REMINDER [%s]: host hidden, deferring", t.ID)
		s.showNotification(t)
		return
	}
	if s.overlay.Busy() {
		s.deferLocked(t)
		s.mu.Unlock()
		metrics.RemindersFired.WithLabelValues("pending").Inc()
		log.Infof("REMINDER [%s]: overlay busy, queued", t.ID)
		return
	}
	s.mu.Unlock()

	s.present(t)
}

// deferLocked queues t, replacing an earlier entry for the same task.
func (s *Signaler) deferLocked(t Task) {
	s.pending = slices.DeleteFunc(s.pending, func(p Task) bool { return p.ID == t.ID })
	s.pending = append(s.pending, t)
}

func (s *Signaler) takePendingLocked(id string) (Task, bool) {
	i := slices.IndexFunc(s.pending, func(p Task) bool { return p.ID == id })
	if i < 0 {
		return Task{}, false
	}
	t := s.pending[i]
	s.pending = slices.Delete(s.pending, i, i+1)
	return t, true
}

func (s *Signaler) present(t Task) {
	s.overlay.Present(t)
	metrics.RemindersFired.WithLabelValues("overlay").Inc()
	if s.haptics != nil {
		s.haptics.Vibrate(RingPattern)
	}
	if s.surface != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.surface.Cancel(ctx, notify.StableID(t.ID))
	}
	log.Infof("REMINDER [%s]: ringing %q", t.ID, t.Title)
}

func (s *Signaler) showNotification(t Task) {
	if s.surface == nil || !s.surface.Permitted() {
		return
	}
	var parts []string
	for _, p := range []string{t.DreamLabel, t.DurationLabel} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	body := strings.Join(parts, " · ")
	n := notify.Notification{
		ID:         notify.StableID(t.ID),
		Channel:    notify.ChannelTaskReminder,
		Title:      t.Title,
		Body:       body,
		Actions:    notify.ReminderActions(),
		FullScreen: true,
		Data:       map[string]string{"taskId": t.ID},
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := s.surface.Show(ctx, n); err != nil {
		log.Warnf("REMINDER [%s]: notification failed: %v", t.ID, err)
	}
}

// TriggerNow rings t immediately, or queues it while another reminder is on
// screen. Reports whether it rang.
func (s *Signaler) TriggerNow(t Task) bool {
	s.mu.Lock()
	s.takePendingLocked(t.ID)
	if s.overlay.Busy() {
		s.deferLocked(t)
		s.mu.Unlock()
		log.Infof("REMINDER [%s]: overlay busy, queued", t.ID)
		return false
	}
	s.mu.Unlock()

	s.present(t)
	return true
}

// SetVisible records host visibility. Becoming visible presents the pending
// reminder, if any.
func (s *Signaler) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	if visible {
		s.flushPending()
	}
}

// OpenFromNotification handles a tap on a reminder notification: the host is
// visible and the tapped task rings. While another reminder is on screen the
// tapped task moves to the front of the queue instead. Reports whether it
// rang.
func (s *Signaler) OpenFromNotification(taskID string) bool {
	s.mu.Lock()
	s.visible = true
	t, ok := s.takePendingLocked(taskID)
	if !ok {
		if t, ok = s.tasks[taskID]; ok {
			s.timers[taskID].Stop()
			delete(s.timers, taskID)
			delete(s.tasks, taskID)
			metrics.RemindersScheduled.Set(float64(len(s.timers)))
		}
	}
	if !ok {
		s.mu.Unlock()
		s.flushPending()
		return false
	}
	if s.overlay.Busy() {
		s.pending = slices.Insert(s.pending, 0, t)
		s.mu.Unlock()
		log.Infof("REMINDER [%s]: overlay busy, opened task queued first", t.ID)
		return false
	}
	s.mu.Unlock()

	s.present(t)
	return true
}

// Pending returns the next deferred task.
func (s *Signaler) Pending() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Task{}, false
	}
	return s.pending[0], true
}

// PendingAll returns every deferred task, next first.
func (s *Signaler) PendingAll() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

func (s *Signaler) flushPending() {
	s.mu.Lock()
	if len(s.pending) == 0 || !s.visible || s.overlay.Busy() {
		s.mu.Unlock()
		return
	}
	t := s.pending[0]
	s.pending = slices.Delete(s.pending, 0, 1)
	s.mu.Unlock()

	s.present(t)
}

// missed records a reminder that rang out unanswered.
func (s *Signaler) missed(t Task) {
	metrics.RemindersMissed.Inc()
	log.Infof("REMINDER [%s]: rang out unanswered", t.ID)
}

// rearm schedules a snoozed task to ring again.
func (s *Signaler) rearm(t Task, minutes int) {
	d := time.Duration(minutes) * time.Minute
	t.ScheduledAt = s.clk.Now().Add(d)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.armLocked(t, d)
	metrics.RemindersScheduled.Set(float64(len(s.timers)))
	log.Infof("REMINDER [%s]: snoozed %dm", t.ID, minutes)
}

// Stop cancels every timer. The signaler cannot be reused.
func (s *Signaler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	clear(s.tasks)
	s.pending = nil
	s.mu.Unlock()

	metrics.RemindersScheduled.Set(0)
	s.overlay.close()
}
