package reminder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("reminder: invalid overlay transition")

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRinging  Phase = "ringing"
	PhaseAccepted Phase = "accepted"
	PhaseSnoozed  Phase = "snoozed"
	PhaseDone     Phase = "done"
)

// State is a snapshot of the overlay.
type State struct {
	ID                    string `json:"id,omitempty"`
	Phase                 Phase  `json:"phase"`
	Task                  *Task  `json:"task,omitempty"`
	ElapsedSeconds        int    `json:"elapsedSeconds"`
	SnoozePanel           bool   `json:"snoozePanel"`
	SelectedSnoozeMinutes int    `json:"selectedSnoozeMinutes"`
	SnoozeReason          string `json:"snoozeReason,omitempty"`
}

// WakeLock keeps the display on while a task is being worked on.
type WakeLock interface {
	Acquire()
	Release()
}

type overlayHooks struct {
	onSnooze  func(t Task, minutes int)
	onMissed  func(t Task)
	onCleared func()
}

// Overlay is the single reminder call screen.
//
//	ringing --Accept--> accepted --Complete--> done --(auto)--> idle
//	ringing --Decline--> ringing+panel --ConfirmSnooze--> snoozed --(auto)--> idle
//	ringing --(unanswered)--> idle
type Overlay struct {
	clk         clock.Clock
	wake        WakeLock
	ringTimeout time.Duration
	snoozeClear time.Duration
	doneClear   time.Duration
	hooks       overlayHooks

	mu      sync.Mutex
	st      State
	epoch   int // bumped on Present; timers from a previous overlay do nothing
	counter *clock.Timer
	clear   *clock.Timer // ring timeout while ringing, auto-clear after
	locked  bool

	listenerMu sync.Mutex
	listeners  map[chan State]struct{}
}

func newOverlay(clk clock.Clock, wake WakeLock, ringTimeout, snoozeClear, doneClear time.Duration) *Overlay {
	return &Overlay{
		clk:         clk,
		wake:        wake,
		ringTimeout: ringTimeout,
		snoozeClear: snoozeClear,
		doneClear:   doneClear,
		st:          State{Phase: PhaseIdle},
		listeners:   make(map[chan State]struct{}),
	}
}

// Subscribe returns a channel receiving every state change.
func (o *Overlay) Subscribe() (chan State, func()) {
	ch := make(chan State, 32)
	o.listenerMu.Lock()
	o.listeners[ch] = struct{}{}
	o.listenerMu.Unlock()

	cancel := func() {
		o.listenerMu.Lock()
		if _, ok := o.listeners[ch]; ok {
			delete(o.listeners, ch)
			close(ch)
		}
		o.listenerMu.Unlock()
	}
	return ch, cancel
}

func (o *Overlay) notify(st State) {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	for ch := range o.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

func (o *Overlay) snapshotLocked() State {
	st := o.st
	if st.Task != nil {
		t := *st.Task
		st.Task = &t
	}
	return st
}

// State returns the current snapshot.
func (o *Overlay) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Busy reports whether a reminder is on screen.
func (o *Overlay) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.Phase != PhaseIdle
}

func (o *Overlay) stopTimersLocked() {
	if o.counter != nil {
		o.counter.Stop()
		o.counter = nil
	}
	if o.clear != nil {
		o.clear.Stop()
		o.clear = nil
	}
}

func (o *Overlay) releaseLocked() {
	if o.locked {
		o.locked = false
		if o.wake != nil {
			o.wake.Release()
		}
	}
}

// Present rings for t, replacing whatever was on screen. Every counter and
// panel selection starts from zero. Callers that must not interrupt a task
// in progress check Busy first.
func (o *Overlay) Present(t Task) State {
	o.mu.Lock()
	o.stopTimersLocked()
	o.releaseLocked()
	o.epoch++
	o.st = State{ID: uuid.NewString(), Phase: PhaseRinging, Task: &t}
	o.armRingLocked()
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	return st
}

func (o *Overlay) armRingLocked() {
	if o.clear != nil {
		o.clear.Stop()
	}
	epoch := o.epoch
	o.clear = o.clk.AfterFunc(o.ringTimeout, func() { o.unanswered(epoch) })
}

// unanswered takes down a reminder nobody picked up.
func (o *Overlay) unanswered(epoch int) {
	o.mu.Lock()
	if o.epoch != epoch || o.st.Phase != PhaseRinging {
		o.mu.Unlock()
		return
	}
	o.clear = nil
	task := *o.st.Task
	o.st = State{Phase: PhaseIdle}
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	if o.hooks.onMissed != nil {
		o.hooks.onMissed(task)
	}
	if o.hooks.onCleared != nil {
		o.hooks.onCleared()
	}
}

func (o *Overlay) invalid(op string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, o.st.Phase)
}

// Accept answers a ringing reminder: the elapsed counter starts and the
// display lock is taken.
func (o *Overlay) Accept() (State, error) {
	o.mu.Lock()
	if o.st.Phase != PhaseRinging || o.st.SnoozePanel {
		err := o.invalid("accept")
		o.mu.Unlock()
		return State{}, err
	}
	if o.clear != nil {
		o.clear.Stop()
		o.clear = nil
	}
	o.st.Phase = PhaseAccepted
	o.st.ElapsedSeconds = 0
	if o.wake != nil {
		o.wake.Acquire()
	}
	o.locked = true
	epoch := o.epoch
	o.counter = o.clk.AfterFunc(time.Second, func() { o.tick(epoch) })
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	return st, nil
}

func (o *Overlay) tick(epoch int) {
	o.mu.Lock()
	if o.epoch != epoch || o.st.Phase != PhaseAccepted {
		o.mu.Unlock()
		return
	}
	o.st.ElapsedSeconds++
	o.counter = o.clk.AfterFunc(time.Second, func() { o.tick(epoch) })
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
}

// Decline opens the snooze panel.
func (o *Overlay) Decline() (State, error) {
	o.mu.Lock()
	if o.st.Phase != PhaseRinging {
		err := o.invalid("decline")
		o.mu.Unlock()
		return State{}, err
	}
	o.st.SnoozePanel = true
	o.armRingLocked()
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	return st, nil
}

// ConfirmSnooze snoozes the reminder for minutes. The overlay clears itself
// after the snooze delay and the task rings again later.
func (o *Overlay) ConfirmSnooze(minutes int, reason string) (State, error) {
	o.mu.Lock()
	if o.st.Phase != PhaseRinging || !o.st.SnoozePanel {
		err := o.invalid("snooze")
		o.mu.Unlock()
		return State{}, err
	}
	if minutes <= 0 {
		o.mu.Unlock()
		return State{}, fmt.Errorf("%w: snooze minutes must be > 0", ErrInvalidTransition)
	}
	o.st.Phase = PhaseSnoozed
	o.st.SnoozePanel = false
	o.st.SelectedSnoozeMinutes = minutes
	o.st.SnoozeReason = reason
	task := *o.st.Task
	o.armClearLocked(o.snoozeClear)
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	if o.hooks.onSnooze != nil {
		o.hooks.onSnooze(task, minutes)
	}
	return st, nil
}

// Complete finishes an accepted task.
func (o *Overlay) Complete() (State, error) {
	o.mu.Lock()
	if o.st.Phase != PhaseAccepted {
		err := o.invalid("complete")
		o.mu.Unlock()
		return State{}, err
	}
	o.st.Phase = PhaseDone
	if o.counter != nil {
		o.counter.Stop()
		o.counter = nil
	}
	o.releaseLocked()
	o.armClearLocked(o.doneClear)
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	return st, nil
}

func (o *Overlay) armClearLocked(d time.Duration) {
	if o.clear != nil {
		o.clear.Stop()
	}
	epoch := o.epoch
	o.clear = o.clk.AfterFunc(d, func() { o.autoClear(epoch) })
}

func (o *Overlay) autoClear(epoch int) {
	o.mu.Lock()
	if o.epoch != epoch || (o.st.Phase != PhaseSnoozed && o.st.Phase != PhaseDone) {
		o.mu.Unlock()
		return
	}
	o.clear = nil
	o.st = State{Phase: PhaseIdle}
	st := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(st)
	if o.hooks.onCleared != nil {
		o.hooks.onCleared()
	}
}

// close stops timers and drops the display lock.
func (o *Overlay) close() {
	o.mu.Lock()
	o.stopTimersLocked()
	o.releaseLocked()
	o.epoch++
	o.st = State{Phase: PhaseIdle}
	o.mu.Unlock()

	o.listenerMu.Lock()
	for ch := range o.listeners {
		delete(o.listeners, ch)
		close(ch)
	}
	o.listenerMu.Unlock()
}
