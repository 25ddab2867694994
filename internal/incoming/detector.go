// Package incoming merges pushed and polled incoming-call events into one
// deduplicated stream.
package incoming

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/metrics"
	"github.com/petervdpas/rtcore/internal/notify"
	"github.com/petervdpas/rtcore/internal/util"
)

var log = logging.Logger("rtcore/incoming")

var ErrNoActiveCall = errors.New("incoming: no matching active call")

type CallType string

const (
	Voice CallType = "voice"
	Video CallType = "video"
)

func parseCallType(s string) CallType {
	if s == string(Video) {
		return Video
	}
	return Voice
}

type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Record is one surfaced incoming call.
type Record struct {
	CallID      string    `json:"callId"`
	CallerID    string    `json:"callerId"`
	CallerName  string    `json:"callerName"`
	CallType    CallType  `json:"callType"`
	Source      Source    `json:"source"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// Call screen routes. While one is current no new call rings.
const (
	RouteVoiceCall = "voice-call"
	RouteVideoCall = "video-call"
)

func InCall(route string) bool {
	return route == RouteVoiceCall || route == RouteVideoCall
}

// CallRoute opens the call screen with the caller already known.
type CallRoute struct {
	Route      string   `json:"route"`
	Channel    string   `json:"channel"`
	CallID     string   `json:"callId"`
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName"`
	CallType   CallType `json:"callType"`
}

type Navigator interface {
	CurrentRoute() string
	OpenCall(r CallRoute)
}

type Presenter interface {
	PresentIncomingCall(r Record)
	DismissIncomingCall(callID string)
}

// Backend is the slice of the REST client the detector uses.
type Backend interface {
	IncomingCalls(ctx context.Context) ([]backend.IncomingCall, error)
	RejectCall(ctx context.Context, callID string) error
}

type Options struct {
	PollInterval time.Duration
	SeenWindow   time.Duration
	Clock        clock.Clock
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 3 * time.Second,
		SeenWindow:   2 * time.Minute,
		Clock:        clock.New(),
	}
}

type offer struct {
	call   backend.IncomingCall
	source Source
}

type Detector struct {
	be        Backend
	nav       Navigator
	presenter Presenter
	surface   notify.Surface
	clk       clock.Clock

	bus       chan offer
	pollConf  chan time.Duration
	sweepConf chan time.Duration
	opts      Options
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	seen    map[string]time.Time
	ringing map[string]Record
	latest  string
	hidden  bool

	listenerMu sync.Mutex
	listeners  map[chan Record]struct{}
}

func New(be Backend, nav Navigator, presenter Presenter, surface notify.Surface, opts Options) *Detector {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.SeenWindow <= 0 {
		opts.SeenWindow = def.SeenWindow
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Detector{
		be:        be,
		nav:       nav,
		presenter: presenter,
		surface:   surface,
		clk:       opts.Clock,
		opts:      opts,
		bus:       make(chan offer, 64),
		pollConf:  make(chan time.Duration, 1),
		sweepConf: make(chan time.Duration, 1),
		cancel:    func() {},
		seen:      make(map[string]time.Time),
		ringing:   make(map[string]Record),
		listeners: make(map[chan Record]struct{}),
	}
}

// Start launches the poll and dispatch loops. They stop on Close or when ctx
// ends.
func (d *Detector) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		pollT := d.clk.Ticker(d.opts.PollInterval)
		sweepT := d.clk.Ticker(d.opts.SeenWindow)
		d.wg.Add(2)
		go d.run(ctx, sweepT)
		go d.poll(ctx, pollT)
	})
}

// Close stops the loops and waits for in-flight rejects.
func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()

		d.listenerMu.Lock()
		for ch := range d.listeners {
			delete(d.listeners, ch)
			close(ch)
		}
		d.listenerMu.Unlock()
	})
}

// Reconfigure applies new poll and retention intervals.
func (d *Detector) Reconfigure(poll, seen time.Duration) {
	if poll > 0 {
		replace(d.pollConf, poll)
	}
	if seen > 0 {
		replace(d.sweepConf, seen)
	}
}

func replace(ch chan time.Duration, v time.Duration) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Push feeds an externally delivered call event. Never blocks.
func (d *Detector) Push(call backend.IncomingCall) {
	select {
	case d.bus <- offer{call: call, source: SourcePush}:
	default:
		log.Warnf("INCOMING [%s]: event bus full, push dropped", call.CallID)
	}
}

// SetHidden records whether the host is in the background. Calls that ring
// while hidden also raise a system notification.
func (d *Detector) SetHidden(hidden bool) {
	d.mu.Lock()
	d.hidden = hidden
	d.mu.Unlock()
}

func (d *Detector) poll(ctx context.Context, t *clock.Ticker) {
	defer d.wg.Done()
	defer func() { t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case iv := <-d.pollConf:
			t.Stop()
			t = d.clk.Ticker(iv)
			log.Infof("INCOMING: poll interval now %s", iv)
		case <-t.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Detector) pollOnce(ctx context.Context) {
	if d.nav != nil && InCall(d.nav.CurrentRoute()) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()

	calls, err := d.be.IncomingCalls(ctx)
	if err != nil {
		log.Debugf("INCOMING: poll failed: %v", err)
		return
	}
	for _, c := range calls {
		if c.CallID == "" || d.Seen(c.CallID) {
			continue
		}
		select {
		case d.bus <- offer{call: c, source: SourcePoll}:
		case <-ctx.Done():
		}
		return
	}
}

func (d *Detector) run(ctx context.Context, sweep *clock.Ticker) {
	defer d.wg.Done()
	defer func() { sweep.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-d.bus:
			d.offer(o)
		case iv := <-d.sweepConf:
			sweep.Stop()
			sweep = d.clk.Ticker(iv)
			log.Infof("INCOMING: seen window now %s", iv)
		case <-sweep.C:
			d.sweep()
		}
	}
}

// sweep forgets every seen id. Calls still ringing from the last window
// were never answered and are dismissed.
func (d *Detector) sweep() {
	d.mu.Lock()
	n := len(d.seen)
	clear(d.seen)
	stale := make([]string, 0, len(d.ringing))
	for id := range d.ringing {
		stale = append(stale, id)
	}
	clear(d.ringing)
	d.latest = ""
	d.mu.Unlock()

	if n > 0 {
		log.Debugf("INCOMING: swept %d seen call ids", n)
	}
	for _, id := range stale {
		log.Infof("INCOMING [%s]: unanswered, dismissed", id)
		if d.presenter != nil {
			d.presenter.DismissIncomingCall(id)
		}
		d.cancelNotification(id)
	}
}

func (d *Detector) offer(o offer) {
	id := o.call.CallID
	if id == "" {
		return
	}
	if d.nav != nil && InCall(d.nav.CurrentRoute()) {
		metrics.IncomingSuppressed.Inc()
		log.Debugf("INCOMING [%s]: suppressed during active call", id)
		return
	}

	d.mu.Lock()
	if _, dup := d.seen[id]; dup {
		d.mu.Unlock()
		metrics.IncomingDuplicates.WithLabelValues(string(o.source)).Inc()
		return
	}
	rec := Record{
		CallID:      id,
		CallerID:    o.call.CallerID,
		CallerName:  o.call.CallerName,
		CallType:    parseCallType(o.call.CallType),
		Source:      o.source,
		FirstSeenAt: d.clk.Now(),
	}
	d.seen[id] = rec.FirstSeenAt
	d.ringing[id] = rec
	d.latest = id
	hidden := d.hidden
	d.mu.Unlock()

	metrics.IncomingCalls.WithLabelValues(string(o.source)).Inc()
	log.Infof("INCOMING [%s]: %s call from %s via %s", id, rec.CallType, rec.CallerName, rec.Source)

	if d.presenter != nil {
		d.presenter.PresentIncomingCall(rec)
	}
	d.broadcast(rec)
	if hidden {
		d.showNotification(rec)
	}
}

func (d *Detector) showNotification(rec Record) {
	if d.surface == nil || !d.surface.Permitted() {
		return
	}
	title := rec.CallerName
	if title == "" {
		title = "Incoming call"
	}
	n := notify.Notification{
		ID:         notify.StableID(rec.CallID),
		Channel:    notify.ChannelIncomingCall,
		Title:      title,
		Body:       "Incoming " + string(rec.CallType) + " call",
		Actions:    notify.CallActions(),
		FullScreen: true,
		Data:       map[string]string{"callId": rec.CallID},
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := d.surface.Show(ctx, n); err != nil {
		log.Warnf("INCOMING [%s]: notification failed: %v", rec.CallID, err)
	}
}

func (d *Detector) cancelNotification(callID string) {
	if d.surface == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	_ = d.surface.Cancel(ctx, notify.StableID(callID))
}

// takeActive removes the ringing record for callID. An empty callID takes
// the most recent one.
func (d *Detector) takeActive(callID string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if callID == "" {
		callID = d.latest
	}
	rec, ok := d.ringing[callID]
	if !ok {
		return Record{}, ErrNoActiveCall
	}
	delete(d.ringing, callID)
	if d.latest == callID {
		d.latest = ""
		for id, r := range d.ringing {
			if d.latest == "" || r.FirstSeenAt.After(d.ringing[d.latest].FirstSeenAt) {
				d.latest = id
			}
		}
	}
	return rec, nil
}

// Accept answers the ringing call and opens the call screen.
func (d *Detector) Accept(callID string) (CallRoute, error) {
	rec, err := d.takeActive(callID)
	if err != nil {
		return CallRoute{}, err
	}
	if d.presenter != nil {
		d.presenter.DismissIncomingCall(rec.CallID)
	}
	d.cancelNotification(rec.CallID)

	route := CallRoute{
		Route:      RouteVoiceCall,
		Channel:    rec.CallID,
		CallID:     rec.CallID,
		CallerID:   rec.CallerID,
		CallerName: rec.CallerName,
		CallType:   rec.CallType,
	}
	if rec.CallType == Video {
		route.Route = RouteVideoCall
	}
	if d.nav != nil {
		d.nav.OpenCall(route)
	}
	log.Infof("INCOMING [%s]: accepted", rec.CallID)
	return route, nil
}

// Reject declines the ringing call. The backend reject runs in the
// background and its failure is only logged.
func (d *Detector) Reject(callID string) error {
	rec, err := d.takeActive(callID)
	if err != nil {
		return err
	}
	if d.presenter != nil {
		d.presenter.DismissIncomingCall(rec.CallID)
	}
	d.cancelNotification(rec.CallID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		if err := d.be.RejectCall(ctx, rec.CallID); err != nil {
			log.Debugf("INCOMING [%s]: reject failed (ignored): %v", rec.CallID, err)
		}
	}()
	log.Infof("INCOMING [%s]: rejected", rec.CallID)
	return nil
}

// Active returns the most recent ringing call, if any.
func (d *Detector) Active() (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.ringing[d.latest]
	return rec, ok
}

// Ringing returns every unanswered call in arrival order.
func (d *Detector) Ringing() []Record {
	d.mu.Lock()
	out := make([]Record, 0, len(d.ringing))
	for _, r := range d.ringing {
		out = append(out, r)
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b Record) int { return a.FirstSeenAt.Compare(b.FirstSeenAt) })
	return out
}

// Seen reports whether callID is in the current retention window.
func (d *Detector) Seen(callID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[callID]
	return ok
}

// Subscribe returns a channel receiving every surfaced record.
func (d *Detector) Subscribe() (chan Record, func()) {
	ch := make(chan Record, 16)
	d.listenerMu.Lock()
	d.listeners[ch] = struct{}{}
	d.listenerMu.Unlock()

	cancel := func() {
		d.listenerMu.Lock()
		if _, ok := d.listeners[ch]; ok {
			delete(d.listeners, ch)
			close(ch)
		}
		d.listenerMu.Unlock()
	}
	return ch, cancel
}

func (d *Detector) broadcast(rec Record) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for ch := range d.listeners {
		select {
		case ch <- rec:
		default:
		}
	}
}
