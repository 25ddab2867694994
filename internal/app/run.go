// Package app wires the realtime core into one running process.
package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/backoff"
	"github.com/petervdpas/rtcore/internal/bridge"
	"github.com/petervdpas/rtcore/internal/call"
	"github.com/petervdpas/rtcore/internal/channel"
	"github.com/petervdpas/rtcore/internal/config"
	"github.com/petervdpas/rtcore/internal/incoming"
	"github.com/petervdpas/rtcore/internal/media"
	"github.com/petervdpas/rtcore/internal/p2p"
	"github.com/petervdpas/rtcore/internal/reminder"
	"github.com/petervdpas/rtcore/internal/session"
	"github.com/petervdpas/rtcore/internal/util"
)

var log = logging.Logger("rtcore/app")

type Options struct {
	CfgPath  string
	Cfg      config.Config
	Progress func(step, total int, label string)
}

// Run starts every component, serves the bridge and blocks until ctx ends.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	progress := opt.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}
	const total = 5
	clk := clock.New()

	// ── Backend and provider config
	progress(1, total, "Contacting backend")
	be := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken, cfg.Backend.Timeout())
	node := p2p.New(p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		Namespace:  cfg.P2P.Namespace,
		Bootstrap:  cfg.P2P.Bootstrap,
	})
	pctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	if pc, err := be.ProviderConfig(pctx); err != nil {
		log.Warnf("provider config unavailable, using namespace %q: %v", cfg.P2P.Namespace, err)
	} else if pc.AppID != "" {
		node.SetNamespace(pc.AppID)
	}
	cancel()

	// ── Shared login and messaging channels
	progress(2, total, "Preparing session")
	broker := session.NewBroker(be, node, session.Options{
		RenewLead:  cfg.Session.RenewLead(),
		RenewFloor: cfg.Session.RenewFloor(),
		RetryDelay: cfg.Session.RenewRetry(),
		Clock:      clk,
	})
	channels := channel.NewManager(broker, node, channel.Options{
		Backoff: backoff.Policy{
			Base:      cfg.Channel.BackoffBase(),
			Max:       cfg.Channel.BackoffMax(),
			JitterMax: cfg.Channel.BackoffJitter(),
		},
		TypingClear:  cfg.Channel.TypingClear(),
		EchoWindow:   cfg.Channel.EchoWindow(),
		TypingPerSec: cfg.Channel.TypingPerSec,
		HistorySize:  cfg.Channel.HistorySize,
		Clock:        clk,
	})

	// ── Call media
	progress(3, total, "Preparing media")
	relay, err := media.NewRelay(node, media.Options{ICEServers: cfg.Calls.ICEServers})
	if err != nil {
		return err
	}
	calls := call.NewManager(call.Deps{
		Permissions: media.DeviceProbe{},
		Login:       broker,
		Tokens:      be,
		Relay:       relay,
	})

	// ── Incoming calls and reminders
	progress(4, total, "Starting detectors")
	hub := bridge.NewHub()
	detector := incoming.New(be, hub, hub, hub, incoming.Options{
		PollInterval: cfg.Calls.PollInterval(),
		SeenWindow:   cfg.Calls.SeenWindow(),
		Clock:        clk,
	})
	detector.Start(ctx)
	node.OnRing(func(_ string, c backend.IncomingCall) { detector.Push(c) })

	signaler := reminder.New(hub, hub, hub, reminder.Options{
		Clock:       clk,
		RingTimeout: cfg.Reminders.RingTimeout(),
		SnoozeClear: cfg.Reminders.SnoozeClear(),
		DoneClear:   cfg.Reminders.DoneClear(),
	})
	hub.FollowOverlay(ctx, signaler.Overlay())

	loc, err := cfg.Reminders.Location()
	if err != nil {
		return err
	}
	var tasks *reminder.Sync
	if cfg.Reminders.SyncSpec != "" {
		tasks = reminder.NewSync(be, signaler, cfg.Reminders.SyncSpec, loc)
		if err := tasks.Start(ctx); err != nil {
			log.Warnf("reminder sync: %v", err)
		}
	}

	// ── Bridge
	progress(5, total, "Starting bridge")
	srv, err := bridge.Listen(cfg.Bridge.HTTPAddr, bridge.Deps{
		Hub:      hub,
		Detector: detector,
		Signaler: signaler,
		Channels: channels,
		Calls:    calls,
		Ringer:   ringer{broker: broker, node: node},
		Metrics:  cfg.Metrics.Enabled,
	})
	if err != nil {
		detector.Close()
		signaler.Stop()
		return err
	}

	if opt.CfgPath != "" {
		go func() {
			err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
				detector.Reconfigure(next.Calls.PollInterval(), next.Calls.SeenWindow())
			})
			if err != nil {
				log.Warnf("config watch: %v", err)
			}
		}()
	}

	// Log in up front so peers can ring us before any channel is joined.
	go func() {
		if _, err := broker.Acquire(ctx); err != nil {
			log.Warnf("initial login: %v", err)
		}
	}()

	log.Infof("rtcore ready: bridge http://%s", srv.Addr())
	<-ctx.Done()
	log.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()

	var errs error
	errs = multierr.Append(errs, srv.Shutdown(sctx))
	if tasks != nil {
		tasks.Stop()
	}
	detector.Close()
	signaler.Stop()
	calls.LeaveAll()
	channels.LeaveAll()
	errs = multierr.Append(errs, broker.Shutdown())
	return errs
}

// ringer logs in before ringing so a cold node can still place a call.
type ringer struct {
	broker *session.Broker
	node   *p2p.Node
}

func (r ringer) Ring(ctx context.Context, peerID string, c backend.IncomingCall) (string, error) {
	if _, err := r.broker.Acquire(ctx); err != nil {
		return "", err
	}
	return r.node.Ring(ctx, peerID, c)
}
