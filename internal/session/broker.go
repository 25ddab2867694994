// Package session owns the process-wide login to the realtime transport.
//
// A Broker hands out the current Credential, logs in on first use, and keeps
// the token fresh in the background. Channel and call sessions borrow the
// login through Acquire; nothing else logs in or out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/singleflight"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/metrics"
)

var log = logging.Logger("rtcore/session")

var (
	ErrLoginFailed = errors.New("session: login failed")
	ErrShutdown    = errors.New("session: broker shut down")
)

// Credential is one issued login grant. It is replaced wholesale on renewal.
type Credential struct {
	Identity  string
	Token     string
	IssuedAt  time.Time
	ExpiresIn time.Duration
}

// ExpiresAt is the instant the token stops being valid.
func (c Credential) ExpiresAt() time.Time { return c.IssuedAt.Add(c.ExpiresIn) }

// TokenSource issues messaging tokens. *backend.Client implements it.
type TokenSource interface {
	MessagingToken(ctx context.Context) (*backend.MessagingToken, error)
}

// Transport is the login surface of the realtime transport.
type Transport interface {
	Login(ctx context.Context, identity, token string) error
	// RenewToken swaps the token on a live login without dropping sessions.
	RenewToken(ctx context.Context, token string) error
	Logout() error
}

type Options struct {
	RenewLead  time.Duration // renew this long before expiry
	RenewFloor time.Duration // never schedule a renewal sooner than this
	RetryDelay time.Duration // wait after a failed renewal
	Clock      clock.Clock
}

func DefaultOptions() Options {
	return Options{
		RenewLead:  time.Hour,
		RenewFloor: time.Minute,
		RetryDelay: 5 * time.Minute,
		Clock:      clock.New(),
	}
}

// RenewDelay returns how long after issue a token valid for expiresIn should
// be renewed: max(expiresIn-lead, floor).
func RenewDelay(expiresIn, lead, floor time.Duration) time.Duration {
	return max(expiresIn-lead, floor)
}

type Broker struct {
	tokens TokenSource
	tr     Transport
	opts   Options
	clk    clock.Clock

	flight singleflight.Group

	mu    sync.Mutex
	cred  *Credential
	gen   uint64 // bumped by Shutdown; stale logins and renewals compare against it
	timer *clock.Timer
}

func NewBroker(tokens TokenSource, tr Transport, opts Options) *Broker {
	def := DefaultOptions()
	if opts.RenewLead < 0 {
		opts.RenewLead = def.RenewLead
	}
	if opts.RenewFloor <= 0 {
		opts.RenewFloor = def.RenewFloor
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	return &Broker{tokens: tokens, tr: tr, opts: opts, clk: opts.Clock}
}

// Acquire returns the cached credential, or logs in. Concurrent callers share
// one in-flight login. Cancelling ctx abandons the wait but not the login.
func (b *Broker) Acquire(ctx context.Context) (Credential, error) {
	b.mu.Lock()
	if b.cred != nil {
		c := *b.cred
		b.mu.Unlock()
		return c, nil
	}
	gen := b.gen
	b.mu.Unlock()

	ch := b.flight.DoChan(loginKey(gen), func() (any, error) {
		return b.login(context.WithoutCancel(ctx), gen)
	})
	select {
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func loginKey(gen uint64) string { return fmt.Sprintf("login-%d", gen) }

func (b *Broker) login(ctx context.Context, gen uint64) (Credential, error) {
	grant, err := b.tokens.MessagingToken(ctx)
	if err != nil {
		metrics.Logins.WithLabelValues("error").Inc()
		return Credential{}, fmt.Errorf("%w: fetch token: %w", ErrLoginFailed, err)
	}
	if err := b.tr.Login(ctx, grant.UID, grant.Token); err != nil {
		metrics.Logins.WithLabelValues("error").Inc()
		return Credential{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	cred := Credential{
		Identity:  grant.UID,
		Token:     grant.Token,
		IssuedAt:  b.clk.Now(),
		ExpiresIn: time.Duration(grant.ExpiresInSeconds) * time.Second,
	}

	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		// Shutdown ran while we were logging in.
		if err := b.tr.Logout(); err != nil {
			log.Debugf("SESSION [%s]: logout after late login: %v", cred.Identity, err)
		}
		return Credential{}, ErrShutdown
	}
	b.cred = &cred
	delay := RenewDelay(cred.ExpiresIn, b.opts.RenewLead, b.opts.RenewFloor)
	b.scheduleLocked(gen, delay)
	b.mu.Unlock()

	metrics.Logins.WithLabelValues("ok").Inc()
	log.Infof("SESSION [%s]: logged in, renewal in %s", cred.Identity, delay)
	return cred, nil
}

func (b *Broker) scheduleLocked(gen uint64, d time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clk.AfterFunc(d, func() { b.renew(gen) })
}

func (b *Broker) renew(gen uint64) {
	b.mu.Lock()
	if b.gen != gen || b.cred == nil {
		b.mu.Unlock()
		return
	}
	identity := b.cred.Identity
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grant, err := b.tokens.MessagingToken(ctx)
	if err == nil {
		err = b.tr.RenewToken(ctx, grant.Token)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen || b.cred == nil {
		return
	}
	if err != nil {
		metrics.TokenRenewals.WithLabelValues("error").Inc()
		log.Warnf("SESSION [%s]: token renewal failed, retrying in %s: %v", identity, b.opts.RetryDelay, err)
		b.scheduleLocked(gen, b.opts.RetryDelay)
		return
	}
	if grant.UID != "" && grant.UID != identity {
		log.Warnf("SESSION [%s]: renewal issued for %q, keeping login identity", identity, grant.UID)
	}

	b.cred = &Credential{
		Identity:  identity,
		Token:     grant.Token,
		IssuedAt:  b.clk.Now(),
		ExpiresIn: time.Duration(grant.ExpiresInSeconds) * time.Second,
	}
	delay := RenewDelay(b.cred.ExpiresIn, b.opts.RenewLead, b.opts.RenewFloor)
	b.scheduleLocked(gen, delay)
	metrics.TokenRenewals.WithLabelValues("ok").Inc()
	log.Infof("SESSION [%s]: token renewed, next renewal in %s", identity, delay)
}

// Current returns the cached credential without logging in.
func (b *Broker) Current() (Credential, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cred == nil {
		return Credential{}, false
	}
	return *b.cred, true
}

// Shutdown cancels renewal, drops the credential and logs out. The next
// Acquire performs a fresh login. Safe to call repeatedly.
func (b *Broker) Shutdown() error {
	b.mu.Lock()
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	had := b.cred != nil
	b.cred = nil
	b.mu.Unlock()

	if !had {
		return nil
	}
	log.Infof("SESSION: logged out")
	return b.tr.Logout()
}
