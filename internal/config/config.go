package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/rtcore/internal/util"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Backend   Backend   `json:"backend"`
	Session   Session   `json:"session"`
	Channel   Channel   `json:"channel"`
	Calls     Calls     `json:"calls"`
	Reminders Reminders `json:"reminders"`
	P2P       P2P       `json:"p2p"`
	Bridge    Bridge    `json:"bridge"`
	Metrics   Metrics   `json:"metrics"`
}

type Backend struct {
	BaseURL    string `json:"base_url"`
	AuthToken  string `json:"auth_token"`
	TimeoutSec int    `json:"timeout_seconds"`
}

// Session controls credential renewal timing.
type Session struct {
	// Renewal fires this many seconds before the token expires...
	RenewLeadSec int `json:"renew_lead_seconds"`
	// ...but never sooner than this many seconds after issue.
	RenewFloorSec int `json:"renew_floor_seconds"`
	// Delay before retrying a failed renewal.
	RenewRetrySec int `json:"renew_retry_seconds"`
}

type Channel struct {
	BackoffBaseMs   int     `json:"backoff_base_ms"`
	BackoffMaxMs    int     `json:"backoff_max_ms"`
	BackoffJitterMs int     `json:"backoff_jitter_ms"`
	TypingClearMs   int     `json:"typing_clear_ms"`
	EchoWindowMs    int     `json:"echo_window_ms"`
	TypingPerSec    float64 `json:"typing_per_second"`
	HistorySize     int     `json:"history_size"`
}

type Calls struct {
	PollIntervalSec int      `json:"poll_interval_seconds"`
	SeenWindowSec   int      `json:"seen_window_seconds"`
	ICEServers      []string `json:"ice_servers"`
}

type Reminders struct {
	RingTimeoutSec int    `json:"ring_timeout_seconds"` // unanswered overlay closes after this
	SnoozeClearMs  int    `json:"snooze_clear_ms"`
	DoneClearMs    int    `json:"done_clear_ms"`
	SyncSpec       string `json:"sync_spec"` // cron spec for re-fetching today's tasks
	TimeZone       string `json:"time_zone"` // IANA name; empty = local
}

type P2P struct {
	ListenPort int      `json:"listen_port"`
	Namespace  string   `json:"namespace"` // topic prefix; overridden by provider app id when available
	Bootstrap  []string `json:"bootstrap"` // multiaddrs with /p2p/ component
}

type Bridge struct {
	HTTPAddr string `json:"http_addr"`
}

type Metrics struct {
	Enabled bool `json:"enabled"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			BaseURL:    "http://127.0.0.1:8080",
			TimeoutSec: 10,
		},
		Session: Session{
			RenewLeadSec:  3600,
			RenewFloorSec: 60,
			RenewRetrySec: 300,
		},
		Channel: Channel{
			BackoffBaseMs:   1000,
			BackoffMaxMs:    30000,
			BackoffJitterMs: 2000,
			TypingClearMs:   3000,
			EchoWindowMs:    2000,
			TypingPerSec:    1,
			HistorySize:     200,
		},
		Calls: Calls{
			PollIntervalSec: 3,
			SeenWindowSec:   120,
			ICEServers:      []string{"stun:stun.l.google.com:19302"},
		},
		Reminders: Reminders{
			RingTimeoutSec: 60,
			SnoozeClearMs:  2500,
			DoneClearMs:    3000,
			SyncSpec:       "@every 5m",
		},
		P2P: P2P{
			ListenPort: 0,
			Namespace:  "rtcore",
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:8790",
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}

func (c *Config) Validate() error {
	// Backend
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	u, err := url.Parse(util.NormalizeURL(c.Backend.BaseURL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("backend.base_url: invalid url %q", c.Backend.BaseURL)
	}
	if c.Backend.TimeoutSec <= 0 {
		return errors.New("backend.timeout_seconds must be > 0")
	}

	// Session
	if c.Session.RenewLeadSec < 0 {
		return errors.New("session.renew_lead_seconds must be >= 0")
	}
	if c.Session.RenewFloorSec <= 0 {
		return errors.New("session.renew_floor_seconds must be > 0")
	}
	if c.Session.RenewRetrySec <= 0 {
		return errors.New("session.renew_retry_seconds must be > 0")
	}

	// Channel
	if c.Channel.BackoffBaseMs <= 0 {
		return errors.New("channel.backoff_base_ms must be > 0")
	}
	if c.Channel.BackoffMaxMs < c.Channel.BackoffBaseMs {
		return errors.New("channel.backoff_max_ms must be >= channel.backoff_base_ms")
	}
	if c.Channel.BackoffJitterMs < 0 {
		return errors.New("channel.backoff_jitter_ms must be >= 0")
	}
	if c.Channel.TypingClearMs <= 0 {
		return errors.New("channel.typing_clear_ms must be > 0")
	}
	if c.Channel.EchoWindowMs < 0 {
		return errors.New("channel.echo_window_ms must be >= 0")
	}
	if c.Channel.TypingPerSec <= 0 {
		return errors.New("channel.typing_per_second must be > 0")
	}
	if c.Channel.HistorySize <= 0 {
		return errors.New("channel.history_size must be > 0")
	}

	// Calls
	if c.Calls.PollIntervalSec <= 0 {
		return errors.New("calls.poll_interval_seconds must be > 0")
	}
	if c.Calls.SeenWindowSec <= c.Calls.PollIntervalSec {
		return errors.New("calls.seen_window_seconds must be > calls.poll_interval_seconds")
	}

	// Reminders
	if c.Reminders.RingTimeoutSec <= 0 {
		return errors.New("reminders.ring_timeout_seconds must be > 0")
	}
	if c.Reminders.SnoozeClearMs <= 0 || c.Reminders.DoneClearMs <= 0 {
		return errors.New("reminders auto-clear delays must be > 0")
	}
	if spec := strings.TrimSpace(c.Reminders.SyncSpec); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("reminders.sync_spec: %w", err)
		}
	}
	if _, err := c.Reminders.Location(); err != nil {
		return fmt.Errorf("reminders.time_zone: %w", err)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.Namespace) == "" {
		return errors.New("p2p.namespace is required")
	}

	// Bridge
	if strings.TrimSpace(c.Bridge.HTTPAddr) == "" {
		return errors.New("bridge.http_addr is required")
	}

	return nil
}

// Timeout returns the backend request timeout.
func (b Backend) Timeout() time.Duration { return time.Duration(b.TimeoutSec) * time.Second }

func (s Session) RenewLead() time.Duration  { return time.Duration(s.RenewLeadSec) * time.Second }
func (s Session) RenewFloor() time.Duration { return time.Duration(s.RenewFloorSec) * time.Second }
func (s Session) RenewRetry() time.Duration { return time.Duration(s.RenewRetrySec) * time.Second }

func (c Channel) BackoffBase() time.Duration   { return ms(c.BackoffBaseMs) }
func (c Channel) BackoffMax() time.Duration    { return ms(c.BackoffMaxMs) }
func (c Channel) BackoffJitter() time.Duration { return ms(c.BackoffJitterMs) }
func (c Channel) TypingClear() time.Duration   { return ms(c.TypingClearMs) }
func (c Channel) EchoWindow() time.Duration    { return ms(c.EchoWindowMs) }

func (c Calls) PollInterval() time.Duration { return time.Duration(c.PollIntervalSec) * time.Second }
func (c Calls) SeenWindow() time.Duration   { return time.Duration(c.SeenWindowSec) * time.Second }

func (r Reminders) RingTimeout() time.Duration { return time.Duration(r.RingTimeoutSec) * time.Second }
func (r Reminders) SnoozeClear() time.Duration { return ms(r.SnoozeClearMs) }
func (r Reminders) DoneClear() time.Duration   { return ms(r.DoneClearMs) }

// Location resolves TimeZone; empty means the process-local zone.
func (r Reminders) Location() (*time.Location, error) {
	if strings.TrimSpace(r.TimeZone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.TimeZone)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(util.StripBOM(b), &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
