package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_logins_total",
			Help: "Transport logins by result",
		},
		[]string{"result"}, // "ok" or "error"
	)

	TokenRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_token_renewals_total",
			Help: "Credential renewals by result",
		},
		[]string{"result"},
	)

	// Channel metrics
	ChannelJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_channel_join_attempts_total",
			Help: "Channel join attempts by result",
		},
		[]string{"result"},
	)

	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtcore_channels_active",
			Help: "Channel handles currently held",
		},
	)

	ChannelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_channel_messages_total",
			Help: "Chat messages by direction",
		},
		[]string{"direction"}, // "in", "out", "dropped"
	)

	// Call metrics
	CallSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_call_sessions_total",
			Help: "Call media session joins by result",
		},
		[]string{"result"}, // "ok", "permission", "relay"
	)

	IncomingCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_incoming_calls_total",
			Help: "Incoming call records surfaced, by source",
		},
		[]string{"source"},
	)

	IncomingDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_incoming_duplicates_total",
			Help: "Incoming call deliveries dropped by the seen-set, by source",
		},
		[]string{"source"},
	)

	IncomingSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtcore_incoming_suppressed_total",
			Help: "Incoming call deliveries suppressed during an active call",
		},
	)

	// Reminder metrics
	RemindersScheduled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtcore_reminders_scheduled",
			Help: "Reminder timers currently armed",
		},
	)

	RemindersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcore_reminders_fired_total",
			Help: "Reminders fired, by presentation mode",
		},
		[]string{"mode"}, // "overlay", "notification", "pending"
	)

	RemindersMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtcore_reminders_missed_total",
			Help: "Reminders that rang out without an answer",
		},
	)
)
