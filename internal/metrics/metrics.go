// Package metrics declares the prometheus collectors shared by the relay,
// transcript and routing packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_relay_events_total",
			Help: "Relay events handled by the subscriber",
		},
		[]string{"outcome"}, // duplicate, self, injected, invalid
	)

	RelayPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_relay_publish_errors_total",
			Help: "Relay publish failures",
		},
		[]string{"backend"},
	)

	RelayTransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_relay_transport_errors_total",
			Help: "Relay read failures that triggered a retry",
		},
		[]string{"backend"},
	)

	// Transcript metrics
	TranscriptCorruptRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_transcript_corrupt_records_total",
			Help: "Transcript records skipped because they could not be parsed",
		},
		[]string{"backend"},
	)

	TranscriptAppendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_transcript_append_errors_total",
			Help: "Transcript appends that failed",
		},
		[]string{"backend"},
	)

	// Routing metrics
	ReplyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_reply_decisions_total",
			Help: "Reply decisions by outcome and deciding rule",
		},
		[]string{"outcome", "reason"},
	)

	RelevanceChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_relevance_checks_total",
			Help: "Relevance checks by result",
		},
		[]string{"result"}, // yes, no, error
	)

	// Channel metrics
	ChannelEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_channel_events_total",
			Help: "Platform events received by a channel, by outcome",
		},
		[]string{"channel", "outcome"}, // published, duplicate, self, replay, filtered, empty
	)

	ChannelSendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanobot_channel_send_errors_total",
			Help: "Outbound deliveries rejected by the platform",
		},
		[]string{"channel"},
	)
)
