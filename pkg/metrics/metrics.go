// Package metrics holds the bridge's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_sessions_active",
		Help: "Sessions currently open",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_sessions_total",
		Help: "Sessions by final state",
	}, []string{"state"})

	SessionCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicebridge_session_create_duration_seconds",
		Help:    "Time from POST /session to an active session",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	PeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicebridge_peers_active",
		Help: "Browser peers currently connected",
	})

	PeerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_peer_rejections_total",
		Help: "Peers rejected at accept time",
	}, []string{"reason"})

	AudioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_audio_frames_total",
		Help: "Audio frames forwarded by direction",
	}, []string{"direction"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_tool_calls_total",
		Help: "Tool calls by tool and terminal status",
	}, []string{"tool", "status"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicebridge_tool_call_duration_seconds",
		Help:    "Time from function call request to result",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"tool"})

	Narrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_narrations_total",
		Help: "Narration lines injected, by backend and whether a response was requested",
	}, []string{"backend", "spoken"})

	BackendDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_backend_dials_total",
		Help: "Backend connection attempts by result",
	}, []string{"backend", "result"})

	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_events_recorded_total",
		Help: "Events handed to the recorder, by source",
	}, []string{"source"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebridge_events_dropped_total",
		Help: "Events dropped because the recorder queue was full",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebridge_errors_total",
		Help: "Errors by leg and type",
	}, []string{"leg", "error_type"})
)
