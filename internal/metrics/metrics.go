package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_submissions_total",
			Help: "Attendance submissions by capture source and outcome",
		},
		[]string{"source", "outcome"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_session_transitions_total",
			Help: "Session lifecycle transitions by target status and trigger",
		},
		[]string{"to", "trigger"},
	)

	CorrectionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_correction_decisions_total",
			Help: "Correction requests by final status",
		},
		[]string{"status"},
	)

	OfflineQueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_offline_queue_messages_total",
			Help: "Offline sync queue messages by result",
		},
		[]string{"result"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attendance_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)
