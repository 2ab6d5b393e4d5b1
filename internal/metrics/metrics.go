// Package metrics holds the Prometheus collectors for call signaling.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_calls_started_total",
			Help: "Calls entered by path (create, answer, resume)",
		},
		[]string{"path"},
	)

	callsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_calls_ended_total",
			Help: "Calls moved to terminal, by end reason",
		},
		[]string{"reason"},
	)

	terminationRaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "family_calls_termination_races_total",
			Help: "End requests that found the call already terminal",
		},
	)

	admissionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_calls_admission_total",
			Help: "Busy checks by reason",
		},
		[]string{"reason"},
	)

	mediaAcquire = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_calls_media_acquire_total",
			Help: "Media lock acquisitions by outcome (reused, fresh, in_use, failed)",
		},
		[]string{"outcome"},
	)

	timerExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "family_calls_timer_expired_total",
			Help: "Call timers that fired, by kind",
		},
		[]string{"kind"},
	)

	sweptCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "family_calls_swept_total",
			Help: "Stale calls ended by the sweeper",
		},
	)

	setupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "family_calls_setup_duration_seconds",
			Help:    "Time from entering a call to the transport connecting",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"path"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to reg. Only the first call has effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			callsStarted,
			callsEnded,
			terminationRaces,
			admissionResults,
			mediaAcquire,
			timerExpiries,
			sweptCalls,
			setupDuration,
		)
	})
}

func CallStarted(path string)                 { callsStarted.WithLabelValues(path).Inc() }
func CallEnded(reason string)                 { callsEnded.WithLabelValues(reason).Inc() }
func TerminationRace()                        { terminationRaces.Inc() }
func Admission(reason string)                 { admissionResults.WithLabelValues(reason).Inc() }
func MediaAcquire(outcome string)             { mediaAcquire.WithLabelValues(outcome).Inc() }
func TimerExpired(kind string)                { timerExpiries.WithLabelValues(kind).Inc() }
func CallSwept()                              { sweptCalls.Inc() }
func SetupDuration(path string, secs float64) { setupDuration.WithLabelValues(path).Observe(secs) }
