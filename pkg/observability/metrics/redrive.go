package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Redrive holds the collectors updated by the redrive engine.
// Labels: queue is the DLQ reference for message counters; operation and result for primitive calls.
type Redrive struct {
	MessagesFound             *prometheus.CounterVec
	MessagesRetried           *prometheus.CounterVec
	MessagesRetriedNotDeleted *prometheus.CounterVec
	MessagesNotRetried        *prometheus.CounterVec
	Rounds                    *prometheus.CounterVec
	PollDuration              *prometheus.HistogramVec
	QueueCalls                *prometheus.CounterVec
}

// NewRedrive creates unregistered redrive collectors.
func NewRedrive() *Redrive {
	return &Redrive{
		MessagesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redrive_messages_found_total",
			Help: "Unique failed messages found by poll rounds",
		}, []string{"queue"}),
		MessagesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redrive_messages_retried_total",
			Help: "Messages sent to the primary queue and deleted from the DLQ",
		}, []string{"queue"}),
		MessagesRetriedNotDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redrive_messages_retried_not_deleted_total",
			Help: "Messages sent to the primary queue but not deleted from the DLQ",
		}, []string{"queue"}),
		MessagesNotRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redrive_messages_not_retried_total",
			Help: "Messages the primary queue rejected",
		}, []string{"queue"}),
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redrive_rounds_total",
			Help: "Convergence loop rounds by final state",
		}, []string{"queue", "state"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redrive_poll_duration_seconds",
			Help:    "Duration of parallel poll rounds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"queue"}),
		QueueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redrive_queue_calls_total",
			Help: "Queue client calls by operation and result",
		}, []string{"operation", "result"}),
	}
}

// Collectors returns every collector for registration.
func (r *Redrive) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.MessagesFound,
		r.MessagesRetried,
		r.MessagesRetriedNotDeleted,
		r.MessagesNotRetried,
		r.Rounds,
		r.PollDuration,
		r.QueueCalls,
	}
}

// ObservePoll records the duration of a poll round.
func (r *Redrive) ObservePoll(queue string, duration time.Duration) {
	if r == nil {
		return
	}
	r.PollDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordCall counts one queue client call.
func (r *Redrive) RecordCall(operation string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.QueueCalls.WithLabelValues(operation, result).Inc()
}

// RecordOutcome adds one redrive round's counts.
func (r *Redrive) RecordOutcome(queue string, found, retried, retriedNotDeleted, notRetried int) {
	if r == nil {
		return
	}
	r.MessagesFound.WithLabelValues(queue).Add(float64(found))
	r.MessagesRetried.WithLabelValues(queue).Add(float64(retried))
	r.MessagesRetriedNotDeleted.WithLabelValues(queue).Add(float64(retriedNotDeleted))
	r.MessagesNotRetried.WithLabelValues(queue).Add(float64(notRetried))
}

// RecordRound counts a finished round labelled with the loop state after it.
func (r *Redrive) RecordRound(queue, state string) {
	if r == nil {
		return
	}
	r.Rounds.WithLabelValues(queue, state).Inc()
}
